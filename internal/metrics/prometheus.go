package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Rejection reasons for TokenRequestsRejectedTotal.
const (
	ReasonTokenExchangeFailed = "token_exchange_failed"
	ReasonUserNotVerified     = "user_not_verified"
)

var (
	TokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_id_tokens_issued_total",
		Help: "Total number of ID tokens issued.",
	})
	TokenRequestsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_token_requests_rejected_total",
		Help: "Total number of token requests answered with 400, by reason.",
	}, []string{"reason"})
	UpstreamFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_upstream_failures_total",
		Help: "Total number of failed identity provider calls, by operation.",
	}, []string{"op"})
	SigningKeysGeneratedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_signing_keys_generated_total",
		Help: "Total number of signing keys generated and persisted by this process.",
	})
)

// InitCustomMetrics registers the bridge metrics with reg. It should be
// called once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register custom metrics.")
		return
	}

	collectors := map[string]prometheus.Collector{
		"TokensIssuedTotal":          TokensIssuedTotal,
		"TokenRequestsRejectedTotal": TokenRequestsRejectedTotal,
		"UpstreamFailuresTotal":      UpstreamFailuresTotal,
		"SigningKeysGeneratedTotal":  SigningKeysGeneratedTotal,
	}
	for name, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			log.Warn().Err(err).Msgf("Failed to register %s metric", name)
		}
	}
	log.Info().Msg("Custom Prometheus metrics registered.")
}

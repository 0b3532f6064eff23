package bridge

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pilab-dev/shadow-bridge/internal/audit"
	"github.com/pilab-dev/shadow-bridge/internal/claims"
	"github.com/pilab-dev/shadow-bridge/internal/federation"
	"github.com/pilab-dev/shadow-bridge/internal/metrics"
	"github.com/pilab-dev/shadow-bridge/log"
	"github.com/pilab-dev/shadow-bridge/tracing"
)

// TokenResponse is the body of a successful token request: every field of
// the upstream token response plus scope and id_token.
type TokenResponse map[string]any

// TokenServiceConfig holds the pipeline settings.
type TokenServiceConfig struct {
	Issuer   string
	ClientID string

	// RoleCheckGuilds lists the guilds role claims are looked up for.
	RoleCheckGuilds []string
	// RoleLookups is set when the provider can look up member roles.
	RoleLookups bool
}

// TokenService runs the token issuance pipeline: code exchange, profile
// verification, guild and role enrichment, claims assembly and signing.
type TokenService struct {
	provider federation.IdentityProvider
	signer   *TokenSigner
	audit    audit.Recorder
	logger   log.Logger
	cfg      TokenServiceConfig
}

// NewTokenService creates a new TokenService instance
func NewTokenService(
	provider federation.IdentityProvider,
	signer *TokenSigner,
	recorder audit.Recorder,
	logger log.Logger,
	cfg TokenServiceConfig,
) *TokenService {
	if logger == nil {
		logger = log.Nop()
	}

	return &TokenService{
		provider: provider,
		signer:   signer,
		audit:    recorder,
		logger:   logger.With(log.Fields{"component": "token_pipeline"}),
		cfg:      cfg,
	}
}

// IssueToken exchanges code upstream and issues an ID token for the user.
// Client-caused failures wrap ErrBadRequest and leave exactly one audit
// entry; any other error is internal.
func (s *TokenService) IssueToken(ctx context.Context, code string) (TokenResponse, error) {
	ctx, span := tracing.Tracer.Start(ctx, "bridge.IssueToken")
	defer span.End()

	tokens, err := s.exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	profile, err := s.verifiedProfile(ctx, tokens)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("user.id", profile.ID))

	guilds := s.guilds(ctx, tokens.AccessToken)
	lookup := s.roles(ctx, profile.ID, guilds)

	identity := claims.Assemble(claims.Input{
		Issuer:   s.cfg.Issuer,
		Audience: s.cfg.ClientID,
		Profile:  *profile,
		Guilds:   guilds,
		Roles:    lookup.Roles,
	})
	claimMap := identity.Map()
	s.logger.Debug(ctx, "id token claims assembled", log.Fields{"claims": claimMap})

	signed, err := s.signer.Sign(ctx, claimMap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "signing failed")
		s.audit.Record(ctx, audit.StepTokenSigningFailed, map[string]any{
			"userInfo": profile,
			"servers":  identity.Guilds,
			"error":    err.Error(),
		})
		s.logger.Error(ctx, "failed to sign id token", err)
		return nil, err
	}

	resp := make(TokenResponse, len(tokens.Raw)+2)
	maps.Copy(resp, tokens.Raw)
	resp["scope"] = federation.ExchangeScope
	resp["id_token"] = signed.Token

	details := map[string]any{
		"userInfo":      profile,
		"servers":       identity.Guilds,
		"roleClaims":    identity.RoleClaims(),
		"idTokenClaims": signed.Claims,
		"tokenResponseMeta": map[string]any{
			"scope":      resp["scope"],
			"token_type": resp["token_type"],
			"expires_in": resp["expires_in"],
		},
	}
	if len(lookup.Failures) > 0 {
		failures := make(map[string]string, len(lookup.Failures))
		for guildID, ferr := range lookup.Failures {
			failures[guildID] = ferr.Error()
		}
		details["roleFailures"] = failures
	}
	s.audit.Record(ctx, audit.StepTokenIssued, details)

	metrics.TokensIssuedTotal.Inc()
	s.logger.Info(ctx, "id token issued", log.Fields{
		"user_id": profile.ID,
		"guilds":  len(identity.Guilds),
	})

	return resp, nil
}

func (s *TokenService) exchange(ctx context.Context, code string) (*federation.TokenResult, error) {
	ctx, span := tracing.Tracer.Start(ctx, "bridge.exchange")
	defer span.End()

	tokens, err := s.provider.ExchangeCode(ctx, code)
	if err == nil {
		s.logger.Debug(ctx, "upstream token exchange succeeded", log.Fields{"status": tokens.StatusCode})
		return tokens, nil
	}

	failSpan(span, err)
	metrics.UpstreamFailuresTotal.WithLabelValues(federation.OpExchangeCode).Inc()
	metrics.TokenRequestsRejectedTotal.WithLabelValues(metrics.ReasonTokenExchangeFailed).Inc()

	details := map[string]any{}
	var upErr *federation.UpstreamError
	if errors.As(err, &upErr) {
		details["tokenRespStatus"] = upErr.StatusCode
		details["tokenResponse"] = upErr.Body
	}
	details["error"] = err.Error()
	s.audit.Record(ctx, audit.StepTokenExchangeFailed, details)
	s.logger.Warn(ctx, "upstream token exchange failed", log.Fields{"error": err.Error()})

	return nil, fmt.Errorf("%w: token exchange failed", ErrBadRequest)
}

// verifiedProfile fails, without touching guilds or roles, unless the
// profile loads and is verified.
func (s *TokenService) verifiedProfile(ctx context.Context, tokens *federation.TokenResult) (*federation.UserProfile, error) {
	ctx, span := tracing.Tracer.Start(ctx, "bridge.profile")
	defer span.End()

	profile, err := s.provider.FetchProfile(ctx, tokens.AccessToken)
	if err == nil && profile.Verified {
		s.logger.Debug(ctx, "upstream profile loaded", log.Fields{"user_id": profile.ID})
		return profile, nil
	}

	details := map[string]any{
		"tokenResponse": map[string]any{
			"scope":      tokens.Scope,
			"token_type": tokens.TokenType,
		},
	}
	if err != nil {
		metrics.UpstreamFailuresTotal.WithLabelValues(federation.OpFetchProfile).Inc()
		var upErr *federation.UpstreamError
		if errors.As(err, &upErr) {
			details["userInfoStatus"] = upErr.StatusCode
			details["userInfo"] = upErr.Body
		}
		details["error"] = err.Error()
	} else {
		err = errors.New("user not verified")
		details["userInfoStatus"] = 200
		details["userInfo"] = profile
	}

	failSpan(span, err)
	metrics.TokenRequestsRejectedTotal.WithLabelValues(metrics.ReasonUserNotVerified).Inc()
	s.audit.Record(ctx, audit.StepUserNotVerified, details)
	s.logger.Warn(ctx, "rejecting token request, profile not verified", log.Fields{"error": err.Error()})

	return nil, fmt.Errorf("%w: user not verified", ErrBadRequest)
}

// guilds returns the membership list, or an empty one if it cannot be read.
func (s *TokenService) guilds(ctx context.Context, accessToken string) []string {
	ctx, span := tracing.Tracer.Start(ctx, "bridge.guilds")
	defer span.End()

	guilds, err := s.provider.FetchGuilds(ctx, accessToken)
	if err != nil {
		failSpan(span, err)
		metrics.UpstreamFailuresTotal.WithLabelValues(federation.OpFetchGuilds).Inc()
		s.logger.Warn(ctx, "guild lookup failed, continuing without guilds", log.Fields{"error": err.Error()})
		return []string{}
	}
	span.SetAttributes(attribute.Int("guilds.count", len(guilds)))

	return guilds
}

// roles looks up roles for the configured guilds the user is a member of.
func (s *TokenService) roles(ctx context.Context, userID string, guilds []string) federation.RoleLookup {
	empty := federation.RoleLookup{Roles: map[string][]string{}, Failures: map[string]error{}}
	if !s.cfg.RoleLookups || len(s.cfg.RoleCheckGuilds) == 0 {
		return empty
	}

	var candidates []string
	for _, guildID := range s.cfg.RoleCheckGuilds {
		if slices.Contains(guilds, guildID) && !slices.Contains(candidates, guildID) {
			candidates = append(candidates, guildID)
		}
	}
	if len(candidates) == 0 {
		return empty
	}

	ctx, span := tracing.Tracer.Start(ctx, "bridge.roles", trace.WithAttributes(
		attribute.StringSlice("guilds", candidates),
	))
	defer span.End()

	lookup := s.provider.FetchRoles(ctx, userID, candidates)
	if lookup.Roles == nil {
		lookup.Roles = map[string][]string{}
	}
	for guildID, err := range lookup.Failures {
		metrics.UpstreamFailuresTotal.WithLabelValues(federation.OpFetchRoles).Inc()
		s.logger.Warn(ctx, "role lookup failed", log.Fields{"guild_id": guildID, "error": err.Error()})
	}
	if len(lookup.Failures) > 0 {
		span.SetStatus(codes.Error, "some role lookups failed")
	}

	return lookup
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

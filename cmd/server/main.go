package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	bridge "github.com/pilab-dev/shadow-bridge"
	bridgeecho "github.com/pilab-dev/shadow-bridge/api/echo"
	"github.com/pilab-dev/shadow-bridge/config"
	"github.com/pilab-dev/shadow-bridge/internal/audit"
	"github.com/pilab-dev/shadow-bridge/internal/federation"
	"github.com/pilab-dev/shadow-bridge/internal/metrics"
	"github.com/pilab-dev/shadow-bridge/internal/server"
	"github.com/pilab-dev/shadow-bridge/internal/telemetry"
	"github.com/pilab-dev/shadow-bridge/kv/backend"
	"github.com/pilab-dev/shadow-bridge/log"
	"github.com/pilab-dev/shadow-bridge/tracing"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		stdLog := zerolog.New(os.Stdout).With().Timestamp().Logger()
		stdLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := log.ParseLevel(cfg.LogLevel)
	appLogger := log.NewZerologAdapter(logLevel, cfg.LogPretty)
	log.SetGlobal(appLogger)
	if parseErr != nil {
		appLogger.Warn(context.Background(), "Invalid LOG_LEVEL configured, defaulting to 'info'", log.Fields{
			"configured_log_level": cfg.LogLevel,
		})
	}

	ctx := context.Background()
	if err := cfg.Validate(); err != nil {
		appLogger.Fatal(ctx, "Invalid configuration", err)
	}
	appLogger.Info(ctx, "Starting shadow-bridge server...", log.Fields{
		"http_port":         cfg.HTTPPort,
		"kv_backend":        cfg.KVBackend,
		"issuer":            cfg.Issuer,
		"role_check_guilds": cfg.RoleCheckGuilds,
		"role_lookups":      cfg.DiscordToken != "",
		"debug_endpoints":   cfg.DebugEndpoints,
	})

	tracerProvider, err := tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize TracerProvider", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.InitCustomMetrics(reg)
	meterProvider, err := telemetry.InitMeterProvider(reg, cfg.OtelServiceName)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize MeterProvider", err)
	}

	store, err := backend.Open(ctx, cfg)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to open kv store", err)
	}

	provider, err := federation.NewDiscordProvider(federation.Config{
		ClientID:              cfg.ClientID,
		ClientSecret:          cfg.ClientSecret,
		RedirectURL:           cfg.RedirectURL,
		BotToken:              cfg.DiscordToken,
		APIURL:                cfg.DiscordAPIURL,
		AuthorizeURL:          cfg.DiscordAuthorizeURL,
		Timeout:               cfg.UpstreamTimeout,
		RoleLookupConcurrency: cfg.RoleLookupConcurrency,
	})
	if err != nil {
		appLogger.Fatal(ctx, "Failed to configure identity provider", err)
	}

	auditStore := audit.NewStore(store,
		audit.WithTTL(cfg.AuditTTL),
		audit.WithIndexSize(cfg.AuditIndexSize),
	)
	keyStore := bridge.NewSigningKeyStore(store)
	tokenService := bridge.NewTokenService(
		provider,
		bridge.NewTokenSigner(keyStore, cfg.TokenTTL),
		auditStore,
		appLogger,
		bridge.TokenServiceConfig{
			Issuer:          cfg.Issuer,
			ClientID:        cfg.ClientID,
			RoleCheckGuilds: cfg.RoleCheckGuilds,
			RoleLookups:     cfg.DiscordToken != "",
		},
	)

	var auditLog bridgeecho.AuditLog
	if cfg.DebugEndpoints {
		auditLog = auditStore
	}
	api := bridgeecho.NewBridgeAPI(
		bridge.NewAuthorizer(cfg.ClientID, cfg.RedirectURL, provider),
		tokenService,
		bridge.NewJWKSService(keyStore),
		auditLog,
	)

	httpServer := server.NewHTTPServer(cfg, appLogger, api, reg)
	go func() {
		appLogger.Info(context.Background(), fmt.Sprintf("HTTP server listening on port %s", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal(context.Background(), "Failed to start HTTP server", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	receivedSignal := <-quit

	appLogger.Info(context.Background(), fmt.Sprintf("Received signal: %v. Shutting down server...", receivedSignal))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "HTTP server shutdown error", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "TracerProvider shutdown error", err)
	}
	telemetry.Shutdown(shutdownCtx, meterProvider)
	if err := store.Close(); err != nil {
		appLogger.Error(shutdownCtx, "kv store close error", err)
	}

	appLogger.Info(shutdownCtx, "Server gracefully stopped.")
}

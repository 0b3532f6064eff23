package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	bridgeecho "github.com/pilab-dev/shadow-bridge/api/echo"
	"github.com/pilab-dev/shadow-bridge/config"
	"github.com/pilab-dev/shadow-bridge/log"
)

// NewHTTPServer creates the echo router with the bridge routes and wraps it
// in an http.Server listening on the configured port.
func NewHTTPServer(
	cfg *config.ServerConfig,
	appLogger log.Logger,
	api *bridgeecho.BridgeAPI,
	gatherer prometheus.Gatherer,
) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           NewRouter(cfg.OtelServiceName, appLogger, api, gatherer),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// NewRouter builds the echo instance.
func NewRouter(serviceName string, appLogger log.Logger, api *bridgeecho.BridgeAPI, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName, otelecho.WithSkipper(func(c echo.Context) bool {
		return c.Path() == "/metrics" || c.Path() == "/healthz"
	})))
	e.Use(requestLogger(appLogger))
	e.Use(securityHeaders)

	api.RegisterRoutes(e)

	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return e
}

func requestLogger(appLogger log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := log.Fields{
				"method":     req.Method,
				"path":       c.Path(),
				"status":     c.Response().Status,
				"latency":    time.Since(start).String(),
				"ip":         c.RealIP(),
				"user_agent": req.UserAgent(),
			}
			if err != nil {
				appLogger.Error(req.Context(), "HTTP Request", err, fields)
			} else {
				appLogger.Info(req.Context(), "HTTP Request", fields)
			}

			return nil
		}
	}
}

// securityHeaders adds common security headers to responses.
func securityHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Response().Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		return next(c)
	}
}

// Package bridgeecho exposes the bridge over HTTP with echo.
package bridgeecho

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	bridge "github.com/pilab-dev/shadow-bridge"
	"github.com/pilab-dev/shadow-bridge/internal/audit"
)

const (
	badRequestBody = "Bad request."
	notFoundBody   = "Not found"
)

// TokenIssuer runs the token pipeline.
type TokenIssuer interface {
	IssueToken(ctx context.Context, code string) (bridge.TokenResponse, error)
}

// KeySetSource provides the public key set.
type KeySetSource interface {
	KeySet(ctx context.Context) (jose.JSONWebKeySet, error)
}

// AuditLog is the read side of the audit store.
type AuditLog interface {
	List(ctx context.Context) ([]audit.Entry, error)
	Get(ctx context.Context, id string) (*audit.Entry, error)
	Clear(ctx context.Context) (int, error)
}

// BridgeAPI holds the handler dependencies.
type BridgeAPI struct {
	authorizer *bridge.Authorizer
	tokens     TokenIssuer
	jwks       KeySetSource
	auditLog   AuditLog
}

// NewBridgeAPI initializes the API. A nil auditLog disables the debug
// endpoints.
func NewBridgeAPI(authorizer *bridge.Authorizer, tokens TokenIssuer, jwks KeySetSource, auditLog AuditLog) *BridgeAPI {
	return &BridgeAPI{
		authorizer: authorizer,
		tokens:     tokens,
		jwks:       jwks,
		auditLog:   auditLog,
	}
}

// RegisterRoutes registers the bridge routes.
func (a *BridgeAPI) RegisterRoutes(e *echo.Echo) {
	e.GET("/authorize/:scopemode", a.AuthorizeHandler)
	e.POST("/token", a.TokenHandler)
	e.GET("/jwks.json", a.JWKSHandler)
	e.GET("/healthz", a.HealthHandler)

	if a.auditLog != nil {
		e.GET("/debug/logs", a.ListLogsHandler)
		e.GET("/debug/logs/:id", a.GetLogHandler)
		e.DELETE("/debug/logs", a.ClearLogsHandler)
	}
}

// AuthorizeHandler redirects a valid authorization request to the upstream
// provider.
func (a *BridgeAPI) AuthorizeHandler(c echo.Context) error {
	target, err := a.authorizer.AuthorizeURL(bridge.AuthorizeRequest{
		ClientID:    c.QueryParam("client_id"),
		RedirectURI: c.QueryParam("redirect_uri"),
		ScopeMode:   c.Param("scopemode"),
		State:       c.QueryParam("state"),
	})
	if err != nil {
		log.Debug().Err(err).Msg("rejected authorize request")
		return c.String(http.StatusBadRequest, badRequestBody)
	}

	return c.Redirect(http.StatusFound, target)
}

// TokenHandler exchanges the posted authorization code for tokens.
func (a *BridgeAPI) TokenHandler(c echo.Context) error {
	resp, err := a.tokens.IssueToken(c.Request().Context(), c.FormValue("code"))
	if err != nil {
		if errors.Is(err, bridge.ErrBadRequest) {
			return c.String(http.StatusBadRequest, badRequestBody)
		}
		log.Error().Err(err).Msg("Failed to issue id token")
		return c.String(http.StatusInternalServerError, "Internal server error.")
	}

	return c.JSON(http.StatusOK, resp)
}

func (a *BridgeAPI) HealthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

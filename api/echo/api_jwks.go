package bridgeecho

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

func (a *BridgeAPI) JWKSHandler(c echo.Context) error {
	set, err := a.jwks.KeySet(c.Request().Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to load signing key for JWKS")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve JWKS"})
	}

	return c.JSON(http.StatusOK, set)
}

package bridgeecho

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/pilab-dev/shadow-bridge/internal/audit"
)

// ListLogsHandler returns the recent audit entries, newest first.
func (a *BridgeAPI) ListLogsHandler(c echo.Context) error {
	entries, err := a.auditLog.List(c.Request().Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list audit entries")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to list logs"})
	}

	return c.JSON(http.StatusOK, entries)
}

func (a *BridgeAPI) GetLogHandler(c echo.Context) error {
	entry, err := a.auditLog.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, audit.ErrNotFound) {
		return c.String(http.StatusNotFound, notFoundBody)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load audit entry")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load log"})
	}

	return c.JSON(http.StatusOK, entry)
}

func (a *BridgeAPI) ClearLogsHandler(c echo.Context) error {
	cleared, err := a.auditLog.Clear(c.Request().Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to clear audit entries")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to clear logs"})
	}

	return c.JSON(http.StatusOK, map[string]int{"cleared": cleared})
}

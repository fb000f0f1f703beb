package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/integrations"
)

type errorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// statusForError maps service errors onto HTTP statuses. Anything not
// listed is an internal error.
func statusForError(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownIntegration):
		return http.StatusNotFound
	case errors.Is(err, integrations.ErrInvalidState):
		return http.StatusForbidden
	case errors.Is(err, integrations.ErrInvalidRequest),
		errors.Is(err, integrations.ErrReconnectFailed),
		errors.Is(err, registry.ErrAuthentication),
		errors.Is(err, registry.ErrSessionExpired),
		errors.Is(err, registry.ErrNotConnected),
		errors.Is(err, registry.ErrUnsupported):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondError(c *echo.Context, err error) error {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		return h.RenderError(c, err)
	}
	return c.JSON(status, errorBody{Message: err.Error()})
}

func badRequest(c *echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Message: msg})
}

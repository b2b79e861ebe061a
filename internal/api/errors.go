package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/banking/aml-agents/internal/alerts"
	"github.com/banking/aml-agents/internal/domain"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error       string                        `json:"error"`
	Current     string                        `json:"current_state,omitempty"`
	Blocking    map[string]domain.AlertStatus `json:"blocking_alerts,omitempty"`
	Diagnostics []domain.Diagnostic           `json:"diagnostics,omitempty"`
}

// writeError maps domain errors onto status codes
func writeError(c echo.Context, err error) error {
	var (
		transition *domain.StateTransitionError
		closeErr   *domain.CaseCloseError
		cfgErr     *domain.ConfigurationError
		httpErr    *echo.HTTPError
	)
	switch {
	case errors.As(err, &transition):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Current: transition.Current})
	case errors.As(err, &closeErr):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Current: string(domain.CaseStatusOpen), Blocking: closeErr.Blocking})
	case errors.As(err, &cfgErr):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Diagnostics: cfgErr.Diagnostics})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrInvalidTransaction), errors.Is(err, alerts.ErrInvalidStatus):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.As(err, &httpErr):
		return c.JSON(httpErr.Code, ErrorResponse{Error: http.StatusText(httpErr.Code)})
	default:
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

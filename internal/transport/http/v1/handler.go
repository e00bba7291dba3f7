// Package v1 provides the external control-surface HTTP handlers.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/agentlens/optimizer/internal/domain"
	"github.com/agentlens/optimizer/internal/service"
)

// Handler handles external HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Loop control surface
	e.POST("/v1/loops", h.StartLoop)
	e.GET("/v1/loops", h.ListLoops)
	e.GET("/v1/loops/:loop_id", h.GetLoop)
	e.POST("/v1/loops/:loop_id/signal", h.SignalLoop)
	e.GET("/v1/loops/:loop_id/events", h.GetLoopEvents)

	// Approvals and history
	e.GET("/v1/approvals/pending", h.PendingApprovals)
	e.GET("/v1/history", h.ListHistory)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// httpError maps domain errors onto HTTP status codes.
func httpError(c echo.Context, err error) error {
	var illegal *domain.IllegalSignalError
	var thresholds *domain.ThresholdConfigError
	var validation *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrLoopNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrStaleStageCallback):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrAgentBusy):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &illegal):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &thresholds):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &validation):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

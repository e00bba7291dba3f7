// Package internalapi provides the collaborator-facing HTTP surface: stage
// executors report progress and completion here, and the production monitor
// reports regressions. Not exposed on the external port.
package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/agentlens/optimizer/internal/domain"
	"github.com/agentlens/optimizer/internal/service"
)

// Handler handles internal HTTP requests from collaborators.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new internal API handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Stage callbacks
	e.POST("/internal/loops/:loop_id/stages/:stage/start", h.StageStart)
	e.POST("/internal/loops/:loop_id/stages/:stage/progress", h.StageProgress)
	e.POST("/internal/loops/:loop_id/stages/:stage/complete", h.StageComplete)
	e.POST("/internal/loops/:loop_id/stages/:stage/fail", h.StageFail)

	// Production monitoring
	e.POST("/internal/loops/:loop_id/regression", h.ReportRegression)
}

func (h *Handler) stageParam(c echo.Context) (domain.Stage, bool) {
	return domain.ParseStage(c.Param("stage"))
}

// StageStart records that the executor began work on a stage.
func (h *Handler) StageStart(c echo.Context) error {
	stage, ok := h.stageParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown stage"})
	}
	if err := h.service.OnStageStart(c.Request().Context(), c.Param("loop_id"), stage); err != nil {
		return callbackError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// StageProgress merges executor metrics into the running stage.
func (h *Handler) StageProgress(c echo.Context) error {
	stage, ok := h.stageParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown stage"})
	}
	var req domain.StageProgressRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := h.service.OnStageProgress(c.Request().Context(), c.Param("loop_id"), stage, req.Metrics); err != nil {
		return callbackError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// StageComplete applies a stage completion callback.
func (h *Handler) StageComplete(c echo.Context) error {
	stage, ok := h.stageParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown stage"})
	}
	var req domain.StageCompleteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	outcome := domain.StageOutcome{
		Metrics:         req.Metrics,
		Comparison:      req.Comparison,
		ProposedChanges: req.ProposedChanges,
		ArtifactVersion: req.ArtifactVersion,
	}
	if err := h.service.OnStageComplete(c.Request().Context(), c.Param("loop_id"), stage, outcome); err != nil {
		return callbackError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// StageFail reports an opaque executor failure.
func (h *Handler) StageFail(c echo.Context) error {
	stage, ok := h.stageParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown stage"})
	}
	var req domain.StageFailRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Message == "" {
		req.Message = "stage executor reported failure"
	}
	if err := h.service.OnStageFailed(c.Request().Context(), c.Param("loop_id"), stage, req.Message); err != nil {
		return callbackError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// ReportRegression flags a regression observed during monitoring.
func (h *Handler) ReportRegression(c echo.Context) error {
	if err := h.service.ReportRegression(c.Request().Context(), c.Param("loop_id")); err != nil {
		return callbackError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func callbackError(c echo.Context, err error) error {
	switch err {
	case domain.ErrLoopNotFound:
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case domain.ErrStaleStageCallback:
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

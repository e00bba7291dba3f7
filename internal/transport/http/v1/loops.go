package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/agentlens/optimizer/internal/domain"
)

// StartLoop creates a new training loop.
// POST /v1/loops
func (h *Handler) StartLoop(c echo.Context) error {
	var req domain.StartLoopRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	loop, err := h.service.StartLoop(c.Request().Context(), req)
	if err != nil {
		return httpError(c, err)
	}

	return c.JSON(http.StatusCreated, domain.StartLoopResponse{
		LoopID: loop.LoopID,
		Status: loop.Status,
	})
}

// GetLoop returns one loop snapshot.
// GET /v1/loops/:loop_id
func (h *Handler) GetLoop(c echo.Context) error {
	loop, err := h.service.GetLoop(c.Request().Context(), c.Param("loop_id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, loop)
}

// ListLoops returns loops, optionally filtered by agent.
// GET /v1/loops?agent_id=...
func (h *Handler) ListLoops(c echo.Context) error {
	loops, err := h.service.ListLoops(c.Request().Context(), c.QueryParam("agent_id"))
	if err != nil {
		return httpError(c, err)
	}
	if loops == nil {
		loops = []domain.TrainingLoop{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"loops": loops})
}

// SignalLoop applies an external control signal.
// POST /v1/loops/:loop_id/signal
func (h *Handler) SignalLoop(c echo.Context) error {
	var req domain.SignalRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	kind, ok := domain.ParseSignal(string(req.Kind))
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown signal kind"})
	}
	req.Kind = kind

	loop, err := h.service.Signal(c.Request().Context(), c.Param("loop_id"), req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, domain.SignalResponse{
		LoopID: loop.LoopID,
		Status: loop.Status,
	})
}

// PendingApprovals lists loops awaiting a human decision.
// GET /v1/approvals/pending
func (h *Handler) PendingApprovals(c echo.Context) error {
	loops, err := h.service.PendingApprovals(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	if loops == nil {
		loops = []domain.TrainingLoop{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"loops": loops})
}

// GetLoopEvents returns the audit trail for a loop.
// GET /v1/loops/:loop_id/events?limit=...
func (h *Handler) GetLoopEvents(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	events, err := h.service.ListEvents(c.Request().Context(), c.Param("loop_id"), limit)
	if err != nil {
		return httpError(c, err)
	}
	if events == nil {
		events = []domain.LoopEvent{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events})
}

// ListHistory returns finished iterations, newest first.
// GET /v1/history?agent_id=...&limit=...&offset=...
func (h *Handler) ListHistory(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	entries, err := h.service.History().List(c.Request().Context(), c.QueryParam("agent_id"), limit, offset)
	if err != nil {
		return httpError(c, err)
	}
	if entries == nil {
		entries = []domain.IterationHistoryEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"history": entries})
}

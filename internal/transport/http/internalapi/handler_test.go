package internalapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlens/optimizer/internal/config"
	"github.com/agentlens/optimizer/internal/domain"
	"github.com/agentlens/optimizer/internal/metrics"
	"github.com/agentlens/optimizer/internal/repository"
	"github.com/agentlens/optimizer/internal/service"
	"github.com/agentlens/optimizer/policy"
)

type nopCollaborator struct{}

func (nopCollaborator) StartStage(context.Context, *domain.TrainingLoop, domain.Stage) error {
	return nil
}

func (nopCollaborator) Rollback(context.Context, string, string) error {
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *service.Service) {
	t.Helper()
	gate, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	cfg := &config.Config{
		StageStartTimeout:       time.Second,
		DefaultMonitoringPeriod: 30 * time.Millisecond,
	}
	svc := service.New(repository.NewMemoryStore(), nopCollaborator{}, nopCollaborator{}, gate,
		cfg, zerolog.Nop(), metrics.NewRecorder(prometheus.NewRegistry()))
	t.Cleanup(svc.Shutdown)
	return NewHandler(svc), svc
}

func startLoop(t *testing.T, svc *service.Service) string {
	t.Helper()
	loop, err := svc.StartLoop(context.Background(), domain.StartLoopRequest{
		AgentID:              "agent-1",
		Strategy:             domain.StrategyReflection,
		MaxIterations:        3,
		ImprovementThreshold: 2,
		AutoApproveThreshold: 5,
	})
	require.NoError(t, err)
	return loop.LoopID
}

func callbackContext(e *echo.Echo, loopID string, stage, body string) (*httptest.ResponseRecorder, echo.Context) {
	req := httptest.NewRequest(http.MethodPost, "/internal/loops/"+loopID+"/stages/"+stage+"/complete",
		strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("loop_id", "stage")
	c.SetParamValues(loopID, stage)
	return rec, c
}

func TestStageCompleteCallback(t *testing.T) {
	h, svc := newTestHandler(t)
	e := echo.New()
	loopID := startLoop(t, svc)

	rec, c := callbackContext(e, loopID, "collecting", `{"metrics":{"traces":120}}`)
	require.NoError(t, h.StageComplete(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	loop, err := svc.GetLoop(context.Background(), loopID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCurating, loop.CurrentStage)

	// Executors retry deliveries; the duplicate must conflict, not re-apply.
	rec, c = callbackContext(e, loopID, "collecting", `{"metrics":{"traces":120}}`)
	require.NoError(t, h.StageComplete(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStageCompleteUnknownStage(t *testing.T) {
	h, svc := newTestHandler(t)
	e := echo.New()
	loopID := startLoop(t, svc)

	rec, c := callbackContext(e, loopID, "hallucinating", `{}`)
	require.NoError(t, h.StageComplete(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStageCompleteUnknownLoop(t *testing.T) {
	h, _ := newTestHandler(t)
	e := echo.New()

	rec, c := callbackContext(e, "loop_missing", "collecting", `{}`)
	require.NoError(t, h.StageComplete(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStageFailCallback(t *testing.T) {
	h, svc := newTestHandler(t)
	e := echo.New()
	loopID := startLoop(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/internal/loops/"+loopID+"/stages/collecting/fail",
		strings.NewReader(`{"message":"trace source unavailable"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("loop_id", "stage")
	c.SetParamValues(loopID, "collecting")
	require.NoError(t, h.StageFail(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	loop, err := svc.GetLoop(context.Background(), loopID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoopStatusFailed, loop.Status)
	assert.Equal(t, "trace source unavailable", loop.Reason)
}

func TestStageProgressCallback(t *testing.T) {
	h, svc := newTestHandler(t)
	e := echo.New()
	loopID := startLoop(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/internal/loops/"+loopID+"/stages/collecting/progress",
		strings.NewReader(`{"metrics":{"traces_collected":42}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("loop_id", "stage")
	c.SetParamValues(loopID, "collecting")
	require.NoError(t, h.StageProgress(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	loop, err := svc.GetLoop(context.Background(), loopID)
	require.NoError(t, err)
	si := loop.StageInfo(domain.StageCollecting)
	require.NotNil(t, si)
	assert.Equal(t, float64(42), si.Metrics["traces_collected"])
}

func TestRegressionCallback(t *testing.T) {
	h, svc := newTestHandler(t)
	e := echo.New()
	ctx := context.Background()
	loopID := startLoop(t, svc)

	// Not yet monitoring: the report is stale.
	req := httptest.NewRequest(http.MethodPost, "/internal/loops/"+loopID+"/regression", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("loop_id")
	c.SetParamValues(loopID)
	require.NoError(t, h.ReportRegression(c))
	assert.Equal(t, http.StatusConflict, rec.Code)

	for _, stage := range []domain.Stage{domain.StageCollecting, domain.StageCurating, domain.StageOptimizing} {
		require.NoError(t, svc.OnStageComplete(ctx, loopID, stage, domain.StageOutcome{}))
	}
	require.NoError(t, svc.OnStageComplete(ctx, loopID, domain.StageEvaluating, domain.StageOutcome{
		Comparison: &domain.ScoreComparison{ScoreBefore: 80, ScoreAfter: 86},
	}))
	require.NoError(t, svc.OnStageComplete(ctx, loopID, domain.StageDeploying, domain.StageOutcome{}))

	req = httptest.NewRequest(http.MethodPost, "/internal/loops/"+loopID+"/regression", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("loop_id")
	c.SetParamValues(loopID)
	require.NoError(t, h.ReportRegression(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		loop, err := svc.GetLoop(ctx, loopID)
		return err == nil && loop.Status == domain.LoopStatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

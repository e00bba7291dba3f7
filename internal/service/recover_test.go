package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlens/optimizer/internal/config"
	"github.com/agentlens/optimizer/internal/domain"
	"github.com/agentlens/optimizer/internal/metrics"
	"github.com/agentlens/optimizer/internal/repository"
	"github.com/agentlens/optimizer/policy"
)

// newServiceOver builds a fresh controller over an existing store, simulating
// a process restart.
func newServiceOver(t *testing.T, store repository.Store) (*Service, *fakeExecutor, *fakeDeployer) {
	t.Helper()
	exec := &fakeExecutor{}
	dep := &fakeDeployer{}
	gate, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	cfg := &config.Config{
		StageStartTimeout:       time.Second,
		DefaultMonitoringPeriod: 30 * time.Millisecond,
	}
	svc := New(store, exec, dep, gate, cfg, zerolog.Nop(), metrics.NewRecorder(prometheus.NewRegistry()))
	t.Cleanup(svc.Shutdown)
	return svc, exec, dep
}

func TestRecoverReissuesStageStart(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	loop, err := svc.StartLoop(ctx, startRequest())
	require.NoError(t, err)
	require.NoError(t, svc.OnStageComplete(ctx, loop.LoopID, domain.StageCollecting, domain.StageOutcome{}))

	// "Crash": discard the first controller and its timers.
	svc.Shutdown()

	restarted, exec2, _ := newServiceOver(t, store)
	require.NoError(t, restarted.Recover(ctx))

	require.Eventually(t, func() bool {
		return exec2.countStarts(domain.StageCurating) == 1
	}, time.Second, 5*time.Millisecond)

	got := mustGet(t, restarted, loop.LoopID)
	assert.Equal(t, domain.LoopStatusRunning, got.Status)
	assert.Equal(t, domain.StageCurating, got.CurrentStage)
}

func TestRecoverRearmsMonitoringDeadline(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	req := startRequest()
	req.MonitoringPeriodMs = 60_000
	loop, err := svc.StartLoop(ctx, req)
	require.NoError(t, err)
	driveToEvaluating(t, svc, loop.LoopID)
	completeEvaluation(t, svc, loop.LoopID, 80, 86)

	require.NoError(t, svc.OnStageComplete(ctx, loop.LoopID, domain.StageDeploying, domain.StageOutcome{
		ArtifactVersion: "agent-1-v2",
	}))
	svc.Shutdown()

	// The process stayed down past the monitoring deadline.
	stored, err := store.GetLoop(ctx, loop.LoopID)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	stored.MonitorDeadline = &past
	require.NoError(t, store.CompareAndSwapLoop(ctx, stored))

	restarted, _, _ := newServiceOver(t, store)
	require.NoError(t, restarted.Recover(ctx))

	// The deadline already passed; recovery clamps the remaining wait to one
	// second rather than firing inline.
	require.Eventually(t, func() bool {
		return mustGet(t, restarted, loop.LoopID).Status == domain.LoopStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	entries, err := restarted.History().List(ctx, "agent-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutcomeDeployed, entries[0].Outcome)
}

func TestRecoverLeavesOperatorGatedLoopsAlone(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	paused, err := svc.StartLoop(ctx, startRequest())
	require.NoError(t, err)
	_, err = svc.Signal(ctx, paused.LoopID, domain.SignalRequest{Kind: domain.SignalPause})
	require.NoError(t, err)

	waitingReq := startRequest()
	waitingReq.AgentID = "agent-2"
	waiting, err := svc.StartLoop(ctx, waitingReq)
	require.NoError(t, err)
	driveToEvaluating(t, svc, waiting.LoopID)
	completeEvaluation(t, svc, waiting.LoopID, 80, 83)
	require.Equal(t, domain.LoopStatusWaitingApproval, mustGet(t, svc, waiting.LoopID).Status)

	svc.Shutdown()

	restarted, exec2, _ := newServiceOver(t, store)
	require.NoError(t, restarted.Recover(ctx))

	time.Sleep(50 * time.Millisecond)
	exec2.mu.Lock()
	starts := len(exec2.starts)
	exec2.mu.Unlock()
	assert.Zero(t, starts)

	assert.Equal(t, domain.LoopStatusPaused, mustGet(t, restarted, paused.LoopID).Status)
	assert.Equal(t, domain.LoopStatusWaitingApproval, mustGet(t, restarted, waiting.LoopID).Status)
}

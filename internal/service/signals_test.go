package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlens/optimizer/internal/domain"
)

func signalKind(t *testing.T, svc *Service, loopID string, kind domain.SignalKind) error {
	t.Helper()
	_, err := svc.Signal(context.Background(), loopID, domain.SignalRequest{Kind: kind})
	return err
}

func TestSignalLegality(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	loop, err := svc.StartLoop(ctx, startRequest())
	require.NoError(t, err)

	var illegal *domain.IllegalSignalError

	// Running: resume, approve, and reject are illegal.
	for _, kind := range []domain.SignalKind{domain.SignalResume, domain.SignalApprove, domain.SignalReject} {
		err := signalKind(t, svc, loop.LoopID, kind)
		require.ErrorAs(t, err, &illegal, "signal %s", kind)
	}
	assert.Equal(t, domain.LoopStatusRunning, mustGet(t, svc, loop.LoopID).Status)

	// Paused: only resume and abort apply.
	require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalPause))
	for _, kind := range []domain.SignalKind{domain.SignalPause, domain.SignalApprove, domain.SignalReject, domain.SignalSkipStage} {
		err := signalKind(t, svc, loop.LoopID, kind)
		require.ErrorAs(t, err, &illegal, "signal %s", kind)
	}
	assert.Equal(t, domain.LoopStatusPaused, mustGet(t, svc, loop.LoopID).Status)

	// Terminal: everything is illegal.
	require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalAbort))
	for _, kind := range []domain.SignalKind{
		domain.SignalPause, domain.SignalResume, domain.SignalAbort,
		domain.SignalApprove, domain.SignalReject, domain.SignalSkipStage,
	} {
		err := signalKind(t, svc, loop.LoopID, kind)
		require.ErrorAs(t, err, &illegal, "signal %s", kind)
	}
}

func TestSignalUnknownLoop(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	err := signalKind(t, svc, "loop_missing", domain.SignalPause)
	require.ErrorIs(t, err, domain.ErrLoopNotFound)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	loop, err := svc.StartLoop(context.Background(), startRequest())
	require.NoError(t, err)

	require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalPause))
	got := mustGet(t, svc, loop.LoopID)
	assert.Equal(t, domain.LoopStatusPaused, got.Status)
	// The in-flight stage keeps its running marker while paused.
	assert.Equal(t, domain.StageStatusRunning, got.StageInfo(domain.StageCollecting).Status)

	require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalResume))
	got = mustGet(t, svc, loop.LoopID)
	assert.Equal(t, domain.LoopStatusRunning, got.Status)
	assert.Equal(t, domain.StageCollecting, got.CurrentStage)
}

func TestSkipStageWalksThePipeline(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	loop, err := svc.StartLoop(ctx, startRequest())
	require.NoError(t, err)

	expect := []domain.Stage{
		domain.StageCurating,
		domain.StageOptimizing,
		domain.StageEvaluating,
		domain.StageDeploying,
		domain.StageMonitoring,
	}
	for _, next := range expect {
		require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalSkipStage))
		got := mustGet(t, svc, loop.LoopID)
		assert.Equal(t, next, got.CurrentStage)
		assert.Equal(t, domain.LoopStatusRunning, got.Status)
		assertSingleActiveStage(t, got)
	}

	got := mustGet(t, svc, loop.LoopID)
	// Skipping into monitoring arms the watchdog like a real deployment.
	assert.NotNil(t, got.MonitorDeadline)
	assert.Equal(t, true, got.StageInfo(domain.StageCollecting).Metrics["skipped_by_operator"])

	// Skipping monitoring itself completes the loop without a verified period.
	require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalSkipStage))
	got = mustGet(t, svc, loop.LoopID)
	assert.Equal(t, domain.LoopStatusCompleted, got.Status)
	assert.Equal(t, "monitoring skipped by operator", got.Reason)
	assert.Nil(t, got.MonitorDeadline)

	entries, err := svc.History().List(ctx, "agent-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutcomeSkipped, entries[0].Outcome)
}

func TestSkipStageWhileAwaitingApproval(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	loop, err := svc.StartLoop(context.Background(), startRequest())
	require.NoError(t, err)

	driveToEvaluating(t, svc, loop.LoopID)
	completeEvaluation(t, svc, loop.LoopID, 80, 83)
	require.Equal(t, domain.LoopStatusWaitingApproval, mustGet(t, svc, loop.LoopID).Status)

	require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalSkipStage))
	got := mustGet(t, svc, loop.LoopID)
	assert.Equal(t, domain.LoopStatusRunning, got.Status)
	assert.Equal(t, domain.StageDeploying, got.CurrentStage)
	assert.Nil(t, got.Approval)
}

func TestRollbackSignalAbortsAndRestoresArtifact(t *testing.T) {
	svc, _, _, dep := newTestService(t)
	ctx := context.Background()
	loop, err := svc.StartLoop(ctx, startRequest())
	require.NoError(t, err)

	driveToEvaluating(t, svc, loop.LoopID)
	completeEvaluation(t, svc, loop.LoopID, 80, 86)
	require.NoError(t, svc.OnStageComplete(ctx, loop.LoopID, domain.StageDeploying, domain.StageOutcome{
		ArtifactVersion: "agent-1-v3",
	}))

	_, err = svc.Signal(ctx, loop.LoopID, domain.SignalRequest{Kind: domain.SignalRollback, Reason: "prod incident"})
	require.NoError(t, err)

	got := mustGet(t, svc, loop.LoopID)
	assert.Equal(t, domain.LoopStatusAborted, got.Status)
	assert.Equal(t, "prod incident", got.Reason)
	assert.Equal(t, []string{"agent-1-v3"}, dep.rolledBack())
}

func TestRollbackSignalWithoutArtifactSkipsDeployer(t *testing.T) {
	svc, _, _, dep := newTestService(t)
	ctx := context.Background()
	loop, err := svc.StartLoop(ctx, startRequest())
	require.NoError(t, err)

	driveToEvaluating(t, svc, loop.LoopID)
	completeEvaluation(t, svc, loop.LoopID, 80, 86)
	require.Equal(t, domain.StageDeploying, mustGet(t, svc, loop.LoopID).CurrentStage)

	// No artifact has been reported yet; the abort must not call the deployer.
	require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalRollback))
	assert.Equal(t, domain.LoopStatusAborted, mustGet(t, svc, loop.LoopID).Status)
	assert.Empty(t, dep.rolledBack())
}

// Rollback only makes sense once a candidate is deploying, deployed, or gated
// for approval right before deployment. Anywhere earlier there is nothing to
// roll back.
func TestRollbackSignalLegality(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	loop, err := svc.StartLoop(ctx, startRequest())
	require.NoError(t, err)

	var illegal *domain.IllegalSignalError

	// Collecting: nothing deployed yet.
	err = signalKind(t, svc, loop.LoopID, domain.SignalRollback)
	require.ErrorAs(t, err, &illegal)
	got := mustGet(t, svc, loop.LoopID)
	assert.Equal(t, domain.LoopStatusRunning, got.Status)
	assert.Equal(t, domain.StageCollecting, got.CurrentStage)

	// Paused, even in deploying: resume first.
	driveToEvaluating(t, svc, loop.LoopID)
	completeEvaluation(t, svc, loop.LoopID, 80, 86)
	require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalPause))
	err = signalKind(t, svc, loop.LoopID, domain.SignalRollback)
	require.ErrorAs(t, err, &illegal)
	require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalResume))
	require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalRollback))
	assert.Equal(t, domain.LoopStatusAborted, mustGet(t, svc, loop.LoopID).Status)

	// Awaiting approval counts: the candidate is one decision from production.
	req := startRequest()
	req.AgentID = "agent-2"
	gated, err := svc.StartLoop(ctx, req)
	require.NoError(t, err)
	driveToEvaluating(t, svc, gated.LoopID)
	completeEvaluation(t, svc, gated.LoopID, 80, 83)
	require.Equal(t, domain.LoopStatusWaitingApproval, mustGet(t, svc, gated.LoopID).Status)
	require.NoError(t, signalKind(t, svc, gated.LoopID, domain.SignalRollback))
	assert.Equal(t, domain.LoopStatusAborted, mustGet(t, svc, gated.LoopID).Status)
}

func TestSignalEventsAreAudited(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	loop, err := svc.StartLoop(ctx, startRequest())
	require.NoError(t, err)

	require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalPause))
	require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalResume))

	events, err := svc.ListEvents(ctx, loop.LoopID, 0)
	require.NoError(t, err)
	var signals int
	for _, e := range events {
		if e.Type == domain.EventTypeSignalApplied {
			signals++
		}
	}
	assert.Equal(t, 2, signals)
}

func TestFailureWhilePausedIsParked(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	loop, err := svc.StartLoop(ctx, startRequest())
	require.NoError(t, err)

	require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalPause))
	require.NoError(t, svc.OnStageFailed(ctx, loop.LoopID, domain.StageCollecting, "trace source unavailable"))

	got := mustGet(t, svc, loop.LoopID)
	require.Equal(t, domain.LoopStatusPaused, got.Status)

	require.NoError(t, signalKind(t, svc, loop.LoopID, domain.SignalResume))
	require.Eventually(t, func() bool {
		return mustGet(t, svc, loop.LoopID).Status == domain.LoopStatusFailed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "trace source unavailable", mustGet(t, svc, loop.LoopID).Reason)
}

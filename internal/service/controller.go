package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentlens/optimizer/internal/domain"
	"github.com/agentlens/optimizer/policy"
)

// StartLoop creates a new training loop and kicks off the collecting stage.
func (s *Service) StartLoop(ctx context.Context, req domain.StartLoopRequest) (*domain.TrainingLoop, error) {
	if req.AgentID == "" {
		return nil, &domain.ValidationError{Field: "agent_id", Message: "agent_id is required"}
	}
	if !req.Strategy.Valid() {
		return nil, &domain.ValidationError{Field: "strategy", Message: fmt.Sprintf("unknown strategy %q", req.Strategy)}
	}
	if req.Trigger == "" {
		req.Trigger = domain.TriggerManual
	}
	if !req.Trigger.Valid() {
		return nil, &domain.ValidationError{Field: "trigger", Message: fmt.Sprintf("unknown trigger %q", req.Trigger)}
	}
	if req.MaxIterations < 1 {
		return nil, &domain.ValidationError{Field: "max_iterations", Message: "max_iterations must be at least 1"}
	}
	if req.AutoApproveThreshold <= req.ImprovementThreshold {
		return nil, &domain.ThresholdConfigError{
			ImprovementThreshold: req.ImprovementThreshold,
			AutoApproveThreshold: req.AutoApproveThreshold,
		}
	}

	// One live loop per agent: concurrent optimization attempts against the
	// same agent would race each other's deployments. The busy check and the
	// insert are serialized per agent; a bare check-then-create would let
	// simultaneous starts all pass the check.
	lock := s.agentLock(req.AgentID)
	lock.Lock()
	defer lock.Unlock()

	active, err := s.store.ListLoops(ctx, req.AgentID, domain.ActiveLoopStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to check active loops: %w", err)
	}
	if len(active) > 0 {
		return nil, domain.ErrAgentBusy
	}

	monitoringMs := req.MonitoringPeriodMs
	if monitoringMs <= 0 {
		monitoringMs = s.cfg.DefaultMonitoringPeriod.Milliseconds()
	}

	now := time.Now()
	loop := &domain.TrainingLoop{
		LoopID:               "loop_" + uuid.New().String()[:8],
		AgentID:              req.AgentID,
		Strategy:             req.Strategy,
		Trigger:              req.Trigger,
		Status:               domain.LoopStatusRunning,
		CurrentStage:         domain.StageCollecting,
		CurrentIteration:     1,
		MaxIterations:        req.MaxIterations,
		Stages:               domain.NewStages(),
		BaselineScore:        req.BaselineScore,
		ImprovementThreshold: req.ImprovementThreshold,
		AutoApproveThreshold: req.AutoApproveThreshold,
		EvalSuiteID:          req.EvalSuiteID,
		MonitoringPeriodMs:   monitoringMs,
		IterationStartedAt:   now,
		CreatedAt:            now,
	}
	si := loop.StageInfo(domain.StageCollecting)
	si.Status = domain.StageStatusRunning
	si.StartedAt = &now

	if err := s.store.CreateLoop(ctx, loop); err != nil {
		return nil, fmt.Errorf("failed to create loop: %w", err)
	}

	s.log.Info().Str("loop_id", loop.LoopID).Str("agent_id", loop.AgentID).
		Str("strategy", string(loop.Strategy)).Str("trigger", string(loop.Trigger)).
		Int("max_iterations", loop.MaxIterations).Msg("training loop started")
	s.recordEvent(ctx, loop.LoopID, domain.EventTypeLoopCreated, map[string]interface{}{
		"agent_id": loop.AgentID,
		"strategy": loop.Strategy,
		"trigger":  loop.Trigger,
	})
	s.metrics.LoopStarted(loop.Strategy, loop.Trigger)
	s.dispatchStage(loop.Clone(), domain.StageCollecting)

	return loop, nil
}

// GetLoop returns a loop snapshot.
func (s *Service) GetLoop(ctx context.Context, loopID string) (*domain.TrainingLoop, error) {
	loop, err := s.store.GetLoop(ctx, loopID)
	if err != nil {
		return nil, err
	}
	if loop == nil {
		return nil, domain.ErrLoopNotFound
	}
	return loop, nil
}

// ListLoops returns loops, optionally filtered by agent.
func (s *Service) ListLoops(ctx context.Context, agentID string) ([]domain.TrainingLoop, error) {
	return s.store.ListLoops(ctx, agentID, nil)
}

// PendingApprovals returns all loops waiting for a human decision.
func (s *Service) PendingApprovals(ctx context.Context) ([]domain.TrainingLoop, error) {
	return s.store.ListLoops(ctx, "", []domain.LoopStatus{domain.LoopStatusWaitingApproval})
}

// OnStageStart records that the executor actually began work on a stage.
// Duplicate and out-of-date deliveries fail with ErrStaleStageCallback.
func (s *Service) OnStageStart(ctx context.Context, loopID string, stage domain.Stage) error {
	_, err := s.mutateLoop(ctx, loopID, func(loop *domain.TrainingLoop, fx *effects) error {
		if loop.Status != domain.LoopStatusRunning || stage != loop.CurrentStage {
			return domain.ErrStaleStageCallback
		}
		si := loop.StageInfo(stage)
		if si == nil || si.Status != domain.StageStatusRunning {
			return domain.ErrStaleStageCallback
		}
		if si.StartedAt != nil {
			// Already started; re-delivery after a restart is expected.
			return errNoChange
		}
		now := time.Now()
		si.StartedAt = &now
		fx.add(func() {
			s.recordEvent(ctx, loopID, domain.EventTypeStageStarted, map[string]interface{}{"stage": stage})
		})
		return nil
	})
	return err
}

// OnStageProgress merges executor-reported metrics into the running stage.
func (s *Service) OnStageProgress(ctx context.Context, loopID string, stage domain.Stage, progress map[string]interface{}) error {
	_, err := s.mutateLoop(ctx, loopID, func(loop *domain.TrainingLoop, fx *effects) error {
		if loop.Status != domain.LoopStatusRunning || stage != loop.CurrentStage {
			return domain.ErrStaleStageCallback
		}
		si := loop.StageInfo(stage)
		if si == nil || si.Status != domain.StageStatusRunning {
			return domain.ErrStaleStageCallback
		}
		if len(progress) == 0 {
			return errNoChange
		}
		mergeMetrics(si, progress)
		fx.add(func() {
			s.recordEvent(ctx, loopID, domain.EventTypeStageProgress, map[string]interface{}{"stage": stage, "metrics": progress})
		})
		return nil
	})
	return err
}

// OnStageComplete applies a stage completion callback. Completions arriving
// while the loop is paused are parked and applied on resume; completions for
// a stage that is no longer current are rejected as stale so duplicate
// deliveries have no effect.
func (s *Service) OnStageComplete(ctx context.Context, loopID string, stage domain.Stage, outcome domain.StageOutcome) error {
	_, err := s.mutateLoop(ctx, loopID, func(loop *domain.TrainingLoop, fx *effects) error {
		if loop.Status == domain.LoopStatusPaused && stage == loop.CurrentStage {
			si := loop.StageInfo(stage)
			if si != nil && si.Status == domain.StageStatusRunning {
				s.enqueue(loopID, queuedCallback{kind: queuedComplete, stage: stage, outcome: outcome})
				return errQueued
			}
		}
		if loop.Status != domain.LoopStatusRunning || stage != loop.CurrentStage {
			return domain.ErrStaleStageCallback
		}
		si := loop.StageInfo(stage)
		if si == nil || si.Status != domain.StageStatusRunning {
			return domain.ErrStaleStageCallback
		}
		return s.applyStageCompletion(ctx, loop, stage, outcome, fx)
	})
	if err == nil || err == errQueued {
		return nil
	}
	return err
}

// OnStageFailed applies an opaque executor failure. Any stage failure is
// terminal for the loop; retries are a collaborator concern.
func (s *Service) OnStageFailed(ctx context.Context, loopID string, stage domain.Stage, message string) error {
	_, err := s.mutateLoop(ctx, loopID, func(loop *domain.TrainingLoop, fx *effects) error {
		if loop.Status == domain.LoopStatusPaused && stage == loop.CurrentStage {
			si := loop.StageInfo(stage)
			if si != nil && si.Status == domain.StageStatusRunning {
				s.enqueue(loopID, queuedCallback{kind: queuedFail, stage: stage, message: message})
				return errQueued
			}
		}
		if loop.Status != domain.LoopStatusRunning || stage != loop.CurrentStage {
			return domain.ErrStaleStageCallback
		}
		si := loop.StageInfo(stage)
		if si == nil || si.Status != domain.StageStatusRunning {
			return domain.ErrStaleStageCallback
		}
		s.failLoop(ctx, loop, stage, message, fx)
		return nil
	})
	if err == nil || err == errQueued {
		return nil
	}
	return err
}

// applyStageCompletion advances the state machine after a stage finished.
// Caller has already validated that stage is the loop's current, running stage.
func (s *Service) applyStageCompletion(ctx context.Context, loop *domain.TrainingLoop, stage domain.Stage, outcome domain.StageOutcome, fx *effects) error {
	switch stage {
	case domain.StageCollecting, domain.StageCurating, domain.StageOptimizing:
		dur := finishStageInfo(loop.StageInfo(stage), domain.StageStatusCompleted, outcome.Metrics)
		next, _ := stage.Next()
		s.enterStage(ctx, loop, next, fx)
		s.emitStageCompleted(ctx, loop.LoopID, stage, dur, fx)
		return nil

	case domain.StageEvaluating:
		return s.applyGate(ctx, loop, outcome, fx)

	case domain.StageDeploying:
		if outcome.ArtifactVersion != "" {
			loop.ArtifactVersion = outcome.ArtifactVersion
		}
		dur := finishStageInfo(loop.StageInfo(stage), domain.StageStatusCompleted, outcome.Metrics)
		s.enterMonitoring(ctx, loop, fx)
		s.emitStageCompleted(ctx, loop.LoopID, stage, dur, fx)
		return nil

	case domain.StageMonitoring:
		// A monitoring collaborator may close out the period itself; treat it
		// exactly like the timer elapsing.
		mergeMetrics(loop.StageInfo(stage), outcome.Metrics)
		return s.finishMonitoring(ctx, loop, fx)
	}
	return domain.ErrStaleStageCallback
}

// applyGate routes an evaluation result through the promotion gate.
func (s *Service) applyGate(ctx context.Context, loop *domain.TrainingLoop, outcome domain.StageOutcome, fx *effects) error {
	si := loop.StageInfo(domain.StageEvaluating)
	if outcome.Comparison == nil {
		s.failLoop(ctx, loop, domain.StageEvaluating, "evaluating stage completed without a score comparison", fx)
		return nil
	}

	cmp := *outcome.Comparison
	delta := cmp.Delta()
	if loop.BaselineScore == 0 {
		loop.BaselineScore = cmp.ScoreBefore
	}
	loop.CurrentScore = cmp.ScoreAfter

	decision, err := s.gate.Decide(ctx, delta, loop.ImprovementThreshold, loop.AutoApproveThreshold)
	if err != nil {
		// A broken gate policy must not discard a finished evaluation; park
		// the loop for a human instead.
		s.log.Error().Err(err).Str("loop_id", loop.LoopID).Msg("promotion gate evaluation failed")
		decision = policy.DecisionReview
	}

	loopID := loop.LoopID
	fx.add(func() {
		s.metrics.GateDecision(string(decision))
		s.recordEvent(ctx, loopID, domain.EventTypeGateDecision, domain.GateDecisionPayload{
			Decision: string(decision),
			Delta:    delta,
		})
	})
	s.log.Info().Str("loop_id", loop.LoopID).Float64("delta", delta).
		Str("decision", string(decision)).Msg("promotion gate decided")

	switch decision {
	case policy.DecisionApprove:
		dur := finishStageInfo(si, domain.StageStatusCompleted, outcome.Metrics)
		s.enterStage(ctx, loop, domain.StageDeploying, fx)
		s.emitStageCompleted(ctx, loop.LoopID, domain.StageEvaluating, dur, fx)

	case policy.DecisionReview:
		mergeMetrics(si, outcome.Metrics)
		si.Status = domain.StageStatusWaitingApproval
		loop.Status = domain.LoopStatusWaitingApproval
		loop.Approval = &domain.ApprovalData{
			ScoreBefore:      cmp.ScoreBefore,
			ScoreAfter:       cmp.ScoreAfter,
			ImprovementDelta: delta,
			Threshold:        loop.ImprovementThreshold,
			ProposedChanges:  outcome.ProposedChanges,
			RequestedAt:      time.Now(),
		}
		fx.add(func() {
			s.recordEvent(ctx, loopID, domain.EventTypeApprovalRequired, loop.Approval)
		})

	case policy.DecisionReject:
		finishStageInfo(si, domain.StageStatusFailed, outcome.Metrics)
		s.rejectIteration(ctx, loop, delta, fx)
	}
	return nil
}

// rejectIteration records the rejected iteration and either re-enters
// optimizing for another attempt or completes the loop with its budget
// exhausted. Running out of iterations without improvement is an expected
// terminal, not an error.
func (s *Service) rejectIteration(ctx context.Context, loop *domain.TrainingLoop, delta float64, fx *effects) {
	s.recordIteration(ctx, loop, domain.OutcomeRejected, delta, fx)

	loop.Approval = nil
	if loop.CurrentIteration < loop.MaxIterations {
		loop.CurrentIteration++
		loop.IterationStartedAt = time.Now()
		resetStagesFrom(loop, domain.StageOptimizing)
		s.enterStage(ctx, loop, domain.StageOptimizing, fx)
		iteration := loop.CurrentIteration
		loopID := loop.LoopID
		fx.add(func() {
			s.recordEvent(ctx, loopID, domain.EventTypeIterationRestarted, map[string]interface{}{
				"iteration": iteration,
				"delta":     delta,
			})
		})
		return
	}

	loop.Status = domain.LoopStatusCompleted
	loop.Reason = "no improvement found"
	s.finalizeLoop(ctx, loop, domain.EventTypeLoopCompleted, fx)
}

// failLoop marks the in-progress stage failed and the loop failed.
func (s *Service) failLoop(ctx context.Context, loop *domain.TrainingLoop, stage domain.Stage, message string, fx *effects) {
	si := loop.StageInfo(stage)
	dur := finishStageInfo(si, domain.StageStatusFailed, nil)
	loop.Status = domain.LoopStatusFailed
	loop.Reason = message
	loop.Approval = nil

	loopID := loop.LoopID
	fx.add(func() {
		s.metrics.StageCompleted(stage, "failed", time.Duration(dur)*time.Millisecond)
		s.recordEvent(ctx, loopID, domain.EventTypeStageFailed, domain.StageFailedPayload{Stage: stage, Message: message})
	})
	s.recordIteration(ctx, loop, domain.OutcomeFailed, loop.CurrentScore-loop.BaselineScore, fx)
	s.finalizeLoop(ctx, loop, domain.EventTypeLoopFailed, fx)
}

// enterStage moves the loop's current stage pointer forward and issues the
// start side effect after commit.
func (s *Service) enterStage(ctx context.Context, loop *domain.TrainingLoop, stage domain.Stage, fx *effects) {
	loop.CurrentStage = stage
	si := loop.StageInfo(stage)
	now := time.Now()
	si.Status = domain.StageStatusRunning
	si.StartedAt = &now
	si.DurationMs = nil

	snapshot := loop.Clone()
	fx.add(func() {
		s.dispatchStage(snapshot, stage)
	})
}

// enterMonitoring enters the monitoring stage and arms the deferred,
// cancellable wakeup for the configured monitoring period.
func (s *Service) enterMonitoring(ctx context.Context, loop *domain.TrainingLoop, fx *effects) {
	period := time.Duration(loop.MonitoringPeriodMs) * time.Millisecond
	if period <= 0 {
		period = s.cfg.DefaultMonitoringPeriod
	}
	deadline := time.Now().Add(period)
	loop.MonitorDeadline = &deadline
	loop.RegressionSeen = false
	s.enterStage(ctx, loop, domain.StageMonitoring, fx)

	// Armed inside the transition, not as a post-commit effect: an abort that
	// follows always observes the timer and cancels it. A re-run after a
	// version conflict just replaces the timer.
	s.armMonitor(loop.LoopID, period)
}

// finishMonitoring closes out the monitoring period: a clean period deploys
// the candidate for good, a reported regression fails the loop and signals
// the deployment collaborator to roll back.
func (s *Service) finishMonitoring(ctx context.Context, loop *domain.TrainingLoop, fx *effects) error {
	si := loop.StageInfo(domain.StageMonitoring)
	delta := loop.CurrentScore - loop.BaselineScore
	loop.MonitorDeadline = nil

	if loop.RegressionSeen {
		finishStageInfo(si, domain.StageStatusFailed, nil)
		loop.Status = domain.LoopStatusFailed
		loop.Reason = "regression detected during monitoring"
		s.recordIteration(ctx, loop, domain.OutcomeFailed, delta, fx)
		s.requestRollback(ctx, loop, fx)
		s.finalizeLoop(ctx, loop, domain.EventTypeLoopFailed, fx)
		return nil
	}

	dur := finishStageInfo(si, domain.StageStatusCompleted, nil)
	loop.Status = domain.LoopStatusCompleted
	s.emitStageCompleted(ctx, loop.LoopID, domain.StageMonitoring, dur, fx)
	s.recordIteration(ctx, loop, domain.OutcomeDeployed, delta, fx)
	s.finalizeLoop(ctx, loop, domain.EventTypeLoopCompleted, fx)
	return nil
}

// handleMonitorElapsed is the monitoring timer callback.
func (s *Service) handleMonitorElapsed(loopID string) {
	ctx := context.Background()
	_, err := s.mutateLoop(ctx, loopID, func(loop *domain.TrainingLoop, fx *effects) error {
		if loop.Status == domain.LoopStatusPaused && loop.CurrentStage == domain.StageMonitoring {
			s.enqueue(loopID, queuedCallback{kind: queuedMonitorElapsed})
			return errQueued
		}
		if loop.Status != domain.LoopStatusRunning || loop.CurrentStage != domain.StageMonitoring {
			return domain.ErrStaleStageCallback
		}
		fx.add(func() {
			s.recordEvent(ctx, loopID, domain.EventTypeMonitorElapsed, nil)
		})
		return s.finishMonitoring(ctx, loop, fx)
	})
	if err != nil && err != errQueued && !errors.Is(err, domain.ErrStaleStageCallback) {
		s.log.Error().Err(err).Str("loop_id", loopID).Msg("monitoring wakeup failed")
	}
}

// ReportRegression flags a production regression observed during the
// monitoring stage. The flag is evaluated when the monitoring period ends.
func (s *Service) ReportRegression(ctx context.Context, loopID string) error {
	_, err := s.mutateLoop(ctx, loopID, func(loop *domain.TrainingLoop, fx *effects) error {
		if loop.Status.Terminal() || loop.CurrentStage != domain.StageMonitoring {
			return domain.ErrStaleStageCallback
		}
		if loop.RegressionSeen {
			return errNoChange
		}
		loop.RegressionSeen = true
		fx.add(func() {
			s.recordEvent(ctx, loopID, domain.EventTypeRegressionReported, nil)
		})
		return nil
	})
	return err
}

// requestRollback notifies the deployment collaborator to restore the
// previous artifact. Rollback execution itself is the collaborator's job.
func (s *Service) requestRollback(ctx context.Context, loop *domain.TrainingLoop, fx *effects) {
	if s.deployer == nil || loop.ArtifactVersion == "" {
		return
	}
	loopID := loop.LoopID
	artifact := loop.ArtifactVersion
	if si := loop.StageInfo(loop.CurrentStage); si != nil {
		mergeMetrics(si, map[string]interface{}{"rolled_back": true})
	}
	fx.add(func() {
		s.recordEvent(ctx, loopID, domain.EventTypeRollbackRequested, map[string]interface{}{
			"artifact_version": artifact,
		})
		rbCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StageStartTimeout)
		defer cancel()
		if err := s.deployer.Rollback(rbCtx, loopID, artifact); err != nil {
			s.log.Error().Err(err).Str("loop_id", loopID).Str("artifact_version", artifact).
				Msg("failed to request rollback")
		}
	})
}

// finalizeLoop closes out a loop that reached a terminal status: releases its
// timer, queue, and lock entries, and emits the terminal event.
func (s *Service) finalizeLoop(ctx context.Context, loop *domain.TrainingLoop, eventType domain.EventType, fx *effects) {
	loopID := loop.LoopID
	status := loop.Status
	reason := loop.Reason
	s.releaseLoop(loopID)
	fx.add(func() {
		s.metrics.LoopFinished()
		s.recordEvent(ctx, loopID, eventType, map[string]interface{}{
			"status": status,
			"reason": reason,
		})
		s.log.Info().Str("loop_id", loopID).Str("status", string(status)).Str("reason", reason).
			Msg("training loop finished")
	})
}

// recordIteration appends the immutable per-iteration history record.
func (s *Service) recordIteration(ctx context.Context, loop *domain.TrainingLoop, outcome domain.IterationOutcome, delta float64, fx *effects) {
	entry := &domain.IterationHistoryEntry{
		EntryID:         "hist_" + uuid.New().String()[:8],
		LoopID:          loop.LoopID,
		Iteration:       loop.CurrentIteration,
		AgentID:         loop.AgentID,
		Strategy:        loop.Strategy,
		Delta:           delta,
		Outcome:         outcome,
		ArtifactVersion: loop.ArtifactVersion,
		StartedAt:       loop.IterationStartedAt,
		DurationMs:      time.Since(loop.IterationStartedAt).Milliseconds(),
		StageMetrics:    loop.StageMetricsSnapshot(),
	}
	fx.add(func() {
		s.metrics.IterationFinished(outcome)
		if err := s.history.Record(ctx, entry); err != nil {
			s.log.Error().Err(err).Str("loop_id", entry.LoopID).Msg("failed to record iteration history")
		}
	})
}

func (s *Service) emitStageCompleted(ctx context.Context, loopID string, stage domain.Stage, durationMs int64, fx *effects) {
	fx.add(func() {
		s.metrics.StageCompleted(stage, "completed", time.Duration(durationMs)*time.Millisecond)
		s.recordEvent(ctx, loopID, domain.EventTypeStageCompleted, domain.StageCompletedPayload{
			Stage:      stage,
			DurationMs: durationMs,
		})
	})
}

// finishStageInfo stamps a terminal stage status and duration, merging any
// final metrics. Returns the stage duration in milliseconds.
func finishStageInfo(si *domain.StageInfo, status domain.StageStatus, metrics map[string]interface{}) int64 {
	mergeMetrics(si, metrics)
	si.Status = status
	var dur int64
	if si.StartedAt != nil {
		dur = time.Since(*si.StartedAt).Milliseconds()
		si.DurationMs = &dur
	}
	return dur
}

func mergeMetrics(si *domain.StageInfo, metrics map[string]interface{}) {
	if si == nil || len(metrics) == 0 {
		return
	}
	if si.Metrics == nil {
		si.Metrics = make(map[string]interface{}, len(metrics))
	}
	for k, v := range metrics {
		si.Metrics[k] = v
	}
}

// resetStagesFrom returns every stage at or after the given stage to
// pending, for the next iteration's optimize/evaluate pass.
func resetStagesFrom(loop *domain.TrainingLoop, from domain.Stage) {
	idx := from.Index()
	for i := range loop.Stages {
		if loop.Stages[i].Stage.Index() >= idx {
			loop.Stages[i] = domain.StageInfo{Stage: loop.Stages[i].Stage, Status: domain.StageStatusPending}
		}
	}
}

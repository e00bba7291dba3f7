package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentlens/optimizer/internal/domain"
)

// Signal validates and applies an external control signal against the
// loop's persisted state. Illegal signals fail with IllegalSignalError and
// leave state untouched; replays after a crash are safe because the next
// transition is always re-derived from the stored status, never from a
// caller-supplied delta.
func (s *Service) Signal(ctx context.Context, loopID string, req domain.SignalRequest) (*domain.TrainingLoop, error) {
	var resume []queuedCallback

	loop, err := s.mutateLoop(ctx, loopID, func(loop *domain.TrainingLoop, fx *effects) error {
		var err error
		switch req.Kind {
		case domain.SignalPause:
			err = s.applyPause(loop)
		case domain.SignalResume:
			var drained []queuedCallback
			drained, err = s.applyResume(loop)
			resume = append(resume, drained...)
		case domain.SignalAbort:
			err = s.applyAbort(ctx, loop, req, false, fx)
		case domain.SignalRollback:
			err = s.applyAbort(ctx, loop, req, true, fx)
		case domain.SignalApprove:
			err = s.applyApprove(ctx, loop, req, fx)
		case domain.SignalReject:
			err = s.applyReject(ctx, loop, req, fx)
		case domain.SignalSkipStage:
			err = s.applySkipStage(ctx, loop, req, fx)
		default:
			err = fmt.Errorf("unknown signal %q", req.Kind)
		}
		if err != nil {
			return err
		}

		status := loop.Status
		fx.add(func() {
			s.recordEvent(ctx, loopID, domain.EventTypeSignalApplied, domain.SignalAppliedPayload{
				Signal:    req.Kind,
				Reason:    req.Reason,
				DecidedBy: req.DecidedBy,
				Status:    status,
			})
		})
		return nil
	})

	s.metrics.SignalApplied(req.Kind, err == nil)
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("loop_id", loopID).Str("signal", string(req.Kind)).
		Str("status", string(loop.Status)).Msg("signal applied")

	// Parked callbacks are applied only after the resume has been committed,
	// in arrival order. An abort landing in between preempts them: they will
	// bounce off the stale-callback check.
	for _, cb := range resume {
		s.applyQueued(ctx, loopID, cb)
	}
	return loop, nil
}

func (s *Service) applyQueued(ctx context.Context, loopID string, cb queuedCallback) {
	var err error
	switch cb.kind {
	case queuedComplete:
		err = s.OnStageComplete(ctx, loopID, cb.stage, cb.outcome)
	case queuedFail:
		err = s.OnStageFailed(ctx, loopID, cb.stage, cb.message)
	case queuedMonitorElapsed:
		s.handleMonitorElapsed(loopID)
	}
	if err != nil && !errors.Is(err, domain.ErrStaleStageCallback) {
		s.log.Error().Err(err).Str("loop_id", loopID).Msg("failed to apply queued callback")
	}
}

func (s *Service) applyPause(loop *domain.TrainingLoop) error {
	if loop.Status != domain.LoopStatusRunning {
		return &domain.IllegalSignalError{Status: loop.Status, Signal: domain.SignalPause}
	}
	// The current stage's running marker is preserved; in-flight work keeps
	// going and its completion is parked until resume.
	loop.Status = domain.LoopStatusPaused
	return nil
}

func (s *Service) applyResume(loop *domain.TrainingLoop) ([]queuedCallback, error) {
	if loop.Status != domain.LoopStatusPaused {
		return nil, &domain.IllegalSignalError{Status: loop.Status, Signal: domain.SignalResume}
	}
	loop.Status = domain.LoopStatusRunning
	return s.takeQueued(loop.LoopID), nil
}

// applyAbort terminates a loop from any non-terminal status. Abort preempts
// parked callbacks and cancels a pending monitoring wakeup. With rollback
// set, the deployment collaborator is additionally told to restore the
// previous artifact.
func (s *Service) applyAbort(ctx context.Context, loop *domain.TrainingLoop, req domain.SignalRequest, rollback bool, fx *effects) error {
	signal := domain.SignalAbort
	if rollback {
		signal = domain.SignalRollback
	}
	if loop.Status.Terminal() {
		return &domain.IllegalSignalError{Status: loop.Status, Signal: signal}
	}
	if rollback {
		// Rollback is legal only once a candidate is deploying or deployed,
		// or gated for approval just before deployment.
		deployed := loop.Status == domain.LoopStatusRunning &&
			(loop.CurrentStage == domain.StageDeploying || loop.CurrentStage == domain.StageMonitoring)
		if !deployed && loop.Status != domain.LoopStatusWaitingApproval {
			return &domain.IllegalSignalError{Status: loop.Status, Signal: domain.SignalRollback}
		}
	}

	if si := loop.StageInfo(loop.CurrentStage); si != nil &&
		(si.Status == domain.StageStatusRunning || si.Status == domain.StageStatusWaitingApproval) {
		finishStageInfo(si, domain.StageStatusFailed, nil)
	}
	loop.Approval = nil
	loop.MonitorDeadline = nil
	loop.Status = domain.LoopStatusAborted
	loop.Reason = req.Reason
	if loop.Reason == "" {
		loop.Reason = "aborted by operator"
	}

	if rollback {
		s.requestRollback(ctx, loop, fx)
	}
	s.recordIteration(ctx, loop, domain.OutcomeAborted, loop.CurrentScore-loop.BaselineScore, fx)
	s.finalizeLoop(ctx, loop, domain.EventTypeLoopAborted, fx)
	return nil
}

func (s *Service) applyApprove(ctx context.Context, loop *domain.TrainingLoop, req domain.SignalRequest, fx *effects) error {
	if loop.Status != domain.LoopStatusWaitingApproval {
		return &domain.IllegalSignalError{Status: loop.Status, Signal: domain.SignalApprove}
	}

	si := loop.StageInfo(domain.StageEvaluating)
	approvalMetrics := map[string]interface{}{"approved_by": req.DecidedBy}
	if req.Reason != "" {
		approvalMetrics["approval_reason"] = req.Reason
	}
	dur := finishStageInfo(si, domain.StageStatusCompleted, approvalMetrics)

	delta := 0.0
	if loop.Approval != nil {
		delta = loop.Approval.ImprovementDelta
	}
	loop.Approval = nil
	loop.Status = domain.LoopStatusRunning
	s.enterStage(ctx, loop, domain.StageDeploying, fx)
	s.emitStageCompleted(ctx, loop.LoopID, domain.StageEvaluating, dur, fx)

	loopID := loop.LoopID
	fx.add(func() {
		s.recordEvent(ctx, loopID, domain.EventTypeApprovalDecision, map[string]interface{}{
			"decision":   "approved",
			"decided_by": req.DecidedBy,
			"delta":      delta,
		})
	})
	return nil
}

func (s *Service) applyReject(ctx context.Context, loop *domain.TrainingLoop, req domain.SignalRequest, fx *effects) error {
	if loop.Status != domain.LoopStatusWaitingApproval {
		return &domain.IllegalSignalError{Status: loop.Status, Signal: domain.SignalReject}
	}

	delta := 0.0
	if loop.Approval != nil {
		delta = loop.Approval.ImprovementDelta
	}

	si := loop.StageInfo(domain.StageEvaluating)
	rejectMetrics := map[string]interface{}{"rejected_by": req.DecidedBy}
	if req.Reason != "" {
		rejectMetrics["rejection_reason"] = req.Reason
	}
	finishStageInfo(si, domain.StageStatusFailed, rejectMetrics)

	loop.Status = domain.LoopStatusRunning
	loopID := loop.LoopID
	fx.add(func() {
		s.recordEvent(ctx, loopID, domain.EventTypeApprovalDecision, map[string]interface{}{
			"decision":   "rejected",
			"decided_by": req.DecidedBy,
			"delta":      delta,
		})
	})
	s.rejectIteration(ctx, loop, delta, fx)
	return nil
}

// applySkipStage force-completes the current stage regardless of its own
// completion criteria. Operator escape hatch; the skip is stamped into the
// stage metrics for audit.
func (s *Service) applySkipStage(ctx context.Context, loop *domain.TrainingLoop, req domain.SignalRequest, fx *effects) error {
	if loop.Status != domain.LoopStatusRunning && loop.Status != domain.LoopStatusWaitingApproval {
		return &domain.IllegalSignalError{Status: loop.Status, Signal: domain.SignalSkipStage}
	}

	skipped := loop.CurrentStage
	si := loop.StageInfo(skipped)
	skipMetrics := map[string]interface{}{"skipped_by_operator": true}
	if req.DecidedBy != "" {
		skipMetrics["skipped_by"] = req.DecidedBy
	}
	finishStageInfo(si, domain.StageStatusCompleted, skipMetrics)
	loop.Approval = nil
	loop.Status = domain.LoopStatusRunning

	loopID := loop.LoopID
	fx.add(func() {
		s.recordEvent(ctx, loopID, domain.EventTypeStageSkipped, map[string]interface{}{
			"stage":      skipped,
			"skipped_by": req.DecidedBy,
		})
	})

	if skipped == domain.StageMonitoring {
		// Skipping the final stage completes the loop without a verified
		// monitoring period.
		loop.MonitorDeadline = nil
		loop.Status = domain.LoopStatusCompleted
		loop.Reason = "monitoring skipped by operator"
		s.recordIteration(ctx, loop, domain.OutcomeSkipped, loop.CurrentScore-loop.BaselineScore, fx)
		s.finalizeLoop(ctx, loop, domain.EventTypeLoopCompleted, fx)
		return nil
	}

	next, _ := skipped.Next()
	if next == domain.StageMonitoring {
		s.enterMonitoring(ctx, loop, fx)
	} else {
		s.enterStage(ctx, loop, next, fx)
	}
	return nil
}

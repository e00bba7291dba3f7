package service

import (
	"context"
	"fmt"
	"time"

	"github.com/agentlens/optimizer/internal/domain"
)

// Recover re-derives in-flight work from persisted state after a restart.
// For every running loop the start side effect of the current stage is
// re-issued (at-least-once; executors deduplicate), and monitoring deadlines
// are re-armed. Paused and approval-gated loops need no action until an
// operator signals them.
func (s *Service) Recover(ctx context.Context) error {
	loops, err := s.store.ListLoops(ctx, "", domain.ActiveLoopStatuses)
	if err != nil {
		return fmt.Errorf("failed to list live loops: %w", err)
	}

	for i := range loops {
		loop := &loops[i]
		switch loop.Status {
		case domain.LoopStatusRunning:
			if loop.CurrentStage == domain.StageMonitoring && loop.MonitorDeadline != nil {
				remaining := time.Until(*loop.MonitorDeadline)
				if remaining < time.Second {
					remaining = time.Second
				}
				s.armMonitor(loop.LoopID, remaining)
			}
			s.log.Info().Str("loop_id", loop.LoopID).Str("stage", string(loop.CurrentStage)).
				Msg("recovering running loop, re-issuing stage start")
			s.dispatchStage(loop.Clone(), loop.CurrentStage)
		case domain.LoopStatusPaused, domain.LoopStatusWaitingApproval:
			s.log.Info().Str("loop_id", loop.LoopID).Str("status", string(loop.Status)).
				Msg("recovered loop waiting on operator")
		}
	}
	return nil
}

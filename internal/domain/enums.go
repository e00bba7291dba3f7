// Package domain defines the core domain models for the optimization orchestrator.
package domain

// LoopStatus represents the status of a training loop.
type LoopStatus string

const (
	LoopStatusRunning         LoopStatus = "RUNNING"
	LoopStatusPaused          LoopStatus = "PAUSED"
	LoopStatusWaitingApproval LoopStatus = "WAITING_APPROVAL"
	LoopStatusCompleted       LoopStatus = "COMPLETED"
	LoopStatusFailed          LoopStatus = "FAILED"
	LoopStatusAborted         LoopStatus = "ABORTED"
)

// Terminal reports whether the status is a terminal loop status.
func (s LoopStatus) Terminal() bool {
	return s == LoopStatusCompleted || s == LoopStatusFailed || s == LoopStatusAborted
}

// ActiveLoopStatuses are the statuses a live (non-terminal) loop can hold.
var ActiveLoopStatuses = []LoopStatus{
	LoopStatusRunning,
	LoopStatusPaused,
	LoopStatusWaitingApproval,
}

// Stage represents one canonical pipeline stage.
type Stage string

const (
	StageCollecting Stage = "collecting"
	StageCurating   Stage = "curating"
	StageOptimizing Stage = "optimizing"
	StageEvaluating Stage = "evaluating"
	StageDeploying  Stage = "deploying"
	StageMonitoring Stage = "monitoring"
)

// StageOrder is the canonical stage sequence. Stage transitions only ever
// move forward through this slice.
var StageOrder = []Stage{
	StageCollecting,
	StageCurating,
	StageOptimizing,
	StageEvaluating,
	StageDeploying,
	StageMonitoring,
}

// Index returns the position of the stage in the canonical order, or -1.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage after s in canonical order.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(StageOrder) {
		return "", false
	}
	return StageOrder[i+1], true
}

// ParseStage validates a stage name.
func ParseStage(v string) (Stage, bool) {
	s := Stage(v)
	if s.Index() < 0 {
		return "", false
	}
	return s, true
}

// StageStatus represents the status of a single stage within a loop.
type StageStatus string

const (
	StageStatusPending         StageStatus = "PENDING"
	StageStatusRunning         StageStatus = "RUNNING"
	StageStatusCompleted       StageStatus = "COMPLETED"
	StageStatusFailed          StageStatus = "FAILED"
	StageStatusWaitingApproval StageStatus = "WAITING_APPROVAL"
)

// SignalKind represents an externally originated control command.
type SignalKind string

const (
	SignalPause     SignalKind = "pause"
	SignalResume    SignalKind = "resume"
	SignalAbort     SignalKind = "abort"
	SignalApprove   SignalKind = "approve"
	SignalReject    SignalKind = "reject"
	SignalSkipStage SignalKind = "skip_stage"
	SignalRollback  SignalKind = "rollback"
)

// ParseSignal validates a signal kind.
func ParseSignal(v string) (SignalKind, bool) {
	switch k := SignalKind(v); k {
	case SignalPause, SignalResume, SignalAbort, SignalApprove, SignalReject, SignalSkipStage, SignalRollback:
		return k, true
	}
	return "", false
}

// Strategy is the optimization strategy driven by a loop. The controller
// treats it as opaque; it is validated only against the known set.
type Strategy string

const (
	StrategyCoordinateAscent Strategy = "coordinate_ascent"
	StrategyExampleSelection Strategy = "example_selection"
	StrategyReflection       Strategy = "reflection"
)

// Valid reports whether the strategy is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyCoordinateAscent, StrategyExampleSelection, StrategyReflection:
		return true
	}
	return false
}

// Trigger records what started a loop.
type Trigger string

const (
	TriggerManual     Trigger = "manual"
	TriggerRegression Trigger = "regression"
	TriggerSignal     Trigger = "signal"
)

// Valid reports whether the trigger is one of the known triggers.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerRegression, TriggerSignal:
		return true
	}
	return false
}

// IterationOutcome is the terminal outcome of one loop iteration.
type IterationOutcome string

const (
	OutcomeDeployed IterationOutcome = "deployed"
	OutcomeRejected IterationOutcome = "rejected"
	OutcomeSkipped  IterationOutcome = "skipped"
	OutcomeAborted  IterationOutcome = "aborted"
	OutcomeFailed   IterationOutcome = "failed"
)

// EventType represents the type of a loop audit event.
type EventType string

const (
	EventTypeLoopCreated        EventType = "loop_created"
	EventTypeStageStarted       EventType = "stage_started"
	EventTypeStageProgress      EventType = "stage_progress"
	EventTypeStageCompleted     EventType = "stage_completed"
	EventTypeStageFailed        EventType = "stage_failed"
	EventTypeStageSkipped       EventType = "stage_skipped"
	EventTypeGateDecision       EventType = "gate_decision"
	EventTypeApprovalRequired   EventType = "approval_required"
	EventTypeApprovalDecision   EventType = "approval_decision"
	EventTypeSignalApplied      EventType = "signal_applied"
	EventTypeRegressionReported EventType = "regression_reported"
	EventTypeMonitorElapsed     EventType = "monitor_elapsed"
	EventTypeRollbackRequested  EventType = "rollback_requested"
	EventTypeIterationRestarted EventType = "iteration_restarted"
	EventTypeLoopCompleted      EventType = "loop_completed"
	EventTypeLoopFailed         EventType = "loop_failed"
	EventTypeLoopAborted        EventType = "loop_aborted"
)

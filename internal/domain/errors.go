package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrLoopNotFound is returned for operations against an unknown loop id.
	ErrLoopNotFound = errors.New("loop not found")

	// ErrStaleStageCallback is returned when a stage callback arrives for a
	// stage that is not the loop's current stage, or for a loop that can no
	// longer accept it. The callback is a no-op; duplicate deliveries land here.
	ErrStaleStageCallback = errors.New("stale stage callback")

	// ErrAgentBusy is returned when starting a loop for an agent that already
	// has a live one.
	ErrAgentBusy = errors.New("agent already has an active loop")
)

// ValidationError rejects a malformed start request at creation time.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ThresholdConfigError rejects loop creation with an invalid gate config.
type ThresholdConfigError struct {
	ImprovementThreshold float64
	AutoApproveThreshold float64
}

func (e *ThresholdConfigError) Error() string {
	return fmt.Sprintf("auto-approve threshold %.4g must be greater than improvement threshold %.4g",
		e.AutoApproveThreshold, e.ImprovementThreshold)
}

// IllegalSignalError is returned when a signal is not legal for the loop's
// current status. State is left untouched.
type IllegalSignalError struct {
	Status LoopStatus
	Signal SignalKind
}

func (e *IllegalSignalError) Error() string {
	return fmt.Sprintf("signal %q is not legal while loop is %s", e.Signal, e.Status)
}

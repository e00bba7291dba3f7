package domain

import "encoding/json"

// StartLoopRequest is the request to start a new training loop.
type StartLoopRequest struct {
	AgentID              string   `json:"agent_id"`
	Strategy             Strategy `json:"strategy"`
	Trigger              Trigger  `json:"trigger"`
	MaxIterations        int      `json:"max_iterations"`
	ImprovementThreshold float64  `json:"improvement_threshold"`
	AutoApproveThreshold float64  `json:"auto_approve_threshold"`
	EvalSuiteID          string   `json:"eval_suite_id,omitempty"`
	MonitoringPeriodMs   int64    `json:"monitoring_period_ms,omitempty"`
	BaselineScore        float64  `json:"baseline_score,omitempty"`
}

// StartLoopResponse is returned on successful loop creation.
type StartLoopResponse struct {
	LoopID string     `json:"loop_id"`
	Status LoopStatus `json:"status"`
}

// SignalRequest is an external control command against a live loop.
type SignalRequest struct {
	Kind      SignalKind `json:"kind"`
	Reason    string     `json:"reason,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
}

// SignalResponse reports the loop status after a signal was applied.
type SignalResponse struct {
	LoopID string     `json:"loop_id"`
	Status LoopStatus `json:"status"`
}

// StageProgressRequest is the body of a stage progress callback.
type StageProgressRequest struct {
	Metrics map[string]interface{} `json:"metrics"`
}

// StageCompleteRequest is the body of a stage completion callback.
type StageCompleteRequest struct {
	Metrics         map[string]interface{} `json:"metrics,omitempty"`
	Comparison      *ScoreComparison       `json:"comparison,omitempty"`
	ProposedChanges []string               `json:"proposed_changes,omitempty"`
	ArtifactVersion string                 `json:"artifact_version,omitempty"`
}

// StageFailRequest is the body of a stage failure callback.
type StageFailRequest struct {
	Message string `json:"message"`
}

// Payloads for loop audit events.

// SignalAppliedPayload records an accepted signal.
type SignalAppliedPayload struct {
	Signal    SignalKind `json:"signal"`
	Reason    string     `json:"reason,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
	Status    LoopStatus `json:"status"`
}

// GateDecisionPayload records the approval-gate outcome for an evaluation.
type GateDecisionPayload struct {
	Decision string  `json:"decision"`
	Delta    float64 `json:"delta"`
}

// StageCompletedPayload records a stage completion.
type StageCompletedPayload struct {
	Stage      Stage           `json:"stage"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Metrics    json.RawMessage `json:"metrics,omitempty"`
}

// StageFailedPayload records a stage failure.
type StageFailedPayload struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message,omitempty"`
}

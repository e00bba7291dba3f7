package domain

import (
	"encoding/json"
	"time"
)

// TrainingLoop is one closed-loop optimization attempt for one agent.
// It is mutated exclusively through the controller's per-loop transitions;
// every mutation goes through a compare-and-swap on Version.
type TrainingLoop struct {
	LoopID               string        `json:"loop_id"`
	AgentID              string        `json:"agent_id"`
	Strategy             Strategy      `json:"strategy"`
	Trigger              Trigger       `json:"trigger"`
	Status               LoopStatus    `json:"status"`
	CurrentStage         Stage         `json:"current_stage"`
	CurrentIteration     int           `json:"current_iteration"`
	MaxIterations        int           `json:"max_iterations"`
	Stages               []StageInfo   `json:"stages"`
	BaselineScore        float64       `json:"baseline_score"`
	CurrentScore         float64       `json:"current_score"`
	ImprovementThreshold float64       `json:"improvement_threshold"`
	AutoApproveThreshold float64       `json:"auto_approve_threshold"`
	Approval             *ApprovalData `json:"approval,omitempty"`
	EvalSuiteID          string        `json:"eval_suite_id,omitempty"`
	MonitoringPeriodMs   int64         `json:"monitoring_period_ms"`
	MonitorDeadline      *time.Time    `json:"monitor_deadline,omitempty"`
	RegressionSeen       bool          `json:"regression_seen,omitempty"`
	ArtifactVersion      string        `json:"artifact_version,omitempty"`
	Reason               string        `json:"reason,omitempty"`
	IterationStartedAt   time.Time     `json:"iteration_started_at"`
	CreatedAt            time.Time     `json:"created_at"`

	// Version is the optimistic-concurrency counter maintained by the store.
	Version int64 `json:"-"`
}

// StageInfo is the per-stage execution record within a loop.
type StageInfo struct {
	Stage      Stage                  `json:"stage"`
	Status     StageStatus            `json:"status"`
	Metrics    map[string]interface{} `json:"metrics,omitempty"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	DurationMs *int64                 `json:"duration_ms,omitempty"`
}

// NewStages builds the canonical stage sequence, all pending.
func NewStages() []StageInfo {
	stages := make([]StageInfo, len(StageOrder))
	for i, st := range StageOrder {
		stages[i] = StageInfo{Stage: st, Status: StageStatusPending}
	}
	return stages
}

// StageInfo returns a pointer to the record for the given stage, or nil.
func (l *TrainingLoop) StageInfo(stage Stage) *StageInfo {
	for i := range l.Stages {
		if l.Stages[i].Stage == stage {
			return &l.Stages[i]
		}
	}
	return nil
}

// StageMetricsSnapshot copies the per-stage metrics for history records.
func (l *TrainingLoop) StageMetricsSnapshot() map[string]map[string]interface{} {
	snap := make(map[string]map[string]interface{})
	for _, si := range l.Stages {
		if len(si.Metrics) == 0 {
			continue
		}
		m := make(map[string]interface{}, len(si.Metrics))
		for k, v := range si.Metrics {
			m[k] = v
		}
		snap[string(si.Stage)] = m
	}
	return snap
}

// Clone returns a deep copy of the loop. Stores hand out clones so callers
// can never mutate shared state behind the controller's back.
func (l *TrainingLoop) Clone() *TrainingLoop {
	cp := *l
	cp.Stages = make([]StageInfo, len(l.Stages))
	for i, si := range l.Stages {
		cp.Stages[i] = si
		if si.Metrics != nil {
			m := make(map[string]interface{}, len(si.Metrics))
			for k, v := range si.Metrics {
				m[k] = v
			}
			cp.Stages[i].Metrics = m
		}
		if si.StartedAt != nil {
			t := *si.StartedAt
			cp.Stages[i].StartedAt = &t
		}
		if si.DurationMs != nil {
			d := *si.DurationMs
			cp.Stages[i].DurationMs = &d
		}
	}
	if l.Approval != nil {
		a := *l.Approval
		a.ProposedChanges = append([]string(nil), l.Approval.ProposedChanges...)
		cp.Approval = &a
	}
	if l.MonitorDeadline != nil {
		t := *l.MonitorDeadline
		cp.MonitorDeadline = &t
	}
	return &cp
}

// ApprovalData carries the pending human-review context. Present if and
// only if the loop status is WAITING_APPROVAL.
type ApprovalData struct {
	ScoreBefore      float64   `json:"score_before"`
	ScoreAfter       float64   `json:"score_after"`
	ImprovementDelta float64   `json:"improvement_delta"`
	Threshold        float64   `json:"threshold"`
	ProposedChanges  []string  `json:"proposed_changes,omitempty"`
	RequestedAt      time.Time `json:"requested_at"`
}

// ScoreComparison is the payload the evaluating stage must report.
type ScoreComparison struct {
	ScoreBefore float64 `json:"score_before"`
	ScoreAfter  float64 `json:"score_after"`
}

// Delta returns the candidate's improvement over the baseline.
func (c ScoreComparison) Delta() float64 {
	return c.ScoreAfter - c.ScoreBefore
}

// StageOutcome is what a stage executor reports on completion.
type StageOutcome struct {
	Metrics         map[string]interface{} `json:"metrics,omitempty"`
	Comparison      *ScoreComparison       `json:"comparison,omitempty"`
	ProposedChanges []string               `json:"proposed_changes,omitempty"`
	ArtifactVersion string                 `json:"artifact_version,omitempty"`
}

// IterationHistoryEntry is the immutable record of one finished iteration.
type IterationHistoryEntry struct {
	EntryID         string                            `json:"entry_id"`
	LoopID          string                            `json:"loop_id"`
	Iteration       int                               `json:"iteration"`
	AgentID         string                            `json:"agent_id"`
	Strategy        Strategy                          `json:"strategy"`
	Delta           float64                           `json:"delta"`
	Outcome         IterationOutcome                  `json:"outcome"`
	ArtifactVersion string                            `json:"artifact_version,omitempty"`
	StartedAt       time.Time                         `json:"started_at"`
	DurationMs      int64                             `json:"duration_ms"`
	StageMetrics    map[string]map[string]interface{} `json:"stage_metrics,omitempty"`
}

// LoopEvent is one append-only audit event for a loop.
type LoopEvent struct {
	EventID string          `json:"event_id"`
	LoopID  string          `json:"loop_id"`
	Ts      int64           `json:"ts"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Package metrics provides Prometheus instrumentation for the loop controller.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentlens/optimizer/internal/domain"
)

// Recorder records controller metrics.
type Recorder struct {
	loopsStarted      *prometheus.CounterVec
	activeLoops       prometheus.Gauge
	stageCompleted    *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	signalsTotal      *prometheus.CounterVec
	iterationOutcomes *prometheus.CounterVec
	gateDecisions     *prometheus.CounterVec
}

// NewRecorder registers the controller collectors against reg. Tests pass a
// fresh registry to avoid duplicate registration panics.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		loopsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optimizer_loops_started_total",
				Help: "Total training loops started by strategy and trigger",
			},
			[]string{"strategy", "trigger"},
		),
		activeLoops: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "optimizer_active_loops",
				Help: "Number of live (non-terminal) training loops",
			},
		),
		stageCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optimizer_stage_completions_total",
				Help: "Total stage completions by stage and result",
			},
			[]string{"stage", "result"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "optimizer_stage_duration_seconds",
				Help:    "Duration of completed stages in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
			},
			[]string{"stage"},
		),
		signalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optimizer_signals_total",
				Help: "Total control signals by kind and result",
			},
			[]string{"kind", "result"},
		),
		iterationOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optimizer_iteration_outcomes_total",
				Help: "Total finished iterations by outcome",
			},
			[]string{"outcome"},
		),
		gateDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optimizer_gate_decisions_total",
				Help: "Total promotion-gate decisions",
			},
			[]string{"decision"},
		),
	}
}

// LoopStarted records a new loop.
func (r *Recorder) LoopStarted(strategy domain.Strategy, trigger domain.Trigger) {
	r.loopsStarted.WithLabelValues(string(strategy), string(trigger)).Inc()
	r.activeLoops.Inc()
}

// LoopFinished records a loop reaching a terminal status.
func (r *Recorder) LoopFinished() {
	r.activeLoops.Dec()
}

// StageCompleted records a stage finishing with the given result.
func (r *Recorder) StageCompleted(stage domain.Stage, result string, duration time.Duration) {
	r.stageCompleted.WithLabelValues(string(stage), result).Inc()
	if duration > 0 {
		r.stageDuration.WithLabelValues(string(stage)).Observe(duration.Seconds())
	}
}

// SignalApplied records a signal and whether it was accepted.
func (r *Recorder) SignalApplied(kind domain.SignalKind, accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	r.signalsTotal.WithLabelValues(string(kind), result).Inc()
}

// IterationFinished records a terminal per-iteration outcome.
func (r *Recorder) IterationFinished(outcome domain.IterationOutcome) {
	r.iterationOutcomes.WithLabelValues(string(outcome)).Inc()
}

// GateDecision records a promotion-gate decision.
func (r *Recorder) GateDecision(decision string) {
	r.gateDecisions.WithLabelValues(decision).Inc()
}

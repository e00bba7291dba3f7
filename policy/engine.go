// Package policy decides whether a candidate configuration is promoted.
// The gate is an OPA policy so operators can override the stock threshold
// rules without rebuilding the orchestrator.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the outcome of the promotion gate.
type Decision string

const (
	// DecisionApprove auto-promotes the candidate.
	DecisionApprove Decision = "approve"
	// DecisionReview parks the loop for human approval.
	DecisionReview Decision = "review"
	// DecisionReject discards the candidate and retries the iteration budget.
	DecisionReject Decision = "reject"
)

// Engine is the OPA promotion-gate engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new gate engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.promotion.decision"),
		rego.Module("promotion.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy from a file, falling back to the
// default policy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	content := DefaultPolicy
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		content = string(b)
	}
	return NewEngine(ctx, content)
}

// Decide maps a score delta and the configured thresholds to a gate
// decision. Thresholds are inclusive lower bounds: a delta exactly equal to
// a threshold resolves to the higher bucket.
func (e *Engine) Decide(ctx context.Context, delta, improvementThreshold, autoApproveThreshold float64) (Decision, error) {
	input := map[string]interface{}{
		"delta":                  delta,
		"improvement_threshold":  improvementThreshold,
		"auto_approve_threshold": autoApproveThreshold,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", fmt.Errorf("policy produced no decision")
	}

	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("policy returned non-string decision %v", results[0].Expressions[0].Value)
	}
	switch d := Decision(s); d {
	case DecisionApprove, DecisionReview, DecisionReject:
		return d, nil
	default:
		return "", fmt.Errorf("policy returned unknown decision %q", s)
	}
}

// DefaultPolicy is the stock promotion gate: deltas at or above the
// auto-approve threshold promote, deltas at or above the improvement
// threshold go to human review, everything below is rejected.
const DefaultPolicy = `
package promotion

default decision = "reject"

decision = "approve" {
	input.delta >= input.auto_approve_threshold
}

decision = "review" {
	input.delta >= input.improvement_threshold
	input.delta < input.auto_approve_threshold
}
`

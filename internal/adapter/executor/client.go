// Package executor is the HTTP adapter to the external stage-executor and
// deployment collaborators. Stage work itself is opaque to the controller;
// this client only delivers the start and rollback side effects.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentlens/optimizer/internal/domain"
)

// Client calls the stage-executor and deployer services.
type Client struct {
	executorURL string
	deployerURL string
	httpClient  *http.Client
}

// NewClient creates a collaborator client.
func NewClient(executorURL, deployerURL string) *Client {
	return &Client{
		executorURL: executorURL,
		deployerURL: deployerURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// StartStageRequest is the start side effect delivered to the executor.
// Starts are at-least-once; the (loop_id, stage, iteration) tuple is the
// executor's deduplication key.
type StartStageRequest struct {
	LoopID      string          `json:"loop_id"`
	AgentID     string          `json:"agent_id"`
	Strategy    domain.Strategy `json:"strategy"`
	Stage       domain.Stage    `json:"stage"`
	Iteration   int             `json:"iteration"`
	EvalSuiteID string          `json:"eval_suite_id,omitempty"`
}

// StartStage asks the executor to begin work on a stage.
func (c *Client) StartStage(ctx context.Context, loop *domain.TrainingLoop, stage domain.Stage) error {
	req := StartStageRequest{
		LoopID:      loop.LoopID,
		AgentID:     loop.AgentID,
		Strategy:    loop.Strategy,
		Stage:       stage,
		Iteration:   loop.CurrentIteration,
		EvalSuiteID: loop.EvalSuiteID,
	}
	return c.post(ctx, c.executorURL+"/stages/start", req)
}

// RollbackRequest asks the deployer to restore the previous artifact.
type RollbackRequest struct {
	LoopID          string `json:"loop_id"`
	ArtifactVersion string `json:"artifact_version"`
}

// Rollback notifies the deployment collaborator of a regressed candidate.
func (c *Client) Rollback(ctx context.Context, loopID, artifactVersion string) error {
	return c.post(ctx, c.deployerURL+"/rollback", RollbackRequest{
		LoopID:          loopID,
		ArtifactVersion: artifactVersion,
	})
}

func (c *Client) post(ctx context.Context, url string, body interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("collaborator returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

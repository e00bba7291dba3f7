package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlens/optimizer/internal/domain"
)

func TestStartStageRequestShape(t *testing.T) {
	var got StartStageRequest
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.URL)
	loop := &domain.TrainingLoop{
		LoopID:           "loop_ab12",
		AgentID:          "agent-1",
		Strategy:         domain.StrategyReflection,
		CurrentIteration: 2,
		EvalSuiteID:      "suite-9",
	}
	require.NoError(t, client.StartStage(context.Background(), loop, domain.StageOptimizing))

	assert.Equal(t, "/stages/start", path)
	assert.Equal(t, "loop_ab12", got.LoopID)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, domain.StageOptimizing, got.Stage)
	assert.Equal(t, 2, got.Iteration)
	assert.Equal(t, "suite-9", got.EvalSuiteID)
}

func TestRollbackRequestShape(t *testing.T) {
	var got RollbackRequest
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.URL)
	require.NoError(t, client.Rollback(context.Background(), "loop_ab12", "v7"))

	assert.Equal(t, "/rollback", path)
	assert.Equal(t, "loop_ab12", got.LoopID)
	assert.Equal(t, "v7", got.ArtifactVersion)
}

func TestCollaboratorErrorsSurface(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "executor at capacity", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.URL)
	err := client.StartStage(context.Background(), &domain.TrainingLoop{LoopID: "loop_x"}, domain.StageCollecting)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "executor at capacity")
}

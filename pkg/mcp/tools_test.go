package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// --- Mock Store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	runs []*store.RunRecord
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.RunRecord, error) {
	result := make([]*store.RunRecord, 0)
	for _, run := range m.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		result = append(result, run)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// --- Mock Executor ---

type mockExecutor struct {
	submitID  string
	submitErr error
	submitted []engine.RunRequest

	runResult *engine.RunResult
	runErr    error

	statusResult *engine.RunStatusView
	statusErr    error

	cancelErr error
	cancelled []string
}

func (m *mockExecutor) Submit(_ context.Context, req engine.RunRequest) (string, error) {
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.submitted = append(m.submitted, req)
	return m.submitID, nil
}

func (m *mockExecutor) Run(_ context.Context, _ engine.RunRequest) (*engine.RunResult, error) {
	return m.runResult, m.runErr
}

func (m *mockExecutor) Cancel(_ context.Context, runID, _ string) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, runID)
	return nil
}

func (m *mockExecutor) Status(_ context.Context, _ string) (*engine.RunStatusView, error) {
	return m.statusResult, m.statusErr
}

func (m *mockExecutor) Shutdown() {}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func pipelineArgs() map[string]any {
	return map[string]any{
		"workflow": map[string]any{
			"id": "wf-greet",
			"nodes": []any{
				map[string]any{"id": "in", "kind": "input", "config": map[string]any{"key": "name"}},
				map[string]any{"id": "out", "kind": "output", "config": map[string]any{"key": "greeting"}},
			},
			"edges": []any{
				map[string]any{"source": "in", "target": "out"},
			},
		},
		"inputs": map[string]any{"name": "ada"},
	}
}

// --- Tests ---

func TestRunToolSubmits(t *testing.T) {
	exec := &mockExecutor{submitID: "run-42"}
	s := NewLoomServer(LoomServerDeps{Executor: exec, Store: &mockStore{}})

	result, err := s.handleRun(context.Background(), buildRequest("loom_run", pipelineArgs()))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	out := resultJSON(t, result)
	assert.Equal(t, "run-42", out["run_id"])
	assert.Equal(t, "pending", out["status"])

	require.Len(t, exec.submitted, 1)
	req := exec.submitted[0]
	assert.Equal(t, "mcp", req.TriggeredBy)
	assert.Equal(t, "wf-greet", req.Workflow.ID)
	require.Len(t, req.Workflow.Nodes, 2)
	assert.Equal(t, "ada", req.Inputs["name"])
}

func TestRunToolWait(t *testing.T) {
	now := time.Now().UTC()
	exec := &mockExecutor{
		runResult: &engine.RunResult{
			RunID:     "run-7",
			Status:    schema.RunStatusCompleted,
			Outputs:   map[string]any{"greeting": "hi ada"},
			StartedAt: now,
		},
	}
	s := NewLoomServer(LoomServerDeps{Executor: exec, Store: &mockStore{}})

	args := pipelineArgs()
	args["wait"] = true
	result, err := s.handleRun(context.Background(), buildRequest("loom_run", args))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	out := resultJSON(t, result)
	assert.Equal(t, "run-7", out["run_id"])
	assert.Equal(t, "completed", out["status"])
}

func TestRunToolValidationFailure(t *testing.T) {
	exec := &mockExecutor{
		submitErr: schema.NewError(schema.ErrCodeValidation, "node \"x\" references unknown transform"),
	}
	s := NewLoomServer(LoomServerDeps{Executor: exec, Store: &mockStore{}})

	result, err := s.handleRun(context.Background(), buildRequest("loom_run", pipelineArgs()))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolMissingWorkflow(t *testing.T) {
	s := NewLoomServer(LoomServerDeps{})

	result, err := s.handleRun(context.Background(), buildRequest("loom_run", map[string]any{
		"inputs": map[string]any{"name": "ada"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	exec := &mockExecutor{
		statusResult: &engine.RunStatusView{
			Run: &store.RunRecord{
				ID:     "run-123",
				Status: schema.RunStatusRunning,
			},
		},
	}
	s := NewLoomServer(LoomServerDeps{Executor: exec})

	result, err := s.handleStatus(context.Background(), buildRequest("loom_status", map[string]any{
		"run_id": "run-123",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	out := resultJSON(t, result)
	run, ok := out["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "run-123", run["id"])
	assert.Equal(t, "running", run["status"])
}

func TestStatusToolNotFound(t *testing.T) {
	exec := &mockExecutor{
		statusErr: schema.NewError(schema.ErrCodeNotFound, "run \"nope\" not found"),
	}
	s := NewLoomServer(LoomServerDeps{Executor: exec})

	result, err := s.handleStatus(context.Background(), buildRequest("loom_status", map[string]any{
		"run_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusToolMissingRunID(t *testing.T) {
	s := NewLoomServer(LoomServerDeps{})

	result, err := s.handleStatus(context.Background(), buildRequest("loom_status", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	exec := &mockExecutor{}
	s := NewLoomServer(LoomServerDeps{Executor: exec})

	result, err := s.handleCancel(context.Background(), buildRequest("loom_cancel", map[string]any{
		"run_id": "run-9",
		"reason": "operator request",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, []string{"run-9"}, exec.cancelled)
	out := resultJSON(t, result)
	assert.Equal(t, "cancelled", out["status"])
}

func TestCancelToolConflict(t *testing.T) {
	exec := &mockExecutor{
		cancelErr: schema.NewError(schema.ErrCodeConflict, "run already finished"),
	}
	s := NewLoomServer(LoomServerDeps{Executor: exec})

	result, err := s.handleCancel(context.Background(), buildRequest("loom_cancel", map[string]any{
		"run_id": "run-done",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListRunsTool(t *testing.T) {
	ms := &mockStore{runs: []*store.RunRecord{
		{ID: "r1", WorkflowID: "wf-a", Status: schema.RunStatusCompleted},
		{ID: "r2", WorkflowID: "wf-b", Status: schema.RunStatusFailed},
		{ID: "r3", WorkflowID: "wf-a", Status: schema.RunStatusRunning},
	}}
	s := NewLoomServer(LoomServerDeps{Store: ms})

	result, err := s.handleListRuns(context.Background(), buildRequest("loom_list_runs", map[string]any{
		"filter": map[string]any{"workflow_id": "wf-a"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	out := resultJSON(t, result)
	runs, ok := out["runs"].([]any)
	require.True(t, ok)
	assert.Len(t, runs, 2)
}

func TestListRunsToolStatusFilter(t *testing.T) {
	ms := &mockStore{runs: []*store.RunRecord{
		{ID: "r1", WorkflowID: "wf-a", Status: schema.RunStatusCompleted},
		{ID: "r2", WorkflowID: "wf-a", Status: schema.RunStatusFailed},
	}}
	s := NewLoomServer(LoomServerDeps{Store: ms})

	result, err := s.handleListRuns(context.Background(), buildRequest("loom_list_runs", map[string]any{
		"filter": map[string]any{"status": "failed", "limit": float64(10)},
	}))
	require.NoError(t, err)

	out := resultJSON(t, result)
	runs := out["runs"].([]any)
	require.Len(t, runs, 1)
	run := runs[0].(map[string]any)
	assert.Equal(t, "r2", run["id"])
}

func TestListRunsToolNoFilter(t *testing.T) {
	ms := &mockStore{runs: []*store.RunRecord{
		{ID: "r1", WorkflowID: "wf-a", Status: schema.RunStatusCompleted},
	}}
	s := NewLoomServer(LoomServerDeps{Store: ms})

	result, err := s.handleListRuns(context.Background(), buildRequest("loom_list_runs", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	out := resultJSON(t, result)
	assert.Len(t, out["runs"], 1)
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 50, extractInt(nil, "limit", 50))
	assert.Equal(t, 10, extractInt(map[string]any{"limit": float64(10)}, "limit", 50))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": 7}, "limit", 50))
	assert.Equal(t, 3, extractInt(map[string]any{"limit": "3"}, "limit", 50))
	assert.Equal(t, 50, extractInt(map[string]any{"limit": "abc"}, "limit", 50))
}

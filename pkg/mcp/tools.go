package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// handleRun submits a workflow. With wait=false (the default) it returns
// the run ID right away and the session is notified when the run finishes.
func (s *LoomServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wfRaw := mcp.ParseStringMap(req, "workflow", nil)
	if wfRaw == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}

	wfBytes, marshalErr := json.Marshal(wfRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", marshalErr)), nil
	}
	var wf schema.Workflow
	if unmarshalErr := json.Unmarshal(wfBytes, &wf); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", unmarshalErr)), nil
	}

	runReq := engine.RunRequest{
		Workflow:    &wf,
		Inputs:      mcp.ParseStringMap(req, "inputs", nil),
		TriggeredBy: "mcp",
	}

	if req.GetBool("wait", false) {
		result, runErr := s.executor.Run(ctx, runReq)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
		}
		return marshalResult(result)
	}

	runID, submitErr := s.executor.Submit(ctx, runReq)
	if submitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", submitErr)), nil
	}

	// Map the run to this session so completion gets pushed back.
	s.captureSession(ctx, runID)

	return marshalResult(map[string]any{
		"run_id": runID,
		"status": string(schema.RunStatusPending),
	})
}

// handleStatus returns the current state of a run.
func (s *LoomServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	view, statusErr := s.executor.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(view)
}

// handleCancel stops a pending or running run.
func (s *LoomServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via mcp")

	if cancelErr := s.executor.Cancel(ctx, runID, reason); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id": runID,
		"status": string(schema.RunStatusCancelled),
	})
}

// handleListRuns lists runs matching the filter, newest first.
func (s *LoomServer) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)

	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if workflowID, ok := filter["workflow_id"].(string); ok {
		rf.WorkflowID = workflowID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the run ID to the calling MCP session for notifications.
func (s *LoomServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

package store

import (
	"encoding/json"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// RunRecord is the durable execution record of a workflow run. The workflow
// definition is snapshotted at submission time so later edits to the
// workflow cannot change what a past run means.
type RunRecord struct {
	ID           string           `json:"id"`
	WorkflowID   string           `json:"workflow_id"`
	WorkflowName string           `json:"workflow_name,omitempty"`
	Definition   schema.Workflow  `json:"definition"`
	Status       schema.RunStatus `json:"status"`
	Inputs       map[string]any   `json:"inputs,omitempty"`
	Outputs      json.RawMessage  `json:"outputs,omitempty"`
	Context      json.RawMessage  `json:"context,omitempty"`
	Error        json.RawMessage  `json:"error,omitempty"`
	Usage        schema.Usage     `json:"usage"`
	TriggeredBy  string           `json:"triggered_by,omitempty"` // api, mcp, schedule
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// NodeResult is the materialized view of a node's state within a run.
type NodeResult struct {
	RunID       string            `json:"run_id"`
	NodeID      string            `json:"node_id"`
	Kind        schema.NodeKind   `json:"kind"`
	Status      schema.NodeStatus `json:"status"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	Usage       schema.Usage      `json:"usage"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in the run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// RecurringRun is a cron-triggered workflow submission.
type RecurringRun struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	CronExpression string          `json:"cron_expression"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status     *schema.RunStatus `json:"status,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run record.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Outputs     json.RawMessage   `json:"outputs,omitempty"`
	Context     json.RawMessage   `json:"context,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Usage       *schema.Usage     `json:"usage,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	NodeID    string     `json:"node_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// RecurringRunUpdate specifies mutable fields of a recurring run.
type RecurringRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// RecurringRunFilter specifies criteria for listing recurring runs.
type RecurringRunFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
	DeleteRun(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Node results (materialized view)
	UpsertNodeResult(ctx context.Context, result *NodeResult) error
	GetNodeResult(ctx context.Context, runID, nodeID string) (*NodeResult, error)
	ListNodeResults(ctx context.Context, runID string) ([]*NodeResult, error)

	// Recurring runs
	CreateRecurringRun(ctx context.Context, rec *RecurringRun) error
	GetRecurringRun(ctx context.Context, id string) (*RecurringRun, error)
	UpdateRecurringRun(ctx context.Context, id string, update RecurringRunUpdate) error
	ListRecurringRuns(ctx context.Context, filter RecurringRunFilter) ([]*RecurringRun, error)
	DeleteRecurringRun(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

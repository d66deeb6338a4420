package store

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
// Every state change during a run is appended here with a per-run
// monotonically increasing sequence, so a run's history can be replayed
// after a crash.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. A write-intent statement is issued first so the transaction
// holds the write lock across the sequence read and the insert.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction; force lock
	// acquisition before reading MAX(sequence) so concurrent appenders
	// cannot interleave.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload),
		event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by
// sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayRun replays a run's event log and returns the reconstructed node
// states. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayRun(ctx context.Context, runID string) (map[string]*NodeResult, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*NodeResult), nil
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]*NodeResult)

	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		nr, ok := states[e.NodeID]
		if !ok {
			nr = &NodeResult{
				RunID:  runID,
				NodeID: e.NodeID,
				Status: schema.NodeStatusPending,
			}
			states[e.NodeID] = nr
		}

		switch e.Type {
		case schema.EventNodeReady:
			nr.Status = schema.NodeStatusReady

		case schema.EventNodeStarted:
			nr.Status = schema.NodeStatusRunning
			nr.Attempts++
			ts := e.Timestamp
			nr.StartedAt = &ts

		case schema.EventNodeCompleted:
			nr.Status = schema.NodeStatusCompleted
			ts := e.Timestamp
			nr.CompletedAt = &ts
			nr.Output = e.Payload
			if nr.StartedAt != nil {
				nr.DurationMs = ts.Sub(*nr.StartedAt).Milliseconds()
			}

		case schema.EventNodeFailed:
			nr.Status = schema.NodeStatusFailed
			ts := e.Timestamp
			nr.CompletedAt = &ts
			nr.Error = e.Payload

		case schema.EventNodeSkipped:
			nr.Status = schema.NodeStatusSkipped

		case schema.EventNodeRetrying:
			// The next node_started event records the attempt; the retry
			// event itself only marks the backoff decision.
		}
	}

	return states, nil
}

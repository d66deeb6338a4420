package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for i := 0; i < 5; i++ {
		e := &Event{
			RunID:  run.ID,
			NodeID: "in",
			Type:   schema.EventNodeStarted,
		}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
	}
}

func TestEventLog_GetEvents_Since(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for _, et := range []string{schema.EventRunStarted, schema.EventNodeStarted, schema.EventNodeCompleted} {
		require.NoError(t, el.AppendEvent(ctx, &Event{RunID: run.ID, Type: et}))
	}

	events, err := el.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = el.GetEvents(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
}

func TestEventLog_ReplayRun_FullLifecycle(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s)

	now := time.Now().UTC()

	// in: started -> completed
	require.NoError(t, el.AppendEvent(ctx, &Event{
		RunID: run.ID, NodeID: "in", Type: schema.EventNodeStarted, Timestamp: now,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		RunID: run.ID, NodeID: "in", Type: schema.EventNodeCompleted,
		Payload:   json.RawMessage(`"hi"`),
		Timestamp: now.Add(100 * time.Millisecond),
	}))

	// out: started -> failed
	require.NoError(t, el.AppendEvent(ctx, &Event{
		RunID: run.ID, NodeID: "out", Type: schema.EventNodeStarted, Timestamp: now,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		RunID: run.ID, NodeID: "out", Type: schema.EventNodeFailed,
		Payload:   json.RawMessage(`{"code":"FATAL_NODE_ERROR"}`),
		Timestamp: now.Add(200 * time.Millisecond),
	}))

	states, err := el.ReplayRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, schema.NodeStatusCompleted, states["in"].Status)
	assert.NotNil(t, states["in"].StartedAt)
	assert.NotNil(t, states["in"].CompletedAt)
	assert.JSONEq(t, `"hi"`, string(states["in"].Output))
	assert.Greater(t, states["in"].DurationMs, int64(0))
	assert.Equal(t, 1, states["in"].Attempts)

	assert.Equal(t, schema.NodeStatusFailed, states["out"].Status)
	assert.JSONEq(t, `{"code":"FATAL_NODE_ERROR"}`, string(states["out"].Error))
}

func TestEventLog_ReplayRun_Skipped(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{
		RunID: run.ID, NodeID: "branch", Type: schema.EventNodeSkipped,
	}))

	states, err := el.ReplayRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusSkipped, states["branch"].Status)
}

func TestEventLog_ReplayRun_RetryCountsAttempts(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for _, et := range []string{
		schema.EventNodeStarted,
		schema.EventNodeRetrying,
		schema.EventNodeStarted,
		schema.EventNodeCompleted,
	} {
		require.NoError(t, el.AppendEvent(ctx, &Event{RunID: run.ID, NodeID: "agent", Type: et}))
	}

	states, err := el.ReplayRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusCompleted, states["agent"].Status)
	assert.Equal(t, 2, states["agent"].Attempts)
}

func TestEventLog_ReplayRun_Empty(t *testing.T) {
	el, s := newTestEventLog(t)
	run := seedRun(t, s)

	states, err := el.ReplayRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestEventLog_ReplayRun_SequenceGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s)

	// Manually insert events with a gap using the raw store.
	db := s.DB()
	_, err := db.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, timestamp, sequence) VALUES (?, 'in', 'node_started', CURRENT_TIMESTAMP, 1)`,
		run.ID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, timestamp, sequence) VALUES (?, 'in', 'node_completed', CURRENT_TIMESTAMP, 3)`,
		run.ID)
	require.NoError(t, err)

	_, err = el.ReplayRun(ctx, run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestEventLog_ConcurrentAppend_DifferentRuns(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	var runs []*RunRecord
	for i := 0; i < 5; i++ {
		runs = append(runs, seedRun(t, s))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 50)

	for _, run := range runs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				e := &Event{RunID: id, NodeID: "in", Type: schema.EventNodeStarted}
				if err := el.AppendEvent(ctx, e); err != nil {
					errCh <- err
					return
				}
			}
		}(run.ID)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent append error: %v", err)
	}

	// Each run keeps its own contiguous 1..10 sequence.
	for _, run := range runs {
		events, err := el.GetEvents(ctx, run.ID, 0)
		require.NoError(t, err)
		assert.Len(t, events, 10)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	}
}

func TestEventLog_RunScopedSequences(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	first := seedRun(t, s)
	second := seedRun(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{RunID: first.ID, Type: schema.EventRunStarted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{RunID: first.ID, Type: schema.EventRunCompleted}))

	e := &Event{RunID: second.ID, Type: schema.EventRunStarted}
	require.NoError(t, el.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence, "each run has its own sequence")
}

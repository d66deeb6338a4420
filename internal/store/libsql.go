package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomworks/loom/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a
// Store. The path may be a plain filesystem path or a full URL; the driver
// only accepts file:, libsql: and http(s): schemes, so bare paths get the
// file: prefix.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	dsn := dbPath
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "://") {
		dsn = "file:" + dsn
	}
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

const runColumns = `id, workflow_id, workflow_name, definition, status, inputs, outputs, context, error, prompt_tokens, completion_tokens, total_tokens, triggered_by, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *RunRecord) error {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	inputs, err := marshalMapOrDefault(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, nullStr(run.WorkflowName), string(def),
		string(run.Status), string(inputs), nullRaw(run.Outputs), nullRaw(run.Context), nullRaw(run.Error),
		run.Usage.PromptTokens, run.Usage.CompletionTokens, run.Usage.TotalTokens,
		nullStr(run.TriggeredBy),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Outputs != nil {
		sets = append(sets, "outputs = ?")
		args = append(args, string(update.Outputs))
	}
	if update.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, string(update.Context))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.Usage != nil {
		sets = append(sets, "prompt_tokens = ?", "completion_tokens = ?", "total_tokens = ?")
		args = append(args, update.Usage.PromptTokens, update.Usage.CompletionTokens, update.Usage.TotalTokens)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// scanRun reads one run row via the given Scan function, so QueryRow and
// Query share a single decode path.
func scanRun(scan func(...any) error) (*RunRecord, error) {
	run := &RunRecord{}
	var (
		name, triggeredBy                 sql.NullString
		defJSON, inputsJSON               string
		outputsJSON, contextJSON, errJSON sql.NullString
		startedAt, completedAt            sql.NullTime
		status                            string
	)
	err := scan(&run.ID, &run.WorkflowID, &name, &defJSON, &status, &inputsJSON,
		&outputsJSON, &contextJSON, &errJSON,
		&run.Usage.PromptTokens, &run.Usage.CompletionTokens, &run.Usage.TotalTokens,
		&triggeredBy, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.WorkflowName = name.String
	run.TriggeredBy = triggeredBy.String
	run.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if inputsJSON != "" {
		_ = json.Unmarshal([]byte(inputsJSON), &run.Inputs)
	}
	run.Outputs = rawOrNil(outputsJSON)
	run.Context = rawOrNil(contextJSON)
	run.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this run.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload),
		timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, node_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Node results ---

// nodeStatusRank orders node statuses for the monotonic upsert guard.
var nodeStatusRank = map[schema.NodeStatus]int{
	schema.NodeStatusPending:   0,
	schema.NodeStatusReady:     1,
	schema.NodeStatusRunning:   2,
	schema.NodeStatusCompleted: 3,
	schema.NodeStatusFailed:    3,
	schema.NodeStatusSkipped:   3,
}

// UpsertNodeResult writes a node's current state. A node already in a
// terminal state can only be overwritten with the same status; attempts to
// move it elsewhere indicate a scheduler bug and fail loudly.
func (s *LibSQLStore) UpsertNodeResult(ctx context.Context, result *NodeResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM node_results WHERE run_id = ? AND node_id = ?`,
		result.RunID, result.NodeID,
	).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		// First write for this node.
	case err != nil:
		return err
	default:
		cur := schema.NodeStatus(current)
		if cur.Terminal() && cur != result.Status {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"node %s in run %s is already %s, cannot set %s",
				result.NodeID, result.RunID, cur, result.Status).WithNode(result.NodeID)
		}
		if nodeStatusRank[result.Status] < nodeStatusRank[cur] {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"node %s in run %s cannot regress from %s to %s",
				result.NodeID, result.RunID, cur, result.Status).WithNode(result.NodeID)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO node_results (run_id, node_id, kind, status, input, output, error, attempts, prompt_tokens, completion_tokens, total_tokens, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, node_id) DO UPDATE SET
		   status=excluded.status, input=excluded.input, output=excluded.output, error=excluded.error,
		   attempts=excluded.attempts, prompt_tokens=excluded.prompt_tokens,
		   completion_tokens=excluded.completion_tokens, total_tokens=excluded.total_tokens,
		   started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		result.RunID, result.NodeID, string(result.Kind), string(result.Status),
		nullRaw(result.Input), nullRaw(result.Output), nullRaw(result.Error),
		result.Attempts, result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.TotalTokens,
		nullTime(result.StartedAt), nullTime(result.CompletedAt), result.DurationMs,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetNodeResult(ctx context.Context, runID, nodeID string) (*NodeResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, node_id, kind, status, input, output, error, attempts, prompt_tokens, completion_tokens, total_tokens, started_at, completed_at, duration_ms
		 FROM node_results WHERE run_id = ? AND node_id = ?`, runID, nodeID,
	)
	nr, err := scanNodeResult(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node_result", runID+"/"+nodeID)
	}
	return nr, err
}

func (s *LibSQLStore) ListNodeResults(ctx context.Context, runID string) ([]*NodeResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, kind, status, input, output, error, attempts, prompt_tokens, completion_tokens, total_tokens, started_at, completed_at, duration_ms
		 FROM node_results WHERE run_id = ? ORDER BY node_id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*NodeResult
	for rows.Next() {
		nr, err := scanNodeResult(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, nr)
	}
	return results, rows.Err()
}

func scanNodeResult(scan func(...any) error) (*NodeResult, error) {
	nr := &NodeResult{}
	var kind, status string
	var input, output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := scan(&nr.RunID, &nr.NodeID, &kind, &status, &input, &output, &errJSON,
		&nr.Attempts, &nr.Usage.PromptTokens, &nr.Usage.CompletionTokens, &nr.Usage.TotalTokens,
		&startedAt, &completedAt, &nr.DurationMs)
	if err != nil {
		return nil, err
	}
	nr.Kind = schema.NodeKind(kind)
	nr.Status = schema.NodeStatus(status)
	nr.Input = rawOrNil(input)
	nr.Output = rawOrNil(output)
	nr.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		nr.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		nr.CompletedAt = &completedAt.Time
	}
	return nr, nil
}

// --- Recurring runs ---

func (s *LibSQLStore) CreateRecurringRun(ctx context.Context, rec *RecurringRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recurring_runs (id, workflow_id, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.CronExpression, nullRaw(rec.Inputs),
		rec.Enabled, nullTime(rec.LastRunAt), nullTime(rec.NextRunAt),
		nullStr(rec.LastRunStatus), timeOrNow(rec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRecurringRun(ctx context.Context, id string) (*RecurringRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM recurring_runs WHERE id = ?`, id,
	)
	rec, err := scanRecurringRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("recurring_run", id)
	}
	return rec, err
}

func (s *LibSQLStore) UpdateRecurringRun(ctx context.Context, id string, update RecurringRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE recurring_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "recurring_run", id)
}

func (s *LibSQLStore) ListRecurringRuns(ctx context.Context, filter RecurringRunFilter) ([]*RecurringRun, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT id, workflow_id, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at FROM recurring_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*RecurringRun
	for rows.Next() {
		rec, err := scanRecurringRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *LibSQLStore) DeleteRecurringRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recurring_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "recurring_run", id)
}

func scanRecurringRun(scan func(...any) error) (*RecurringRun, error) {
	rec := &RecurringRun{}
	var inputs, lastStatus sql.NullString
	var lastRunAt, nextRunAt sql.NullTime
	err := scan(&rec.ID, &rec.WorkflowID, &rec.CronExpression, &inputs, &rec.Enabled,
		&lastRunAt, &nextRunAt, &lastStatus, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Inputs = rawOrNil(inputs)
	rec.LastRunStatus = lastStatus.String
	if lastRunAt.Valid {
		rec.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		rec.NextRunAt = &nextRunAt.Time
	}
	return rec, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)

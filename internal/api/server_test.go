package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/invoker"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/transforms"
	"github.com/loomworks/loom/pkg/schema"
)

type stubAgents struct{}

func (stubAgents) Has(string) bool { return true }

type stubInvoker struct{}

func (stubInvoker) Invoke(_ context.Context, inv invoker.Invocation) (*invoker.Completion, error) {
	return &invoker.Completion{Text: "echo: " + inv.Prompt, Model: "stub"}, nil
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewLibSQLStore(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	reg := transforms.NewRegistry()
	require.NoError(t, transforms.RegisterBuiltins(reg))

	hub := streaming.NewMemoryHub()
	events := streaming.NewPublishingLog(store.NewEventLog(st), hub)

	exec, err := engine.New(engine.Config{
		Store:      st,
		Events:     events,
		Transforms: reg,
		Agents:     stubAgents{},
		Invoker:    stubInvoker{},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(exec.Shutdown)

	srv := NewServer(Deps{
		Store:    st,
		Executor: exec,
		Events:   events,
		Hub:      hub,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return srv.Handler()
}

const pipelineJSON = `{
	"workflow": {
		"id": "greeting-pipeline",
		"nodes": [
			{"id": "greeting", "kind": "input", "config": {"key": "greeting", "required": true}},
			{"id": "shout", "kind": "transform", "config": {"transform": "uppercase"}},
			{"id": "out", "kind": "output", "config": {"key": "result"}}
		],
		"edges": [
			{"id": "e1", "source": "greeting", "target": "shout"},
			{"id": "e2", "source": "shout", "target": "out"}
		]
	},
	"inputs": {"greeting": "hi"}
}`

func doRequest(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func submitAndWait(t *testing.T, handler http.Handler, body string, want schema.RunStatus) string {
	t.Helper()

	rec := doRequest(handler, http.MethodPost, "/api/runs", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	runID := accepted["run_id"]
	require.NotEmpty(t, runID)
	require.Equal(t, string(schema.RunStatusRunning), accepted["status"])
	require.NotEmpty(t, accepted["start_time"])

	require.Eventually(t, func() bool {
		got := doRequest(handler, http.MethodGet, "/api/runs/"+runID, "")
		if got.Code != http.StatusOK {
			return false
		}
		var view engine.RunStatusView
		if err := json.Unmarshal(got.Body.Bytes(), &view); err != nil {
			return false
		}
		return view.Run.Status == want
	}, 5*time.Second, 20*time.Millisecond, "run %s never reached %s", runID, want)

	return runID
}

func TestSubmitRun(t *testing.T) {
	handler := newTestServer(t)

	runID := submitAndWait(t, handler, pipelineJSON, schema.RunStatusCompleted)

	rec := doRequest(handler, http.MethodGet, "/api/runs/"+runID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view engine.RunStatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "greeting-pipeline", view.Run.WorkflowID)
	assert.JSONEq(t, `{"result":"HI"}`, string(view.Run.Outputs))
	assert.Len(t, view.Nodes, 3)
	assert.NotEmpty(t, view.Events)
}

func TestSubmitRun_ValidationError(t *testing.T) {
	handler := newTestServer(t)

	body := `{
		"workflow": {
			"id": "broken",
			"nodes": [
				{"id": "t", "kind": "transform", "config": {"transform": "does-not-exist"}},
				{"id": "out", "kind": "output", "config": {"key": "r"}}
			],
			"edges": [{"id": "e1", "source": "t", "target": "out"}]
		}
	}`

	rec := doRequest(handler, http.MethodPost, "/api/runs", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error *schema.EngineError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, schema.ErrCodeValidation, resp.Error.Code)
}

func TestSubmitRun_InvalidJSON(t *testing.T) {
	handler := newTestServer(t)

	rec := doRequest(handler, http.MethodPost, "/api/runs", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRun_MissingWorkflow(t *testing.T) {
	handler := newTestServer(t)

	rec := doRequest(handler, http.MethodPost, "/api/runs", `{"inputs":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "workflow is required")
}

func TestGetRun_NotFound(t *testing.T) {
	handler := newTestServer(t)

	rec := doRequest(handler, http.MethodGet, "/api/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun_TerminalConflict(t *testing.T) {
	handler := newTestServer(t)

	runID := submitAndWait(t, handler, pipelineJSON, schema.RunStatusCompleted)

	rec := doRequest(handler, http.MethodPost, "/api/runs/"+runID+"/cancel", `{"reason":"too late"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp struct {
		Error *schema.EngineError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, schema.ErrCodeConflict, resp.Error.Code)
}

func TestListWorkflowRuns(t *testing.T) {
	handler := newTestServer(t)

	first := submitAndWait(t, handler, pipelineJSON, schema.RunStatusCompleted)
	second := submitAndWait(t, handler, pipelineJSON, schema.RunStatusCompleted)

	rec := doRequest(handler, http.MethodGet, "/api/workflows/greeting-pipeline/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs  []*store.RunRecord `json:"runs"`
		Count int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)

	ids := []string{resp.Runs[0].ID, resp.Runs[1].ID}
	assert.ElementsMatch(t, []string{first, second}, ids)

	// Status filter that matches nothing.
	rec = doRequest(handler, http.MethodGet, "/api/workflows/greeting-pipeline/runs?status=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
}

func TestRunEvents_ReplaysPersistedEvents(t *testing.T) {
	handler := newTestServer(t)

	runID := submitAndWait(t, handler, pipelineJSON, schema.RunStatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+runID+"/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "event: "+schema.EventRunStarted)
	assert.Contains(t, body, "event: "+schema.EventNodeCompleted)
	assert.Contains(t, body, "event: "+schema.EventRunCompleted)
	assert.Contains(t, body, `"run_id":"`+runID+`"`)
}

func TestRecurringCRUD(t *testing.T) {
	handler := newTestServer(t)

	rec := doRequest(handler, http.MethodPost, "/api/recurring",
		`{"workflow_id":"wf-nightly","cron_expression":"0 3 * * *","inputs":{"env":"prod"},"enabled":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.NotEmpty(t, created["next_run_at"], "first fire time should be computed at creation")

	rec = doRequest(handler, http.MethodGet, "/api/recurring", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, 1, listed.Count)

	rec = doRequest(handler, http.MethodPut, "/api/recurring/"+id, `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(handler, http.MethodGet, "/api/recurring?enabled=true", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, 0, listed.Count)

	rec = doRequest(handler, http.MethodDelete, "/api/recurring/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(handler, http.MethodGet, "/api/recurring", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, 0, listed.Count)
}

func TestCreateRecurring_InvalidCron(t *testing.T) {
	handler := newTestServer(t)

	rec := doRequest(handler, http.MethodPost, "/api/recurring",
		`{"workflow_id":"wf-nightly","cron_expression":"not a cron","enabled":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid cron expression")
}

func TestDeleteRecurring_NotFound(t *testing.T) {
	handler := newTestServer(t)

	rec := doRequest(handler, http.MethodDelete, "/api/recurring/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

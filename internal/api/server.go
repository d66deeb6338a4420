package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/pkg/schema"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Store    store.Store
	Executor engine.Executor
	Events   streaming.EventLog
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// Server serves the run submission and inspection API.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/runs", s.handleSubmitRun)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/workflows/{id}/runs", s.handleListWorkflowRuns)
	mux.HandleFunc("POST /api/recurring", s.handleCreateRecurring)
	mux.HandleFunc("GET /api/recurring", s.handleListRecurring)
	mux.HandleFunc("PUT /api/recurring/{id}", s.handleUpdateRecurring)
	mux.HandleFunc("DELETE /api/recurring/{id}", s.handleDeleteRecurring)
	mux.HandleFunc("GET /api/healthz", s.handleHealth)

	return mux
}

// handleSubmitRun validates and records a run, then executes it in the
// background. Responds 202 with the run ID.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Workflow    *schema.Workflow `json:"workflow"`
		Inputs      map[string]any   `json:"inputs"`
		TriggeredBy string           `json:"triggered_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Workflow == nil {
		writeError(w, http.StatusBadRequest, "workflow is required")
		return
	}
	triggeredBy := body.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	runID, err := s.deps.Executor.Submit(ctx, engine.RunRequest{
		Workflow:    body.Workflow,
		Inputs:      body.Inputs,
		TriggeredBy: triggeredBy,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":     runID,
		"status":     schema.RunStatusRunning,
		"start_time": time.Now().UTC(),
	})
}

// handleGetRun returns the run record, its node results and its event log.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Executor.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCancelRun stops a pending or running run. Terminal runs respond 409.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}

	if err := s.deps.Executor.Cancel(r.Context(), runID, body.Reason); err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(schema.RunStatusCancelled)})
}

// handleListWorkflowRuns lists runs for one workflow, newest first.
func (s *Server) handleListWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		WorkflowID: r.PathValue("id"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.RunStatus(v)
		filter.Status = &status
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// writeEngineError maps an EngineError code to an HTTP status.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var engErr *schema.EngineError
	if !errors.As(err, &engErr) {
		s.deps.Logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch engErr.Code {
	case schema.ErrCodeValidation, schema.ErrCodeInput, schema.ErrCodeCycleDetected:
		status = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": engErr})
}

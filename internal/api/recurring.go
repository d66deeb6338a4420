package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/internal/store"
)

// handleCreateRecurring registers a cron-triggered recurring submission.
// The first fire time is computed here so a new entry waits for its slot
// instead of firing on the next tick.
func (s *Server) handleCreateRecurring(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		WorkflowID     string          `json:"workflow_id"`
		CronExpression string          `json:"cron_expression"`
		Inputs         json.RawMessage `json:"inputs"`
		Enabled        bool            `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.WorkflowID == "" || body.CronExpression == "" {
		writeError(w, http.StatusBadRequest, "workflow_id and cron_expression are required")
		return
	}

	schedule, err := cron.ParseStandard(body.CronExpression)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cron expression: %v", err))
		return
	}

	next := schedule.Next(time.Now().UTC())
	rec := &store.RecurringRun{
		ID:             uuid.New().String(),
		WorkflowID:     body.WorkflowID,
		CronExpression: body.CronExpression,
		Inputs:         body.Inputs,
		Enabled:        body.Enabled,
		NextRunAt:      &next,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.deps.Store.CreateRecurringRun(ctx, rec); err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// handleListRecurring lists recurring entries, optionally filtered by
// workflow and enabled state.
func (s *Server) handleListRecurring(w http.ResponseWriter, r *http.Request) {
	filter := store.RecurringRunFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      queryInt(r, "limit", 100),
	}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}

	recs, err := s.deps.Store.ListRecurringRuns(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recurring": recs, "count": len(recs)})
}

// handleUpdateRecurring toggles a recurring entry on or off.
func (s *Server) handleUpdateRecurring(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if err := s.deps.Store.UpdateRecurringRun(r.Context(), id, store.RecurringRunUpdate{
		Enabled: body.Enabled,
	}); err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// handleDeleteRecurring removes a recurring entry.
func (s *Server) handleDeleteRecurring(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.deps.Store.DeleteRecurringRun(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// RunSubmitter is the slice of the executor the scheduler needs.
// Satisfied by engine.Executor.
type RunSubmitter interface {
	Submit(ctx context.Context, req engine.RunRequest) (string, error)
}

// EventAppender records scheduler events on the run log. Satisfied by
// *store.EventLog and *streaming.PublishingLog.
type EventAppender interface {
	AppendEvent(ctx context.Context, ev *store.Event) error
}

// Scheduler polls the store for due recurring runs and submits them.
//
// A recurring entry references a workflow by ID only; the definition is
// resolved from the snapshot on the workflow's most recent run. Scheduling
// a workflow that has never run leaves the entry in last_run_status
// "error" until a run exists.
type Scheduler struct {
	store   store.Store
	submit  RunSubmitter
	events  EventAppender
	parser  cron.Parser
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	startMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // recurring run IDs currently submitting (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, submit RunSubmitter, events EventAppender, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		submit:   submit,
		events:   events,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.startMu.Lock()
	if s.done != nil {
		s.startMu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.startMu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled recurring runs and submits those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	recs, err := s.store.ListRecurringRuns(ctx, store.RecurringRunFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list recurring runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, rec := range recs {
		if rec.NextRunAt == nil || !rec.NextRunAt.After(now) {
			if !s.tryAcquire(rec.ID) {
				continue // already submitting (dedup)
			}
			if err := s.submitDue(ctx, rec, now); err != nil {
				s.logger.Error("failed to submit recurring run",
					slog.String("recurring_id", rec.ID),
					slog.String("workflow_id", rec.WorkflowID),
					slog.String("error", err.Error()),
				)
			}
			s.release(rec.ID)
		}
	}
}

// submitDue submits one due recurring run and advances its timestamps.
func (s *Scheduler) submitDue(ctx context.Context, rec *store.RecurringRun, now time.Time) error {
	s.logger.Info("submitting recurring run",
		slog.String("recurring_id", rec.ID),
		slog.String("workflow_id", rec.WorkflowID),
	)

	var inputs map[string]any
	if len(rec.Inputs) > 0 {
		if err := json.Unmarshal(rec.Inputs, &inputs); err != nil {
			return s.updateStatus(ctx, rec, now, "error")
		}
	}

	def, err := s.resolveDefinition(ctx, rec.WorkflowID)
	if err != nil {
		s.logger.Error("cannot resolve workflow for recurring run",
			slog.String("recurring_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return s.updateStatus(ctx, rec, now, "error")
	}

	runID, err := s.submit.Submit(ctx, engine.RunRequest{
		Workflow:    def,
		Inputs:      inputs,
		TriggeredBy: "schedule",
	})
	status := "submitted"
	if err != nil {
		status = "error"
		s.logger.Error("recurring run submission failed",
			slog.String("recurring_id", rec.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.recordScheduled(ctx, rec, runID)
	}

	return s.updateStatus(ctx, rec, now, status)
}

// resolveDefinition loads the workflow definition from the snapshot on the
// workflow's most recent run.
func (s *Scheduler) resolveDefinition(ctx context.Context, workflowID string) (*schema.Workflow, error) {
	runs, err := s.store.ListRuns(ctx, store.RunFilter{WorkflowID: workflowID, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("list runs for workflow %q: %w", workflowID, err)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("workflow %q has no run to take a definition from", workflowID)
	}
	def := runs[0].Definition
	return &def, nil
}

func (s *Scheduler) recordScheduled(ctx context.Context, rec *store.RecurringRun, runID string) {
	payload, _ := json.Marshal(map[string]any{
		"recurring_id":    rec.ID,
		"workflow_id":     rec.WorkflowID,
		"cron_expression": rec.CronExpression,
	})
	if err := s.events.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		Type:    schema.EventRecurringRunScheduled,
		Payload: payload,
	}); err != nil {
		s.logger.Error("failed to record recurring_run_scheduled event",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) updateStatus(ctx context.Context, rec *store.RecurringRun, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(rec.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for recurring run %q: %w", rec.ID, err)
	}

	return s.store.UpdateRecurringRun(ctx, rec.ID, store.RecurringRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the entry in-flight if it is not already.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// release removes the entry from the in-flight set.
func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed submits recurring runs whose next_run_at passed while the
// process was down. Each missed entry fires once, not once per missed slot.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	recs, err := s.store.ListRecurringRuns(ctx, store.RecurringRunFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed recurring runs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, rec := range recs {
		if rec.NextRunAt != nil && rec.NextRunAt.Before(now) {
			if !s.tryAcquire(rec.ID) {
				continue
			}
			if err := s.submitDue(ctx, rec, now); err != nil {
				s.logger.Error("failed to recover missed recurring run",
					slog.String("recurring_id", rec.ID),
					slog.String("error", err.Error()),
				)
				s.release(rec.ID)
				continue
			}
			s.release(rec.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed recurring runs", slog.Int("count", recovered))
	}
	return nil
}

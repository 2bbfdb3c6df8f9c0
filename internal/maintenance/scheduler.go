// Package maintenance runs the two fixed background jobs described in
// SPEC_FULL.md §2.1, built on the same robfig/cron/v3 construction the
// orchestrator teacher's Scheduler uses (cron.New(cron.WithSeconds())).
// Both jobs are read-only with respect to the DAG: neither claims,
// completes, nor mutates WorkflowState.
package maintenance

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/devworkflowd/internal/dagmodel"
	"github.com/swarmguard/devworkflowd/internal/registry"
	"github.com/swarmguard/devworkflowd/internal/statestore"
	"github.com/swarmguard/devworkflowd/internal/trajectory"
)

// summarize produces the total/running/pending/completed/failed counts the
// heartbeat event carries, tolerating a nil state (no workflow imported yet).
func summarize(state *dagmodel.WorkflowState) map[string]any {
	counts := map[string]any{"total": 0, "running": 0, "pending": 0, "completed": 0, "failed": 0}
	if state == nil {
		return counts
	}
	total, running, pending, completed, failed := 0, 0, 0, 0, 0
	for _, t := range state.Tasks {
		total++
		switch t.Status {
		case dagmodel.StatusRunning:
			running++
		case dagmodel.StatusPending:
			pending++
		case dagmodel.StatusCompleted:
			completed++
		case dagmodel.StatusFailed:
			failed++
		}
	}
	counts["total"] = total
	counts["running"] = running
	counts["pending"] = pending
	counts["completed"] = completed
	counts["failed"] = failed
	return counts
}

// Scheduler owns the cron runtime for one daemon process.
type Scheduler struct {
	cron *cron.Cron
}

// New builds a Scheduler with seconds-resolution cron expressions, matching
// the teacher's Scheduler construction.
func New() *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithSeconds())}
}

// Start registers the registry heartbeat (every 30s) and the trajectory
// housekeeping event (every 5 minutes) and starts the cron runtime.
func (s *Scheduler) Start(ctx context.Context, reg *registry.Registry, hash string, store *statestore.Store, log *trajectory.Log) error {
	if _, err := s.cron.AddFunc("*/30 * * * * *", func() {
		if err := reg.Touch(hash); err != nil {
			slog.Warn("registry heartbeat failed", "error", err)
		}
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc("0 */5 * * * *", func() {
		state, err := store.Load()
		if err != nil {
			slog.Warn("daemon heartbeat: loading state failed", "error", err)
			return
		}
		summary := summarize(state)
		ev := trajectory.NewEvent("daemon_heartbeat", summary)
		if err := log.Append(ctx, ev); err != nil {
			slog.Warn("daemon heartbeat: trajectory append failed", "error", err)
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop blocks until any in-flight job finishes, then stops the scheduler.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Package statestore is the authoritative single-writer copy of
// WorkflowState: the in-memory resident value, lazy load-from-disk, and the
// atomic claim/complete/save/update/reset operations, all serialized under
// one mutex (the highest-priority lock in the hierarchy, §5).
package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/devworkflowd/internal/dagmodel"
)

// ErrTaskNotFound is returned by CompleteTask when task_id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskNotRunning is returned by CompleteTask when the task is not RUNNING.
var ErrTaskNotRunning = errors.New("task is not running")

// ErrWorkerMismatch is returned by CompleteTask when the task is claimed by
// a different worker (fail-fast; no silent overwrite, §4.2.3).
var ErrWorkerMismatch = errors.New("task claimed by a different worker")

// Store is the process-wide State Store. Exactly one Store should exist per
// daemon: it owns the only writer of the on-disk state file.
type Store struct {
	mu       sync.Mutex
	path     string
	clock    dagmodel.Clock
	resident *dagmodel.WorkflowState
	loaded   bool

	tracer trace.Tracer

	claimLatency    metric.Float64Histogram
	completeLatency metric.Float64Histogram
	saveLatency     metric.Float64Histogram
	claimsTotal     metric.Int64Counter
	reclaimsTotal   metric.Int64Counter
	completesTotal  metric.Int64Counter
}

// New constructs a Store persisting to path. clock defaults to the real
// wall clock when nil.
func New(path string, clock dagmodel.Clock, tracer trace.Tracer, meter metric.Meter) *Store {
	if clock == nil {
		clock = dagmodel.RealClock{}
	}
	s := &Store{path: path, clock: clock, tracer: tracer}
	if meter != nil {
		s.claimLatency, _ = meter.Float64Histogram("statestore_claim_latency_ms")
		s.completeLatency, _ = meter.Float64Histogram("statestore_complete_latency_ms")
		s.saveLatency, _ = meter.Float64Histogram("statestore_save_latency_ms")
		s.claimsTotal, _ = meter.Int64Counter("statestore_claims_total")
		s.reclaimsTotal, _ = meter.Int64Counter("statestore_reclaims_total")
		s.completesTotal, _ = meter.Int64Counter("statestore_completes_total")
	}
	return s
}

// Load returns the resident state, reading it from disk exactly once if a
// file is present. It returns (nil, nil) when there is neither a resident
// nor an on-disk state.
func (s *Store) Load() (*dagmodel.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*dagmodel.WorkflowState, error) {
	if s.loaded {
		return s.resident, nil
	}
	data, err := readFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	s.loaded = true
	if data == nil {
		s.resident = nil
		return nil, nil
	}
	state, err := decode(data)
	if err != nil {
		return nil, err
	}
	s.resident = &state
	return s.resident, nil
}

// Save validates state's DAG, persists it atomically, and assigns it as
// resident. It fails before touching disk on a cycle or missing dependency.
func (s *Store) Save(state dagmodel.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(state)
}

func (s *Store) saveLocked(state dagmodel.WorkflowState) error {
	start := time.Now()
	if err := dagmodel.ValidateDAG(state); err != nil {
		return err
	}
	data, err := encode(state)
	if err != nil {
		return fmt.Errorf("encoding workflow state: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return fmt.Errorf("persisting workflow state: %w", err)
	}
	s.resident = &state
	s.loaded = true
	if s.saveLatency != nil {
		s.saveLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	}
	return nil
}

// Reset clears the resident state and deletes the on-disk file. Idempotent:
// calling it when no state exists is not an error.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resident = nil
	s.loaded = true
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing state file: %w", err)
	}
	return nil
}

// Update partially replaces top-level fields of WorkflowState. The only
// recognized field is "tasks", already coerced by the caller (the RPC
// handler) into map[string]dagmodel.Task, which replaces the current task
// mapping as a whole; validate_dag runs before persistence.
func (s *Store) Update(tasks map[string]dagmodel.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := dagmodel.WorkflowState{Tasks: make(map[string]dagmodel.Task, len(tasks))}
	for id, t := range tasks {
		next.Tasks[id] = t
	}
	return s.saveLocked(next)
}

// ClaimTask implements the atomic claim described in §4.2.3: idempotent
// re-claim with lease renewal, else claimable-next (pending, else timed-out
// reclaim).
func (s *Store) ClaimTask(ctx context.Context, workerID string) (dagmodel.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()

	current, err := s.loadLocked()
	if err != nil {
		return dagmodel.ClaimResult{}, err
	}
	if current == nil {
		return dagmodel.ClaimResult{}, nil
	}

	now := s.clock.Now()
	next := current.Clone()

	for id, t := range next.Tasks {
		if t.Status == dagmodel.StatusRunning && t.ClaimedBy == workerID {
			t.StartedAt = timePtr(now)
			next.Tasks[id] = t
			if err := s.saveLocked(next); err != nil {
				return dagmodel.ClaimResult{}, err
			}
			claimed := next.Tasks[id]
			s.recordClaim(ctx, start, false)
			return dagmodel.ClaimResult{Task: &claimed, IsRetry: true, IsReclaim: false}, nil
		}
	}

	candidate, isReclaim := dagmodel.ClaimableNext(*current, now)
	if candidate == nil {
		s.recordClaim(ctx, start, false)
		return dagmodel.ClaimResult{}, nil
	}

	claimed := candidate.Clone()
	claimed.Status = dagmodel.StatusRunning
	claimed.ClaimedBy = workerID
	claimed.StartedAt = timePtr(now)
	claimed.CompletedAt = nil
	next.Tasks[claimed.ID] = claimed

	if err := s.saveLocked(next); err != nil {
		return dagmodel.ClaimResult{}, err
	}

	s.recordClaim(ctx, start, isReclaim)
	result := next.Tasks[claimed.ID]
	return dagmodel.ClaimResult{Task: &result, IsRetry: false, IsReclaim: isReclaim}, nil
}

func (s *Store) recordClaim(ctx context.Context, start time.Time, isReclaim bool) {
	if s.claimLatency != nil {
		s.claimLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if isReclaim && s.reclaimsTotal != nil {
		s.reclaimsTotal.Add(ctx, 1)
	} else if s.claimsTotal != nil {
		s.claimsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("reclaim", isReclaim)))
	}
}

// CompleteTask fails if the task doesn't exist, isn't RUNNING, or is claimed
// by a different worker; otherwise transitions it to COMPLETED.
func (s *Store) CompleteTask(ctx context.Context, taskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()

	current, err := s.loadLocked()
	if err != nil {
		return err
	}
	if current == nil {
		return ErrTaskNotFound
	}

	t, ok := current.Tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != dagmodel.StatusRunning {
		return ErrTaskNotRunning
	}
	if t.ClaimedBy != workerID {
		return ErrWorkerMismatch
	}

	next := current.Clone()
	t = t.Clone()
	t.Status = dagmodel.StatusCompleted
	t.CompletedAt = timePtr(s.clock.Now())
	next.Tasks[taskID] = t

	if err := s.saveLocked(next); err != nil {
		return err
	}
	if s.completeLatency != nil {
		s.completeLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if s.completesTotal != nil {
		s.completesTotal.Add(ctx, 1)
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

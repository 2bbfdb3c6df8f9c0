package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/devworkflowd/internal/dagmodel"
	"github.com/swarmguard/devworkflowd/internal/execgate"
	"github.com/swarmguard/devworkflowd/internal/planparser"
	"github.com/swarmguard/devworkflowd/internal/trajectory"
)

func newTrajectoryEvent(eventType string, fields map[string]any) trajectory.Event {
	return trajectory.NewEvent(eventType, fields)
}

// dispatch decodes line, routes it to the matching handler, and returns the
// response plus whether the caller should trigger asynchronous shutdown
// after writing it (only true for a successful "shutdown" command, §4.5.5).
func (s *Server) dispatch(ctx context.Context, line []byte) (Response, bool) {
	req, err := decodeRequest(line)
	if err != nil {
		return errResponse(err), false
	}

	correlationID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "rpc."+commandNameOf(req),
		trace.WithAttributes(attribute.String("correlation_id", correlationID)))
	defer span.End()

	switch r := req.(type) {
	case pingRequest:
		return ok(map[string]any{"running": true, "pid": os.Getpid()}), false
	case shutdownRequest:
		return ok(map[string]any{"shutdown": true}), true
	case getStateRequest:
		return s.handleGetState()
	case statusRequest:
		return s.handleStatus(ctx, r)
	case updateStateRequest:
		return s.handleUpdateState(ctx, r)
	case gitRequest:
		return s.handleGit(ctx, r)
	case taskClaimRequest:
		span.SetAttributes(attribute.String("worker_id", r.WorkerID))
		return s.handleTaskClaim(ctx, r)
	case taskCompleteRequest:
		span.SetAttributes(attribute.String("worker_id", r.WorkerID), attribute.String("task_id", r.TaskID))
		return s.handleTaskComplete(ctx, r)
	case execRequest:
		return s.handleExec(ctx, r)
	case planImportRequest:
		return s.handlePlanImport(ctx, r)
	case planResetRequest:
		return s.handlePlanReset(ctx)
	case contextPreserveRequest:
		return s.handleContextPreserve(ctx)
	case historyListRequest:
		return s.handleHistoryList(r)
	default:
		return errResponse(fmt.Errorf("unhandled request type %T", req)), false
	}
}

func commandNameOf(req any) string {
	switch req.(type) {
	case pingRequest:
		return "ping"
	case shutdownRequest:
		return "shutdown"
	case getStateRequest:
		return "get_state"
	case statusRequest:
		return "status"
	case updateStateRequest:
		return "update_state"
	case gitRequest:
		return "git"
	case taskClaimRequest:
		return "task_claim"
	case taskCompleteRequest:
		return "task_complete"
	case execRequest:
		return "exec"
	case planImportRequest:
		return "plan_import"
	case planResetRequest:
		return "plan_reset"
	case contextPreserveRequest:
		return "context_preserve"
	case historyListRequest:
		return "history_list"
	default:
		return "unknown"
	}
}

func (s *Server) handleGetState() (Response, bool) {
	state, err := s.store.Load()
	if err != nil {
		return errResponse(err), false
	}
	if state == nil {
		return ok(nil), false
	}
	return ok(state), false
}

func (s *Server) handleStatus(ctx context.Context, r statusRequest) (Response, bool) {
	eventCount := 10
	if r.EventCount != nil {
		if *r.EventCount < 0 {
			return errResponse(fmt.Errorf("event_count must be >= 0")), false
		}
		eventCount = *r.EventCount
	}

	state, err := s.store.Load()
	if err != nil {
		return errResponse(err), false
	}

	summary := map[string]int{"total": 0, "completed": 0, "running": 0, "pending": 0, "failed": 0}
	activeWorkers := map[string]bool{}
	var tasks map[string]dagmodel.Task
	if state != nil {
		tasks = state.Tasks
		for _, t := range state.Tasks {
			summary["total"]++
			switch t.Status {
			case dagmodel.StatusCompleted:
				summary["completed"]++
			case dagmodel.StatusRunning:
				summary["running"]++
				if t.ClaimedBy != "" {
					activeWorkers[t.ClaimedBy] = true
				}
			case dagmodel.StatusPending:
				summary["pending"]++
			case dagmodel.StatusFailed:
				summary["failed"]++
			}
		}
	}

	events, err := s.traj.Tail(ctx, eventCount)
	if err != nil {
		return errResponse(err), false
	}

	workers := make([]string, 0, len(activeWorkers))
	for w := range activeWorkers {
		workers = append(workers, w)
	}

	return ok(map[string]any{
		"active":         state != nil,
		"summary":        summary,
		"tasks":          tasks,
		"events":         events,
		"active_workers": workers,
	}), false
}

func (s *Server) handleUpdateState(ctx context.Context, r updateStateRequest) (Response, bool) {
	if len(r.Updates) == 0 {
		return errResponse(fmt.Errorf("update_state: updates must be non-empty")), false
	}

	var envelope struct {
		Tasks json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(r.Updates, &envelope); err != nil {
		return errResponse(fmt.Errorf("update_state: %w", err)), false
	}
	if len(envelope.Tasks) == 0 {
		return errResponse(fmt.Errorf("update_state: updates.tasks is required")), false
	}

	tasks, err := coerceTasks(envelope.Tasks)
	if err != nil {
		return errResponse(fmt.Errorf("update_state: %w", err)), false
	}

	if err := s.store.Update(tasks); err != nil {
		return errResponse(err), false
	}

	s.logAfterRelease(ctx, "update_state", nil)
	return ok(map[string]any{"updated": true}), false
}

// coerceTasks accepts either a mapping id -> task-or-dict or a list of
// task-or-dict, per §4.2.3's update() contract, and coerces both shapes
// into the canonical id-keyed mapping.
func coerceTasks(raw json.RawMessage) (map[string]dagmodel.Task, error) {
	var asMap map[string]dagmodel.Task
	if err := json.Unmarshal(raw, &asMap); err == nil {
		for id, t := range asMap {
			t.ID = id
			asMap[id] = t
		}
		return asMap, nil
	}

	var asList []dagmodel.Task
	if err := json.Unmarshal(raw, &asList); err != nil {
		return nil, fmt.Errorf("tasks must be a mapping or a list: %w", err)
	}
	out := make(map[string]dagmodel.Task, len(asList))
	for _, t := range asList {
		if strings.TrimSpace(t.ID) == "" {
			return nil, fmt.Errorf("task in list form is missing id")
		}
		out[t.ID] = t
	}
	return out, nil
}

func (s *Server) handleGit(ctx context.Context, r gitRequest) (Response, bool) {
	if len(r.Args) == 0 {
		return errResponse(fmt.Errorf("git: args must be non-empty")), false
	}
	cwd := r.Cwd
	if cwd == "" {
		cwd = s.cfg.Worktree
	}

	start := time.Now()
	result, err := s.runtime.SafeGit(ctx, r.Args, cwd, false)
	duration := time.Since(start)
	if err != nil {
		return errResponse(err), false
	}

	s.logAfterRelease(ctx, "git", map[string]any{
		"args":        r.Args,
		"returncode":  result.ReturnCode,
		"duration_ms": float64(duration.Microseconds()) / 1000.0,
	})
	return ok(result), false
}

func (s *Server) handleTaskClaim(ctx context.Context, r taskClaimRequest) (Response, bool) {
	workerID := strings.TrimSpace(r.WorkerID)
	if workerID == "" {
		return errResponse(fmt.Errorf("task_claim: worker_id must be non-empty")), false
	}

	result, err := s.store.ClaimTask(ctx, workerID)
	if err != nil {
		return errResponse(err), false
	}

	s.logAfterRelease(ctx, "task_claim", map[string]any{
		"worker_id":  workerID,
		"is_retry":   result.IsRetry,
		"is_reclaim": result.IsReclaim,
		"task_id":    taskIDOrEmpty(result.Task),
	})
	return ok(result), false
}

func (s *Server) handleTaskComplete(ctx context.Context, r taskCompleteRequest) (Response, bool) {
	taskID := strings.TrimSpace(r.TaskID)
	workerID := strings.TrimSpace(r.WorkerID)
	if taskID == "" || workerID == "" {
		return errResponse(fmt.Errorf("task_complete: task_id and worker_id must both be non-empty")), false
	}

	if err := s.store.CompleteTask(ctx, taskID, workerID); err != nil {
		return errResponse(err), false
	}

	s.logAfterRelease(ctx, "task_complete", map[string]any{"task_id": taskID, "worker_id": workerID})
	return ok(map[string]any{"task_id": taskID}), false
}

func (s *Server) handleExec(ctx context.Context, r execRequest) (Response, bool) {
	if len(r.Args) == 0 {
		return errResponse(fmt.Errorf("exec: args must be non-empty")), false
	}
	if r.Timeout != nil && *r.Timeout <= 0 {
		return errResponse(fmt.Errorf("exec: timeout must be > 0")), false
	}

	opts := execOptionsFrom(r, s.cfg.Worktree)

	start := time.Now()
	result, err := s.runtime.Execute(ctx, r.Args, opts)
	duration := time.Since(start)
	if err != nil {
		return errResponse(err), false
	}

	s.logAfterRelease(ctx, "exec", map[string]any{
		"args":        r.Args,
		"returncode":  result.ReturnCode,
		"duration_ms": float64(duration.Microseconds()) / 1000.0,
	})
	return ok(result), false
}

func (s *Server) handlePlanImport(ctx context.Context, r planImportRequest) (Response, bool) {
	if strings.TrimSpace(r.Content) == "" {
		return errResponse(fmt.Errorf("plan_import: content must be non-empty")), false
	}

	plan, err := planparser.ParsePlanContent(r.Content)
	if err != nil {
		if s.archive != nil {
			_, _ = s.archive.RecordRejected("", err)
		}
		return errResponse(err), false
	}

	state := plan.ToWorkflowState()
	if err := s.store.Save(state); err != nil {
		if s.archive != nil {
			_, _ = s.archive.RecordRejected(plan.Goal, err)
		}
		return errResponse(err), false
	}

	if s.archive != nil {
		if _, err := s.archive.RecordImported(plan.Goal, state); err != nil {
			// history is supplemental, never the system of record; a failure
			// to archive must not fail the plan_import RPC itself.
		}
	}

	s.logAfterRelease(ctx, "plan_import", map[string]any{"goal": plan.Goal, "task_count": len(state.Tasks)})
	return ok(map[string]any{"goal": plan.Goal, "task_count": len(state.Tasks)}), false
}

func (s *Server) handlePlanReset(ctx context.Context) (Response, bool) {
	if err := s.store.Reset(); err != nil {
		return errResponse(err), false
	}
	s.logAfterRelease(ctx, "plan_reset", nil)
	return ok(map[string]any{"reset": true}), false
}

func (s *Server) handleContextPreserve(ctx context.Context) (Response, bool) {
	state, err := s.store.Load()
	if err != nil {
		return errResponse(err), false
	}

	path := filepath.Join(s.cfg.Worktree, ".claude", "progress.txt")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errResponse(err), false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "dev-workflow progress\n")
	if state == nil {
		b.WriteString("no active workflow\n")
	} else {
		completed := make([]string, 0, len(state.Tasks))
		total, done, running, pending, failed := 0, 0, 0, 0, 0
		for id, t := range state.Tasks {
			total++
			switch t.Status {
			case dagmodel.StatusCompleted:
				done++
				completed = append(completed, id)
			case dagmodel.StatusRunning:
				running++
			case dagmodel.StatusPending:
				pending++
			case dagmodel.StatusFailed:
				failed++
			}
		}
		fmt.Fprintf(&b, "total=%d completed=%d running=%d pending=%d failed=%d\n", total, done, running, pending, failed)
		fmt.Fprintf(&b, "completed tasks: %s\n", strings.Join(completed, ", "))
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errResponse(err), false
	}

	s.logAfterRelease(ctx, "context_preserve", nil)
	return ok(map[string]any{"written": true}), false
}

func (s *Server) handleHistoryList(r historyListRequest) (Response, bool) {
	if s.archive == nil {
		return ok(map[string]any{"runs": []any{}}), false
	}
	limit := 0
	if r.Limit != nil {
		limit = *r.Limit
	}
	runs, err := s.archive.List(limit)
	if err != nil {
		return errResponse(err), false
	}
	return ok(map[string]any{"runs": runs}), false
}

// logAfterRelease appends a trajectory event. Handlers call this only after
// their State Store operation has already returned — i.e. after the state
// lock has been released — per the release-then-log discipline (§5, §9).
func (s *Server) logAfterRelease(ctx context.Context, eventType string, fields map[string]any) {
	if err := s.traj.Append(ctx, newTrajectoryEvent(eventType, fields)); err != nil {
		slog.Warn("trajectory append failed", "event_type", eventType, "error", err)
	}
}

func taskIDOrEmpty(t *dagmodel.Task) string {
	if t == nil {
		return ""
	}
	return t.ID
}

func execOptionsFrom(r execRequest, defaultCwd string) execgate.ExecOptions {
	cwd := r.Cwd
	if cwd == "" {
		cwd = defaultCwd
	}
	opts := execgate.ExecOptions{Cwd: cwd}
	if r.Timeout != nil {
		opts.Timeout = time.Duration(*r.Timeout * float64(time.Second))
	}
	if r.Exclusive != nil {
		opts.Exclusive = *r.Exclusive
	}
	if len(r.Env) > 0 {
		env := os.Environ()
		for k, v := range r.Env {
			env = append(env, k+"="+v)
		}
		opts.Env = env
	}
	return opts
}

// Package rpcserver is the typed line-delimited request/response RPC
// server over a per-worktree Unix domain socket (§4.5): one accepted
// connection per handler goroutine, one JSON request decoded strictly
// against a tagged command union, one JSON response written back.
package rpcserver

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Response is the Result ADT every RPC reply takes (§4.5.4): exactly one of
// an "ok" envelope carrying command-specific data, or an "error" envelope
// carrying a human-readable message. Decoding errors and schema-validation
// errors both produce an error envelope; the handler never lets an
// exception cross the wire.
type Response struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func ok(data any) Response { return Response{Status: "ok", Data: data} }

func errResponse(err error) Response { return Response{Status: "error", Message: err.Error()} }

// pingRequest -> ping
type pingRequest struct {
	Command string `json:"command"`
}

// shutdownRequest -> shutdown
type shutdownRequest struct {
	Command string `json:"command"`
}

// getStateRequest -> get_state
type getStateRequest struct {
	Command string `json:"command"`
}

// statusRequest -> status. event_count defaults to 10 and must be >= 0.
type statusRequest struct {
	Command    string `json:"command"`
	EventCount *int   `json:"event_count,omitempty"`
}

// updateStateRequest -> update_state. updates must be present and non-empty.
type updateStateRequest struct {
	Command string          `json:"command"`
	Updates json.RawMessage `json:"updates"`
}

// gitRequest -> git. cwd defaults to the worktree root.
type gitRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Cwd     string   `json:"cwd,omitempty"`
}

// taskClaimRequest -> task_claim. worker_id must be non-empty after trim.
type taskClaimRequest struct {
	Command  string `json:"command"`
	WorkerID string `json:"worker_id"`
}

// taskCompleteRequest -> task_complete. task_id and worker_id must both be
// non-empty after trim.
type taskCompleteRequest struct {
	Command  string `json:"command"`
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

// execRequest -> exec.
type execRequest struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Timeout   *float64          `json:"timeout,omitempty"`
	Exclusive *bool             `json:"exclusive,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// planImportRequest -> plan_import. content must be non-empty.
type planImportRequest struct {
	Command string `json:"command"`
	Content string `json:"content"`
}

// planResetRequest -> plan_reset
type planResetRequest struct {
	Command string `json:"command"`
}

// contextPreserveRequest -> context_preserve
type contextPreserveRequest struct {
	Command string `json:"command"`
}

// historyListRequest -> history_list (SPEC_FULL.md §3.1, supplemented).
type historyListRequest struct {
	Command string `json:"command"`
	Limit   *int   `json:"limit,omitempty"`
}

// probe extracts just the discriminator field so the dispatcher can select
// the strict, command-specific struct to decode into.
type probe struct {
	Command string `json:"command"`
}

// decodeRequest implements §4.5.3's strict schema: unknown commands are
// rejected at decode time, and unknown fields inside a known command are
// rejected too (DisallowUnknownFields on the second, typed pass).
func decodeRequest(line []byte) (any, error) {
	var p probe
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}

	switch p.Command {
	case "ping":
		return decodeStrict[pingRequest](line)
	case "shutdown":
		return decodeStrict[shutdownRequest](line)
	case "get_state":
		return decodeStrict[getStateRequest](line)
	case "status":
		return decodeStrict[statusRequest](line)
	case "update_state":
		return decodeStrict[updateStateRequest](line)
	case "git":
		return decodeStrict[gitRequest](line)
	case "task_claim":
		return decodeStrict[taskClaimRequest](line)
	case "task_complete":
		return decodeStrict[taskCompleteRequest](line)
	case "exec":
		return decodeStrict[execRequest](line)
	case "plan_import":
		return decodeStrict[planImportRequest](line)
	case "plan_reset":
		return decodeStrict[planResetRequest](line)
	case "context_preserve":
		return decodeStrict[contextPreserveRequest](line)
	case "history_list":
		return decodeStrict[historyListRequest](line)
	default:
		return nil, fmt.Errorf("unknown command %q", p.Command)
	}
}

func decodeStrict[T any](line []byte) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("decoding request: %w", err)
	}
	return v, nil
}

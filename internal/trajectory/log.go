// Package trajectory is the append-only JSONL event log: one JSON object
// per observable daemon event, written under a dedicated lock that is
// strictly lower priority than the State Store mutex (§5 lock hierarchy) so
// handlers that both mutate state and log an event must release the state
// lock first (the "release-then-log" discipline, §5, §9).
package trajectory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Log is the process-wide trajectory writer/reader for one worktree.
type Log struct {
	mu   sync.Mutex
	path string

	appendLatency metric.Float64Histogram
	corruptLines  metric.Int64Counter
}

// New constructs a Log appending to path.
func New(path string, meter metric.Meter) *Log {
	l := &Log{path: path}
	if meter != nil {
		l.appendLatency, _ = meter.Float64Histogram("trajectory_append_latency_ms")
		l.corruptLines, _ = meter.Int64Counter("trajectory_corrupt_lines_skipped_total")
	}
	return l
}

// Event is a free-form trajectory record. EventType and Timestamp are the
// only fields the core ever requires (§3.1); everything else rides in
// Fields verbatim.
type Event struct {
	EventType string
	Timestamp float64
	Fields    map[string]any
}

// MarshalJSON flattens EventType/Timestamp alongside Fields into a single
// JSON object, so a reader sees one flat record rather than a nested
// envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["event_type"] = e.EventType
	out["timestamp"] = e.Timestamp
	return json.Marshal(out)
}

// UnmarshalJSON reconstructs Event from a flat JSON object, lifting out
// event_type/timestamp and leaving the rest in Fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if et, ok := raw["event_type"].(string); ok {
		e.EventType = et
		delete(raw, "event_type")
	}
	if ts, ok := raw["timestamp"].(float64); ok {
		e.Timestamp = ts
		delete(raw, "timestamp")
	}
	e.Fields = raw
	return nil
}

// NewEvent builds an Event with the current time if fields has no
// "timestamp" entry already.
func NewEvent(eventType string, fields map[string]any) Event {
	if fields == nil {
		fields = map[string]any{}
	}
	ev := Event{EventType: eventType, Fields: fields}
	if ts, ok := fields["timestamp"].(float64); ok {
		ev.Timestamp = ts
	} else {
		ev.Timestamp = float64(time.Now().UTC().UnixNano()) / 1e9
	}
	return ev
}

// Append writes one event as a JSON line. Must never be called while the
// caller holds the State Store mutex.
func (l *Log) Append(ctx context.Context, ev Event) error {
	start := time.Now()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding trajectory event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating trajectory directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening trajectory file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("appending trajectory event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("flushing trajectory event: %w", err)
	}

	if l.appendLatency != nil {
		l.appendLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	return nil
}

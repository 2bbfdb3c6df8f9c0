// Package history is the supplemented plan-import archive (SPEC_FULL.md
// §2.2): a bbolt-backed, read-only record of every completed and rejected
// plan_import, keyed by a generated run id. It is explicitly not the
// system of record — the State Store's state.json remains authoritative —
// so nothing here ever feeds back into claim/complete/DAG logic.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/swarmguard/devworkflowd/internal/dagmodel"
)

var bucketRuns = []byte("runs")

// importedAtLayout is RFC 3339 with a fixed-width nanosecond fraction, so
// imported_at strings sort lexicographically in time order.
const importedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one archived plan_import attempt.
type Run struct {
	RunID      string `json:"run_id"`
	ImportedAt string `json:"imported_at"`
	Goal       string `json:"goal"`
	TaskCount  int    `json:"task_count"`
	Rejected   bool   `json:"rejected"`
	Error      string `json:"error,omitempty"`
}

// Archive wraps a bbolt database at <worktree>/.claude/history.db.
type Archive struct {
	db *bolt.DB
}

// Open opens (creating if absent) the archive at path.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening history archive: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing history archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close closes the underlying bbolt database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// RecordImported archives a successful plan_import's resulting state.
func (a *Archive) RecordImported(goal string, state dagmodel.WorkflowState) (string, error) {
	run := Run{
		RunID:      uuid.NewString(),
		ImportedAt: time.Now().UTC().Format(importedAtLayout),
		Goal:       goal,
		TaskCount:  len(state.Tasks),
	}
	return run.RunID, a.put(run)
}

// RecordRejected archives a plan_import that failed validation.
func (a *Archive) RecordRejected(goal string, validationErr error) (string, error) {
	run := Run{
		RunID:      uuid.NewString(),
		ImportedAt: time.Now().UTC().Format(importedAtLayout),
		Goal:       goal,
		Rejected:   true,
		Error:      validationErr.Error(),
	}
	return run.RunID, a.put(run)
}

// put stores run keyed by a lexicographically sortable timestamp+run_id
// composite, so bbolt's ordered cursor iteration doubles as recency
// ordering without a separate index bucket.
func (a *Archive) put(run Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	key := []byte(run.ImportedAt + "_" + run.RunID)
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put(key, data)
	})
}

// List returns the most recent runs, most recent first, up to limit (0
// means no limit). This is the read path for the history_list RPC
// (SPEC_FULL.md §3.1); it never touches the DAG engine.
func (a *Archive) List(limit int) ([]Run, error) {
	var runs []Run
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				continue
			}
			runs = append(runs, run)
			if limit > 0 && len(runs) >= limit {
				break
			}
		}
		return nil
	})
	return runs, err
}

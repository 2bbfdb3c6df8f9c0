// Package registry maintains the project registry described in §6.4: which
// worktrees currently have a daemon registered, keyed by the truncated
// sha256 hash of the worktree's absolute path, written atomically under an
// advisory exclusive file lock so concurrent daemon startups race-safely.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/swarmguard/devworkflowd/internal/resilience"
)

// Project is one entry of the registry, keyed by a 16-hex-character hash of
// the worktree's absolute path.
type Project struct {
	Path       string `json:"path"`
	LastActive string `json:"last_active"`
}

// Document is the on-disk registry shape (§6.4).
type Document struct {
	Projects map[string]Project `json:"projects"`
}

// Registry wraps the registry file path and its advisory lock path.
type Registry struct {
	mu       sync.Mutex
	path     string
	lockPath string
}

// New constructs a Registry at registryPath, locking via lockPath.
func New(registryPath, lockPath string) *Registry {
	return &Registry{path: registryPath, lockPath: lockPath}
}

// Register upserts this worktree's entry with the current time as
// last_active, retrying lock acquisition with resilience.Retry (bounded
// exponential backoff, up to 5 attempts) so two daemons racing to register
// different worktrees at the same instant don't spuriously fail
// (SPEC_FULL.md §2.3). This retry applies only to the registry's advisory
// lock, never to the per-worktree singleton `.lock` enforced by the RPC
// server, which must keep failing fast.
func (r *Registry) Register(ctx context.Context, hash, absWorktree string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := resilience.Retry(ctx, 5, 20*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, r.withLock(func() error {
			doc, err := r.readLocked()
			if err != nil {
				return err
			}
			doc.Projects[hash] = Project{Path: absWorktree, LastActive: nowISO()}
			return r.writeLocked(doc)
		})
	})
	return err
}

// Touch refreshes last_active for an already-registered worktree without
// retry: it's called from the periodic maintenance heartbeat, where a
// missed beat just waits for the next tick.
func (r *Registry) Touch(hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.withLock(func() error {
		doc, err := r.readLocked()
		if err != nil {
			return err
		}
		proj, ok := doc.Projects[hash]
		if !ok {
			return nil
		}
		proj.LastActive = nowISO()
		doc.Projects[hash] = proj
		return r.writeLocked(doc)
	})
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (r *Registry) readLocked() (Document, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return Document{Projects: map[string]Project{}}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("reading registry: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decoding registry: %w", err)
	}
	if doc.Projects == nil {
		doc.Projects = map[string]Project{}
	}
	return doc, nil
}

func (r *Registry) writeLocked(doc Document) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, r.path)
}

// withLock attempts a non-blocking advisory exclusive flock on lockPath for
// the duration of fn, returning an error immediately if another process
// already holds it. This is intentionally stdlib-only (syscall.Flock): no
// library in the example pack wraps a cross-process advisory file lock, and
// bbolt's internal flock is private to its own file format, so it can't be
// reused here (see DESIGN.md). Non-blocking is what makes Register's
// resilience.Retry wrapper meaningful: a held lock fails this call right
// away instead of stalling it, leaving retry/backoff to do the waiting.
func (r *Registry) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(r.lockPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("opening registry lock: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return fmt.Errorf("acquiring registry lock: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	return fn()
}

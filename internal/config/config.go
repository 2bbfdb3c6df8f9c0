// Package config centralizes env-var resolution for worktree root, socket
// path, registry path, and containerized-execution routing, the same
// override-precedence the teacher's env-driven settings use: an explicit
// env var always wins, else a computed default.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds every path and tunable the daemon resolves once at startup.
type Config struct {
	Worktree     string
	SocketPath   string
	LockPath     string
	RegistryFile string
	HarnessHome  string

	// ContainerID, HostRoot, and ContainerRoot select containerized
	// execution (§6.7): when ContainerID is set, the runtime routes
	// exec/git commands through `docker exec` against that container
	// instead of running them directly, translating working directories
	// from HostRoot (this daemon's view of the worktree) to ContainerRoot
	// (the same worktree's mount point inside the container).
	ContainerID   string
	HostRoot      string
	ContainerRoot string
}

// Load resolves configuration from the environment, defaulting worktree to
// the current working directory and deriving the socket/lock paths from a
// truncated sha256 of the absolute worktree path per §6.5.
func Load() (Config, error) {
	worktree, err := resolveWorktree()
	if err != nil {
		return Config{}, err
	}

	home, err := harnessHome()
	if err != nil {
		return Config{}, err
	}

	hash := HashWorktree(worktree)

	cfg := Config{
		Worktree:     worktree,
		HarnessHome:  home,
		SocketPath:   filepath.Join(home, "sockets", hash+".sock"),
		LockPath:     filepath.Join(home, "sockets", hash+".lock"),
		RegistryFile: filepath.Join(home, "registry.json"),
	}

	if v := os.Getenv("HARNESS_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("HARNESS_REGISTRY_FILE"); v != "" {
		cfg.RegistryFile = v
	}
	cfg.ContainerID = os.Getenv("HARNESS_CONTAINER_ID")
	cfg.HostRoot = os.Getenv("HARNESS_HOST_ROOT")
	cfg.ContainerRoot = os.Getenv("HARNESS_CONTAINER_ROOT")

	return cfg, nil
}

func resolveWorktree() (string, error) {
	if v := os.Getenv("HARNESS_WORKTREE"); v != "" {
		return filepath.Abs(v)
	}
	return os.Getwd()
}

func harnessHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".harness"), nil
}

// HashWorktree implements §6.5's h = sha256(abs(worktree))[:16] (hex-encoded,
// so 16 hex characters = 8 bytes of digest). Exported so callers that need
// to re-derive the registry key (e.g. main, after path overrides) can do so
// without duplicating the hashing logic.
func HashWorktree(absWorktree string) string {
	sum := sha256.Sum256([]byte(absWorktree))
	return hex.EncodeToString(sum[:])[:16]
}

// StateFilePath is <worktree>/.claude/dev-workflow-state.json, §4.2.2/§6.2.
func (c Config) StateFilePath() string {
	return filepath.Join(c.Worktree, ".claude", "dev-workflow-state.json")
}

// TrajectoryFilePath is <worktree>/.claude/trajectory.jsonl, §6.3.
func (c Config) TrajectoryFilePath() string {
	return filepath.Join(c.Worktree, ".claude", "trajectory.jsonl")
}

// ProgressFilePath is <worktree>/.claude/progress.txt, written by
// context_preserve (§4.5.5).
func (c Config) ProgressFilePath() string {
	return filepath.Join(c.Worktree, ".claude", "progress.txt")
}

// HistoryFilePath is <worktree>/.claude/history.db, the supplemented
// plan-import archive (SPEC_FULL.md §2.2).
func (c Config) HistoryFilePath() string {
	return filepath.Join(c.Worktree, ".claude", "history.db")
}

// RegistryLockPath is ~/.harness/registry.lock, §6.4.
func (c Config) RegistryLockPath() string {
	return filepath.Join(c.HarnessHome, "registry.lock")
}

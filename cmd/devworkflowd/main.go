// Command devworkflowd is the per-worktree daemon: it owns the state store,
// the trajectory log, the execution gate, the registry heartbeat, and the
// Unix socket RPC server described in SPEC_FULL.md. One process per
// worktree, enforced by a non-blocking flock (§4.5.1).
package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/devworkflowd/internal/config"
	"github.com/swarmguard/devworkflowd/internal/execgate"
	"github.com/swarmguard/devworkflowd/internal/history"
	"github.com/swarmguard/devworkflowd/internal/logging"
	"github.com/swarmguard/devworkflowd/internal/maintenance"
	"github.com/swarmguard/devworkflowd/internal/registry"
	"github.com/swarmguard/devworkflowd/internal/rpcserver"
	"github.com/swarmguard/devworkflowd/internal/statestore"
	"github.com/swarmguard/devworkflowd/internal/telemetry"
	"github.com/swarmguard/devworkflowd/internal/trajectory"
)

func main() {
	const service = "devworkflowd"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, meter, shutdownTelemetry := telemetry.Init(ctx, service)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading configuration failed", "error", err)
		return
	}

	hash := registryHash(cfg)

	store := statestore.New(cfg.StateFilePath(), nil, tracer, meter)
	traj := trajectory.New(cfg.TrajectoryFilePath(), meter)
	gate := execgate.NewGate(meter)
	runtime := execgate.NewRuntime(gate)
	if cfg.ContainerID != "" {
		runtime = runtime.WithContainer(cfg.ContainerID, cfg.HostRoot, cfg.ContainerRoot)
	}
	reg := registry.New(cfg.RegistryFile, cfg.RegistryLockPath())

	archive, err := history.Open(cfg.HistoryFilePath())
	if err != nil {
		slog.Error("opening history archive failed", "error", err)
		return
	}
	defer archive.Close()

	srv := rpcserver.New(rpcserver.Deps{
		Config:  cfg,
		Hash:    hash,
		Store:   store,
		Traj:    traj,
		Gate:    gate,
		Runtime: runtime,
		Archive: archive,
		Reg:     reg,
		Tracer:  tracer,
	})
	if err := srv.Start(ctx); err != nil {
		slog.Error("starting rpc server failed", "error", err)
		return
	}

	scheduler := maintenance.New()
	if err := scheduler.Start(ctx, reg, hash, store, traj); err != nil {
		slog.Error("starting scheduler failed", "error", err)
		return
	}

	slog.Info("devworkflowd started", "worktree", cfg.Worktree, "socket", cfg.SocketPath)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	scheduler.Stop()
	srv.Shutdown(shutdownCtx)
	if err := telemetry.Flush(shutdownCtx, shutdownTelemetry); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	slog.Info("shutdown complete")
}

// registryHash re-derives the same truncated-sha256 hash config.Load used to
// pick default socket/lock paths, so the registry entry key matches even
// when HARNESS_SOCKET/HARNESS_REGISTRY_FILE overrides are set.
func registryHash(cfg config.Config) string {
	return config.HashWorktree(cfg.Worktree)
}

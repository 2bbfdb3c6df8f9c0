package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/swarmguard/devworkflowd/internal/config"
	"github.com/swarmguard/devworkflowd/internal/execgate"
	"github.com/swarmguard/devworkflowd/internal/history"
	"github.com/swarmguard/devworkflowd/internal/registry"
	"github.com/swarmguard/devworkflowd/internal/statestore"
	"github.com/swarmguard/devworkflowd/internal/trajectory"
)

type testServer struct {
	srv *Server
	cfg config.Config
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		Worktree:     dir,
		SocketPath:   filepath.Join(dir, "daemon.sock"),
		LockPath:     filepath.Join(dir, "daemon.lock"),
		RegistryFile: filepath.Join(dir, "registry.json"),
		HarnessHome:  dir,
	}

	tracer := tracenoop.NewTracerProvider().Tracer("test")
	meter := noop.NewMeterProvider().Meter("test")

	store := statestore.New(cfg.StateFilePath(), nil, tracer, meter)
	traj := trajectory.New(cfg.TrajectoryFilePath(), meter)
	gate := execgate.NewGate(meter)
	runtime := &noCapabilityCheckRuntime{Runtime: execgate.NewRuntime(gate)}
	reg := registry.New(cfg.RegistryFile, filepath.Join(dir, "registry.lock"))
	archive, err := history.Open(cfg.HistoryFilePath())
	if err != nil {
		t.Fatalf("opening history archive: %v", err)
	}
	t.Cleanup(func() { archive.Close() })

	srv := New(Deps{
		Config:  cfg,
		Hash:    "testhash1234abcd",
		Store:   store,
		Traj:    traj,
		Gate:    gate,
		Runtime: runtime.Runtime,
		Archive: archive,
		Reg:     reg,
		Tracer:  tracer,
	})

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("starting server: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	return &testServer{srv: srv, cfg: cfg}
}

// noCapabilityCheckRuntime exists only to keep startTestServer's call to
// execgate.NewRuntime visually distinct from production wiring; Start's
// capability check requires only git on PATH, which test environments have.
type noCapabilityCheckRuntime struct{ *execgate.Runtime }

func (ts *testServer) call(t *testing.T, req map[string]any) map[string]any {
	t.Helper()
	conn, err := net.DialTimeout("unix", ts.cfg.SocketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write request: %v", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response line: %v", scanner.Err())
	}

	var resp map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestServer_Ping(t *testing.T) {
	ts := startTestServer(t)
	resp := ts.call(t, map[string]any{"command": "ping"})
	if resp["status"] != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
	data := resp["data"].(map[string]any)
	if data["running"] != true {
		t.Fatalf("expected running=true, got %+v", data)
	}
}

func TestServer_UnknownCommandRejected(t *testing.T) {
	ts := startTestServer(t)
	resp := ts.call(t, map[string]any{"command": "not_a_real_command"})
	if resp["status"] != "error" {
		t.Fatalf("expected error, got %+v", resp)
	}
}

func TestServer_UnknownFieldRejected(t *testing.T) {
	ts := startTestServer(t)
	resp := ts.call(t, map[string]any{"command": "ping", "bogus_field": 1})
	if resp["status"] != "error" {
		t.Fatalf("expected error for unknown field, got %+v", resp)
	}
}

func TestServer_PlanImportThenLinearChainCompletion(t *testing.T) {
	ts := startTestServer(t)

	content := `{"goal":"g","tasks":{"A":{},"B":{"dependencies":["A"]},"C":{"dependencies":["B"]}}}`
	importResp := ts.call(t, map[string]any{"command": "plan_import", "content": content})
	if importResp["status"] != "ok" {
		t.Fatalf("plan_import failed: %+v", importResp)
	}

	claimA := ts.call(t, map[string]any{"command": "task_claim", "worker_id": "w1"})
	data := claimA["data"].(map[string]any)
	taskA := data["task"].(map[string]any)
	if taskA["id"] != "A" {
		t.Fatalf("expected to claim A first, got %+v", taskA)
	}

	completeA := ts.call(t, map[string]any{"command": "task_complete", "task_id": "A", "worker_id": "w1"})
	if completeA["status"] != "ok" {
		t.Fatalf("complete A failed: %+v", completeA)
	}

	claimB := ts.call(t, map[string]any{"command": "task_claim", "worker_id": "w1"})
	dataB := claimB["data"].(map[string]any)
	taskB := dataB["task"].(map[string]any)
	if taskB["id"] != "B" {
		t.Fatalf("expected to claim B next, got %+v", taskB)
	}
}

func TestServer_PlanImportRejectsCycle(t *testing.T) {
	ts := startTestServer(t)
	content := `{"tasks":{"A":{"dependencies":["B"]},"B":{"dependencies":["A"]}}}`
	resp := ts.call(t, map[string]any{"command": "plan_import", "content": content})
	if resp["status"] != "error" {
		t.Fatalf("expected cycle rejection, got %+v", resp)
	}
	if _, err := os.Stat(filepath.Join(ts.cfg.Worktree, ".claude", "dev-workflow-state.json")); err == nil {
		t.Fatal("expected no state file written on rejected plan_import")
	}
}

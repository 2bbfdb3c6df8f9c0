package execgate

import (
	"context"
	"testing"
	"time"
)

func TestRuntime_ExecuteCapturesOutput(t *testing.T) {
	rt := NewRuntime(NewGate(nil))
	result, err := rt.Execute(context.Background(), []string{"echo", "hello"}, ExecOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ReturnCode != 0 {
		t.Fatalf("expected returncode 0, got %d", result.ReturnCode)
	}
	if result.Stdout != "hello\n" {
		t.Fatalf("expected stdout %q, got %q", "hello\n", result.Stdout)
	}
}

func TestRuntime_ExecuteTimeout(t *testing.T) {
	rt := NewRuntime(NewGate(nil))
	result, err := rt.Execute(context.Background(), []string{"sleep", "5"}, ExecOptions{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ReturnCode != -15 || result.SignalName != "SIGTERM" {
		t.Fatalf("expected synthesized timeout result, got %+v", result)
	}
}

func TestRuntime_ExecuteNonZeroExit(t *testing.T) {
	rt := NewRuntime(NewGate(nil))
	result, err := rt.Execute(context.Background(), []string{"false"}, ExecOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ReturnCode == 0 {
		t.Fatalf("expected non-zero returncode")
	}
}

func TestRuntime_ContainerizeWrapsCommandAndTranslatesCwd(t *testing.T) {
	rt := NewRuntime(NewGate(nil)).WithContainer("abc123", "/host/repo", "/container/repo")
	command, opts := rt.containerize([]string{"git", "status"}, ExecOptions{Cwd: "/host/repo/sub"})

	want := []string{"docker", "exec", "-w", "/container/repo/sub", "abc123", "git", "status"}
	if len(command) != len(want) {
		t.Fatalf("expected %v, got %v", want, command)
	}
	for i := range want {
		if command[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, command)
		}
	}
	if opts.Cwd != "" {
		t.Fatalf("expected host cwd cleared once wrapped in docker exec, got %q", opts.Cwd)
	}
}

func TestRuntime_ContainerizePassesThroughWithoutContainer(t *testing.T) {
	rt := NewRuntime(NewGate(nil))
	command, opts := rt.containerize([]string{"git", "status"}, ExecOptions{Cwd: "/host/repo"})
	if len(command) != 2 || command[0] != "git" || opts.Cwd != "/host/repo" {
		t.Fatalf("expected passthrough, got command=%v opts=%+v", command, opts)
	}
}

func TestGate_ExclusiveSerializesCallers(t *testing.T) {
	gate := NewGate(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = gate.RunExclusive(context.Background(), "test", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
		close(done)
	}()

	<-started
	secondStarted := make(chan struct{})
	go func() {
		_ = gate.RunExclusive(context.Background(), "test", func(ctx context.Context) error {
			close(secondStarted)
			return nil
		})
	}()

	select {
	case <-secondStarted:
		t.Fatal("second exclusive call ran while first still held the gate")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done
	<-secondStarted
}

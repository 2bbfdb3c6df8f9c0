package execgate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ExecResult is the capability contract's ExecResult (§6.6): returncode,
// captured stdout/stderr, and an optional signal name when the process was
// killed rather than exiting normally.
type ExecResult struct {
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	SignalName string `json:"signal_name,omitempty"`
}

// ExecOptions carries the optional fields of the exec RPC command (§4.5.3).
type ExecOptions struct {
	Cwd       string
	Env       []string
	Timeout   time.Duration
	Exclusive bool
}

// Runtime implements the consumed "Runtime" contract of §6.6: execute a
// command in a working directory, optionally under the execution gate, and
// a startup capability check. Grounded on the teacher's ShellPlugin/
// PythonPlugin subprocess pattern (os/exec, context-cancellation kills the
// child, captured stdout/stderr buffers).
type Runtime struct {
	gate           *Gate
	gitBreaker     *breaker
	requiredBinary []string

	// containerID, hostRoot, and containerRoot configure containerized
	// execution (§6.7). containerID empty means run on the host directly;
	// this is the common case and what every test in this package uses.
	containerID   string
	hostRoot      string
	containerRoot string
}

// NewRuntime constructs a Runtime guarding git mutations with an adaptive
// circuit breaker (SPEC_FULL.md §2.4): a 30s rolling window in 6 buckets,
// opening once at least 5 samples reach a failure rate threshold that starts
// at 50% and adapts between 25% and 75% as failures are observed, half-open after
// 10s, allowing 2 probes. Runs directly on the host until WithContainer is
// called.
func NewRuntime(gate *Gate) *Runtime {
	return &Runtime{
		gate:           gate,
		gitBreaker:     newBreaker(),
		requiredBinary: []string{"git"},
	}
}

// WithContainer configures containerized execution (§6.7): exec and git
// commands route through `docker exec` against containerID instead of
// running on the host directly, and working directories are translated
// from hostRoot to containerRoot before the command runs. Requires
// "docker" on PATH in addition to the usual capability set.
func (r *Runtime) WithContainer(containerID, hostRoot, containerRoot string) *Runtime {
	r.containerID = containerID
	r.hostRoot = hostRoot
	r.containerRoot = containerRoot
	r.requiredBinary = append(r.requiredBinary, "docker")
	return r
}

// CheckCapabilities fails fast at startup if a required binary is missing
// from PATH (§4.5.1, §4.5.6).
func (r *Runtime) CheckCapabilities() error {
	for _, bin := range r.requiredBinary {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("required capability %q not available: %w", bin, err)
		}
	}
	return nil
}

// Execute runs command under opts, optionally serialized through the
// execution gate when opts.Exclusive is true. A timed-out command is
// reported as {returncode:-15, signal_name:"SIGTERM"} rather than as an
// error (§5, §7).
func (r *Runtime) Execute(ctx context.Context, command []string, opts ExecOptions) (ExecResult, error) {
	command, opts = r.containerize(command, opts)
	run := func(ctx context.Context) (ExecResult, error) {
		return runCommand(ctx, command, opts)
	}

	if !opts.Exclusive {
		var result ExecResult
		err := r.gate.RunShared(ctx, "exec", func(ctx context.Context) error {
			var innerErr error
			result, innerErr = run(ctx)
			return innerErr
		})
		return result, err
	}

	var result ExecResult
	err := r.gate.RunExclusive(ctx, "exec", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = run(ctx)
		return innerErr
	})
	return result, err
}

// SafeGit implements the "Git helper" contract of §6.6: mutation
// (readOnly=false) routes through the gate with exclusive=true and the git
// circuit breaker; reads route with exclusive=false and bypass both.
func (r *Runtime) SafeGit(ctx context.Context, args []string, cwd string, readOnly bool) (ExecResult, error) {
	command := append([]string{"git"}, args...)
	opts := ExecOptions{Cwd: cwd}
	command, opts = r.containerize(command, opts)

	if readOnly {
		var result ExecResult
		err := r.gate.RunShared(ctx, "git", func(ctx context.Context) error {
			var innerErr error
			result, innerErr = runCommand(ctx, command, opts)
			return innerErr
		})
		return result, err
	}

	if !r.gitBreaker.Allow() {
		return ExecResult{}, errors.New("git unavailable, circuit open")
	}

	var result ExecResult
	err := r.gate.RunExclusive(ctx, "git", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = runCommand(ctx, command, opts)
		return innerErr
	})
	r.gitBreaker.RecordResult(err == nil && result.ReturnCode == 0)
	return result, err
}

// containerize rewrites command/opts for containerized execution (§6.7)
// when r.containerID is set: the working directory is translated from
// r.hostRoot to r.containerRoot, and the command is wrapped to run via
// `docker exec -w <translated-cwd> <containerID> <command...>` instead of
// directly on the host. A Runtime with no container configured returns
// command/opts unchanged.
func (r *Runtime) containerize(command []string, opts ExecOptions) ([]string, ExecOptions) {
	if r.containerID == "" {
		return command, opts
	}
	containerCwd := translatePath(r.hostRoot, r.containerRoot, opts.Cwd)
	wrapped := make([]string, 0, len(command)+4)
	wrapped = append(wrapped, "docker", "exec", "-w", containerCwd, r.containerID)
	wrapped = append(wrapped, command...)
	opts.Cwd = ""
	return wrapped, opts
}

// translatePath rewrites path from hostRoot to containerRoot, passing it
// through unchanged if either root is unset or path doesn't fall under
// hostRoot.
func translatePath(hostRoot, containerRoot, path string) string {
	if hostRoot == "" || containerRoot == "" || path == "" {
		return path
	}
	rel, err := filepath.Rel(hostRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.Join(containerRoot, rel)
}

func runCommand(ctx context.Context, command []string, opts ExecOptions) (ExecResult, error) {
	if len(command) == 0 {
		return ExecResult{}, errors.New("exec: empty command")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return ExecResult{
			ReturnCode: -15,
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
			SignalName: "SIGTERM",
		}, nil
	}

	if err == nil {
		return ExecResult{ReturnCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result := ExecResult{
			ReturnCode: exitErr.ExitCode(),
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result.SignalName = status.Signal().String()
		}
		return result, nil
	}

	return ExecResult{}, fmt.Errorf("executing command: %w", err)
}

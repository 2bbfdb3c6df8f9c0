package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/devworkflowd/internal/config"
	"github.com/swarmguard/devworkflowd/internal/execgate"
	"github.com/swarmguard/devworkflowd/internal/history"
	"github.com/swarmguard/devworkflowd/internal/registry"
	"github.com/swarmguard/devworkflowd/internal/statestore"
	"github.com/swarmguard/devworkflowd/internal/trajectory"
)

// Server is the per-worktree RPC server: it owns the Unix socket, the
// singleton lock, and every subsystem a handler may touch.
type Server struct {
	cfg      config.Config
	hash     string
	store    *statestore.Store
	traj     *trajectory.Log
	runtime  *execgate.Runtime
	gate     *execgate.Gate
	archive  *history.Archive
	reg      *registry.Registry
	tracer   trace.Tracer

	listener net.Listener
	lockFile *os.File

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Deps bundles the already-constructed subsystems a Server needs. Building
// them is main's job; Server only wires request dispatch to them.
type Deps struct {
	Config  config.Config
	Hash    string
	Store   *statestore.Store
	Traj    *trajectory.Log
	Gate    *execgate.Gate
	Runtime *execgate.Runtime
	Archive *history.Archive
	Reg     *registry.Registry
	Tracer  trace.Tracer
}

// New constructs a Server. It does not touch the filesystem yet; call Start
// to perform the capability check, socket bind, and singleton lock.
func New(d Deps) *Server {
	return &Server{
		cfg:        d.Config,
		hash:       d.Hash,
		store:      d.Store,
		traj:       d.Traj,
		gate:       d.Gate,
		runtime:    d.Runtime,
		archive:    d.Archive,
		reg:        d.Reg,
		tracer:     d.Tracer,
		shutdownCh: make(chan struct{}),
	}
}

// Start performs §4.5.6's startup sequence: capability check (fail-fast),
// socket bind, singleton lock acquisition (fail-fast, no retry — unlike the
// registry's lock, two daemons must never both win this one), chmod 0600,
// and registry registration. It returns once the accept loop is running.
func (s *Server) Start(ctx context.Context) error {
	if err := s.runtime.CheckCapabilities(); err != nil {
		return fmt.Errorf("startup capability check failed: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	lockFile, err := acquireSingletonLock(s.cfg.LockPath)
	if err != nil {
		return err
	}
	s.lockFile = lockFile

	_ = os.Remove(s.cfg.SocketPath)
	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		releaseSingletonLock(s.lockFile)
		return fmt.Errorf("binding socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		_ = listener.Close()
		releaseSingletonLock(s.lockFile)
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	if err := s.reg.Register(ctx, s.hash, s.cfg.Worktree); err != nil {
		slog.Warn("registry registration failed", "error", err)
	}

	go s.acceptLoop(ctx)
	return nil
}

// acquireSingletonLock acquires a non-blocking exclusive flock on lockPath,
// failing immediately (no retry) if another daemon already holds it —
// retrying here would let two daemons serve the same worktree (§4.5.1).
func acquireSingletonLock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening singleton lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("another daemon already owns this worktree: %w", err)
	}
	return f, nil
}

func releaseSingletonLock(f *os.File) {
	if f == nil {
		return
	}
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// acceptLoop spawns one handler goroutine per accepted connection. The
// teacher has no Unix-socket server to crib from; this shape (and the
// one-JSON-line-in, one-JSON-line-out framing in handleConn) follows
// cklxx-elephant.ai's permissionRelay.acceptLoop/handleConn
// (internal/infra/external/claudecode/permission.go), the one repo in the
// pack that runs a bespoke line-delimited JSON protocol over a Unix
// socket.
func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				slog.Warn("accept failed", "error", err)
				return
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn reads exactly one line, dispatches it, writes exactly one
// response line, and closes — per connection (§4.5.2).
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return
	}
	line := scanner.Bytes()

	resp, triggersShutdown := s.dispatch(ctx, line)

	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(errResponse(fmt.Errorf("encoding response: %w", err)))
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)

	if triggersShutdown {
		go s.Shutdown(ctx)
	}
}

// Shutdown closes the listener and releases the singleton lock. Safe to
// call more than once.
func (s *Server) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		releaseSingletonLock(s.lockFile)
		_ = os.Remove(s.cfg.SocketPath)
	})
}

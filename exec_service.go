package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/axondata/go-supervisor/internal/proc"
)

// ExecService runs a daemon as a direct child process.
// The child is placed in its own process group; Stop signals the whole group.
type ExecService struct {
	name    string
	kind    Kind
	command string
	args    []string
	dir     string
	logger  *zap.Logger

	// mu protects the fields below
	mu    sync.RWMutex
	env   map[string]string
	child *child
	pid   int
}

// child is one launch of the command. The reaper goroutine owns cmd.Wait;
// state and err are valid once done is closed.
type child struct {
	cmd   *exec.Cmd
	done  chan struct{}
	state *os.ProcessState
	err   error
}

func (c *child) reap() {
	c.err = c.cmd.Wait()
	c.state = c.cmd.ProcessState
	close(c.done)
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ExecOption configures an ExecService
type ExecOption func(*ExecService)

// WithEnv adds an environment variable to the child's environment
func WithEnv(key, value string) ExecOption {
	return func(s *ExecService) {
		s.env[key] = value
	}
}

// WithDir sets the child's working directory
func WithDir(dir string) ExecOption {
	return func(s *ExecService) {
		s.dir = dir
	}
}

// WithExecLogger sets the logger used for lifecycle events
func WithExecLogger(l *zap.Logger) ExecOption {
	return func(s *ExecService) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewExecService creates an ExecService that runs command with args.
func NewExecService(name string, kind Kind, command string, args []string, opts ...ExecOption) *ExecService {
	s := &ExecService{
		name:    name,
		kind:    kind,
		command: command,
		args:    append([]string(nil), args...),
		env:     make(map[string]string),
		logger:  zap.NewNop(),
		pid:     NotRunning,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("exec").With(zap.String("service", name))
	return s
}

// Name returns the service name
func (s *ExecService) Name() string { return s.name }

// Type returns the service kind
func (s *ExecService) Type() Kind { return s.kind }

// PID returns the child's PID, or NotRunning once it has exited
func (s *ExecService) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.child == nil || s.child.exited() {
		return NotRunning
	}
	return s.pid
}

// setEnv records an environment variable for the next launch and reports
// whether the value changed.
func (s *ExecService) setEnv(key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.env[key]; ok && old == value {
		return false
	}
	s.env[key] = value
	return true
}

// Start launches the command. The child's lifetime is not tied to ctx;
// ctx only bounds the launch itself.
func (s *ExecService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *ExecService) startLocked(ctx context.Context) error {
	if s.child != nil && !s.child.exited() {
		return &OpError{Op: OpStart, Service: s.name, Err: ErrAlreadyRunning}
	}
	if err := ctx.Err(); err != nil {
		return &OpError{Op: OpStart, Service: s.name, Err: err}
	}

	// Drop any exited handle from a previous run.
	s.child = nil
	s.pid = NotRunning

	cmd := exec.Command(s.command, s.args...)
	cmd.Env = s.environ()
	cmd.Dir = s.dir
	cmd.SysProcAttr = proc.SysProcAttr()

	if err := cmd.Start(); err != nil {
		s.logger.Warn("launch failed", zap.String("command", s.command), zap.Error(err))
		return &OpError{Op: OpStart, Service: s.name, Err: err}
	}

	c := &child{cmd: cmd, done: make(chan struct{})}
	go c.reap()

	s.child = c
	s.pid = cmd.Process.Pid
	s.logger.Info("started", zap.Int("pid", s.pid), zap.String("command", s.command))
	return nil
}

func (s *ExecService) environ() []string {
	env := os.Environ()
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	return env
}

// Stop sends SIGTERM to the process group and waits for the child to exit.
// If ctx ends first the group is killed; the service is then stopped, but
// the returned error wraps both ErrStoppedDegraded and ctx.Err().
func (s *ExecService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *ExecService) stopLocked(ctx context.Context) error {
	if s.child == nil || s.pid == NotRunning || s.child.exited() {
		return &OpError{Op: OpStop, Service: s.name, Err: ErrAlreadyStopped}
	}

	c, pid := s.child, s.pid
	if err := proc.Signal(pid, syscall.SIGTERM); err != nil && !errors.Is(err, proc.ErrNoProcess) {
		return &OpError{Op: OpStop, Service: s.name, Err: err}
	}

	select {
	case <-c.done:
		s.child = nil
		s.pid = NotRunning
		s.logger.Info("stopped", zap.Int("pid", pid))
		return nil
	case <-ctx.Done():
	}

	s.logger.Warn("graceful stop interrupted, killing", zap.Int("pid", pid), zap.Error(ctx.Err()))
	if err := proc.Signal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, proc.ErrNoProcess) {
		// The group leader may already be gone; kill the leader directly.
		_ = c.cmd.Process.Kill()
	}
	<-c.done

	s.child = nil
	s.pid = NotRunning
	return &OpError{Op: OpStop, Service: s.name, Err: errors.Join(ErrStoppedDegraded, ctx.Err())}
}

// Restart stops then starts the command under one lock. A failed stop
// leaves the service as it was and skips the start.
func (s *ExecService) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(ctx); err != nil {
		return &OpError{Op: OpRestart, Service: s.name, Err: err}
	}
	if err := s.startLocked(ctx); err != nil {
		return &OpError{Op: OpRestart, Service: s.name, Err: err}
	}
	return nil
}

// Status is healthy while the child runs or after it exited successfully.
// A failed exit is reported as *ExitError. A service that was never started,
// or was stopped on request, reports ErrInvalidServiceState.
func (s *ExecService) Status(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.child == nil {
		return &OpError{Op: OpStatus, Service: s.name, Err: ErrInvalidServiceState}
	}
	if !s.child.exited() {
		return nil
	}
	if st := s.child.state; st != nil && !st.Success() {
		return &OpError{Op: OpStatus, Service: s.name, Err: &ExitError{Code: st.ExitCode()}}
	}
	if s.child.state == nil && s.child.err != nil {
		return &OpError{Op: OpStatus, Service: s.name, Err: s.child.err}
	}
	return nil
}

// String describes the command line, for logs and CLI output
func (s *ExecService) String() string {
	return strings.TrimSpace(s.command + " " + strings.Join(s.args, " "))
}

// ReloadableExecService is an ExecService that reloads its configuration
// when sent a signal, typically SIGHUP.
type ReloadableExecService struct {
	*ExecService
	signal syscall.Signal
}

// NewReloadableExecService creates a ReloadableExecService that delivers sig
// on Reload.
func NewReloadableExecService(name string, kind Kind, sig syscall.Signal, command string, args []string, opts ...ExecOption) *ReloadableExecService {
	return &ReloadableExecService{
		ExecService: NewExecService(name, kind, command, args, opts...),
		signal:      sig,
	}
}

// Reload delivers the reload signal to the running process group.
// The PID is unchanged.
func (s *ReloadableExecService) Reload(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.child == nil || s.child.exited() {
		return &OpError{Op: OpReload, Service: s.name, Err: ErrInvalidServiceState}
	}
	if err := proc.Signal(s.pid, s.signal); err != nil {
		return &OpError{Op: OpReload, Service: s.name, Err: err}
	}
	s.logger.Info("reload signalled", zap.Int("pid", s.pid), zap.Stringer("signal", s.signal))
	return nil
}

var (
	_ Service           = (*ExecService)(nil)
	_ ReloadableService = (*ReloadableExecService)(nil)
)

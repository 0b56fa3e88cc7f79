package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"go.uber.org/zap"
)

const (
	// systemdJobMode rejects the job if another one is already queued
	systemdJobMode = "fail"

	// systemdJobDone is the only successful job result
	systemdJobDone = "done"

	propExecMainPID    = "ExecMainPID"
	propExecMainStatus = "ExecMainStatus"
)

// SystemdConn is the subset of *dbus.Conn used by SystemdService.
type SystemdConn interface {
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	GetServicePropertyContext(ctx context.Context, service string, propertyName string) (*sddbus.Property, error)
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]sddbus.UnitStatus, error)
	Close()
}

// SystemdConnection is a bus connection shared by every SystemdService.
// It is dialled on first use and stays open until Close.
type SystemdConnection struct {
	mu     sync.Mutex
	conn   SystemdConn
	dial   func(ctx context.Context) (SystemdConn, error)
	closed bool
}

// NewSystemdConnection returns a connection that dials the system bus when
// running as root and the user bus otherwise.
func NewSystemdConnection() *SystemdConnection {
	return &SystemdConnection{dial: dialSystemd}
}

// NewSystemdConnectionWith wraps an existing connection, e.g. a test fake.
func NewSystemdConnectionWith(conn SystemdConn) *SystemdConnection {
	return &SystemdConnection{
		conn: conn,
		dial: func(context.Context) (SystemdConn, error) { return conn, nil },
	}
}

func dialSystemd(ctx context.Context) (SystemdConn, error) {
	if os.Geteuid() == 0 {
		return sddbus.NewSystemConnectionContext(ctx)
	}
	return sddbus.NewUserConnectionContext(ctx)
}

var (
	defaultSystemdOnce sync.Once
	defaultSystemd     *SystemdConnection
)

// DefaultSystemdConnection returns the process-wide connection.
func DefaultSystemdConnection() *SystemdConnection {
	defaultSystemdOnce.Do(func() {
		defaultSystemd = NewSystemdConnection()
	})
	return defaultSystemd
}

// Conn returns the shared connection, dialling it on first use.
// A failed dial is retried on the next call.
func (c *SystemdConnection) Conn(ctx context.Context) (SystemdConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to systemd: %w", err)
	}
	c.conn = conn
	return conn, nil
}

// Close closes the bus connection. Later calls to Conn fail with
// ErrConnectionClosed.
func (c *SystemdConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.closed = true
	return nil
}

// SystemdService delegates lifecycle to a systemd unit.
type SystemdService struct {
	name   string
	kind   Kind
	unit   string
	bus    *SystemdConnection
	logger *zap.Logger

	// pidBackOff bounds how long the PID is polled after a job completes
	pidBackOff func() backoff.BackOff

	// mu protects pid
	mu  sync.RWMutex
	pid int
}

// SystemdOption configures a SystemdService
type SystemdOption func(*SystemdService)

// WithSystemdConnection sets the bus connection. The default is
// DefaultSystemdConnection().
func WithSystemdConnection(c *SystemdConnection) SystemdOption {
	return func(s *SystemdService) {
		s.bus = c
	}
}

// WithSystemdLogger sets the logger used for lifecycle events
func WithSystemdLogger(l *zap.Logger) SystemdOption {
	return func(s *SystemdService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPIDBackOff sets the retry policy for reading ExecMainPID after a job.
func WithPIDBackOff(fn func() backoff.BackOff) SystemdOption {
	return func(s *SystemdService) {
		s.pidBackOff = fn
	}
}

func defaultPIDBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// NewSystemdService creates a service for unit. ctx is used only to
// establish the shared bus connection.
func NewSystemdService(ctx context.Context, name string, kind Kind, unit string, opts ...SystemdOption) (*SystemdService, error) {
	s := &SystemdService{
		name:       name,
		kind:       kind,
		unit:       unit,
		logger:     zap.NewNop(),
		pidBackOff: defaultPIDBackOff,
		pid:        NotRunning,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = DefaultSystemdConnection()
	}
	s.logger = s.logger.Named("systemd").With(zap.String("service", name), zap.String("unit", unit))

	if _, err := s.bus.Conn(ctx); err != nil {
		return nil, &OpError{Op: OpRegister, Service: name, Err: err}
	}
	return s, nil
}

// Name returns the service name
func (s *SystemdService) Name() string { return s.name }

// Type returns the service kind
func (s *SystemdService) Type() Kind { return s.kind }

// Unit returns the systemd unit name
func (s *SystemdService) Unit() string { return s.unit }

// PID returns the unit's main PID as of the last lifecycle operation
func (s *SystemdService) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pid
}

type unitJob func(ctx context.Context, name string, mode string, ch chan<- string) (int, error)

// runJob queues a unit job and waits for its result or ctx.
func (s *SystemdService) runJob(ctx context.Context, op Operation, job unitJob) error {
	ch := make(chan string, 1)
	if _, err := job(ctx, s.unit, systemdJobMode, ch); err != nil {
		return &OpError{Op: op, Service: s.name, Err: err}
	}

	select {
	case result := <-ch:
		if result != systemdJobDone {
			return &OpError{Op: op, Service: s.name, Err: fmt.Errorf("%w: %s", ErrJobFailed, result)}
		}
		return nil
	case <-ctx.Done():
		return &OpError{Op: op, Service: s.name, Err: ctx.Err()}
	}
}

// readPID reads ExecMainPID, polling while systemd still reports 0.
func (s *SystemdService) readPID(ctx context.Context, op Operation, conn SystemdConn) (int, error) {
	pid := NotRunning
	read := func() error {
		prop, err := conn.GetServicePropertyContext(ctx, s.unit, propExecMainPID)
		if err != nil {
			return backoff.Permanent(err)
		}
		p, err := NormalizePID(propExecMainPID, prop)
		if errors.Is(err, ErrPIDNotFound) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		pid = p
		return nil
	}

	if err := backoff.Retry(read, backoff.WithContext(s.pidBackOff(), ctx)); err != nil {
		return NotRunning, &OpError{Op: op, Service: s.name, Err: err}
	}
	return pid, nil
}

func (s *SystemdService) transition(ctx context.Context, op Operation, pick func(SystemdConn) unitJob) error {
	conn, err := s.bus.Conn(ctx)
	if err != nil {
		return &OpError{Op: op, Service: s.name, Err: err}
	}
	if err := s.runJob(ctx, op, pick(conn)); err != nil {
		return err
	}
	pid, err := s.readPID(ctx, op, conn)
	if err != nil {
		s.pid = NotRunning
		return err
	}
	s.pid = pid
	s.logger.Info(op.String()+" done", zap.Int("pid", pid))
	return nil
}

// Start starts the unit and records its main PID.
func (s *SystemdService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pid != NotRunning {
		return &OpError{Op: OpStart, Service: s.name, Err: ErrAlreadyRunning}
	}
	return s.transition(ctx, OpStart, func(c SystemdConn) unitJob { return c.StartUnitContext })
}

// Stop stops the unit.
func (s *SystemdService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pid == NotRunning {
		return &OpError{Op: OpStop, Service: s.name, Err: ErrAlreadyStopped}
	}
	conn, err := s.bus.Conn(ctx)
	if err != nil {
		return &OpError{Op: OpStop, Service: s.name, Err: err}
	}
	if err := s.runJob(ctx, OpStop, conn.StopUnitContext); err != nil {
		return err
	}
	s.logger.Info("stop done", zap.Int("pid", s.pid))
	s.pid = NotRunning
	return nil
}

// Restart restarts the unit and re-reads its main PID.
func (s *SystemdService) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(ctx, OpRestart, func(c SystemdConn) unitJob { return c.RestartUnitContext })
}

// Reload restarts the unit; the units managed here cannot reload in place.
func (s *SystemdService) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(ctx, OpReload, func(c SystemdConn) unitJob { return c.RestartUnitContext })
}

// Status is healthy when the unit is active, whatever its sub-state
// (running, reloading, exited with RemainAfterExit). A failed unit
// reports *ExitError with its main process status when systemd has one.
func (s *SystemdService) Status(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, err := s.bus.Conn(ctx)
	if err != nil {
		return &OpError{Op: OpStatus, Service: s.name, Err: err}
	}
	units, err := conn.ListUnitsByNamesContext(ctx, []string{s.unit})
	if err != nil {
		return &OpError{Op: OpStatus, Service: s.name, Err: err}
	}

	var unit *sddbus.UnitStatus
	for i := range units {
		if units[i].Name == s.unit {
			unit = &units[i]
			break
		}
	}
	if unit == nil || unit.LoadState == "not-found" {
		return &OpError{Op: OpStatus, Service: s.name, Err: ErrServiceNotFound}
	}

	if unit.ActiveState == "active" {
		if unit.SubState != "running" {
			s.logger.Debug("unit active but not running", zap.String("sub_state", unit.SubState))
		}
		return nil
	}
	if unit.ActiveState == "failed" {
		if prop, err := conn.GetServicePropertyContext(ctx, s.unit, propExecMainStatus); err == nil {
			if code, err := NormalizeInt(propExecMainStatus, prop); err == nil {
				return &OpError{Op: OpStatus, Service: s.name, Err: &ExitError{Code: code}}
			}
		}
	}
	return &OpError{
		Op:      OpStatus,
		Service: s.name,
		Err:     fmt.Errorf("%w: %s/%s", ErrBadServiceState, unit.ActiveState, unit.SubState),
	}
}

var _ ReloadableService = (*SystemdService)(nil)

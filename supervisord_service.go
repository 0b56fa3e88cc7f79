package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/rpc"
	"sync"

	"github.com/kolo/xmlrpc"
	"go.uber.org/zap"
)

const (
	methodStartProcess   = "supervisor.startProcess"
	methodStopProcess    = "supervisor.stopProcess"
	methodGetProcessInfo = "supervisor.getProcessInfo"

	// DefaultSupervisordURL is the XML-RPC endpoint of a local supervisord
	DefaultSupervisordURL = "http://localhost:9001/RPC2"
)

// RPCCaller is the subset of *xmlrpc.Client used by SupervisordService.
type RPCCaller interface {
	Go(serviceMethod string, args any, reply any, done chan *rpc.Call) *rpc.Call
	Close() error
}

// SupervisordConnection is an XML-RPC client shared by every
// SupervisordService talking to the same endpoint. It is created on first
// use and stays open until Close.
type SupervisordConnection struct {
	url       string
	transport http.RoundTripper

	mu     sync.Mutex
	client RPCCaller
	dial   func(url string, transport http.RoundTripper) (RPCCaller, error)
	closed bool
}

// NewSupervisordConnection returns a connection to the supervisord endpoint
// at url. A nil transport uses http.DefaultTransport.
func NewSupervisordConnection(url string, transport http.RoundTripper) *SupervisordConnection {
	return &SupervisordConnection{
		url:       url,
		transport: transport,
		dial: func(url string, transport http.RoundTripper) (RPCCaller, error) {
			return xmlrpc.NewClient(url, transport)
		},
	}
}

// NewSupervisordConnectionWith wraps an existing caller, e.g. a test fake.
func NewSupervisordConnectionWith(url string, client RPCCaller) *SupervisordConnection {
	return &SupervisordConnection{
		url:    url,
		client: client,
		dial: func(string, http.RoundTripper) (RPCCaller, error) {
			return client, nil
		},
	}
}

var (
	supervisordConnsMu sync.Mutex
	supervisordConns   = map[string]*SupervisordConnection{}
)

// SharedSupervisordConnection returns the process-wide connection for url.
func SharedSupervisordConnection(url string) *SupervisordConnection {
	supervisordConnsMu.Lock()
	defer supervisordConnsMu.Unlock()

	if c, ok := supervisordConns[url]; ok {
		return c
	}
	c := NewSupervisordConnection(url, nil)
	supervisordConns[url] = c
	return c
}

// URL returns the endpoint
func (c *SupervisordConnection) URL() string { return c.url }

// Client returns the shared client, creating it on first use.
func (c *SupervisordConnection) Client() (RPCCaller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}
	if c.client != nil {
		return c.client, nil
	}
	client, err := c.dial(c.url, c.transport)
	if err != nil {
		return nil, fmt.Errorf("connecting to supervisord at %s: %w", c.url, err)
	}
	c.client = client
	return client, nil
}

// Close closes the client. Later calls to Client fail with
// ErrConnectionClosed.
func (c *SupervisordConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if errors.Is(err, rpc.ErrShutdown) {
		return nil
	}
	return err
}

// SupervisordService delegates lifecycle to a program managed by supervisord.
type SupervisordService struct {
	name    string
	kind    Kind
	process string
	conn    *SupervisordConnection
	logger  *zap.Logger

	// mu protects pid
	mu  sync.RWMutex
	pid int
}

// SupervisordOption configures a SupervisordService
type SupervisordOption func(*SupervisordService)

// WithSupervisordConnection sets the RPC connection. The default is
// SharedSupervisordConnection(url).
func WithSupervisordConnection(c *SupervisordConnection) SupervisordOption {
	return func(s *SupervisordService) {
		s.conn = c
	}
}

// WithSupervisordLogger sets the logger used for lifecycle events
func WithSupervisordLogger(l *zap.Logger) SupervisordOption {
	return func(s *SupervisordService) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSupervisordService creates a service for the supervisord program
// process reachable at url.
func NewSupervisordService(name string, kind Kind, url, process string, opts ...SupervisordOption) *SupervisordService {
	s := &SupervisordService{
		name:    name,
		kind:    kind,
		process: process,
		logger:  zap.NewNop(),
		pid:     NotRunning,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.conn == nil {
		s.conn = SharedSupervisordConnection(url)
	}
	s.logger = s.logger.Named("supervisord").With(zap.String("service", name), zap.String("process", process))
	return s
}

// Name returns the service name
func (s *SupervisordService) Name() string { return s.name }

// Type returns the service kind
func (s *SupervisordService) Type() Kind { return s.kind }

// Process returns the supervisord program name
func (s *SupervisordService) Process() string { return s.process }

// PID returns the program's PID as of the last lifecycle operation
func (s *SupervisordService) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pid
}

// call issues an asynchronous RPC and waits for its reply or ctx.
func (s *SupervisordService) call(ctx context.Context, op Operation, method string, reply any, args ...any) error {
	client, err := s.conn.Client()
	if err != nil {
		return &OpError{Op: op, Service: s.name, Err: err}
	}

	done := make(chan *rpc.Call, 1)
	client.Go(method, args, reply, done)

	select {
	case c := <-done:
		if c.Error != nil {
			return &OpError{Op: op, Service: s.name, Err: faultError(c.Error)}
		}
		return nil
	case <-ctx.Done():
		return &OpError{Op: op, Service: s.name, Err: ctx.Err()}
	}
}

// supervisord fault codes with a counterpart in the error taxonomy
const (
	faultBadName        = 10
	faultAlreadyStarted = 60
	faultNotRunning     = 70
)

var faultErrors = map[int]error{
	faultBadName:        ErrServiceNotFound,
	faultAlreadyStarted: ErrAlreadyRunning,
	faultNotRunning:     ErrAlreadyStopped,
}

// faultError maps a supervisord fault to a sentinel by its code. Faults
// arrive through net/rpc as "Fault(<code>): <NAME>: <detail>" strings.
func faultError(err error) error {
	var code int
	if _, scanErr := fmt.Sscanf(err.Error(), "Fault(%d):", &code); scanErr != nil {
		return err
	}
	if target, ok := faultErrors[code]; ok {
		return fmt.Errorf("%w: %v", target, err)
	}
	return err
}

func (s *SupervisordService) processInfo(ctx context.Context, op Operation) (map[string]any, error) {
	info := map[string]any{}
	if err := s.call(ctx, op, methodGetProcessInfo, &info, s.process); err != nil {
		return nil, err
	}
	return info, nil
}

func (s *SupervisordService) startLocked(ctx context.Context) error {
	if s.pid != NotRunning {
		return &OpError{Op: OpStart, Service: s.name, Err: ErrAlreadyRunning}
	}

	var started bool
	if err := s.call(ctx, OpStart, methodStartProcess, &started, s.process, true); err != nil {
		// supervisord may already run the program, e.g. with autostart.
		// Adopt its PID so a later Stop can reach it.
		if errors.Is(err, ErrAlreadyRunning) {
			if pidErr := s.readPID(ctx, OpStart); pidErr == nil {
				s.logger.Info("adopted running program", zap.Int("pid", s.pid))
			}
		}
		return err
	}

	if err := s.readPID(ctx, OpStart); err != nil {
		return err
	}
	s.logger.Info("started", zap.Int("pid", s.pid))
	return nil
}

// readPID records the program's current PID from getProcessInfo.
func (s *SupervisordService) readPID(ctx context.Context, op Operation) error {
	info, err := s.processInfo(ctx, op)
	if err != nil {
		return err
	}
	pid, err := NormalizePID("pid", info["pid"])
	if err != nil {
		return &OpError{Op: op, Service: s.name, Err: err}
	}
	s.pid = pid
	return nil
}

func (s *SupervisordService) stopLocked(ctx context.Context) error {
	if s.pid == NotRunning {
		return &OpError{Op: OpStop, Service: s.name, Err: ErrAlreadyStopped}
	}

	var stopped bool
	if err := s.call(ctx, OpStop, methodStopProcess, &stopped, s.process, true); err != nil {
		return err
	}
	s.logger.Info("stopped", zap.Int("pid", s.pid))
	s.pid = NotRunning
	return nil
}

// Start asks supervisord to start the program and records its PID.
func (s *SupervisordService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

// Stop asks supervisord to stop the program.
func (s *SupervisordService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

// Restart stops then starts the program; a failed stop skips the start.
func (s *SupervisordService) Restart(ctx context.Context) error {
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

// Status reports an unexpected exit when supervisord has recorded a stop
// time later than the last start, carrying the program's exit status.
func (s *SupervisordService) Status(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := s.processInfo(ctx, OpStatus)
	if err != nil {
		return err
	}

	stop, err := NormalizeInt("stop", info["stop"])
	if err != nil {
		return &OpError{Op: OpStatus, Service: s.name, Err: err}
	}
	if stop == 0 {
		return nil
	}
	// A program that was restarted keeps its old stop time.
	if start, err := NormalizeInt("start", info["start"]); err == nil && start > stop {
		return nil
	}

	code, err := NormalizeInt("exitstatus", info["exitstatus"])
	if err != nil {
		return &OpError{Op: OpStatus, Service: s.name, Err: err}
	}
	return &OpError{Op: OpStatus, Service: s.name, Err: &ExitError{Code: code}}
}

var _ Service = (*SupervisordService)(nil)

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Service states reported by GetStatusMap
const (
	StateRunning = "running"
	StateOff     = "off"
)

// entry is one registered service. mu serialises lifecycle transitions
// through the Supervisor: the PID index check, the backend call and the
// index update happen under it.
type entry struct {
	svc Service
	mu  sync.Mutex

	// pid is the key this entry is indexed under in byPID, guarded by
	// Supervisor.mu
	pid int
}

// Supervisor is the registry of services on a rack controller. It resolves
// services by name, kind and PID and enforces the lifecycle rules on top
// of each backend.
type Supervisor struct {
	logger  *zap.Logger
	metrics *metrics

	// Concurrency is the maximum number of services a bulk operation
	// touches at once. 1 runs them in registration order.
	Concurrency int
	// Timeout bounds each service's share of a bulk operation and of a
	// status probe; 0 means no per-service bound.
	Timeout time.Duration

	// mu protects the indexes below
	mu     sync.RWMutex
	order  []*entry
	byName map[string]*entry
	byType map[Kind][]*entry
	byPID  map[int]*entry
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRegisterer registers the Supervisor's metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Supervisor) {
		s.metrics = newMetrics(reg)
	}
}

// WithConcurrency sets the maximum number of concurrent bulk operations
func WithConcurrency(n int) Option {
	return func(s *Supervisor) {
		s.Concurrency = n
	}
}

// WithTimeout sets the per-service timeout for bulk operations
func WithTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.Timeout = d
	}
}

// New creates an empty Supervisor
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:      zap.NewNop(),
		Concurrency: 1,
		byName:      make(map[string]*entry),
		byType:      make(map[Kind][]*entry),
		byPID:       make(map[int]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(nil)
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	s.logger = s.logger.Named("supervisor")
	return s
}

// RegisterService adds svc to the registry. A service that already reports
// a live PID is indexed under it. Registration cannot be undone.
func (s *Supervisor) RegisterService(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := svc.Name()
	if _, ok := s.byName[name]; ok {
		return &OpError{Op: OpRegister, Service: name, Err: ErrDuplicateService}
	}

	e := &entry{svc: svc, pid: NotRunning}
	s.order = append(s.order, e)
	s.byName[name] = e
	s.byType[svc.Type()] = append(s.byType[svc.Type()], e)
	if pid := svc.PID(); pid > 0 {
		s.byPID[pid] = e
		e.pid = pid
	}

	s.logger.Debug("registered", zap.String("service", name), zap.Stringer("type", svc.Type()), zap.Int("pid", e.pid))
	return nil
}

func (s *Supervisor) lookup(name string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byName[name]
	if !ok {
		return nil, &OpError{Op: OpLookup, Service: name, Err: ErrUnknownService}
	}
	return e, nil
}

func (s *Supervisor) lookupType(kind Kind) ([]*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.byType[kind]
	if !ok || len(entries) == 0 {
		return nil, &OpError{Op: OpLookup, Service: kind.String(), Err: ErrUnknownService}
	}
	return append([]*entry(nil), entries...), nil
}

// indexed reports whether e is currently in the PID index.
func (s *Supervisor) indexed(e *entry) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return e.pid != NotRunning
}

// reindex replaces e's PID index entry with the backend's current PID.
// Callers hold e.mu.
func (s *Supervisor) reindex(e *entry) {
	pid := e.svc.PID()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.pid == pid {
		return
	}
	if e.pid != NotRunning && s.byPID[e.pid] == e {
		delete(s.byPID, e.pid)
	}
	e.pid = NotRunning
	if pid > 0 {
		s.byPID[pid] = e
		e.pid = pid
	}
}

// transition runs fn under e's transition lock and then resynchronises the
// PID index from the backend, whatever fn returned.
func (s *Supervisor) transition(ctx context.Context, op Operation, e *entry, check func() error, fn func(context.Context) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := e.svc.Name()
	if check != nil {
		if err := check(); err != nil {
			return &OpError{Op: op, Service: name, Err: err}
		}
	}

	start := time.Now()
	err := fn(ctx)
	s.reindex(e)
	s.metrics.recordOperation(op, name, start, err)

	if err != nil {
		s.logger.Warn(op.String()+" failed", zap.String("service", name), zap.Error(err))
		return opError(op, name, err)
	}
	s.logger.Info(op.String(),
		zap.String("service", name),
		zap.Stringer("type", e.svc.Type()),
		zap.Int("pid", e.svc.PID()))
	return nil
}

func (s *Supervisor) requireIndexed(e *entry, missing error) func() error {
	return func() error {
		if !s.indexed(e) {
			return missing
		}
		return nil
	}
}

func (s *Supervisor) start(ctx context.Context, e *entry) error {
	return s.transition(ctx, OpStart, e,
		func() error {
			if s.indexed(e) {
				return ErrAlreadyRunning
			}
			return nil
		},
		e.svc.Start)
}

func (s *Supervisor) stop(ctx context.Context, e *entry) error {
	return s.transition(ctx, OpStop, e, s.requireIndexed(e, ErrAlreadyStopped), e.svc.Stop)
}

func (s *Supervisor) restart(ctx context.Context, e *entry) error {
	return s.transition(ctx, OpRestart, e, s.requireIndexed(e, ErrInvalidServiceState), e.svc.Restart)
}

// errNotIndexed marks a service a bulk restart passes over because it is
// not in the PID index.
var errNotIndexed = errors.New("not in the PID index")

func (s *Supervisor) restartIfRunning(ctx context.Context, e *entry) error {
	return s.transition(ctx, OpRestart, e, s.requireIndexed(e, errNotIndexed), e.svc.Restart)
}

// Start starts the named service. A service already in the PID index
// fails with ErrAlreadyRunning without reaching the backend.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.start(ctx, e)
}

// Stop stops the named service. A service missing from the PID index fails
// with ErrAlreadyStopped without reaching the backend.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.stop(ctx, e)
}

// Restart restarts the named running service and reindexes its new PID.
// A service missing from the PID index fails with ErrInvalidServiceState.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.restart(ctx, e)
}

// Reload asks the named running service to reload its configuration.
func (s *Supervisor) Reload(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	rs, ok := e.svc.(ReloadableService)
	if !ok {
		return &OpError{Op: OpReload, Service: name, Err: ErrInvalidServiceType}
	}
	return s.transition(ctx, OpReload, e, s.requireIndexed(e, ErrInvalidServiceState), rs.Reload)
}

// Apply runs fn against the named service under its transition lock and
// then resynchronises the PID index. It is the hook for operations the
// Supervisor does not model itself, such as configuration pushes.
func (s *Supervisor) Apply(ctx context.Context, op Operation, name string, fn func(context.Context, Service) error) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.transition(ctx, op, e, nil, func(ctx context.Context) error {
		return fn(ctx, e.svc)
	})
}

// Sync resynchronises the PID index with every backend's current PID, e.g.
// after a daemon exited on its own.
func (s *Supervisor) Sync() {
	for _, e := range s.entries() {
		e.mu.Lock()
		s.reindex(e)
		e.mu.Unlock()
	}
}

// Get returns the service registered under name.
func (s *Supervisor) Get(name string) (Service, error) {
	e, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.svc, nil
}

// GetByType returns every service of kind in registration order.
func (s *Supervisor) GetByType(kind Kind) ([]Service, error) {
	entries, err := s.lookupType(kind)
	if err != nil {
		return nil, err
	}
	return services(entries), nil
}

// GetByPID returns the service indexed under pid.
func (s *Supervisor) GetByPID(pid int) (Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byPID[pid]
	if !ok {
		return nil, &OpError{Op: OpLookup, Service: fmt.Sprintf("pid %d", pid), Err: ErrUnknownService}
	}
	return e.svc, nil
}

// Services returns every registered service in registration order.
func (s *Supervisor) Services() []Service {
	return services(s.entries())
}

func (s *Supervisor) entries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*entry(nil), s.order...)
}

func services(entries []*entry) []Service {
	out := make([]Service, len(entries))
	for i, e := range entries {
		out[i] = e.svc
	}
	return out
}

// execute applies op to every entry, at most Concurrency at a time, and
// collects the failures in entry order. skip lists the error kinds that
// mean the service is already where op would take it.
func (s *Supervisor) execute(ctx context.Context, entries []*entry, op func(context.Context, *entry) error, skip ...error) error {
	if len(entries) == 0 {
		return nil
	}

	errs := make([]error, len(entries))
	run := func(i int) {
		opCtx := ctx
		if s.Timeout > 0 {
			var cancel context.CancelFunc
			opCtx, cancel = context.WithTimeout(ctx, s.Timeout)
			defer cancel()
		}
		err := op(opCtx, entries[i])
		for _, target := range skip {
			if errors.Is(err, target) {
				err = nil
				break
			}
		}
		errs[i] = err
	}

	if s.Concurrency == 1 {
		for i := range entries {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				continue
			}
			run(i)
		}
	} else {
		sem := make(chan struct{}, s.Concurrency)
		var wg sync.WaitGroup
		for i := range entries {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()

				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					errs[i] = ctx.Err()
					return
				}
				run(i)
			}(i)
		}
		wg.Wait()
	}

	merr := &MultiError{}
	for _, err := range errs {
		merr.Add(err)
	}
	return merr.Err()
}

// StartAll starts every registered service that is not already running.
// Failures do not stop the remaining services; they are returned together
// as a *MultiError.
func (s *Supervisor) StartAll(ctx context.Context) error {
	return s.execute(ctx, s.entries(), s.start, ErrAlreadyRunning)
}

// StopAll stops every registered service that is running, collecting
// failures like StartAll.
func (s *Supervisor) StopAll(ctx context.Context) error {
	return s.execute(ctx, s.entries(), s.stop, ErrAlreadyStopped)
}

// StartByType starts every service of kind that is not already running.
func (s *Supervisor) StartByType(ctx context.Context, kind Kind) error {
	entries, err := s.lookupType(kind)
	if err != nil {
		return err
	}
	return s.execute(ctx, entries, s.start, ErrAlreadyRunning)
}

// StopByType stops every running service of kind.
func (s *Supervisor) StopByType(ctx context.Context, kind Kind) error {
	entries, err := s.lookupType(kind)
	if err != nil {
		return err
	}
	return s.execute(ctx, entries, s.stop, ErrAlreadyStopped)
}

// RestartByType restarts every running service of kind. Services missing
// from the PID index are left stopped; backend failures, including
// ErrInvalidServiceState, are reported.
func (s *Supervisor) RestartByType(ctx context.Context, kind Kind) error {
	entries, err := s.lookupType(kind)
	if err != nil {
		return err
	}
	return s.execute(ctx, entries, s.restartIfRunning, errNotIndexed)
}

// GetStatusMap probes every service and maps its name to StateRunning or
// StateOff. A failed probe counts as off.
func (s *Supervisor) GetStatusMap(ctx context.Context) map[string]string {
	entries := s.entries()
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.svc.Name()] = s.probe(ctx, e)
	}
	return out
}

func (s *Supervisor) probe(ctx context.Context, e *entry) string {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	err := e.svc.Status(ctx)
	s.metrics.recordRunning(e.svc, err == nil)
	if err != nil {
		s.logger.Debug("status probe", zap.String("service", e.svc.Name()), zap.Error(err))
		return StateOff
	}
	return StateRunning
}

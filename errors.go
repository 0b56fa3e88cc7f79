package supervisor

import (
	"errors"
	"fmt"
)

// Common errors returned by services and the Supervisor
var (
	// ErrUnknownService indicates a name, type or PID that was never registered
	ErrUnknownService = errors.New("supervisor: unknown service")

	// ErrAlreadyRunning indicates a start was requested for a running service
	ErrAlreadyRunning = errors.New("supervisor: service already running")

	// ErrAlreadyStopped indicates a stop was requested for a stopped service
	ErrAlreadyStopped = errors.New("supervisor: service already stopped")

	// ErrInvalidServiceState indicates the operation is not valid for the
	// service's current state, e.g. restarting a stopped service
	ErrInvalidServiceState = errors.New("supervisor: invalid service state")

	// ErrInvalidServiceType indicates a registered service does not fill the
	// role it was requested for
	ErrInvalidServiceType = errors.New("supervisor: invalid service type")

	// ErrDuplicateService indicates a second registration under the same name
	ErrDuplicateService = errors.New("supervisor: duplicate service name")

	// ErrUnexpectedExit indicates the process terminated without being asked to
	ErrUnexpectedExit = errors.New("supervisor: unexpected exit")

	// ErrInvalidPropertyType indicates a dynamic property value could not be
	// normalized to the expected type
	ErrInvalidPropertyType = errors.New("supervisor: invalid property type")

	// ErrPIDNotFound indicates the backend succeeded but reported no PID
	ErrPIDNotFound = errors.New("supervisor: pid not found")

	// ErrServiceNotFound indicates the init system or process manager does not
	// know the unit or program
	ErrServiceNotFound = errors.New("supervisor: service not found")

	// ErrBadServiceState indicates the init system reports a non-running state
	ErrBadServiceState = errors.New("supervisor: bad service state")

	// ErrJobFailed indicates a queued systemd job finished with a result other
	// than "done"
	ErrJobFailed = errors.New("supervisor: job failed")

	// ErrStoppedDegraded indicates the process is gone but had to be killed
	// after the graceful stop was cut short
	ErrStoppedDegraded = errors.New("supervisor: stopped after forced kill")

	// ErrConnectionClosed indicates a shared connection was used after Close
	ErrConnectionClosed = errors.New("supervisor: connection closed")
)

// Operation identifies the lifecycle operation an error belongs to
type Operation int

const (
	// OpUnknown represents an unknown operation
	OpUnknown Operation = iota
	// OpRegister adds a service to the Supervisor
	OpRegister
	// OpLookup resolves a service by name, type or PID
	OpLookup
	// OpStart starts a service
	OpStart
	// OpStop stops a service
	OpStop
	// OpRestart stops then starts a service
	OpRestart
	// OpReload asks a running service to reload its configuration
	OpReload
	// OpStatus probes a service's health
	OpStatus
	// OpConfigure pushes new configuration to a service
	OpConfigure
)

// String returns the operation name
func (op Operation) String() string {
	switch op {
	case OpRegister:
		return "register"
	case OpLookup:
		return "lookup"
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	case OpRestart:
		return "restart"
	case OpReload:
		return "reload"
	case OpStatus:
		return "status"
	case OpConfigure:
		return "configure"
	default:
		return "unknown"
	}
}

// OpError represents an error from a service operation
type OpError struct {
	// Op is the operation that failed
	Op Operation
	// Service is the name of the service involved in the operation
	Service string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op.String(), e.Service, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// opError wraps err with the operation and service name unless it already
// carries them.
func opError(op Operation, service string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) && oe.Service == service {
		return err
	}
	return &OpError{Op: op, Service: service, Err: err}
}

// ExitError is the UnexpectedExit condition with the observed exit code.
type ExitError struct {
	// Code is the exit status; -1 when the process was killed by a signal
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("unexpected exit with code %d", e.Code)
}

// Is reports ErrUnexpectedExit as the error kind
func (e *ExitError) Is(target error) bool {
	return target == ErrUnexpectedExit
}

// PropertyTypeError is the InvalidPropertyType condition for a single value.
type PropertyTypeError struct {
	// Property is the name of the property being decoded
	Property string
	// Value is the value that could not be normalized
	Value any
}

func (e *PropertyTypeError) Error() string {
	return fmt.Sprintf("property %s: cannot normalize %T(%v)", e.Property, e.Value, e.Value)
}

// Is reports ErrInvalidPropertyType as the error kind
func (e *PropertyTypeError) Is(target error) bool {
	return target == ErrInvalidPropertyType
}

// MultiError aggregates multiple errors from bulk operations
type MultiError struct {
	// Errors contains all accumulated errors
	Errors []error
}

// Error returns a summary of the accumulated errors
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred", len(m.Errors))
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Unwrap exposes the accumulated errors to errors.Is and errors.As
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}

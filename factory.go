package supervisor

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// Backend is the mechanism that runs a service
type Backend int

const (
	// BackendUnknown represents an unknown backend
	BackendUnknown Backend = iota
	// BackendExec runs the daemon as a direct child process
	BackendExec
	// BackendSystemd delegates to a systemd unit over D-Bus
	BackendSystemd
	// BackendSupervisord delegates to a supervisord program over XML-RPC
	BackendSupervisord
)

// Backend string constants
const (
	backendUnknownStr     = "unknown"
	backendExecStr        = "exec"
	backendSystemdStr     = "systemd"
	backendSupervisordStr = "supervisord"
)

// String returns the string representation of Backend
func (b Backend) String() string {
	switch b {
	case BackendExec:
		return backendExecStr
	case BackendSystemd:
		return backendSystemdStr
	case BackendSupervisord:
		return backendSupervisordStr
	case BackendUnknown:
		fallthrough
	default:
		return backendUnknownStr
	}
}

// ParseBackend converts a backend name back to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case backendExecStr:
		return BackendExec, nil
	case backendSystemdStr:
		return BackendSystemd, nil
	case backendSupervisordStr:
		return BackendSupervisord, nil
	default:
		return BackendUnknown, fmt.Errorf("unsupported backend: %q", s)
	}
}

// ServiceSpec describes one service independently of its backend. Only
// the fields for the chosen Backend are used.
type ServiceSpec struct {
	Name    string
	Kind    Kind
	Backend Backend

	// Exec backend
	Command      string
	Args         []string
	Env          map[string]string
	Dir          string
	ReloadSignal syscall.Signal
	// ConfigDir makes an exec DHCP or DHCPv6 service Configurable
	ConfigDir string

	// Systemd backend
	Unit string

	// Supervisord backend
	URL     string
	Process string
}

// Validate checks that the fields required by the backend are set
func (s ServiceSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("service name is required")
	}
	var missing string
	switch s.Backend {
	case BackendExec:
		if s.Command == "" {
			missing = "command"
		}
	case BackendSystemd:
		if s.Unit == "" {
			missing = "unit"
		}
	case BackendSupervisord:
		if s.Process == "" {
			missing = "process"
		}
	default:
		return &OpError{Op: OpRegister, Service: s.Name, Err: fmt.Errorf("%w: backend %s", ErrInvalidServiceType, s.Backend)}
	}
	if missing != "" {
		return &OpError{Op: OpRegister, Service: s.Name, Err: fmt.Errorf("%s backend requires %s", s.Backend, missing)}
	}
	return nil
}

// Factory builds services from specs, sharing one connection per backend.
type Factory struct {
	// Logger is handed to every service built; nil means no logging
	Logger *zap.Logger
	// Systemd is the bus connection for systemd services; nil uses
	// DefaultSystemdConnection()
	Systemd *SystemdConnection
	// Supervisord returns the RPC connection for an endpoint; nil uses
	// SharedSupervisordConnection
	Supervisord func(url string) *SupervisordConnection
}

// New builds the service described by spec. ctx is used only to establish
// backend connections.
func (f *Factory) New(ctx context.Context, spec ServiceSpec) (Service, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch spec.Backend {
	case BackendExec:
		return f.newExec(spec, logger)
	case BackendSystemd:
		bus := f.Systemd
		if bus == nil {
			bus = DefaultSystemdConnection()
		}
		svc, err := NewSystemdService(ctx, spec.Name, spec.Kind, spec.Unit,
			WithSystemdConnection(bus),
			WithSystemdLogger(logger))
		if err != nil {
			return nil, err
		}
		return svc, nil
	case BackendSupervisord:
		url := spec.URL
		if url == "" {
			url = DefaultSupervisordURL
		}
		connect := f.Supervisord
		if connect == nil {
			connect = SharedSupervisordConnection
		}
		return NewSupervisordService(spec.Name, spec.Kind, url, spec.Process,
			WithSupervisordConnection(connect(url)),
			WithSupervisordLogger(logger)), nil
	default:
		return nil, &OpError{Op: OpRegister, Service: spec.Name, Err: ErrInvalidServiceType}
	}
}

func (f *Factory) newExec(spec ServiceSpec, logger *zap.Logger) (Service, error) {
	opts := []ExecOption{WithExecLogger(logger), WithDir(spec.Dir)}
	for k, v := range spec.Env {
		opts = append(opts, WithEnv(k, v))
	}

	if spec.ConfigDir != "" {
		svc, err := NewDHCPService(spec.Name, spec.Kind, spec.ConfigDir, spec.Command, spec.Args, opts...)
		if err != nil {
			return nil, err
		}
		return svc, nil
	}
	if spec.ReloadSignal != 0 {
		return NewReloadableExecService(spec.Name, spec.Kind, spec.ReloadSignal, spec.Command, spec.Args, opts...), nil
	}
	return NewExecService(spec.Name, spec.Kind, spec.Command, spec.Args, opts...), nil
}

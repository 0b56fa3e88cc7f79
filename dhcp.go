package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"
)

const (
	// regionIPEnv carries the region controller address into dhcpd's
	// environment for its event hooks
	regionIPEnv = "REGION_IP"

	dhcpConfigMode = 0o640
)

// DHCPService runs dhcpd or dhcpd6 as a child process and rewrites its
// configuration on request. The configuration lives in two files under
// configDir: <name>.conf and <name>-interfaces, the latter a single line of
// space separated interface names.
type DHCPService struct {
	*ReloadableExecService
	configDir string

	// cmu serialises Configure calls
	cmu sync.Mutex
}

// NewDHCPService creates a DHCP service of kind KindDHCP or KindDHCPv6.
func NewDHCPService(name string, kind Kind, configDir, command string, args []string, opts ...ExecOption) (*DHCPService, error) {
	if kind != KindDHCP && kind != KindDHCPv6 {
		return nil, &OpError{Op: OpRegister, Service: name, Err: fmt.Errorf("%w: %s is not a DHCP kind", ErrInvalidServiceType, kind)}
	}
	svc := &DHCPService{
		ReloadableExecService: NewReloadableExecService(name, kind, syscall.SIGHUP, command, args, opts...),
		configDir:             configDir,
	}
	svc.logger = svc.logger.Named("dhcp")
	return svc, nil
}

// ConfigPath returns the path of the daemon configuration file
func (s *DHCPService) ConfigPath() string {
	return filepath.Join(s.configDir, s.name+".conf")
}

// InterfacesPath returns the path of the interfaces file
func (s *DHCPService) InterfacesPath() string {
	return filepath.Join(s.configDir, s.name+"-interfaces")
}

// Configure writes data to disk and brings the daemon in line with it: a
// configuration without a config file or interfaces stops the daemon, a
// stopped daemon is started and a running one is restarted if anything
// changed.
func (s *DHCPService) Configure(ctx context.Context, data ConfigData, regionIP net.IP) error {
	if regionIP == nil || regionIP.IsUnspecified() {
		return &OpError{Op: OpConfigure, Service: s.name, Err: fmt.Errorf("invalid region address %q", regionIP)}
	}

	s.cmu.Lock()
	defer s.cmu.Unlock()

	confChanged, err := writeIfChanged(s.ConfigPath(), data.Config)
	if err != nil {
		return &OpError{Op: OpConfigure, Service: s.name, Err: err}
	}
	ifaces := []byte(strings.Join(data.Interfaces, " "))
	ifacesChanged, err := writeIfChanged(s.InterfacesPath(), ifaces)
	if err != nil {
		return &OpError{Op: OpConfigure, Service: s.name, Err: err}
	}
	envChanged := s.setEnv(regionIPEnv, regionIP.String())
	changed := confChanged || ifacesChanged || envChanged

	running := s.PID() != NotRunning
	log := s.logger.With(zap.Bool("changed", changed), zap.Bool("running", running))

	switch {
	case !data.Enabled():
		if !running {
			return nil
		}
		log.Info("no configuration or interfaces, stopping")
		if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrAlreadyStopped) {
			return &OpError{Op: OpConfigure, Service: s.name, Err: err}
		}
	case !running:
		log.Info("starting with new configuration", zap.Strings("interfaces", data.Interfaces))
		if err := s.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			return &OpError{Op: OpConfigure, Service: s.name, Err: err}
		}
	case changed:
		log.Info("configuration changed, restarting", zap.Strings("interfaces", data.Interfaces))
		if err := s.Restart(ctx); err != nil {
			return &OpError{Op: OpConfigure, Service: s.name, Err: err}
		}
	}
	return nil
}

// writeIfChanged atomically replaces path with content unless the file
// already holds exactly that content.
func writeIfChanged(path string, content []byte) (bool, error) {
	current, err := os.ReadFile(path)
	switch {
	case err == nil && bytes.Equal(current, content):
		return false, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return false, err
	}
	if err := renameio.WriteFile(path, content, dhcpConfigMode); err != nil {
		return false, fmt.Errorf("writing %s: %w", path, err)
	}
	return true, nil
}

// DHCPConfigurator routes configuration pushes to the DHCP service
// registered with a Supervisor.
type DHCPConfigurator struct {
	Supervisor *Supervisor
}

// Configure applies data to the first service of kind KindDHCPv6 when ipv6
// is set, KindDHCP otherwise. The service must implement Configurable.
func (c *DHCPConfigurator) Configure(ctx context.Context, ipv6 bool, data ConfigData, regionIP net.IP) error {
	kind := KindDHCP
	if ipv6 {
		kind = KindDHCPv6
	}

	svcs, err := c.Supervisor.GetByType(kind)
	if err != nil {
		return err
	}
	target := svcs[0]
	if _, ok := target.(Configurable); !ok {
		return &OpError{Op: OpConfigure, Service: target.Name(), Err: ErrInvalidServiceType}
	}

	return c.Supervisor.Apply(ctx, OpConfigure, target.Name(), func(ctx context.Context, svc Service) error {
		return svc.(Configurable).Configure(ctx, data, regionIP)
	})
}

var _ Configurable = (*DHCPService)(nil)

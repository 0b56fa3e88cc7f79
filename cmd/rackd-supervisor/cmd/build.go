package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	supervisor "github.com/axondata/go-supervisor"
	"github.com/axondata/go-supervisor/internal/config"
)

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// connections tracks the backend connections opened while building, so
// they can be closed on exit.
type connections struct {
	mu          sync.Mutex
	systemd     *supervisor.SystemdConnection
	supervisord map[string]*supervisor.SupervisordConnection
}

func (c *connections) systemdConn() *supervisor.SystemdConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.systemd == nil {
		c.systemd = supervisor.NewSystemdConnection()
	}
	return c.systemd
}

func (c *connections) supervisordConn(url string) *supervisor.SupervisordConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.supervisord == nil {
		c.supervisord = make(map[string]*supervisor.SupervisordConnection)
	}
	conn, ok := c.supervisord[url]
	if !ok {
		conn = supervisor.NewSupervisordConnection(url, nil)
		c.supervisord[url] = conn
	}
	return conn
}

func (c *connections) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.systemd != nil {
		_ = c.systemd.Close()
	}
	for _, conn := range c.supervisord {
		_ = conn.Close()
	}
}

// buildSupervisor registers every configured service with a new Supervisor.
func buildSupervisor(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*supervisor.Supervisor, *connections, error) {
	specs, err := cfg.Specs()
	if err != nil {
		return nil, nil, err
	}

	conns := &connections{}
	factory := &supervisor.Factory{
		Logger:      logger,
		Supervisord: conns.supervisordConn,
	}

	sup := supervisor.New(
		supervisor.WithLogger(logger),
		supervisor.WithRegisterer(reg),
		supervisor.WithConcurrency(cfg.Concurrency),
		supervisor.WithTimeout(cfg.StopTimeout),
	)

	for _, spec := range specs {
		if spec.Backend == supervisor.BackendSystemd {
			factory.Systemd = conns.systemdConn()
		}
		svc, err := factory.New(ctx, spec)
		if err != nil {
			conns.Close()
			return nil, nil, fmt.Errorf("building %s: %w", spec.Name, err)
		}
		if err := sup.RegisterService(svc); err != nil {
			conns.Close()
			return nil, nil, err
		}
	}
	return sup, conns, nil
}

// Package config loads the rackd-supervisor daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	supervisor "github.com/axondata/go-supervisor"
	"github.com/axondata/go-supervisor/internal/proc"
)

const (
	// DefaultLogLevel is the default log level.
	DefaultLogLevel = "info"

	// DefaultLogFormat picks console on a terminal and JSON otherwise.
	DefaultLogFormat = "auto"

	// DefaultStopTimeout bounds each service's share of shutdown.
	DefaultStopTimeout = 30 * time.Second

	// DefaultConcurrency runs bulk operations in registration order.
	DefaultConcurrency = 1

	// DefaultStatusInterval is how often the daemon polls service state.
	DefaultStatusInterval = 10 * time.Second
)

// LogConfig selects the daemon log output.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is one of "console", "json", "auto".
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address for /metrics; empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// ServiceConfig describes one managed service.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Backend string `yaml:"backend"`

	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	Env          map[string]string `yaml:"env"`
	Dir          string            `yaml:"dir"`
	ReloadSignal string            `yaml:"reload_signal"`
	ConfigDir    string            `yaml:"config_dir"`

	Unit string `yaml:"unit"`

	URL     string `yaml:"url"`
	Process string `yaml:"process"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`

	// StopTimeout bounds each service's stop during shutdown.
	// Default: 30s
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// StatusInterval is the status poll period.
	// Default: 10s
	StatusInterval time.Duration `yaml:"status_interval"`

	// Concurrency is the bulk operation parallelism.
	// Default: 1
	Concurrency int `yaml:"concurrency"`

	// SupervisordURL is used by supervisord services without their own url.
	// Default: http://localhost:9001/RPC2
	SupervisordURL string `yaml:"supervisord_url"`

	Services []ServiceConfig `yaml:"services"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.SupervisordURL == "" {
		c.SupervisordURL = supervisor.DefaultSupervisordURL
	}
	for i := range c.Services {
		if c.Services[i].Backend == "" {
			c.Services[i].Backend = "exec"
		}
	}
}

// Validate checks that required fields are set and values are acceptable.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json", "auto":
	default:
		return fmt.Errorf("config: invalid log format %q", c.Log.Format)
	}
	if c.StopTimeout < 0 {
		return fmt.Errorf("config: stop_timeout must not be negative")
	}
	if c.StatusInterval < 0 {
		return fmt.Errorf("config: status_interval must not be negative")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be at least 1")
	}

	seen := make(map[string]struct{}, len(c.Services))
	for i := range c.Services {
		spec, err := c.Services[i].Spec(c.SupervisordURL)
		if err != nil {
			return err
		}
		if _, ok := seen[spec.Name]; ok {
			return fmt.Errorf("config: duplicate service %q", spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}
	return nil
}

// Spec converts the service entry into a supervisor.ServiceSpec.
// defaultURL is used for supervisord services without their own url.
func (s ServiceConfig) Spec(defaultURL string) (supervisor.ServiceSpec, error) {
	kind, err := supervisor.ParseKind(s.Type)
	if err != nil {
		return supervisor.ServiceSpec{}, fmt.Errorf("config: service %q: %w", s.Name, err)
	}
	backend, err := supervisor.ParseBackend(s.Backend)
	if err != nil {
		return supervisor.ServiceSpec{}, fmt.Errorf("config: service %q: %w", s.Name, err)
	}

	spec := supervisor.ServiceSpec{
		Name:      s.Name,
		Kind:      kind,
		Backend:   backend,
		Command:   s.Command,
		Args:      s.Args,
		Env:       s.Env,
		Dir:       s.Dir,
		ConfigDir: s.ConfigDir,
		Unit:      s.Unit,
		URL:       s.URL,
		Process:   s.Process,
	}
	if spec.URL == "" {
		spec.URL = defaultURL
	}
	if s.ReloadSignal != "" {
		sig, err := proc.ParseSignal(s.ReloadSignal)
		if err != nil {
			return supervisor.ServiceSpec{}, fmt.Errorf("config: service %q: %w", s.Name, err)
		}
		spec.ReloadSignal = sig
	}
	if err := spec.Validate(); err != nil {
		return supervisor.ServiceSpec{}, fmt.Errorf("config: %w", err)
	}
	return spec, nil
}

// Specs converts every service entry, in file order.
func (c *Config) Specs() ([]supervisor.ServiceSpec, error) {
	specs := make([]supervisor.ServiceSpec, 0, len(c.Services))
	for i := range c.Services {
		spec, err := c.Services[i].Spec(c.SupervisordURL)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

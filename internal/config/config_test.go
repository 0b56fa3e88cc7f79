package config

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	supervisor "github.com/axondata/go-supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rackd-supervisor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{Services: []ServiceConfig{{Name: "ntp", Type: "ntp", Command: "/usr/sbin/chronyd"}}}
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.Equal(t, DefaultLogFormat, cfg.Log.Format)
	assert.Equal(t, DefaultStopTimeout, cfg.StopTimeout)
	assert.Equal(t, DefaultStatusInterval, cfg.StatusInterval)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
	assert.Equal(t, supervisor.DefaultSupervisordURL, cfg.SupervisordURL)
	assert.Equal(t, "exec", cfg.Services[0].Backend)
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeTemp(t, `
log:
  level: debug
  format: json
metrics:
  listen: "127.0.0.1:9191"
stop_timeout: 5s
concurrency: 4
supervisord_url: http://127.0.0.1:9002/RPC2
services:
  - name: dhcpd
    type: dhcp
    command: /usr/sbin/dhcpd
    args: ["-f", "-cf", "/var/lib/rackd/dhcpd.conf"]
    config_dir: /var/lib/rackd
  - name: chrony
    type: ntp
    backend: systemd
    unit: chrony.service
  - name: proxy
    type: proxy
    backend: supervisord
    process: squid
  - name: named
    type: dns
    command: /usr/sbin/named
    args: ["-f"]
    reload_signal: HUP
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:9191", cfg.Metrics.Listen)
	assert.Equal(t, 5*time.Second, cfg.StopTimeout)
	assert.Equal(t, 4, cfg.Concurrency)

	specs, err := cfg.Specs()
	require.NoError(t, err)
	require.Len(t, specs, 4)

	assert.Equal(t, supervisor.KindDHCP, specs[0].Kind)
	assert.Equal(t, supervisor.BackendExec, specs[0].Backend)
	assert.Equal(t, "/var/lib/rackd", specs[0].ConfigDir)
	assert.Equal(t, []string{"-f", "-cf", "/var/lib/rackd/dhcpd.conf"}, specs[0].Args)

	assert.Equal(t, supervisor.BackendSystemd, specs[1].Backend)
	assert.Equal(t, "chrony.service", specs[1].Unit)

	assert.Equal(t, supervisor.BackendSupervisord, specs[2].Backend)
	assert.Equal(t, "http://127.0.0.1:9002/RPC2", specs[2].URL)
	assert.Equal(t, "squid", specs[2].Process)

	assert.Equal(t, syscall.SIGHUP, specs[3].ReloadSignal)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad level", "log:\n  level: loud\n"},
		{"bad format", "log:\n  format: xml\n"},
		{"negative timeout", "stop_timeout: -1s\n"},
		{"unknown type", "services:\n  - {name: a, type: ftp, command: /bin/true}\n"},
		{"unknown backend", "services:\n  - {name: a, type: dns, backend: runit, command: /bin/true}\n"},
		{"missing command", "services:\n  - {name: a, type: dns}\n"},
		{"missing unit", "services:\n  - {name: a, type: dns, backend: systemd}\n"},
		{"missing process", "services:\n  - {name: a, type: dns, backend: supervisord}\n"},
		{"missing name", "services:\n  - {type: dns, command: /bin/true}\n"},
		{"bad signal", "services:\n  - {name: a, type: dns, command: /bin/true, reload_signal: NOPE}\n"},
		{"duplicate", "services:\n  - {name: a, type: dns, command: /bin/true}\n  - {name: a, type: ntp, command: /bin/true}\n"},
		{"not yaml", "services: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-telemetry-control/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
services:
  - id: "fluent-bit"
    port: 5140
    process_match: "fluent-bit"
    critical: true
    aliases: ["syslog"]
  - id: "telegraf"
    port: 161
    protocol: "udp"
    critical: false

artifacts:
  - kind: "syslog-ingest"
    path: "/etc/fluent-bit.conf"
    service: "fluent-bit"
    strategy: "line"
    anchor: "[INPUT]"
    targets:
      - field: "collection.syslogPort"
        key: "Port"
        default: "5140"

restart:
  command: "/usr/local/bin/control"
  call_timeout: "10s"
`

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv(EnvControlCommand, "")
	t.Setenv(EnvBackupDir, "")
	t.Setenv(EnvLogLevel, "")

	path := filepath.Join(t.TempDir(), "control.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0644))

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	require.Len(t, config.Services, 2)
	assert.Equal(t, ProtocolTCP, config.Services[0].Protocol)
	assert.Equal(t, "telegraf", config.Services[1].ProcessMatch)
	assert.False(t, config.Services[1].CheckablePort())
	assert.True(t, config.Services[0].CheckablePort())

	assert.Equal(t, "/usr/local/bin/control", config.Restart.Command)
	assert.Equal(t, 10*time.Second, config.Restart.CallTimeout)
	assert.Equal(t, DefaultBatchTimeout, config.Restart.BatchTimeout)
	assert.Equal(t, DefaultMaxConcurrency, config.Restart.MaxConcurrency)
	assert.Equal(t, DefaultProbeTimeout, config.Health.ProbeTimeout)
	assert.Equal(t, DefaultSweepTimeout, config.Health.SweepTimeout)
	assert.Equal(t, DefaultMaxBackups, config.Patch.BackupLimit())
	assert.Equal(t, "info", config.Logging.Level)

	service, ok := config.ServiceForArtifact(ArtifactSyslogIngest)
	assert.True(t, ok)
	assert.Equal(t, "fluent-bit", service)
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	_, err := LoadConfig([]byte("services: [::"))
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestLoadConfig_CallTimeoutCapped(t *testing.T) {
	t.Setenv(EnvControlCommand, "")
	data := minimalYAML + "  batch_timeout: \"2m\"\n"
	data = replaceOnce(data, `call_timeout: "10s"`, `call_timeout: "5m"`)

	config, err := LoadConfig([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, MaxCallTimeout, config.Restart.CallTimeout)
	assert.Equal(t, 2*time.Minute, config.Restart.BatchTimeout)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv(EnvControlCommand, "/opt/other/control")
	t.Setenv(EnvBackupDir, "/var/backups/telemetry")
	t.Setenv(EnvLogLevel, "DEBUG")

	config, err := LoadConfig([]byte(minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "/opt/other/control", config.Restart.Command)
	assert.Equal(t, "/var/backups/telemetry", config.Patch.BackupDir)
	assert.Equal(t, "debug", config.Logging.Level)
}

func TestLoadConfig_ZeroMaxBackupsMeansUnbounded(t *testing.T) {
	t.Setenv(EnvBackupDir, "")
	config, err := LoadConfig([]byte(minimalYAML + "patch:\n  max_backups: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, config.Patch.BackupLimit())
}

func TestDefault(t *testing.T) {
	t.Setenv(EnvControlCommand, "")
	t.Setenv(EnvBackupDir, "")
	t.Setenv(EnvLogLevel, "")

	config, err := Default()
	require.NoError(t, err)

	assert.Len(t, config.Services, 5)
	assert.Len(t, config.Artifacts, len(KnownArtifactKinds))
	assert.Equal(t, DefaultControlCommand, config.Restart.Command)

	telegraf, ok := config.ResolveService("telegraf")
	require.True(t, ok)
	assert.False(t, telegraf.Critical)

	for _, kind := range KnownArtifactKinds {
		_, ok := config.ServiceForArtifact(kind)
		assert.True(t, ok, "artifact %s must map to a service", kind)
	}

	data, err := config.Dump()
	require.NoError(t, err)
	reloaded, err := LoadConfig(data)
	require.NoError(t, err)
	assert.Equal(t, config.Services, reloaded.Services)
	assert.Equal(t, config.Artifacts, reloaded.Artifacts)
}

func TestResolveService(t *testing.T) {
	config, err := Default()
	require.NoError(t, err)

	tests := []struct {
		name     string
		expected string
		found    bool
	}{
		{"fluent-bit", "fluent-bit", true},
		{"  Syslog ", "fluent-bit", true},
		{"fluent_bit", "fluent-bit", true},
		{"windows-events", "vector", true},
		{"WIN_EVENTS", "vector", true},
		{"snmp", "telegraf", true},
		{"postgres", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := config.ResolveService(tt.name)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, s.ID)
		})
	}
}

func TestValidateConfig(t *testing.T) {
	base := func() *ControlConfig {
		c := defaultConfig()
		setConfigDefaults(c)
		return c
	}

	tests := []struct {
		name   string
		mutate func(*ControlConfig)
	}{
		{"no services", func(c *ControlConfig) { c.Services = nil }},
		{"bad service id", func(c *ControlConfig) { c.Services[0].ID = "bad id" }},
		{"duplicate alias", func(c *ControlConfig) { c.Services[0].Aliases = []string{"syslog"} }},
		{"port out of range", func(c *ControlConfig) { c.Services[0].Port = 70000 }},
		{"bad protocol", func(c *ControlConfig) { c.Services[0].Protocol = "sctp" }},
		{"unknown kind", func(c *ControlConfig) { c.Artifacts[0].Kind = "nginx-site" }},
		{"duplicate kind", func(c *ControlConfig) { c.Artifacts[1].Kind = c.Artifacts[0].Kind }},
		{"empty path", func(c *ControlConfig) { c.Artifacts[0].Path = " " }},
		{"unknown service", func(c *ControlConfig) { c.Artifacts[0].Service = "rsyslog" }},
		{"no targets", func(c *ControlConfig) { c.Artifacts[0].Targets = nil }},
		{"unknown field", func(c *ControlConfig) { c.Artifacts[0].Targets[0].Field = "collection.httpPort" }},
		{"field bound twice", func(c *ControlConfig) { c.Artifacts[2].Targets[0].Field = FieldSyslogPort }},
		{"line without anchor", func(c *ControlConfig) { c.Artifacts[0].Anchor = "" }},
		{"line without key", func(c *ControlConfig) { c.Artifacts[0].Targets[0].Key = "" }},
		{"bad value format", func(c *ControlConfig) { c.Artifacts[0].Targets[0].ValueFormat = "%d" }},
		{"token without token", func(c *ControlConfig) { c.Artifacts[1].Targets[0].Token = "" }},
		{"bad strategy", func(c *ControlConfig) { c.Artifacts[0].Strategy = "regex" }},
		{"zero probe timeout", func(c *ControlConfig) { c.Health.ProbeTimeout = 0 }},
		{"negative call timeout", func(c *ControlConfig) { c.Restart.CallTimeout = -time.Second }},
		{"empty command", func(c *ControlConfig) { c.Restart.Command = "" }},
		{"zero concurrency", func(c *ControlConfig) { c.Restart.MaxConcurrency = 0 }},
		{"negative backups", func(c *ControlConfig) { n := -1; c.Patch.MaxBackups = &n }},
		{"bad log level", func(c *ControlConfig) { c.Logging.Level = "trace" }},
	}

	require.NoError(t, ValidateConfig(base()))
	assert.Error(t, ValidateConfig(nil))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := ValidateConfig(c)
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
		})
	}
}

func TestValidatePort(t *testing.T) {
	assert.NoError(t, ValidatePort(1))
	assert.NoError(t, ValidatePort(65535))
	assert.Error(t, ValidatePort(0))
	assert.Error(t, ValidatePort(-5))
	assert.Error(t, ValidatePort(65536))
}

func replaceOnce(s, old, new string) string {
	for i := 0; i+len(old) <= len(s); i++ {
		if s[i:i+len(old)] == old {
			return s[:i] + new + s[i+len(old):]
		}
	}
	return s
}

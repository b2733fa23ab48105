package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/core-tools/hsu-telemetry-control/pkg/errors"
	"github.com/core-tools/hsu-telemetry-control/pkg/logging"

	"gopkg.in/yaml.v3"
)

// ControlConfig represents the top-level configuration file structure. It is
// built once at startup and treated as read-only afterwards.
type ControlConfig struct {
	Services  []ServiceDescriptor `yaml:"services"`
	Artifacts []ArtifactConfig    `yaml:"artifacts"`
	Health    HealthOptions       `yaml:"health"`
	Patch     PatchOptions        `yaml:"patch"`
	Restart   RestartOptions      `yaml:"restart"`
	Logging   logging.ZapConfig   `yaml:"logging"`
}

// ServiceDescriptor describes one collector process on the appliance.
type ServiceDescriptor struct {
	ID           string   `yaml:"id"`
	Port         int      `yaml:"port,omitempty"`
	Protocol     Protocol `yaml:"protocol,omitempty"`
	ProcessMatch string   `yaml:"process_match"`
	Critical     bool     `yaml:"critical"`
	Aliases      []string `yaml:"aliases,omitempty"`
}

type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// CheckablePort reports whether the descriptor declares a port that a TCP
// connect can verify.
func (s ServiceDescriptor) CheckablePort() bool {
	return s.Port > 0 && s.Protocol != ProtocolUDP
}

type ArtifactKind string

const (
	ArtifactSyslogIngest  ArtifactKind = "syslog-ingest"
	ArtifactFlowIngest    ArtifactKind = "flow-ingest"
	ArtifactMetricsIngest ArtifactKind = "metrics-ingest"
	ArtifactWindowsIngest ArtifactKind = "windows-ingest"
	ArtifactForwardEgress ArtifactKind = "forward-egress"
)

// KnownArtifactKinds is the closed set of supported artifact kinds.
var KnownArtifactKinds = []ArtifactKind{
	ArtifactSyslogIngest,
	ArtifactFlowIngest,
	ArtifactMetricsIngest,
	ArtifactWindowsIngest,
	ArtifactForwardEgress,
}

type StrategyType string

const (
	StrategyLine  StrategyType = "line"
	StrategyToken StrategyType = "token"
)

// ArtifactConfig describes a configuration file owned by a collector and how
// delta fields are written into it.
type ArtifactConfig struct {
	Kind     ArtifactKind  `yaml:"kind"`
	Path     string        `yaml:"path"`
	Service  string        `yaml:"service"`
	Strategy StrategyType  `yaml:"strategy"`
	Anchor   string        `yaml:"anchor,omitempty"`   // line strategy: block marker, e.g. "[INPUT]"
	Selector string        `yaml:"selector,omitempty"` // line strategy: text that must appear inside the block
	Targets  []PatchTarget `yaml:"targets"`
}

// PatchTarget binds one delta field to a location inside the artifact.
type PatchTarget struct {
	Field       string `yaml:"field"`                  // e.g. "collection.syslogPort"
	Key         string `yaml:"key,omitempty"`          // line strategy: key token of the line
	ValueFormat string `yaml:"value_format,omitempty"` // line strategy: rendering with a single %s
	Token       string `yaml:"token,omitempty"`        // token strategy: literal preceding the value
	Default     string `yaml:"default,omitempty"`      // reported when the artifact cannot be read
}

type HealthOptions struct {
	Host         string        `yaml:"host,omitempty"`
	ProbeTimeout time.Duration `yaml:"probe_timeout,omitempty"`
	SweepTimeout time.Duration `yaml:"sweep_timeout,omitempty"`
	ProcRoot     string        `yaml:"proc_root,omitempty"`
}

type PatchOptions struct {
	BackupDir  string `yaml:"backup_dir,omitempty"` // empty: next to each artifact
	MaxBackups *int   `yaml:"max_backups,omitempty"`
}

// BackupLimit returns the per-artifact retention; zero means unbounded.
func (p PatchOptions) BackupLimit() int {
	if p.MaxBackups == nil {
		return DefaultMaxBackups
	}
	return *p.MaxBackups
}

type RestartOptions struct {
	Command         string        `yaml:"command"`
	CallTimeout     time.Duration `yaml:"call_timeout,omitempty"`
	BatchTimeout    time.Duration `yaml:"batch_timeout,omitempty"`
	MaxConcurrency  int           `yaml:"max_concurrency,omitempty"`
	MaxMessageBytes int           `yaml:"max_message_bytes,omitempty"`
}

const (
	DefaultHealthHost      = "localhost"
	DefaultProbeTimeout    = 1 * time.Second
	DefaultSweepTimeout    = 3 * time.Second
	DefaultProcRoot        = "/proc"
	DefaultMaxBackups      = 20
	DefaultCallTimeout     = 30 * time.Second
	MaxCallTimeout         = 30 * time.Second
	DefaultBatchTimeout    = 90 * time.Second
	DefaultMaxConcurrency  = 1
	DefaultMaxMessageBytes = 256
	DefaultControlCommand  = "/opt/noc-raven/scripts/production-service-manager.sh"
)

// Environment overrides applied on top of file or default configuration
const (
	EnvControlCommand = "NOC_RAVEN_CONTROL_COMMAND"
	EnvBackupDir      = "NOC_RAVEN_BACKUP_DIR"
	EnvLogLevel       = "LOG_LEVEL"
)

// LoadConfigFromFile loads control configuration from a YAML file
func LoadConfigFromFile(filename string) (*ControlConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	return LoadConfig(data)
}

// LoadConfig parses YAML configuration and applies defaults and environment
// overrides. The result is validated.
func LoadConfig(data []byte) (*ControlConfig, error) {
	var config ControlConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	return finalize(&config)
}

// Default returns the stock appliance layout.
func Default() (*ControlConfig, error) {
	return finalize(defaultConfig())
}

func finalize(config *ControlConfig) (*ControlConfig, error) {
	applyEnvOverrides(config, os.Getenv)
	setConfigDefaults(config)

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnvOverrides(config *ControlConfig, getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvControlCommand)); v != "" {
		config.Restart.Command = v
	}
	if v := strings.TrimSpace(getenv(EnvBackupDir)); v != "" {
		config.Patch.BackupDir = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		config.Logging.Level = strings.ToLower(v)
	}
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *ControlConfig) {
	if config.Health.Host == "" {
		config.Health.Host = DefaultHealthHost
	}
	if config.Health.ProbeTimeout == 0 {
		config.Health.ProbeTimeout = DefaultProbeTimeout
	}
	if config.Health.SweepTimeout == 0 {
		config.Health.SweepTimeout = DefaultSweepTimeout
	}
	if config.Health.ProcRoot == "" {
		config.Health.ProcRoot = DefaultProcRoot
	}

	if config.Restart.Command == "" {
		config.Restart.Command = DefaultControlCommand
	}
	if config.Restart.CallTimeout == 0 {
		config.Restart.CallTimeout = DefaultCallTimeout
	}
	if config.Restart.CallTimeout > MaxCallTimeout {
		config.Restart.CallTimeout = MaxCallTimeout
	}
	if config.Restart.BatchTimeout == 0 {
		config.Restart.BatchTimeout = DefaultBatchTimeout
	}
	if config.Restart.MaxConcurrency == 0 {
		config.Restart.MaxConcurrency = DefaultMaxConcurrency
	}
	if config.Restart.MaxMessageBytes == 0 {
		config.Restart.MaxMessageBytes = DefaultMaxMessageBytes
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}

	for i := range config.Services {
		if config.Services[i].Protocol == "" {
			config.Services[i].Protocol = ProtocolTCP
		}
		if config.Services[i].ProcessMatch == "" {
			config.Services[i].ProcessMatch = config.Services[i].ID
		}
	}
}

// ResolveService maps an id or alias (case-insensitive) to its descriptor.
func (c *ControlConfig) ResolveService(name string) (ServiceDescriptor, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for _, s := range c.Services {
		if strings.ToLower(s.ID) == needle {
			return s, true
		}
	}
	for _, s := range c.Services {
		for _, alias := range s.Aliases {
			if strings.ToLower(alias) == needle {
				return s, true
			}
		}
	}
	return ServiceDescriptor{}, false
}

// Artifact returns the artifact configuration of the given kind.
func (c *ControlConfig) Artifact(kind ArtifactKind) (ArtifactConfig, bool) {
	for _, a := range c.Artifacts {
		if a.Kind == kind {
			return a, true
		}
	}
	return ArtifactConfig{}, false
}

// ServiceForArtifact implements the static artifact-kind to service mapping.
func (c *ControlConfig) ServiceForArtifact(kind ArtifactKind) (string, bool) {
	a, ok := c.Artifact(kind)
	if !ok || a.Service == "" {
		return "", false
	}
	return a.Service, true
}

// Dump renders the effective configuration back to YAML.
func (c *ControlConfig) Dump() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.NewInternalError(fmt.Sprintf("failed to marshal configuration: %v", err), err)
	}
	return data, nil
}

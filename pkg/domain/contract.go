package domain

import (
	"context"
	"time"

	"github.com/core-tools/hsu-telemetry-control/pkg/config"
	"github.com/core-tools/hsu-telemetry-control/pkg/monitoring"
	"github.com/core-tools/hsu-telemetry-control/pkg/patch"
	"github.com/core-tools/hsu-telemetry-control/pkg/restart"
)

// Contract is the core-facing surface of the control plane. Failures of
// individual sub-operations are reported inside the results; a returned
// error means the call itself could not be served.
type Contract interface {
	GetHealth(ctx context.Context) (monitoring.SystemHealth, error)
	GetConfig(ctx context.Context) (*ConfigView, error)
	SaveConfig(ctx context.Context, delta []byte) (*SaveResult, error)
	RestartService(ctx context.Context, id string) (restart.Outcome, error)
	Services() []ServiceInfo
	Backups(kind config.ArtifactKind) ([]string, error)
}

// SaveResult combines the patch and restart phases of a save request.
// ConfigSuccess and RestartSuccess are independent.
type SaveResult struct {
	Success         bool              `json:"success"`
	ConfigSuccess   bool              `json:"config_success"`
	RestartSuccess  bool              `json:"restart_success"`
	Message         string            `json:"message"`
	UpdatedServices []string          `json:"updated_services"`
	RestartOutcomes []restart.Outcome `json:"restart_outcomes"`
	Changes         []patch.Result    `json:"changes"`
	Timestamp       time.Time         `json:"timestamp"`
}

// ConfigView mirrors the delta document shape with the values currently in
// effect.
type ConfigView struct {
	Collection CollectionSettings `json:"collection"`
	Forwarding ForwardingSettings `json:"forwarding"`
	Defaulted  []string           `json:"defaulted,omitempty"`
}

type CollectionSettings struct {
	SyslogPort   int `json:"syslogPort"`
	NetflowPort  int `json:"netflowPort"`
	SflowPort    int `json:"sflowPort"`
	SnmpTrapPort int `json:"snmpTrapPort"`
	WindowsPort  int `json:"windowsPort"`
}

type ForwardingSettings struct {
	Destinations []Destination `json:"destinations"`
}

type Destination struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol,omitempty"`
}

// ServiceInfo describes a restartable service and the names it answers to.
type ServiceInfo struct {
	ID       string   `json:"id"`
	Aliases  []string `json:"aliases,omitempty"`
	Port     int      `json:"port,omitempty"`
	Protocol string   `json:"protocol"`
	Critical bool     `json:"critical"`
}

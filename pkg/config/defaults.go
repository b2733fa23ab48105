package config

import "github.com/core-tools/hsu-telemetry-control/pkg/logging"

const applianceRoot = "/opt/noc-raven"

func defaultConfig() *ControlConfig {
	return &ControlConfig{
		Services: []ServiceDescriptor{
			{ID: "nginx", Port: 8080, Protocol: ProtocolTCP, ProcessMatch: "nginx", Critical: true},
			{
				ID: "vector", Port: 8084, Protocol: ProtocolTCP, ProcessMatch: "vector", Critical: true,
				Aliases: []string{"windows", "windows-events", "windows_events", "wevents", "win-events", "win_events"},
			},
			{
				ID: "fluent-bit", Port: 5140, Protocol: ProtocolTCP, ProcessMatch: "fluent-bit", Critical: true,
				Aliases: []string{"syslog", "fluentbit", "fluent_bit"},
			},
			{
				ID: "goflow2", Port: 2055, Protocol: ProtocolUDP, ProcessMatch: "goflow2", Critical: true,
				Aliases: []string{"netflow", "sflow", "ipfix"},
			},
			{
				ID: "telegraf", Port: 161, Protocol: ProtocolUDP, ProcessMatch: "telegraf", Critical: false,
				Aliases: []string{"snmp"},
			},
		},
		Artifacts: []ArtifactConfig{
			{
				Kind:     ArtifactSyslogIngest,
				Path:     applianceRoot + "/config/fluent-bit-basic.conf",
				Service:  "fluent-bit",
				Strategy: StrategyLine,
				Anchor:   "[INPUT]",
				Selector: "syslog",
				Targets: []PatchTarget{
					{Field: FieldSyslogPort, Key: "Port", ValueFormat: "%s", Default: "5140"},
				},
			},
			{
				Kind:     ArtifactFlowIngest,
				Path:     applianceRoot + "/scripts/start-goflow2-production.sh",
				Service:  "goflow2",
				Strategy: StrategyToken,
				Targets: []PatchTarget{
					{Field: FieldNetflowPort, Token: "netflow://:", Default: "2055"},
					{Field: FieldSflowPort, Token: "sflow://:", Default: "6343"},
				},
			},
			{
				Kind:     ArtifactMetricsIngest,
				Path:     applianceRoot + "/config/telegraf.conf",
				Service:  "telegraf",
				Strategy: StrategyLine,
				Anchor:   "[[inputs.snmp_trap]]",
				Targets: []PatchTarget{
					{Field: FieldSnmpTrapPort, Key: "service_address", ValueFormat: `"udp://:%s"`, Default: "162"},
				},
			},
			{
				Kind:     ArtifactWindowsIngest,
				Path:     applianceRoot + "/config/vector.toml",
				Service:  "vector",
				Strategy: StrategyLine,
				Anchor:   "[sources.windows_events]",
				Targets: []PatchTarget{
					{Field: FieldWindowsPort, Key: "address", ValueFormat: `"0.0.0.0:%s"`, Default: "8084"},
				},
			},
			{
				Kind:     ArtifactForwardEgress,
				Path:     applianceRoot + "/config/vector.toml",
				Service:  "vector",
				Strategy: StrategyLine,
				Anchor:   "[sinks.forward]",
				Targets: []PatchTarget{
					{Field: FieldForwardDestination, Key: "address", ValueFormat: `"%s"`, Default: "obs.rectitude.net:1514"},
					{Field: FieldForwardProtocol, Key: "mode", ValueFormat: `"%s"`, Default: string(ProtocolTCP)},
				},
			},
		},
		Restart: RestartOptions{
			Command: DefaultControlCommand,
		},
		Logging: logging.DefaultZapConfig(),
	}
}

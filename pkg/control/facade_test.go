package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-telemetry-control/pkg/config"
	"github.com/core-tools/hsu-telemetry-control/pkg/errors"
	"github.com/core-tools/hsu-telemetry-control/pkg/logging"
	"github.com/core-tools/hsu-telemetry-control/pkg/monitoring"
	"github.com/core-tools/hsu-telemetry-control/pkg/patch"
	"github.com/core-tools/hsu-telemetry-control/pkg/processstate"
	"github.com/core-tools/hsu-telemetry-control/pkg/restart"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ingestConf = `[INPUT]
    Name         syslog
    Mode         udp
    Port         5140
`

const vectorConf = `[sources.windows_events]
address = "0.0.0.0:8084"

[sinks.forward]
address = "obs.rectitude.net:1514"
mode = "tcp"
`

type recordingController struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (c *recordingController) Restart(ctx context.Context, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, id)
	if err := c.fail[id]; err != nil {
		return "service manager: " + id + " failed", err
	}
	return "restarted " + id, nil
}

type refusingDialer struct{}

func (refusingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return nil, fmt.Errorf("connection refused")
}

func newTestFacade(t *testing.T, controller restart.Controller) (*Facade, *config.ControlConfig) {
	t.Helper()
	t.Setenv(config.EnvBackupDir, "")

	cfg, err := config.Default()
	require.NoError(t, err)

	dir := t.TempDir()
	for i := range cfg.Artifacts {
		cfg.Artifacts[i].Path = filepath.Join(dir, filepath.Base(cfg.Artifacts[i].Path))
	}
	cfg.Health.ProcRoot = t.TempDir()
	cfg.Health.SweepTimeout = time.Second

	lister := processstate.ListerFunc(func(ctx context.Context) ([]processstate.Process, error) {
		return []processstate.Process{
			{PID: 10, Name: "nginx"},
			{PID: 11, Name: "vector"},
			{PID: 12, Name: "fluent-bit"},
			{PID: 13, Name: "goflow2"},
		}, nil
	})

	f := NewFacade(cfg, Options{Lister: lister, Dialer: refusingDialer{}, Controller: controller}, logging.NewNopLogger())
	return f, cfg
}

func writeArtifact(t *testing.T, cfg *config.ControlConfig, kind config.ArtifactKind, content string) string {
	t.Helper()
	a, ok := cfg.Artifact(kind)
	require.True(t, ok)
	require.NoError(t, os.WriteFile(a.Path, []byte(content), 0644))
	return a.Path
}

func TestSaveConfig_SyslogPort(t *testing.T) {
	controller := &recordingController{}
	f, cfg := newTestFacade(t, controller)
	path := writeArtifact(t, cfg, config.ArtifactSyslogIngest, ingestConf)

	result, err := f.SaveConfig(context.Background(), []byte(`{"collection":{"syslogPort":5141}}`))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.ConfigSuccess)
	assert.True(t, result.RestartSuccess)
	assert.Equal(t, []string{"fluent-bit"}, result.UpdatedServices)
	require.Len(t, result.RestartOutcomes, 1)
	assert.Equal(t, restart.ClassificationOK, result.RestartOutcomes[0].Classification)
	assert.Equal(t, []string{"fluent-bit"}, controller.calls)
	assert.False(t, result.Timestamp.IsZero())
	assert.Contains(t, result.Message, "restarted: fluent-bit")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strings.Replace(ingestConf, "5140", "5141", 1), string(data))

	backups, err := f.Backups(config.ArtifactSyslogIngest)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	backup, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Contains(t, string(backup), "Port         5140")
}

func TestSaveConfig_UnknownCategoriesOnly(t *testing.T) {
	controller := &recordingController{}
	f, cfg := newTestFacade(t, controller)
	writeArtifact(t, cfg, config.ArtifactSyslogIngest, ingestConf)

	result, err := f.SaveConfig(context.Background(), []byte(`{"alerts":{"email":"noc@example.com"},"retention":{"days":7}}`))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.NotNil(t, result.UpdatedServices)
	assert.Empty(t, result.UpdatedServices)
	assert.Empty(t, result.RestartOutcomes)
	assert.Empty(t, controller.calls)
	assert.Equal(t, "no configuration changes applied", result.Message)
}

func TestSaveConfig_MalformedDelta(t *testing.T) {
	controller := &recordingController{}
	f, _ := newTestFacade(t, controller)

	result, err := f.SaveConfig(context.Background(), []byte(`{"collection":`))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.False(t, result.ConfigSuccess)
	assert.True(t, result.RestartSuccess)
	assert.Empty(t, controller.calls)
	assert.True(t, strings.HasPrefix(result.Message, "invalid configuration delta"))
}

func TestSaveConfig_RestartFailureReportedSeparately(t *testing.T) {
	controller := &recordingController{fail: map[string]error{
		"vector": errors.NewNonZeroExitError("control command exited with code 1", nil),
	}}
	f, cfg := newTestFacade(t, controller)
	path := writeArtifact(t, cfg, config.ArtifactWindowsIngest, vectorConf)

	result, err := f.SaveConfig(context.Background(), []byte(`{
		"collection": {"windowsPort": 8085},
		"forwarding": {"destinations": [{"host": "10.1.1.1", "port": 514, "protocol": "udp"}]}
	}`))
	require.NoError(t, err)

	assert.True(t, result.ConfigSuccess)
	assert.False(t, result.RestartSuccess)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"vector"}, result.UpdatedServices)
	assert.Equal(t, []string{"vector"}, controller.calls, "a service behind two artifacts restarts once")
	require.Len(t, result.RestartOutcomes, 1)
	assert.Equal(t, "service manager: vector failed", result.RestartOutcomes[0].Message)
	assert.Contains(t, result.Message, "configuration saved")
	assert.Contains(t, result.Message, "restart failed for: vector (nonzero-exit)")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `address = "0.0.0.0:8085"`)
	assert.Contains(t, string(data), `address = "10.1.1.1:514"`)
	assert.Contains(t, string(data), `mode = "udp"`)
}

func TestSaveConfig_PartialValidation(t *testing.T) {
	controller := &recordingController{}
	f, cfg := newTestFacade(t, controller)
	writeArtifact(t, cfg, config.ArtifactSyslogIngest, ingestConf)

	result, err := f.SaveConfig(context.Background(), []byte(`{"collection":{"syslogPort":5141,"netflowPort":"abc"}}`))
	require.NoError(t, err)

	assert.False(t, result.ConfigSuccess)
	assert.True(t, result.RestartSuccess)
	assert.Equal(t, []string{"fluent-bit"}, result.UpdatedServices)
	assert.Contains(t, result.Message, "partially applied")
	require.Len(t, result.Changes, 2)
}

func TestGetConfig(t *testing.T) {
	f, cfg := newTestFacade(t, &recordingController{})
	writeArtifact(t, cfg, config.ArtifactSyslogIngest, strings.Replace(ingestConf, "5140", "1514", 1))
	writeArtifact(t, cfg, config.ArtifactWindowsIngest, vectorConf)

	view, err := f.GetConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1514, view.Collection.SyslogPort)
	assert.Equal(t, 8084, view.Collection.WindowsPort)
	assert.Equal(t, 2055, view.Collection.NetflowPort)
	assert.Equal(t, 6343, view.Collection.SflowPort)
	assert.Equal(t, 162, view.Collection.SnmpTrapPort)
	require.Len(t, view.Forwarding.Destinations, 1)
	assert.Equal(t, "obs.rectitude.net", view.Forwarding.Destinations[0].Host)
	assert.Equal(t, 1514, view.Forwarding.Destinations[0].Port)
	assert.Equal(t, "tcp", view.Forwarding.Destinations[0].Protocol)
	assert.ElementsMatch(t, []string{config.FieldNetflowPort, config.FieldSflowPort, config.FieldSnmpTrapPort}, view.Defaulted)
}

func TestGetConfig_UnrecognisedValueFallsBackToDefault(t *testing.T) {
	f, cfg := newTestFacade(t, &recordingController{})
	writeArtifact(t, cfg, config.ArtifactWindowsIngest, strings.Replace(vectorConf, `"0.0.0.0:8084"`, `"127.0.0.1:9000"`, 1))

	view, err := f.GetConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 8084, view.Collection.WindowsPort)
	assert.Contains(t, view.Defaulted, config.FieldWindowsPort)
	assert.NotContains(t, view.Defaulted, config.FieldForwardDestination)
}

func TestGetConfig_NonNumericPortFallsBackToDefault(t *testing.T) {
	f, cfg := newTestFacade(t, &recordingController{})
	writeArtifact(t, cfg, config.ArtifactSyslogIngest, strings.Replace(ingestConf, "5140", "${SYSLOG_PORT}", 1))

	view, err := f.GetConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5140, view.Collection.SyslogPort)
	assert.Contains(t, view.Defaulted, config.FieldSyslogPort)
}

func TestSaveConfig_IPv6DestinationRoundTrip(t *testing.T) {
	f, cfg := newTestFacade(t, &recordingController{})
	path := writeArtifact(t, cfg, config.ArtifactWindowsIngest, vectorConf)

	result, err := f.SaveConfig(context.Background(), []byte(`{"forwarding":{"destinations":[{"host":"::1","port":1514}]}}`))
	require.NoError(t, err)
	assert.True(t, result.Success)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `address = "[::1]:1514"`)

	view, err := f.GetConfig(context.Background())
	require.NoError(t, err)
	require.Len(t, view.Forwarding.Destinations, 1)
	assert.Equal(t, "::1", view.Forwarding.Destinations[0].Host)
	assert.Equal(t, 1514, view.Forwarding.Destinations[0].Port)
}

func TestSaveConfig_ProtocolOnlyChange(t *testing.T) {
	controller := &recordingController{}
	f, cfg := newTestFacade(t, controller)
	path := writeArtifact(t, cfg, config.ArtifactWindowsIngest, vectorConf)

	result, err := f.SaveConfig(context.Background(), []byte(`{"forwarding":{"destinations":[{"host":"obs.rectitude.net","port":1514,"protocol":"udp"}]}}`))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"vector"}, controller.calls)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strings.Replace(vectorConf, `mode = "tcp"`, `mode = "udp"`, 1), string(data))

	var protocol *patch.Result
	for i := range result.Changes {
		if result.Changes[i].Field == config.FieldForwardProtocol {
			protocol = &result.Changes[i]
		}
	}
	require.NotNil(t, protocol)
	assert.Equal(t, patch.StatusUpdated, protocol.Status)
	assert.Equal(t, "updated", protocol.Reason)
}

func TestGetHealth(t *testing.T) {
	f, _ := newTestFacade(t, &recordingController{})

	health, err := f.GetHealth(context.Background())
	require.NoError(t, err)

	assert.Equal(t, monitoring.HealthStatusDegraded, health.Status)
	assert.Equal(t, monitoring.HealthStatusDegraded, health.Services["nginx"].Status, "tcp port refused")
	assert.Equal(t, monitoring.HealthStatusHealthy, health.Services["goflow2"].Status, "udp port is not dialed")
	assert.Equal(t, monitoring.HealthStatusFailed, health.Services["telegraf"].Status)
}

func TestRestartService(t *testing.T) {
	controller := &recordingController{}
	f, _ := newTestFacade(t, controller)

	outcome, err := f.RestartService(context.Background(), "netflow")
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "goflow2", outcome.ServiceID)
	assert.Equal(t, "netflow", outcome.Requested)

	outcome, err = f.RestartService(context.Background(), "postgres")
	require.NoError(t, err)
	assert.Equal(t, restart.ClassificationUnavailable, outcome.Classification)
	assert.Equal(t, []string{"goflow2"}, controller.calls)
}

func TestServices(t *testing.T) {
	f, _ := newTestFacade(t, &recordingController{})

	services := f.Services()
	require.Len(t, services, 5)
	assert.Equal(t, "nginx", services[0].ID)
	assert.Contains(t, services[2].Aliases, "syslog")
	assert.False(t, services[4].Critical)
}

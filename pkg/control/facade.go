package control

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/core-tools/hsu-telemetry-control/pkg/config"
	"github.com/core-tools/hsu-telemetry-control/pkg/domain"
	"github.com/core-tools/hsu-telemetry-control/pkg/logging"
	"github.com/core-tools/hsu-telemetry-control/pkg/monitoring"
	"github.com/core-tools/hsu-telemetry-control/pkg/patch"
	"github.com/core-tools/hsu-telemetry-control/pkg/processstate"
	"github.com/core-tools/hsu-telemetry-control/pkg/restart"
)

// Facade sequences health, patch and restart operations for one request at
// a time. It holds no state besides its immutable collaborators.
type Facade struct {
	cfg        *config.ControlConfig
	aggregator *monitoring.Aggregator
	engine     *patch.Engine
	dispatcher *restart.Dispatcher
	logger     logging.Logger
	now        func() time.Time
}

var _ domain.Contract = (*Facade)(nil)

// Options carries the external collaborators. Nil fields get production
// implementations.
type Options struct {
	Lister     processstate.Lister
	Dialer     monitoring.Dialer
	Controller restart.Controller
}

func NewFacade(cfg *config.ControlConfig, options Options, logger logging.Logger) *Facade {
	if options.Lister == nil {
		options.Lister = processstate.NewProcLister(cfg.Health.ProcRoot, logger)
	}
	if options.Controller == nil {
		options.Controller = restart.NewCommandController(cfg.Restart, logger)
	}

	return &Facade{
		cfg:        cfg,
		aggregator: monitoring.NewAggregator(cfg, options.Lister, options.Dialer, logger),
		engine:     patch.NewEngine(cfg, logger),
		dispatcher: restart.NewDispatcher(cfg, options.Controller, logger),
		logger:     logger,
		now:        time.Now,
	}
}

func (f *Facade) GetHealth(ctx context.Context) (monitoring.SystemHealth, error) {
	return f.aggregator.Check(ctx), nil
}

func (f *Facade) GetConfig(ctx context.Context) (*domain.ConfigView, error) {
	view := &domain.ConfigView{}
	protocol := ""
	for _, s := range f.engine.Read(ctx) {
		if s.FromDefault {
			view.Defaulted = append(view.Defaulted, s.Field)
		}

		switch s.Field {
		case config.FieldSyslogPort:
			view.Collection.SyslogPort = portSetting(view, s)
		case config.FieldNetflowPort:
			view.Collection.NetflowPort = portSetting(view, s)
		case config.FieldSflowPort:
			view.Collection.SflowPort = portSetting(view, s)
		case config.FieldSnmpTrapPort:
			view.Collection.SnmpTrapPort = portSetting(view, s)
		case config.FieldWindowsPort:
			view.Collection.WindowsPort = portSetting(view, s)
		case config.FieldForwardDestination:
			dest, ok := parseDestination(s.Value)
			if !ok {
				f.logger.Warnf("Unparsable forwarding destination, using default, value: %s, default: %s", s.Value, s.Default)
				markDefaulted(view, s)
				dest, ok = parseDestination(s.Default)
			}
			if ok {
				view.Forwarding.Destinations = append(view.Forwarding.Destinations, dest)
			}
		case config.FieldForwardProtocol:
			protocol = strings.ToLower(strings.TrimSpace(s.Value))
			if protocol != string(config.ProtocolTCP) && protocol != string(config.ProtocolUDP) {
				markDefaulted(view, s)
				protocol = s.Default
			}
		}
	}
	if len(view.Forwarding.Destinations) > 0 {
		view.Forwarding.Destinations[0].Protocol = protocol
	}
	if view.Forwarding.Destinations == nil {
		view.Forwarding.Destinations = []domain.Destination{}
	}
	return view, nil
}

// SaveConfig patches artifacts, then restarts the services whose artifacts
// were updated. A rejected delta touches nothing and restarts nothing.
func (f *Facade) SaveConfig(ctx context.Context, delta []byte) (*domain.SaveResult, error) {
	report := f.engine.Apply(ctx, delta)

	result := &domain.SaveResult{
		ConfigSuccess:   report.Success,
		RestartSuccess:  true,
		UpdatedServices: f.servicesFor(report.UpdatedKinds()),
		RestartOutcomes: []restart.Outcome{},
		Changes:         report.Results,
	}
	if result.Changes == nil {
		result.Changes = []patch.Result{}
	}

	if len(result.UpdatedServices) > 0 {
		dispatch := f.dispatcher.Dispatch(ctx, result.UpdatedServices)
		result.RestartOutcomes = dispatch.Outcomes
		result.RestartSuccess = dispatch.Success
	}

	result.Success = result.ConfigSuccess && result.RestartSuccess
	result.Message = saveMessage(report, result)
	result.Timestamp = f.now()

	f.logger.Infof("Configuration save handled, success: %t, config_success: %t, restart_success: %t, updated_services: %v",
		result.Success, result.ConfigSuccess, result.RestartSuccess, result.UpdatedServices)
	return result, nil
}

func (f *Facade) RestartService(ctx context.Context, id string) (restart.Outcome, error) {
	outcome := f.dispatcher.RestartOne(ctx, id)
	f.logger.Infof("Service restart handled, id: %s, classification: %s", id, outcome.Classification)
	return outcome, nil
}

func (f *Facade) Services() []domain.ServiceInfo {
	services := make([]domain.ServiceInfo, 0, len(f.cfg.Services))
	for _, s := range f.cfg.Services {
		services = append(services, domain.ServiceInfo{
			ID:       s.ID,
			Aliases:  append([]string(nil), s.Aliases...),
			Port:     s.Port,
			Protocol: string(s.Protocol),
			Critical: s.Critical,
		})
	}
	return services
}

func (f *Facade) Backups(kind config.ArtifactKind) ([]string, error) {
	return f.engine.Backups(kind)
}

func (f *Facade) servicesFor(kinds []config.ArtifactKind) []string {
	seen := make(map[string]bool)
	services := []string{}
	for _, kind := range kinds {
		id, ok := f.cfg.ServiceForArtifact(kind)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		services = append(services, id)
	}
	return services
}

func saveMessage(report patch.Report, result *domain.SaveResult) string {
	failed := report.Failed()
	if len(failed) == 1 && failed[0].Field == "delta" {
		return "invalid configuration delta: " + failed[0].Reason
	}

	var parts []string
	switch {
	case len(failed) > 0 && len(result.UpdatedServices) > 0:
		parts = append(parts, fmt.Sprintf("configuration partially applied, %d field(s) failed", len(failed)))
	case len(failed) > 0:
		parts = append(parts, fmt.Sprintf("configuration not applied, %d field(s) failed", len(failed)))
	case len(result.UpdatedServices) == 0:
		return "no configuration changes applied"
	default:
		parts = append(parts, "configuration saved")
	}

	if len(result.UpdatedServices) > 0 {
		if result.RestartSuccess {
			parts = append(parts, "restarted: "+strings.Join(result.UpdatedServices, ", "))
		} else {
			var ids []string
			for _, o := range result.RestartOutcomes {
				if !o.Success {
					ids = append(ids, fmt.Sprintf("%s (%s)", o.ServiceID, o.Classification))
				}
			}
			parts = append(parts, "restart failed for: "+strings.Join(ids, ", "))
		}
	}
	return strings.Join(parts, "; ")
}

// portSetting returns the port held by s. A stored value that is not a port
// is replaced by the default.
func portSetting(view *domain.ConfigView, s patch.Setting) int {
	if port, ok := parsePort(s.Value); ok {
		return port
	}
	markDefaulted(view, s)
	port, _ := parsePort(s.Default)
	return port
}

func markDefaulted(view *domain.ConfigView, s patch.Setting) {
	if !s.FromDefault {
		view.Defaulted = append(view.Defaulted, s.Field)
	}
}

func parsePort(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || config.ValidatePort(n) != nil {
		return 0, false
	}
	return n, true
}

func parseDestination(value string) (domain.Destination, bool) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(value))
	if err != nil || host == "" {
		return domain.Destination{}, false
	}
	n, ok := parsePort(port)
	if !ok {
		return domain.Destination{}, false
	}
	return domain.Destination{Host: host, Port: n}, true
}

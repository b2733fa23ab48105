package monitoring

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/core-tools/hsu-telemetry-control/pkg/config"
	"github.com/core-tools/hsu-telemetry-control/pkg/errors"
	"github.com/core-tools/hsu-telemetry-control/pkg/logging"
	"github.com/core-tools/hsu-telemetry-control/pkg/processstate"
)

type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusFailed   HealthStatus = "failed"
	HealthStatusError    HealthStatus = "error"
)

// ServiceHealth is the outcome of probing one service. It is recomputed on
// every sweep and never cached.
type ServiceHealth struct {
	Status         HealthStatus `json:"status"`
	Port           int          `json:"port,omitempty"`
	PortOpen       bool         `json:"port_open"`
	ProcessRunning bool         `json:"process_running"`
	Critical       bool         `json:"critical"`
	CheckedAt      time.Time    `json:"checked_at"`
	Message        string       `json:"message,omitempty"`
}

// SystemHealth is the reduced verdict over all configured services.
type SystemHealth struct {
	Services  map[string]ServiceHealth `json:"services"`
	Status    HealthStatus             `json:"system_status"`
	Uptime    string                   `json:"uptime"`
	Timestamp time.Time                `json:"timestamp"`
	Resources *Resources               `json:"resources,omitempty"`
}

// Dialer opens TCP connections for reachability probes. *net.Dialer
// satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Aggregator probes every service descriptor and reduces the results to a
// system verdict. It holds no mutable state between sweeps.
type Aggregator struct {
	services []config.ServiceDescriptor
	options  config.HealthOptions
	lister   processstate.Lister
	dialer   Dialer
	system   *SystemReader
	logger   logging.Logger
	now      func() time.Time
}

func NewAggregator(cfg *config.ControlConfig, lister processstate.Lister, dialer Dialer, logger logging.Logger) *Aggregator {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &Aggregator{
		services: cfg.Services,
		options:  cfg.Health,
		lister:   lister,
		dialer:   dialer,
		system:   NewSystemReader(cfg.Health.ProcRoot),
		logger:   logger,
		now:      time.Now,
	}
}

type probeResult struct {
	index  int
	health ServiceHealth
}

// Check runs one sweep. Probes run concurrently; any probe still running when
// the sweep deadline passes is reported as an error for its service only.
func (a *Aggregator) Check(ctx context.Context) SystemHealth {
	sweepCtx, cancel := context.WithTimeout(ctx, a.options.SweepTimeout)
	defer cancel()

	a.logger.Debugf("Starting health sweep, services: %d, sweep_timeout: %v", len(a.services), a.options.SweepTimeout)

	procs, listErr := a.lister.List(sweepCtx)
	if listErr != nil {
		a.logger.Errorf("Process table query failed, error: %v", listErr)
	}

	results := make(chan probeResult, len(a.services))
	for i, svc := range a.services {
		go func(i int, svc config.ServiceDescriptor) {
			results <- probeResult{index: i, health: a.probeService(sweepCtx, svc, procs, listErr)}
		}(i, svc)
	}

	collected := make([]*ServiceHealth, len(a.services))
	pending := len(a.services)
	for pending > 0 {
		select {
		case r := <-results:
			h := r.health
			collected[r.index] = &h
			pending--
		case <-sweepCtx.Done():
			pending = drain(results, collected, pending)
			if pending > 0 {
				a.logger.Warnf("Health sweep deadline reached, unfinished probes: %d", pending)
			}
			pending = 0
		}
	}

	services := make(map[string]ServiceHealth, len(a.services))
	for i, svc := range a.services {
		if collected[i] == nil {
			services[svc.ID] = a.errorHealth(svc, errors.NewTimeoutError("probe did not finish before sweep deadline", sweepCtx.Err()))
			continue
		}
		services[svc.ID] = *collected[i]
	}

	verdict := Verdict(a.services, services)
	if verdict != HealthStatusHealthy {
		a.logger.Warnf("System health degraded, services: %v", summarize(services))
	}

	return SystemHealth{
		Services:  services,
		Status:    verdict,
		Uptime:    a.system.Uptime(),
		Timestamp: a.now(),
		Resources: a.system.Resources(),
	}
}

// Verdict is healthy iff every critical service is healthy. Non-critical
// services never degrade the verdict.
func Verdict(descriptors []config.ServiceDescriptor, services map[string]ServiceHealth) HealthStatus {
	for _, svc := range descriptors {
		if !svc.Critical {
			continue
		}
		h, ok := services[svc.ID]
		if !ok || h.Status != HealthStatusHealthy {
			return HealthStatusDegraded
		}
	}
	return HealthStatusHealthy
}

// Classify applies the per-service status rule.
func Classify(processRunning, checkablePort, portOpen bool) HealthStatus {
	switch {
	case !processRunning:
		return HealthStatusFailed
	case checkablePort && !portOpen:
		return HealthStatusDegraded
	default:
		return HealthStatusHealthy
	}
}

func (a *Aggregator) probeService(ctx context.Context, svc config.ServiceDescriptor, procs []processstate.Process, listErr error) (health ServiceHealth) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorf("Health probe panicked, id: %s, panic: %v", svc.ID, r)
			health = a.errorHealth(svc, errors.NewInternalError(fmt.Sprintf("probe panicked: %v", r), nil))
		}
	}()

	if listErr != nil {
		return a.errorHealth(svc, listErr)
	}

	running := processstate.Matches(procs, svc.ProcessMatch)

	portOpen := false
	if svc.CheckablePort() {
		portOpen = a.checkTCP(ctx, svc)
	}

	health = ServiceHealth{
		Status:         Classify(running, svc.CheckablePort(), portOpen),
		Port:           svc.Port,
		PortOpen:       portOpen,
		ProcessRunning: running,
		Critical:       svc.Critical,
		CheckedAt:      a.now(),
	}

	a.logger.Debugf("Service probed, id: %s, status: %s, process_running: %t, port_open: %t",
		svc.ID, health.Status, running, portOpen)
	return health
}

func (a *Aggregator) checkTCP(ctx context.Context, svc config.ServiceDescriptor) bool {
	probeCtx, cancel := context.WithTimeout(ctx, a.options.ProbeTimeout)
	defer cancel()

	address := net.JoinHostPort(a.options.Host, strconv.Itoa(svc.Port))
	conn, err := a.dialer.DialContext(probeCtx, "tcp", address)
	if err != nil {
		a.logger.Debugf("TCP connection failed, id: %s, address: %s, error: %v", svc.ID, address, err)
		return false
	}
	conn.Close()
	return true
}

func (a *Aggregator) errorHealth(svc config.ServiceDescriptor, err error) ServiceHealth {
	return ServiceHealth{
		Status:    HealthStatusError,
		Port:      svc.Port,
		Critical:  svc.Critical,
		CheckedAt: a.now(),
		Message:   err.Error(),
	}
}

func summarize(services map[string]ServiceHealth) map[string]HealthStatus {
	out := make(map[string]HealthStatus, len(services))
	for id, h := range services {
		out[id] = h.Status
	}
	return out
}

// drain collects results that are already buffered and returns how many are
// still outstanding.
func drain(results <-chan probeResult, collected []*ServiceHealth, pending int) int {
	for pending > 0 {
		select {
		case r := <-results:
			h := r.health
			collected[r.index] = &h
			pending--
		default:
			return pending
		}
	}
	return pending
}

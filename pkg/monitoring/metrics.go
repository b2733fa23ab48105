package monitoring

import (
	"io"
	"sort"

	"github.com/core-tools/hsu-telemetry-control/pkg/errors"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

const (
	MetricServiceUp             = "telemetry_service_up"
	MetricServicePortOpen       = "telemetry_service_port_open"
	MetricServiceProcessRunning = "telemetry_service_process_running"
	MetricSystemHealthy         = "telemetry_system_healthy"
)

// WriteMetrics renders one sweep in the Prometheus text exposition format.
func WriteMetrics(w io.Writer, health SystemHealth) error {
	ids := make([]string, 0, len(health.Services))
	for id := range health.Services {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	up := gaugeFamily(MetricServiceUp, "Service is healthy (1) or not (0).")
	portOpen := gaugeFamily(MetricServicePortOpen, "Service port accepted a TCP connection.")
	running := gaugeFamily(MetricServiceProcessRunning, "Service process was found in the process table.")

	for _, id := range ids {
		h := health.Services[id]
		labels := []*dto.LabelPair{
			{Name: proto.String("service"), Value: proto.String(id)},
			{Name: proto.String("status"), Value: proto.String(string(h.Status))},
		}
		up.Metric = append(up.Metric, gauge(labels, h.Status == HealthStatusHealthy))
		portOpen.Metric = append(portOpen.Metric, gauge(labels[:1], h.PortOpen))
		running.Metric = append(running.Metric, gauge(labels[:1], h.ProcessRunning))
	}

	system := gaugeFamily(MetricSystemHealthy, "Every critical service is healthy.")
	system.Metric = append(system.Metric, gauge(nil, health.Status == HealthStatusHealthy))

	for _, mf := range []*dto.MetricFamily{up, portOpen, running, system} {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.NewIOError("failed to write metric family", err).WithContext("metric", mf.GetName())
		}
	}
	return nil
}

func gaugeFamily(name, help string) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
	}
}

func gauge(labels []*dto.LabelPair, value bool) *dto.Metric {
	v := 0.0
	if value {
		v = 1
	}
	return &dto.Metric{
		Label: labels,
		Gauge: &dto.Gauge{Value: proto.Float64(v)},
	}
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run outcomes used as the "outcome" label.
const (
	OutcomeCompleted       = "completed"
	OutcomeNoTraffic       = "no_traffic"
	OutcomeUndefinedWindow = "undefined_window"
	OutcomeInvalid         = "invalid"
	OutcomeFailed          = "failed"
)

// ScenarioCollector bundles Prometheus metrics describing scenario runs.
// A nil collector is valid and records nothing.
type ScenarioCollector struct {
	gatherer prometheus.Gatherer

	RunsTotal     *prometheus.CounterVec
	RunsActive    prometheus.Gauge
	RunDurations  *prometheus.HistogramVec
	ReceivedBytes *prometheus.CounterVec
	Throughput    *prometheus.GaugeVec
	PacketDrops   *prometheus.CounterVec
}

// NewScenarioCollector registers scenario metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewScenarioCollector(reg prometheus.Registerer) (*ScenarioCollector, error) {
	reg, gatherer := registryPair(reg)

	runs, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "manet_scenario_runs_total",
		Help: "Scenario runs finished, labeled by routing protocol and outcome.",
	}, []string{"protocol", "outcome"}), "manet_scenario_runs_total")
	if err != nil {
		return nil, err
	}
	active, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "manet_scenario_runs_active",
		Help: "Scenario runs currently executing.",
	}), "manet_scenario_runs_active")
	if err != nil {
		return nil, err
	}
	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "manet_scenario_run_duration_seconds",
		Help:    "Wall-clock time spent executing a scenario.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"protocol"}), "manet_scenario_run_duration_seconds")
	if err != nil {
		return nil, err
	}
	received, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "manet_sink_received_bytes_total",
		Help: "Payload bytes accepted by sink applications.",
	}, []string{"protocol"}), "manet_sink_received_bytes_total")
	if err != nil {
		return nil, err
	}
	throughput, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "manet_scenario_throughput_kbps",
		Help: "Throughput of the most recent run of each scenario.",
	}, []string{"scenario", "window"}), "manet_scenario_throughput_kbps")
	if err != nil {
		return nil, err
	}
	drops, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "manet_packet_drops_total",
		Help: "Datagrams dropped by the network stack, labeled by reason.",
	}, []string{"reason"}), "manet_packet_drops_total")
	if err != nil {
		return nil, err
	}

	return &ScenarioCollector{
		gatherer:      gatherer,
		RunsTotal:     runs,
		RunsActive:    active,
		RunDurations:  durations,
		ReceivedBytes: received,
		Throughput:    throughput,
		PacketDrops:   drops,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ScenarioCollector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// RunStarted marks a run as executing.
func (c *ScenarioCollector) RunStarted() {
	if c == nil {
		return
	}
	c.RunsActive.Inc()
}

// RunFinished records the outcome and wall-clock duration of a run that
// was previously started.
func (c *ScenarioCollector) RunFinished(protocol, outcome string, wall time.Duration) {
	if c == nil {
		return
	}
	c.RunsActive.Dec()
	c.RunsTotal.WithLabelValues(protocol, outcome).Inc()
	c.RunDurations.WithLabelValues(protocol).Observe(wall.Seconds())
}

// RunRejected counts a run that never started.
func (c *ScenarioCollector) RunRejected(protocol string) {
	if c == nil {
		return
	}
	c.RunsTotal.WithLabelValues(protocol, OutcomeInvalid).Inc()
}

// ObserveReception adds received bytes and, when defined, the throughput.
func (c *ScenarioCollector) ObserveReception(scenario, protocol, window string, bytes uint64, kbps float64, defined bool) {
	if c == nil {
		return
	}
	c.ReceivedBytes.WithLabelValues(protocol).Add(float64(bytes))
	if defined {
		c.Throughput.WithLabelValues(scenario, window).Set(kbps)
	}
}

// IncDrop counts one dropped datagram.
func (c *ScenarioCollector) IncDrop(reason string) {
	if c == nil {
		return
	}
	c.PacketDrops.WithLabelValues(reason).Inc()
}

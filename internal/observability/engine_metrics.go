package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineCollector exposes discrete-event engine metrics.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	EventsDispatched prometheus.Counter
	EventsDiscarded  prometheus.Counter
	PendingAtStop    prometheus.Gauge
	SimulatedSeconds prometheus.Counter
}

// NewEngineCollector registers engine metrics against the provided registerer.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	reg, gatherer := registryPair(reg)

	dispatched, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "manet_engine_events_dispatched_total",
		Help: "Events dispatched by the discrete-event scheduler.",
	}), "manet_engine_events_dispatched_total")
	if err != nil {
		return nil, err
	}
	discarded, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "manet_engine_events_discarded_total",
		Help: "Events still pending when a run reached its stop time.",
	}), "manet_engine_events_discarded_total")
	if err != nil {
		return nil, err
	}
	pending, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "manet_engine_pending_events_at_stop",
		Help: "Pending events discarded by the most recent run.",
	}), "manet_engine_pending_events_at_stop")
	if err != nil {
		return nil, err
	}
	simulated, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "manet_engine_simulated_seconds_total",
		Help: "Simulated time advanced across all runs.",
	}), "manet_engine_simulated_seconds_total")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:         gatherer,
		EventsDispatched: dispatched,
		EventsDiscarded:  discarded,
		PendingAtStop:    pending,
		SimulatedSeconds: simulated,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveRun records the totals of one finished run.
func (c *EngineCollector) ObserveRun(dispatched, discarded uint64, simulated time.Duration) {
	if c == nil {
		return
	}
	c.EventsDispatched.Add(float64(dispatched))
	c.EventsDiscarded.Add(float64(discarded))
	c.PendingAtStop.Set(float64(discarded))
	if simulated > 0 {
		c.SimulatedSeconds.Add(simulated.Seconds())
	}
}

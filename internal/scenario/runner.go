// Package scenario drives one MANET experiment from configuration to
// throughput report.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/manet-harness/core"
	"github.com/signalsfoundry/manet-harness/internal/logging"
	"github.com/signalsfoundry/manet-harness/internal/metrics"
	"github.com/signalsfoundry/manet-harness/internal/netstack"
	"github.com/signalsfoundry/manet-harness/internal/observability"
	"github.com/signalsfoundry/manet-harness/internal/routing"
	"github.com/signalsfoundry/manet-harness/internal/sim/engine"
	"github.com/signalsfoundry/manet-harness/internal/traffic"
	"github.com/signalsfoundry/manet-harness/timectrl"
)

var (
	// ErrInvalidTransition is returned when a step is called out of order.
	ErrInvalidTransition = errors.New("invalid scenario transition")
	// ErrEngineFailure is the engine's failure sentinel; a run that
	// returns it cannot be resumed.
	ErrEngineFailure = engine.ErrEngineFailure
)

// State is a runner lifecycle state. Steps move strictly forward.
type State int

const (
	StateConfigured State = iota
	StateNodesBuilt
	StateTopologyAttached
	StateStackInstalled
	StateTrafficInstalled
	StateRunning
	StateCompleted
	StateReported
	// StateFailed is terminal; it is entered when a step fails.
	StateFailed
)

var stateNames = [...]string{
	StateConfigured:       "configured",
	StateNodesBuilt:       "nodes-built",
	StateTopologyAttached: "topology-attached",
	StateStackInstalled:   "stack-installed",
	StateTrafficInstalled: "traffic-installed",
	StateRunning:          "running",
	StateCompleted:        "completed",
	StateReported:         "reported",
	StateFailed:           "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Option customises a Runner.
type Option func(*Runner)

// WithLogger sets the logger used for run events.
func WithLogger(l logging.Logger) Option {
	return func(r *Runner) { r.log = logging.OrNoop(l) }
}

// WithScenarioMetrics records run outcomes in c.
func WithScenarioMetrics(c *observability.ScenarioCollector) Option {
	return func(r *Runner) { r.scenarioMetrics = c }
}

// WithEngineMetrics records engine totals in c.
func WithEngineMetrics(c *observability.EngineCollector) Option {
	return func(r *Runner) { r.engineMetrics = c }
}

// WithTracer overrides the tracer; the default is the global one.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithRoutingDumpWriter sends the routing dump to w instead of the
// configured file.
func WithRoutingDumpWriter(w io.Writer) Option {
	return func(r *Runner) { r.dumpWriter = w }
}

// Runner executes one scenario. Its methods must be called in lifecycle
// order from a single goroutine; Collector and State may be read from any
// goroutine.
type Runner struct {
	cfg   Config
	runID string

	log             logging.Logger
	tracer          trace.Tracer
	scenarioMetrics *observability.ScenarioCollector
	engineMetrics   *observability.EngineCollector
	dumpWriter      io.Writer
	dumpFile        *os.File

	state    stateBox
	sched    *engine.Scheduler
	network  *netstack.Network
	models   []core.MotionModel
	plan     *traffic.Plan
	apps     *traffic.Installation
	collect  *metrics.Collector
	runStats engine.Stats
	wall     time.Duration
}

// NewRunner validates cfg and returns a runner in StateConfigured. Nothing
// is allocated when validation fails.
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:     cfg.clone(),
		log:     logging.Noop(),
		collect: metrics.NewCollector(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = observability.Tracer()
	}
	r.log = r.log.With(logging.String("scenario", cfg.Name), logging.String("protocol", string(cfg.Routing)))
	return r, nil
}

// Config returns the runner's copy of the configuration.
func (r *Runner) Config() Config { return r.cfg.clone() }

// State returns the current lifecycle state.
func (r *Runner) State() State { return r.state.get() }

// Collector returns the run's reception accumulator.
func (r *Runner) Collector() *metrics.Collector { return r.collect }

// Network returns the simulated network once nodes are built.
func (r *Runner) Network() *netstack.Network { return r.network }

// Plan returns the traffic plan once traffic is installed.
func (r *Runner) Plan() *traffic.Plan { return r.plan }

// step moves from one state to the next around fn. fn errors put the
// runner in StateFailed.
func (r *Runner) step(ctx context.Context, from, to State, name string, fn func(context.Context) error) error {
	if cur := r.state.get(); cur != from {
		return fmt.Errorf("%w: %s requires state %s, runner is %s", ErrInvalidTransition, name, from, cur)
	}
	ctx, span := observability.StartPhase(ctx, r.tracer, name,
		attribute.String("scenario.name", r.cfg.Name),
		attribute.String("scenario.protocol", string(r.cfg.Routing)),
	)
	defer span.End()

	if err := fn(ctx); err != nil {
		r.state.set(StateFailed)
		r.releaseDump()
		observability.FailSpan(span, err)
		r.log.Error(ctx, "scenario step failed", logging.String("step", name), logging.Err(err))
		return err
	}
	r.state.set(to)
	return nil
}

// BuildNodes creates the scheduler, the network and N nodes.
func (r *Runner) BuildNodes(ctx context.Context) error {
	return r.step(ctx, StateConfigured, StateNodesBuilt, "build_nodes", func(ctx context.Context) error {
		r.sched = engine.NewScheduler(timectrl.NewTimeController(0))
		r.network = netstack.NewNetwork(r.sched, r.cfg.Radio, r.log)
		if err := r.network.CreateNodes(r.cfg.NodeCount); err != nil {
			return err
		}
		r.log.Debug(ctx, "nodes built", logging.Int("nodes", r.cfg.NodeCount))
		return nil
	})
}

// AttachTopology generates positions and motion for every node.
func (r *Runner) AttachTopology(ctx context.Context) error {
	return r.step(ctx, StateNodesBuilt, StateTopologyAttached, "attach_topology", func(ctx context.Context) error {
		models, err := core.GenerateTopology(r.cfg.Topology, r.cfg.NodeCount)
		if err != nil {
			return err
		}
		if err := r.network.AttachMotion(models); err != nil {
			return err
		}
		r.models = models
		r.log.Debug(ctx, "topology attached", logging.String("kind", string(r.cfg.Topology.Kind)))
		return nil
	})
}

// InstallStack assigns addresses, starts routing and schedules the
// routing dump.
func (r *Runner) InstallStack(ctx context.Context) error {
	return r.step(ctx, StateTopologyAttached, StateStackInstalled, "install_stack", func(ctx context.Context) error {
		if err := r.network.AssignAddresses(r.cfg.AddressPrefix); err != nil {
			return err
		}
		proto, err := routing.New(r.cfg.Routing, r.cfg.RoutingOptions)
		if err != nil {
			return err
		}
		if err := r.network.InstallRouting(proto); err != nil {
			return err
		}
		if r.scenarioMetrics != nil {
			r.network.OnDrop(func(reason netstack.DropReason) { r.scenarioMetrics.IncDrop(string(reason)) })
		}
		return r.scheduleDump(ctx)
	})
}

func (r *Runner) scheduleDump(ctx context.Context) error {
	d := r.cfg.RoutingDump
	if d == nil {
		return nil
	}
	w := r.dumpWriter
	if w == nil {
		if d.Path == "" {
			return nil
		}
		f, err := os.Create(d.Path)
		if err != nil {
			return fmt.Errorf("open routing dump: %w", err)
		}
		r.dumpFile = f
		w = f
	}
	if err := r.network.ScheduleRoutingDump(d.At, w); err != nil {
		return err
	}
	r.log.Debug(ctx, "routing dump scheduled", logging.Duration("at", d.At), logging.String("path", d.Path))
	return nil
}

func (r *Runner) releaseDump() {
	if r.dumpFile == nil {
		return
	}
	if err := r.dumpFile.Close(); err != nil {
		r.log.Warn(context.Background(), "close routing dump", logging.Err(err))
	}
	r.dumpFile = nil
}

// InstallTraffic derives the traffic plan, installs it and subscribes the
// collector to the sink.
func (r *Runner) InstallTraffic(ctx context.Context) error {
	return r.step(ctx, StateStackInstalled, StateTrafficInstalled, "install_traffic", func(ctx context.Context) error {
		plan, err := traffic.NewPlan(r.cfg.NodeCount, r.cfg.Traffic, r.cfg.Duration)
		if err != nil {
			return err
		}
		if plan.Truncated() {
			r.log.Warn(ctx, "sink stops before sources; late packets will be dropped",
				logging.Duration("sink_stop", plan.Sink.Stop),
				logging.Duration("source_stop", plan.LatestSourceStop()))
		}
		apps, err := plan.Install(r.network, r.network.Address(plan.Sink.Node))
		if err != nil {
			return err
		}
		apps.Sink.Subscribe(r.collect.Handle)
		r.plan = plan
		r.apps = apps
		r.log.Debug(ctx, "traffic installed",
			logging.Int("sources", len(plan.Sources)),
			logging.Int("expected_packets", plan.ExpectedPackets()))
		return nil
	})
}

// Run executes the simulation until the configured duration. An engine
// abort, a panic in an event or ctx cancellation fails the run with
// ErrEngineFailure.
func (r *Runner) Run(ctx context.Context) error {
	if cur := r.state.get(); cur != StateTrafficInstalled {
		return fmt.Errorf("%w: run requires state %s, runner is %s", ErrInvalidTransition, StateTrafficInstalled, cur)
	}
	r.state.set(StateRunning)
	r.scenarioMetrics.RunStarted()
	started := time.Now()

	ctx, span := observability.StartPhase(ctx, r.tracer, "run",
		attribute.String("scenario.name", r.cfg.Name),
		attribute.Int("scenario.nodes", r.cfg.NodeCount),
		attribute.Float64("scenario.duration_s", r.cfg.Duration.Seconds()),
	)
	defer span.End()

	r.log.Info(ctx, "scenario running", logging.Int("nodes", r.cfg.NodeCount), logging.Duration("duration", r.cfg.Duration))
	err := r.sched.Run(ctx, r.cfg.Duration)
	r.wall = time.Since(started)
	r.runStats = r.sched.Stats()
	simulated := r.sched.Now()
	r.sched.Destroy()
	r.releaseDump()

	r.engineMetrics.ObserveRun(r.runStats.Dispatched, r.runStats.Discarded, simulated)
	span.SetAttributes(
		attribute.Int64("engine.dispatched", int64(r.runStats.Dispatched)),
		attribute.Int64("engine.discarded", int64(r.runStats.Discarded)),
	)

	if err != nil {
		if !errors.Is(err, ErrEngineFailure) {
			err = fmt.Errorf("%w: %w", ErrEngineFailure, err)
		}
		r.state.set(StateFailed)
		r.scenarioMetrics.RunFinished(string(r.cfg.Routing), observability.OutcomeFailed, r.wall)
		observability.FailSpan(span, err)
		r.log.Error(ctx, "scenario failed", logging.Err(err), logging.Duration("simulated", simulated))
		return err
	}

	r.state.set(StateCompleted)
	res := r.evaluate()
	r.scenarioMetrics.ObserveReception(r.cfg.Name, string(r.cfg.Routing), string(r.cfg.Window),
		res.rec.Bytes, res.kbps, res.err == nil)
	r.scenarioMetrics.RunFinished(string(r.cfg.Routing), res.outcome, r.wall)
	r.log.Info(ctx, "scenario completed",
		logging.Uint64("bytes", res.rec.Bytes),
		logging.Uint64("packets", res.rec.Packets),
		logging.String("outcome", res.outcome),
		logging.Uint64("events", r.runStats.Dispatched),
		logging.Duration("wall", r.wall))
	return nil
}

type evaluation struct {
	rec     metrics.Reception
	window  time.Duration
	kbps    float64
	err     error
	outcome string
}

func (r *Runner) evaluate() evaluation {
	ev := evaluation{rec: r.collect.Snapshot()}
	ev.kbps, ev.err = r.collect.ThroughputKbps(r.cfg.Window, r.cfg.Duration)
	if r.cfg.Window == metrics.WindowFixed {
		ev.window = r.cfg.Duration
	} else {
		ev.window = ev.rec.ActiveWindow()
	}
	switch {
	case errors.Is(ev.err, metrics.ErrNoTrafficObserved) || !ev.rec.Seen:
		ev.outcome = observability.OutcomeNoTraffic
	case errors.Is(ev.err, metrics.ErrUndefinedWindow):
		ev.outcome = observability.OutcomeUndefinedWindow
	default:
		ev.outcome = observability.OutcomeCompleted
	}
	return ev
}

// Report computes throughput under the configured window. Degenerate
// traffic is reported through Report.Outcome, not as an error.
func (r *Runner) Report() (*Report, error) {
	if cur := r.state.get(); cur != StateCompleted {
		return nil, fmt.Errorf("%w: report requires state %s, runner is %s", ErrInvalidTransition, StateCompleted, cur)
	}
	ev := r.evaluate()
	rep := &Report{
		Scenario:         r.cfg.Name,
		RunID:            r.runID,
		Protocol:         string(r.cfg.Routing),
		Nodes:            r.cfg.NodeCount,
		Window:           string(r.cfg.Window),
		Outcome:          ev.outcome,
		TotalBytes:       ev.rec.Bytes,
		PacketsReceived:  ev.rec.Packets,
		PacketsExpected:  r.plan.ExpectedPackets(),
		ObservedDuration: ev.window.Seconds(),
		SimulatedSeconds: r.cfg.Duration.Seconds(),
		WallSeconds:      r.wall.Seconds(),
		EventsDispatched: r.runStats.Dispatched,
		Drops:            make(map[string]uint64),
	}
	if ev.rec.Seen {
		rep.FirstArrival = ev.rec.First.Seconds()
		rep.LastArrival = ev.rec.Last.Seconds()
	}
	if ev.err == nil {
		rep.ThroughputKbps = ev.kbps
	} else {
		rep.Note = ev.err.Error()
	}
	for reason, n := range r.network.Stats().Dropped {
		rep.Drops[string(reason)] = n
	}
	r.state.set(StateReported)
	return rep, nil
}

// Execute runs every step in order and returns the report.
func (r *Runner) Execute(ctx context.Context) (*Report, error) {
	ctx, runLog, runID := logging.WithRunLogger(ctx, r.log)
	r.log = runLog
	r.runID = runID

	ctx, span := observability.StartPhase(ctx, r.tracer, "execute",
		attribute.String("scenario.name", r.cfg.Name),
		attribute.String("scenario.run_id", runID),
	)
	defer span.End()

	steps := []func(context.Context) error{
		r.BuildNodes,
		r.AttachTopology,
		r.InstallStack,
		r.InstallTraffic,
		r.Run,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			observability.FailSpan(span, err)
			return nil, err
		}
	}
	return r.Report()
}

// Execute validates cfg and runs it to completion.
// A rejected configuration is counted under the invalid outcome.
func Execute(ctx context.Context, cfg Config, opts ...Option) (*Report, error) {
	r, err := NewRunner(cfg, opts...)
	if err != nil {
		if errors.Is(err, ErrConfiguration) {
			rejected := &Runner{log: logging.Noop()}
			for _, opt := range opts {
				opt(rejected)
			}
			rejected.scenarioMetrics.RunRejected(string(cfg.Routing))
			rejected.log.Warn(ctx, "scenario rejected",
				logging.String("scenario", cfg.Name), logging.Err(err))
		}
		return nil, err
	}
	return r.Execute(ctx)
}

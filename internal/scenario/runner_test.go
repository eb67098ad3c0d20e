package scenario

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/manet-harness/core"
	"github.com/signalsfoundry/manet-harness/internal/metrics"
	"github.com/signalsfoundry/manet-harness/internal/observability"
)

func presetWithoutDump(t *testing.T, name string) Config {
	t.Helper()
	cfg, err := Preset(name)
	if err != nil {
		t.Fatalf("Preset(%q): %v", name, err)
	}
	cfg.RoutingDump = nil
	return cfg
}

func TestNewRunnerRejectsNonPositiveNodeCount(t *testing.T) {
	for _, n := range []int{0, -3} {
		cfg := presetWithoutDump(t, PresetDSDVStatic)
		cfg.NodeCount = n
		r, err := NewRunner(cfg)
		if r != nil {
			t.Fatalf("runner allocated for node count %d", n)
		}
		if !errors.Is(err, ErrConfiguration) || !errors.Is(err, core.ErrInvalidNodeCount) {
			t.Fatalf("node count %d: expected configuration error, got %v", n, err)
		}
		var ce *ConfigurationError
		if !errors.As(err, &ce) || ce.Field != "node_count" {
			t.Fatalf("expected node_count field, got %v", err)
		}
	}
}

func TestNewRunnerReportsEveryProblem(t *testing.T) {
	cfg := presetWithoutDump(t, PresetDSDVStatic)
	cfg.Duration = 0
	cfg.Window = "sliding"
	cfg.Routing = "aodv"
	_, err := NewRunner(cfg)
	for _, field := range []string{"duration", "window", "routing"} {
		if !strings.Contains(err.Error(), "config "+field+":") {
			t.Fatalf("error missing %s: %v", field, err)
		}
	}
}

func TestRunnerRejectsOutOfOrderSteps(t *testing.T) {
	ctx := context.Background()
	r, err := NewRunner(presetWithoutDump(t, PresetDSDVStatic))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if err := r.InstallTraffic(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("InstallTraffic before stack: expected ErrInvalidTransition, got %v", err)
	}
	if r.State() != StateConfigured {
		t.Fatalf("rejected step changed state to %s", r.State())
	}
	if err := r.BuildNodes(ctx); err != nil {
		t.Fatalf("BuildNodes: %v", err)
	}
	if err := r.InstallStack(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("InstallStack before topology: expected ErrInvalidTransition, got %v", err)
	}
	if err := r.BuildNodes(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("repeated BuildNodes: expected ErrInvalidTransition, got %v", err)
	}
	if err := r.AttachTopology(ctx); err != nil {
		t.Fatalf("AttachTopology: %v", err)
	}
	if err := r.InstallTraffic(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("InstallTraffic after topology, before stack: expected ErrInvalidTransition, got %v", err)
	}
	if r.Plan() != nil {
		t.Fatalf("rejected InstallTraffic built a plan")
	}
	if err := r.Run(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Run before traffic: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := r.Report(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Report before run: expected ErrInvalidTransition, got %v", err)
	}
	if r.State() != StateTopologyAttached {
		t.Fatalf("state = %s, want %s", r.State(), StateTopologyAttached)
	}
}

func TestExecuteCountsRejectedRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	sc, err := observability.NewScenarioCollector(reg)
	if err != nil {
		t.Fatalf("NewScenarioCollector: %v", err)
	}
	cfg := presetWithoutDump(t, PresetDSDVStatic)
	cfg.NodeCount = 0

	rep, err := Execute(context.Background(), cfg, WithScenarioMetrics(sc))
	if rep != nil || !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Execute = %v, %v; want configuration error", rep, err)
	}
	if got := testutil.ToFloat64(sc.RunsTotal.WithLabelValues("dsdv", observability.OutcomeInvalid)); got != 1 {
		t.Fatalf("invalid runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(sc.RunsActive); got != 0 {
		t.Fatalf("active runs = %v, want 0", got)
	}
}

func TestDSDVStaticPresetDeliversEverything(t *testing.T) {
	cfg, err := Preset(PresetDSDVStatic)
	if err != nil {
		t.Fatalf("Preset: %v", err)
	}
	var dump bytes.Buffer
	reg := prometheus.NewRegistry()
	sc, err := observability.NewScenarioCollector(reg)
	if err != nil {
		t.Fatalf("NewScenarioCollector: %v", err)
	}
	ec, err := observability.NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}

	r, err := NewRunner(cfg, WithRoutingDumpWriter(&dump), WithScenarioMetrics(sc), WithEngineMetrics(ec))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	rep, err := r.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if r.State() != StateReported {
		t.Fatalf("state = %s, want reported", r.State())
	}

	if rep.TotalBytes != 442368 || rep.PacketsReceived != 432 || rep.PacketsExpected != 432 {
		t.Fatalf("unexpected totals: %+v", rep)
	}
	if rep.Outcome != observability.OutcomeCompleted || !rep.HasThroughput() {
		t.Fatalf("unexpected outcome %q (%s)", rep.Outcome, rep.Note)
	}
	if rep.ObservedDuration <= 17 || rep.ObservedDuration > 17.01 {
		t.Fatalf("active window = %v s, want just over 17 s", rep.ObservedDuration)
	}
	want := float64(rep.TotalBytes) * 8 / (rep.ObservedDuration * 1024)
	if math.Abs(rep.ThroughputKbps-want) > 1e-6 {
		t.Fatalf("throughput = %v, want %v", rep.ThroughputKbps, want)
	}
	if rep.RunID == "" {
		t.Fatalf("report missing run id")
	}
	if got := strings.Count(dump.String(), "Node: "); got != 25 {
		t.Fatalf("routing dump has %d tables, want 25", got)
	}

	if got := testutil.ToFloat64(sc.RunsTotal.WithLabelValues("dsdv", observability.OutcomeCompleted)); got != 1 {
		t.Fatalf("runs_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(sc.ReceivedBytes.WithLabelValues("dsdv")); got != 442368 {
		t.Fatalf("received bytes metric = %v", got)
	}
	if got := testutil.ToFloat64(ec.EventsDispatched); got == 0 {
		t.Fatalf("engine dispatched no events")
	}
}

func TestMobilePresets(t *testing.T) {
	cases := []struct {
		preset string
		window metrics.WindowPolicy
	}{
		{PresetDSDVMobile, metrics.WindowFixed},
		{PresetOLSRMobile, metrics.WindowActive},
	}
	for _, tc := range cases {
		t.Run(tc.preset, func(t *testing.T) {
			rep, err := Execute(context.Background(), presetWithoutDump(t, tc.preset))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if rep.Window != string(tc.window) {
				t.Fatalf("window = %s, want %s", rep.Window, tc.window)
			}
			// A 50 m square never exceeds radio range, so nothing is lost.
			if rep.TotalBytes != 4*18*1024 {
				t.Fatalf("total bytes = %d, want %d", rep.TotalBytes, 4*18*1024)
			}
			if tc.window == metrics.WindowFixed && math.Abs(rep.ThroughputKbps-28.8) > 1e-9 {
				t.Fatalf("fixed-window throughput = %v, want 28.8", rep.ThroughputKbps)
			}
		})
	}
}

func TestMobileRunsAreReproducible(t *testing.T) {
	cfg := presetWithoutDump(t, PresetOLSRMobile)
	first, err := Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	second, err := Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if first.FirstArrival != second.FirstArrival || first.LastArrival != second.LastArrival || first.TotalBytes != second.TotalBytes {
		t.Fatalf("runs differ: %+v vs %+v", first, second)
	}
}

func TestSingleNodeReportsNoTraffic(t *testing.T) {
	cfg := presetWithoutDump(t, PresetDSDVStatic)
	cfg.NodeCount = 1
	rep, err := Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rep.Outcome != observability.OutcomeNoTraffic || rep.HasThroughput() {
		t.Fatalf("expected no-traffic outcome, got %+v", rep)
	}
	if !strings.Contains(rep.Note, metrics.ErrNoTrafficObserved.Error()) {
		t.Fatalf("note = %q", rep.Note)
	}
}

func TestFixedWindowWithoutTrafficStillFlagged(t *testing.T) {
	cfg := presetWithoutDump(t, PresetDSDVStatic)
	cfg.NodeCount = 2
	cfg.Topology.Spacing = 500
	cfg.Window = metrics.WindowFixed
	rep, err := Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rep.ThroughputKbps != 0 || rep.Outcome != observability.OutcomeNoTraffic {
		t.Fatalf("expected zero throughput flagged as no traffic, got %+v", rep)
	}
	if rep.Drops["no-route"] != 18 {
		t.Fatalf("drops = %v, want 18 no-route", rep.Drops)
	}
}

func TestSingleArrivalUndefinedWindow(t *testing.T) {
	cfg := presetWithoutDump(t, PresetDSDVStatic)
	cfg.NodeCount = 2
	cfg.Traffic.MaxPackets = 1
	rep, err := Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rep.Outcome != observability.OutcomeUndefinedWindow || rep.PacketsReceived != 1 {
		t.Fatalf("expected undefined window after one arrival, got %+v", rep)
	}
}

func TestCancelledRunIsEngineFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r, err := NewRunner(presetWithoutDump(t, PresetDSDVStatic))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	for _, step := range []func(context.Context) error{r.BuildNodes, r.AttachTopology, r.InstallStack, r.InstallTraffic} {
		if err := step(ctx); err != nil {
			t.Fatalf("setup step: %v", err)
		}
	}
	cancel()
	err = r.Run(ctx)
	if !errors.Is(err, ErrEngineFailure) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected engine failure wrapping context.Canceled, got %v", err)
	}
	if r.State() != StateFailed {
		t.Fatalf("state = %s, want failed", r.State())
	}
	if _, err := r.Report(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Report after failure: expected ErrInvalidTransition, got %v", err)
	}
}

func TestTruncatedSinkDropsLatePackets(t *testing.T) {
	cfg := presetWithoutDump(t, PresetDSDVStatic)
	cfg.NodeCount = 2
	cfg.Traffic.SinkStop = 10 * time.Second
	rep, err := Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Emissions at 2..9 s arrive while the sink is open.
	if rep.PacketsReceived != 8 || rep.Drops["no-listener"] != 10 {
		t.Fatalf("received %d, drops %v; want 8 and 10 no-listener", rep.PacketsReceived, rep.Drops)
	}
}

func TestRunnerCopiesConfig(t *testing.T) {
	cfg, _ := Preset(PresetDSDVStatic)
	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	cfg.RoutingDump.At = 9 * time.Second
	cfg.NodeCount = 3
	got := r.Config()
	if got.RoutingDump.At != 5*time.Second || got.NodeCount != 25 {
		t.Fatalf("runner config changed after construction: %+v", got)
	}
}

func TestStateString(t *testing.T) {
	if StateTrafficInstalled.String() != "traffic-installed" || State(42).String() != "state(42)" {
		t.Fatalf("unexpected state names")
	}
}

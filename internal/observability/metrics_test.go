package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestScenarioCollectorRecordsRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewScenarioCollector(reg)
	if err != nil {
		t.Fatalf("NewScenarioCollector: %v", err)
	}

	c.RunStarted()
	if got := testutil.ToFloat64(c.RunsActive); got != 1 {
		t.Fatalf("runs_active = %v, want 1", got)
	}
	c.ObserveReception("dsdv-static", "dsdv", "active", 442368, 203.2, true)
	c.IncDrop("no-route")
	c.IncDrop("no-route")
	c.RunFinished("dsdv", OutcomeCompleted, 150*time.Millisecond)

	if got := testutil.ToFloat64(c.RunsActive); got != 0 {
		t.Fatalf("runs_active = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.RunsTotal.WithLabelValues("dsdv", OutcomeCompleted)); got != 1 {
		t.Fatalf("runs_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ReceivedBytes.WithLabelValues("dsdv")); got != 442368 {
		t.Fatalf("received bytes = %v", got)
	}
	if got := testutil.ToFloat64(c.Throughput.WithLabelValues("dsdv-static", "active")); got != 203.2 {
		t.Fatalf("throughput = %v", got)
	}
	if got := testutil.ToFloat64(c.PacketDrops.WithLabelValues("no-route")); got != 2 {
		t.Fatalf("drops = %v, want 2", got)
	}
	if count := histogramSampleCount(t, reg, "manet_scenario_run_duration_seconds", map[string]string{"protocol": "dsdv"}); count != 1 {
		t.Fatalf("run duration sample_count = %d, want 1", count)
	}
}

func TestScenarioCollectorSkipsUndefinedThroughput(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewScenarioCollector(reg)
	if err != nil {
		t.Fatalf("NewScenarioCollector: %v", err)
	}
	c.ObserveReception("olsr-mobile", "olsr", "active", 0, 0, false)
	if got := testutil.CollectAndCount(c.Throughput); got != 0 {
		t.Fatalf("throughput series = %d, want 0", got)
	}
}

func TestCollectorsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewScenarioCollector(reg)
	if err != nil {
		t.Fatalf("first collector: %v", err)
	}
	second, err := NewScenarioCollector(reg)
	if err != nil {
		t.Fatalf("second collector: %v", err)
	}
	first.RunRejected("olsr")
	if got := testutil.ToFloat64(second.RunsTotal.WithLabelValues("olsr", OutcomeInvalid)); got != 1 {
		t.Fatalf("second collector should see shared counter, got %v", got)
	}
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var sc *ScenarioCollector
	sc.RunStarted()
	sc.RunFinished("dsdv", OutcomeFailed, time.Second)
	sc.IncDrop("ttl-expired")
	var ec *EngineCollector
	ec.ObserveRun(1, 2, time.Second)
	if ec.Gatherer() != nil {
		t.Fatalf("nil engine collector should have no gatherer")
	}
}

func TestEngineCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}
	c.ObserveRun(1200, 30, 20*time.Second)
	c.ObserveRun(800, 10, 20*time.Second)

	if got := testutil.ToFloat64(c.EventsDispatched); got != 2000 {
		t.Fatalf("dispatched = %v, want 2000", got)
	}
	if got := testutil.ToFloat64(c.PendingAtStop); got != 10 {
		t.Fatalf("pending at stop = %v, want 10", got)
	}
	if got := testutil.ToFloat64(c.SimulatedSeconds); got != 40 {
		t.Fatalf("simulated seconds = %v, want 40", got)
	}
}

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/manet.harness.v1.ScenarioService/RunScenario"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}
	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.InvalidArgument, "bad node count")
	})

	if got := testutil.ToFloat64(collector.Requests.WithLabelValues("ScenarioService", "RunScenario", "OK")); got != 1 {
		t.Fatalf("rpc OK count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Requests.WithLabelValues("ScenarioService", "RunScenario", "InvalidArgument")); got != 1 {
		t.Fatalf("rpc InvalidArgument count = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "manet_rpc_duration_seconds", map[string]string{
		"service": "ScenarioService",
		"method":  "RunScenario",
	}); count != 2 {
		t.Fatalf("rpc duration sample_count = %d, want 2", count)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"/manet.harness.v1.ScenarioService/ListPresets": {"ScenarioService", "ListPresets"},
		"":         {"unknown", "unknown"},
		"/onlyone": {"unknown", "unknown"},
		"/svc/":    {"svc", "unknown"},
	}
	for in, want := range cases {
		service, method := SplitMethod(in)
		if service != want[0] || method != want[1] {
			t.Fatalf("SplitMethod(%q) = %q, %q; want %q, %q", in, service, method, want[0], want[1])
		}
	}
}

func TestMetricsHandlerExposesScenarioMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewScenarioCollector(reg)
	if err != nil {
		t.Fatalf("NewScenarioCollector: %v", err)
	}
	if _, err := NewEngineCollector(reg); err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}
	collector.RunRejected("dsdv")
	collector.IncDrop("link-down")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"manet_scenario_runs_total",
		"manet_scenario_runs_active",
		"manet_packet_drops_total",
		"manet_engine_events_dispatched_total",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

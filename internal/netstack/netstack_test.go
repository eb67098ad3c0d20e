package netstack

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/manet-harness/core"
	"github.com/signalsfoundry/manet-harness/internal/logging"
	"github.com/signalsfoundry/manet-harness/internal/routing"
	"github.com/signalsfoundry/manet-harness/internal/sim/engine"
	"github.com/signalsfoundry/manet-harness/model"
	"github.com/signalsfoundry/manet-harness/timectrl"
)

var testPrefix = netip.MustParsePrefix("10.1.1.0/24")

// newLineNetwork builds n static nodes spaced along the X axis with DSDV
// routing installed.
func newLineNetwork(t *testing.T, xs ...float64) (*Network, *engine.Scheduler) {
	t.Helper()
	sched := engine.NewScheduler(timectrl.NewTimeController(0))
	netw := NewNetwork(sched, core.DefaultRadioModel(), logging.Noop())
	if err := netw.CreateNodes(len(xs)); err != nil {
		t.Fatalf("CreateNodes: %v", err)
	}
	models := make([]core.MotionModel, len(xs))
	for i, x := range xs {
		models[i] = &core.StaticMotionModel{Position: model.Position{X: x}}
	}
	if err := netw.AttachMotion(models); err != nil {
		t.Fatalf("AttachMotion: %v", err)
	}
	if err := netw.AssignAddresses(testPrefix); err != nil {
		t.Fatalf("AssignAddresses: %v", err)
	}
	p, err := routing.New(routing.KindDSDV, routing.DefaultOptions())
	if err != nil {
		t.Fatalf("routing.New: %v", err)
	}
	if err := netw.InstallRouting(p); err != nil {
		t.Fatalf("InstallRouting: %v", err)
	}
	return netw, sched
}

func TestAddressAllocator(t *testing.T) {
	alloc, err := NewAddressAllocator(netip.MustParsePrefix("10.1.1.7/30"))
	if err != nil {
		t.Fatalf("NewAddressAllocator: %v", err)
	}
	want := []string{"10.1.1.5", "10.1.1.6"}
	for _, w := range want {
		addr, err := alloc.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if addr.String() != w {
			t.Fatalf("got %v, want %s", addr, w)
		}
	}
	if _, err := alloc.Next(); !errors.Is(err, ErrAddressSpaceExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	if _, err := NewAddressAllocator(netip.MustParsePrefix("fd00::/64")); !errors.Is(err, ErrInvalidPrefix) {
		t.Fatalf("expected ErrInvalidPrefix for IPv6, got %v", err)
	}
	if got := HostCapacity(testPrefix); got != 254 {
		t.Fatalf("HostCapacity(/24) = %d, want 254", got)
	}
}

func TestAssignAddressesInNodeOrder(t *testing.T) {
	netw, _ := newLineNetwork(t, 0, 100, 200)
	for i, want := range []string{"10.1.1.1", "10.1.1.2", "10.1.1.3"} {
		if got := netw.Address(model.NodeID(i)).String(); got != want {
			t.Fatalf("node %d address = %s, want %s", i, got, want)
		}
	}
	if err := netw.AssignAddresses(testPrefix); !errors.Is(err, ErrAddressesExist) {
		t.Fatalf("second assignment should fail, got %v", err)
	}
}

func TestAssignAddressesChecksCapacity(t *testing.T) {
	sched := engine.NewScheduler(timectrl.NewTimeController(0))
	netw := NewNetwork(sched, core.DefaultRadioModel(), nil)
	if err := netw.CreateNodes(3); err != nil {
		t.Fatalf("CreateNodes: %v", err)
	}
	err := netw.AssignAddresses(netip.MustParsePrefix("10.0.0.0/30"))
	if !errors.Is(err, ErrAddressSpaceExhausted) {
		t.Fatalf("expected exhaustion for 3 nodes in /30, got %v", err)
	}
}

func TestCreateNodesOnce(t *testing.T) {
	sched := engine.NewScheduler(timectrl.NewTimeController(0))
	netw := NewNetwork(sched, core.DefaultRadioModel(), nil)
	if err := netw.CreateNodes(0); !errors.Is(err, ErrNoNodes) {
		t.Fatalf("expected ErrNoNodes, got %v", err)
	}
	if err := netw.CreateNodes(2); err != nil {
		t.Fatalf("CreateNodes: %v", err)
	}
	if err := netw.CreateNodes(2); !errors.Is(err, ErrNodesExist) {
		t.Fatalf("expected ErrNodesExist, got %v", err)
	}
	if err := netw.AttachMotion(nil); !errors.Is(err, ErrMotionMismatch) {
		t.Fatalf("expected ErrMotionMismatch, got %v", err)
	}
}

func TestMultiHopDelivery(t *testing.T) {
	netw, sched := newLineNetwork(t, 0, 100, 200)

	sink, err := netw.InstallSink(0, 9, time.Second, 20*time.Second)
	if err != nil {
		t.Fatalf("InstallSink: %v", err)
	}
	var arrivals []Arrival
	sink.Subscribe(func(a Arrival) { arrivals = append(arrivals, a) })

	dst := netip.AddrPortFrom(netw.Address(0), 9)
	src, err := netw.InstallSource(2, dst, SourceConfig{
		PacketSize: 1024,
		MaxPackets: 5,
		Interval:   time.Second,
		Start:      2 * time.Second,
		Stop:       20 * time.Second,
	})
	if err != nil {
		t.Fatalf("InstallSource: %v", err)
	}

	if err := sched.Run(context.Background(), 20*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if src.Sent() != 5 {
		t.Fatalf("sent = %d, want 5", src.Sent())
	}
	if len(arrivals) != 5 || sink.Received() != 5 {
		t.Fatalf("arrivals = %d, received = %d, want 5", len(arrivals), sink.Received())
	}
	if sink.TotalRx() != 5*1024 {
		t.Fatalf("TotalRx = %d, want %d", sink.TotalRx(), 5*1024)
	}
	for i, a := range arrivals {
		if a.Hops != 2 {
			t.Fatalf("arrival %d took %d hops, want 2", i, a.Hops)
		}
		sentAt := time.Duration(i+2) * time.Second
		if a.At <= sentAt || a.At > sentAt+10*time.Millisecond {
			t.Fatalf("arrival %d at %v, want shortly after %v", i, a.At, sentAt)
		}
		if a.From.Addr() != netw.Address(2) {
			t.Fatalf("arrival %d from %v", i, a.From)
		}
	}

	stats := netw.Stats()
	if stats.Sent != 5 || stats.Delivered != 5 || stats.Forwarded != 5 || stats.TotalDropped() != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSinkRejectsOutsideWindow(t *testing.T) {
	netw, sched := newLineNetwork(t, 0, 100)
	sink, err := netw.InstallSink(0, 9, time.Second, 3*time.Second)
	if err != nil {
		t.Fatalf("InstallSink: %v", err)
	}
	var drops []DropReason
	netw.OnDrop(func(r DropReason) { drops = append(drops, r) })

	dst := netip.AddrPortFrom(netw.Address(0), 9)
	if _, err := netw.InstallSource(1, dst, SourceConfig{
		PacketSize: 512, MaxPackets: 5, Interval: time.Second,
		Start: 2 * time.Second, Stop: 20 * time.Second,
	}); err != nil {
		t.Fatalf("InstallSource: %v", err)
	}
	if err := sched.Run(context.Background(), 20*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sink.Received() != 1 {
		t.Fatalf("received = %d, want 1", sink.Received())
	}
	if len(drops) != 4 {
		t.Fatalf("drops = %v, want 4", drops)
	}
	for _, r := range drops {
		if r != DropNoListener {
			t.Fatalf("drop reason %q, want %q", r, DropNoListener)
		}
	}
	if got := netw.Stats().Dropped[DropNoListener]; got != 4 {
		t.Fatalf("no-listener drops = %d, want 4", got)
	}
}

func TestUnreachableDestinationDropsNoRoute(t *testing.T) {
	netw, sched := newLineNetwork(t, 0, 1000)
	if _, err := netw.InstallSink(0, 9, 0, 10*time.Second); err != nil {
		t.Fatalf("InstallSink: %v", err)
	}
	dst := netip.AddrPortFrom(netw.Address(0), 9)
	if _, err := netw.InstallSource(1, dst, SourceConfig{
		PacketSize: 100, MaxPackets: 3, Interval: time.Second,
		Start: time.Second, Stop: 10 * time.Second,
	}); err != nil {
		t.Fatalf("InstallSource: %v", err)
	}
	if err := sched.Run(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	stats := netw.Stats()
	if stats.Delivered != 0 || stats.Dropped[DropNoRoute] != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSourceHonoursStop(t *testing.T) {
	netw, sched := newLineNetwork(t, 0, 100)
	if _, err := netw.InstallSink(0, 9, 0, 20*time.Second); err != nil {
		t.Fatalf("InstallSink: %v", err)
	}
	dst := netip.AddrPortFrom(netw.Address(0), 9)
	src, err := netw.InstallSource(1, dst, SourceConfig{
		PacketSize: 1024, MaxPackets: 100, Interval: time.Second,
		Start: 2 * time.Second, Stop: 20 * time.Second,
	})
	if err != nil {
		t.Fatalf("InstallSource: %v", err)
	}
	if err := sched.Run(context.Background(), 30*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if src.Sent() != 18 {
		t.Fatalf("sent = %d, want 18", src.Sent())
	}
}

func TestInstallAppsValidation(t *testing.T) {
	netw, _ := newLineNetwork(t, 0, 100)
	if _, err := netw.InstallSink(5, 9, 0, time.Second); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
	if _, err := netw.InstallSink(0, 9, 2*time.Second, time.Second); !errors.Is(err, ErrInvalidApp) {
		t.Fatalf("expected ErrInvalidApp, got %v", err)
	}
	if _, err := netw.InstallSink(0, 9, 0, time.Second); err != nil {
		t.Fatalf("InstallSink: %v", err)
	}
	if _, err := netw.InstallSink(0, 9, 0, time.Second); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}
	dst := netip.AddrPortFrom(netw.Address(0), 9)
	if _, err := netw.InstallSource(1, dst, SourceConfig{PacketSize: 10, MaxPackets: 1, Start: 0, Stop: time.Second}); !errors.Is(err, ErrInvalidApp) {
		t.Fatalf("zero interval should be rejected, got %v", err)
	}
}

func TestScheduleRoutingDump(t *testing.T) {
	netw, sched := newLineNetwork(t, 0, 100, 200)
	var buf bytes.Buffer
	if err := netw.ScheduleRoutingDump(5*time.Second, &buf); err != nil {
		t.Fatalf("ScheduleRoutingDump: %v", err)
	}
	if err := sched.Run(context.Background(), 20*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := buf.String()
	if got := strings.Count(out, "Node: "); got != 3 {
		t.Fatalf("dump has %d tables, want 3:\n%s", got, out)
	}
	if !strings.Contains(out, "Time: 5.000s") || !strings.Contains(out, "10.1.1.3") {
		t.Fatalf("dump missing time or addresses:\n%s", out)
	}
}

func TestScheduleRoutingDumpRequiresRouting(t *testing.T) {
	sched := engine.NewScheduler(timectrl.NewTimeController(0))
	netw := NewNetwork(sched, core.DefaultRadioModel(), nil)
	if err := netw.ScheduleRoutingDump(time.Second, &bytes.Buffer{}); !errors.Is(err, ErrNoRouting) {
		t.Fatalf("expected ErrNoRouting, got %v", err)
	}
}

func TestSnapshotAndNeighborGraph(t *testing.T) {
	netw, _ := newLineNetwork(t, 0, 100, 200)
	nodes := netw.Snapshot(0)
	if len(nodes) != 3 || nodes[2].Position == nil || nodes[2].Position.X != 200 || !nodes[2].HasAddress() {
		t.Fatalf("unexpected snapshot: %+v", nodes)
	}
	g := netw.NeighborGraph(time.Second)
	if got := g.Neighbors(1); len(got) != 2 {
		t.Fatalf("node 1 neighbors = %v, want [0 2]", got)
	}
	if _, ok := g.Link(0, 2); ok {
		t.Fatalf("nodes 200 m apart should not be linked")
	}
}

func TestSourcePortStaysInEphemeralRange(t *testing.T) {
	tests := []struct {
		id   model.NodeID
		want uint16
	}{
		{0, 49153},
		{1, 49154},
		{16382, 65535},
		{16383, 49153},
		{16384, 49154},
		{65000, 49153 + 65000%16383},
	}
	for _, tt := range tests {
		got := sourcePort(tt.id)
		if got != tt.want {
			t.Fatalf("sourcePort(%d) = %d, want %d", tt.id, got, tt.want)
		}
		if got < ephemeralPortBase {
			t.Fatalf("sourcePort(%d) = %d below ephemeral range", tt.id, got)
		}
	}
}

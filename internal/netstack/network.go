package netstack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/signalsfoundry/manet-harness/core"
	"github.com/signalsfoundry/manet-harness/internal/logging"
	"github.com/signalsfoundry/manet-harness/internal/routing"
	"github.com/signalsfoundry/manet-harness/internal/sim/engine"
	"github.com/signalsfoundry/manet-harness/model"
)

var (
	ErrNodesExist       = errors.New("nodes already created")
	ErrNoNodes          = errors.New("no nodes created")
	ErrUnknownNode      = errors.New("unknown node")
	ErrMotionMismatch   = errors.New("motion model count does not match node count")
	ErrNoMotion         = errors.New("motion not attached")
	ErrNoAddress        = errors.New("node has no address")
	ErrNoRouting        = errors.New("routing not installed")
	ErrPortInUse        = errors.New("port already bound")
	ErrInvalidApp       = errors.New("invalid application parameters")
	ErrAddressesExist   = errors.New("addresses already assigned")
	ErrRoutingInstalled = errors.New("routing already installed")
)

// Node is one simulated host: an identity, a motion model, an IPv4
// address and the UDP ports bound on it.
type Node struct {
	ID      model.NodeID
	Motion  core.MotionModel
	Address netip.Addr

	sinks map[uint16]*PacketSink
}

// Network owns every node of a run and forwards packets between them over
// the wireless channel using the installed routing protocol. All methods
// except Stats are expected to run on the scheduler's event goroutine or
// before the run starts.
type Network struct {
	sched *engine.Scheduler
	conn  *core.ConnectivityService
	log   logging.Logger

	nodes   []*Node
	byAddr  map[netip.Addr]*Node
	routing routing.Protocol

	static bool
	graph  *core.Graph

	nextPacketID uint64
	onDrop       []func(DropReason)

	mu    sync.Mutex
	stats Stats
}

// NewNetwork creates an empty network bound to a scheduler.
func NewNetwork(sched *engine.Scheduler, radio core.RadioModel, log logging.Logger) *Network {
	return &Network{
		sched:  sched,
		conn:   core.NewConnectivityService(radio),
		log:    logging.OrNoop(log).With(logging.String("component", "netstack")),
		byAddr: make(map[netip.Addr]*Node),
		stats:  Stats{Dropped: make(map[DropReason]uint64)},
	}
}

// CreateNodes allocates nodes 0..count-1. It may be called once.
func (n *Network) CreateNodes(count int) error {
	if len(n.nodes) > 0 {
		return ErrNodesExist
	}
	if count <= 0 {
		return fmt.Errorf("%w: count %d", ErrNoNodes, count)
	}
	n.nodes = make([]*Node, count)
	for i := range n.nodes {
		n.nodes[i] = &Node{ID: model.NodeID(i), sinks: make(map[uint16]*PacketSink)}
	}
	return nil
}

// AttachMotion gives node i the motion model models[i] and schedules
// resampling for mobile models.
func (n *Network) AttachMotion(models []core.MotionModel) error {
	if len(n.nodes) == 0 {
		return ErrNoNodes
	}
	if len(models) != len(n.nodes) {
		return fmt.Errorf("%w: %d models for %d nodes", ErrMotionMismatch, len(models), len(n.nodes))
	}
	n.static = true
	for i, m := range models {
		n.nodes[i].Motion = m
		if _, ok := m.(*core.StaticMotionModel); !ok {
			n.static = false
		}
	}
	n.graph = nil
	core.AttachMobility(n.sched, models)
	return nil
}

// AssignAddresses gives node i the i-th host address of prefix.
func (n *Network) AssignAddresses(prefix netip.Prefix) error {
	if len(n.nodes) == 0 {
		return ErrNoNodes
	}
	if len(n.byAddr) > 0 {
		return ErrAddressesExist
	}
	if capacity := HostCapacity(prefix); capacity < len(n.nodes) {
		return fmt.Errorf("%w: %v holds %d hosts, need %d", ErrAddressSpaceExhausted, prefix, capacity, len(n.nodes))
	}
	alloc, err := NewAddressAllocator(prefix)
	if err != nil {
		return err
	}
	for _, node := range n.nodes {
		addr, err := alloc.Next()
		if err != nil {
			return err
		}
		node.Address = addr
		n.byAddr[addr] = node
	}
	return nil
}

// InstallRouting starts p on every node.
func (n *Network) InstallRouting(p routing.Protocol) error {
	if n.routing != nil {
		return ErrRoutingInstalled
	}
	if len(n.nodes) == 0 {
		return ErrNoNodes
	}
	if n.nodes[0].Motion == nil {
		return ErrNoMotion
	}
	if err := p.Start(n, n.sched); err != nil {
		return fmt.Errorf("start %s routing: %w", p.Kind(), err)
	}
	n.routing = p
	n.log.Debug(context.Background(), "routing installed",
		logging.String("protocol", string(p.Kind())), logging.Int("nodes", len(n.nodes)))
	return nil
}

// Routing returns the installed protocol, or nil.
func (n *Network) Routing() routing.Protocol { return n.routing }

// NodeCount implements routing.LinkView.
func (n *Network) NodeCount() int { return len(n.nodes) }

// NeighborGraph implements routing.LinkView. Graphs are cached per
// timestamp, and forever when every node is static.
func (n *Network) NeighborGraph(now time.Duration) *core.Graph {
	if n.graph != nil && (n.static || n.graph.At == now) {
		return n.graph
	}
	positions := make([]model.Position, len(n.nodes))
	for i, node := range n.nodes {
		if node.Motion != nil {
			positions[i] = node.Motion.PositionAt(now)
		}
	}
	n.graph = n.conn.Evaluate(positions, now)
	return n.graph
}

// Node returns the node with the given ID.
func (n *Network) Node(id model.NodeID) (*Node, error) {
	if id < 0 || int(id) >= len(n.nodes) {
		return nil, fmt.Errorf("%w: %v", ErrUnknownNode, id)
	}
	return n.nodes[id], nil
}

// Address returns the address of a node, or the zero Addr.
func (n *Network) Address(id model.NodeID) netip.Addr {
	node, err := n.Node(id)
	if err != nil {
		return netip.Addr{}
	}
	return node.Address
}

// Snapshot returns the nodes with their positions at now.
func (n *Network) Snapshot(now time.Duration) []model.Node {
	out := make([]model.Node, len(n.nodes))
	for i, node := range n.nodes {
		out[i] = model.Node{ID: node.ID, Address: node.Address}
		if node.Motion != nil {
			p := node.Motion.PositionAt(now)
			out[i].Position = &p
		}
	}
	return out
}

// OnDrop registers fn to be told about every dropped packet.
func (n *Network) OnDrop(fn func(DropReason)) {
	n.onDrop = append(n.onDrop, fn)
}

// Stats returns a copy of the packet counters.
func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.stats
	out.Dropped = make(map[DropReason]uint64, len(n.stats.Dropped))
	for k, v := range n.stats.Dropped {
		out.Dropped[k] = v
	}
	return out
}

// ScheduleRoutingDump writes every node's routing table to w at simulated
// time at. Write failures are logged and do not stop the run.
func (n *Network) ScheduleRoutingDump(at time.Duration, w io.Writer) error {
	if n.routing == nil {
		return ErrNoRouting
	}
	if w == nil {
		return errors.New("nil routing dump writer")
	}
	n.sched.Schedule(at, func() {
		now := n.sched.Now()
		addr := func(id model.NodeID) string { return n.Address(id).String() }
		if err := routing.WriteAllTables(w, n.routing, len(n.nodes), now, addr); err != nil {
			n.log.Warn(context.Background(), "routing dump failed", logging.Duration("at", now), logging.Err(err))
		}
	})
	return nil
}

// send injects a datagram at src addressed to dst.
func (n *Network) send(src *Node, srcPort uint16, dst netip.AddrPort, size int) {
	n.nextPacketID++
	pkt := &Packet{
		ID:        n.nextPacketID,
		Src:       netip.AddrPortFrom(src.Address, srcPort),
		Dst:       dst,
		SizeBytes: size,
		SentAt:    n.sched.Now(),
		TTL:       defaultTTL,
	}
	n.count(func(s *Stats) { s.Sent++ })
	n.forward(pkt, src.ID)
}

// forward moves pkt one hop closer to its destination, or delivers it when
// cur is the destination.
func (n *Network) forward(pkt *Packet, cur model.NodeID) {
	dst, ok := n.byAddr[pkt.Dst.Addr()]
	if !ok {
		n.drop(pkt, DropUnknownDestination)
		return
	}
	if dst.ID == cur {
		n.deliver(pkt, dst)
		return
	}
	if n.routing == nil {
		n.drop(pkt, DropNoRoute)
		return
	}
	if pkt.TTL <= 0 {
		n.drop(pkt, DropTTLExpired)
		return
	}
	next, ok := n.routing.NextHop(cur, dst.ID)
	if !ok {
		n.drop(pkt, DropNoRoute)
		return
	}
	if next < 0 || int(next) >= len(n.nodes) {
		n.sched.Abort(fmt.Errorf("routing returned next hop %v outside %d nodes", next, len(n.nodes)))
		return
	}
	now := n.sched.Now()
	link, ok := n.NeighborGraph(now).Link(cur, next)
	if !ok {
		n.drop(pkt, DropLinkDown)
		return
	}
	if pkt.Hops > 0 {
		n.count(func(s *Stats) { s.Forwarded++ })
	}
	pkt.TTL--
	pkt.Hops++
	delay := n.conn.Radio.TransmissionDelay(pkt.SizeBytes) + core.PropagationDelay(link.DistanceM)
	n.sched.Schedule(now+delay, func() { n.forward(pkt, next) })
}

func (n *Network) deliver(pkt *Packet, dst *Node) {
	sink, ok := dst.sinks[pkt.Dst.Port()]
	if !ok || !sink.receive(pkt, n.sched.Now()) {
		n.drop(pkt, DropNoListener)
		return
	}
	n.count(func(s *Stats) { s.Delivered++ })
}

func (n *Network) drop(pkt *Packet, reason DropReason) {
	n.count(func(s *Stats) { s.Dropped[reason]++ })
	n.log.Debug(context.Background(), "packet dropped",
		logging.Uint64("packet", pkt.ID),
		logging.String("reason", string(reason)),
		logging.String("dst", pkt.Dst.String()),
		logging.Int("hops", pkt.Hops))
	for _, fn := range n.onDrop {
		fn(reason)
	}
}

func (n *Network) count(fn func(*Stats)) {
	n.mu.Lock()
	fn(&n.stats)
	n.mu.Unlock()
}

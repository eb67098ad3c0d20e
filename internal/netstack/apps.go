package netstack

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/signalsfoundry/manet-harness/internal/logging"
	"github.com/signalsfoundry/manet-harness/internal/sim/engine"
	"github.com/signalsfoundry/manet-harness/model"
)

// Arrival describes one datagram handed to a sink application.
type Arrival struct {
	SizeBytes int
	From      netip.AddrPort
	At        time.Duration
	Hops      int
}

// PacketSink accepts datagrams on one port while active, [Start, Stop).
type PacketSink struct {
	Node  model.NodeID
	Port  uint16
	Start time.Duration
	Stop  time.Duration

	subscribers []func(Arrival)
	totalRx     uint64
	received    uint64
}

// Subscribe registers fn to be called for every accepted datagram, in
// delivery order, on the event goroutine.
func (s *PacketSink) Subscribe(fn func(Arrival)) {
	s.subscribers = append(s.subscribers, fn)
}

// TotalRx returns the payload bytes accepted so far.
func (s *PacketSink) TotalRx() uint64 { return s.totalRx }

// Received returns the number of datagrams accepted so far.
func (s *PacketSink) Received() uint64 { return s.received }

// Active reports whether the sink accepts datagrams at now.
func (s *PacketSink) Active(now time.Duration) bool {
	return now >= s.Start && now < s.Stop
}

func (s *PacketSink) receive(pkt *Packet, now time.Duration) bool {
	if !s.Active(now) {
		return false
	}
	s.totalRx += uint64(pkt.SizeBytes)
	s.received++
	a := Arrival{SizeBytes: pkt.SizeBytes, From: pkt.Src, At: now, Hops: pkt.Hops}
	for _, fn := range s.subscribers {
		fn(a)
	}
	return true
}

// SourceConfig parameterises a constant-rate UDP source.
type SourceConfig struct {
	PacketSize int
	MaxPackets int
	Interval   time.Duration
	Start      time.Duration
	Stop       time.Duration
}

func (c SourceConfig) validate() error {
	switch {
	case c.PacketSize <= 0:
		return fmt.Errorf("%w: packet size %d", ErrInvalidApp, c.PacketSize)
	case c.MaxPackets <= 0:
		return fmt.Errorf("%w: max packets %d", ErrInvalidApp, c.MaxPackets)
	case c.Interval <= 0:
		return fmt.Errorf("%w: interval %v", ErrInvalidApp, c.Interval)
	case c.Start < 0 || c.Start >= c.Stop:
		return fmt.Errorf("%w: window [%v, %v)", ErrInvalidApp, c.Start, c.Stop)
	}
	return nil
}

// UDPSource emits fixed-size datagrams to one destination at a constant
// interval until MaxPackets are sent or Stop is reached.
type UDPSource struct {
	Node   model.NodeID
	Dst    netip.AddrPort
	Config SourceConfig

	net     *Network
	srcPort uint16
	sent    int
	pending engine.EventID
	stopped bool
}

// Sent returns how many datagrams the source emitted.
func (s *UDPSource) Sent() int { return s.sent }

func (s *UDPSource) emit() {
	s.pending = 0
	now := s.net.sched.Now()
	if s.stopped || s.sent >= s.Config.MaxPackets || now >= s.Config.Stop {
		return
	}
	node := s.net.nodes[s.Node]
	s.sent++
	s.net.send(node, s.srcPort, s.Dst, s.Config.PacketSize)

	next := now + s.Config.Interval
	if s.sent < s.Config.MaxPackets && next < s.Config.Stop {
		s.pending = s.net.sched.Schedule(next, s.emit)
	}
}

func (s *UDPSource) halt() {
	s.stopped = true
	if s.pending != 0 {
		s.net.sched.Cancel(s.pending)
		s.pending = 0
	}
}

// InstallSink binds a sink on node:port active over [start, stop).
func (n *Network) InstallSink(id model.NodeID, port uint16, start, stop time.Duration) (*PacketSink, error) {
	node, err := n.Node(id)
	if err != nil {
		return nil, err
	}
	if !node.Address.IsValid() {
		return nil, fmt.Errorf("%w: %v", ErrNoAddress, id)
	}
	if port == 0 || start < 0 || start >= stop {
		return nil, fmt.Errorf("%w: sink port %d window [%v, %v)", ErrInvalidApp, port, start, stop)
	}
	if _, ok := node.sinks[port]; ok {
		return nil, fmt.Errorf("%w: %v:%d", ErrPortInUse, id, port)
	}
	sink := &PacketSink{Node: id, Port: port, Start: start, Stop: stop}
	node.sinks[port] = sink
	n.log.Debug(context.Background(), "sink installed",
		logging.String("node", id.String()), logging.Int("port", int(port)),
		logging.Duration("start", start), logging.Duration("stop", stop))
	return sink, nil
}

// InstallSource schedules a UDP source on node id sending to dst.
func (n *Network) InstallSource(id model.NodeID, dst netip.AddrPort, cfg SourceConfig) (*UDPSource, error) {
	node, err := n.Node(id)
	if err != nil {
		return nil, err
	}
	if !node.Address.IsValid() {
		return nil, fmt.Errorf("%w: %v", ErrNoAddress, id)
	}
	if !dst.IsValid() {
		return nil, fmt.Errorf("%w: destination %v", ErrInvalidApp, dst)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	src := &UDPSource{
		Node:    id,
		Dst:     dst,
		Config:  cfg,
		net:     n,
		srcPort: sourcePort(id),
	}
	src.pending = n.sched.Schedule(cfg.Start, src.emit)
	n.sched.Schedule(cfg.Stop, src.halt)
	return src, nil
}

const (
	ephemeralPortBase  = 49153
	ephemeralPortCount = 65535 - ephemeralPortBase + 1
)

// sourcePort maps a node to a port in the IANA ephemeral range
// [49153, 65535], wrapping for large node IDs.
func sourcePort(id model.NodeID) uint16 {
	return ephemeralPortBase + uint16(int(id)%ephemeralPortCount)
}

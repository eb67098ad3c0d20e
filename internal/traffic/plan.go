// Package traffic describes the application traffic of a scenario: one
// sink node receiving constant-rate UDP streams from every other node.
package traffic

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/signalsfoundry/manet-harness/internal/netstack"
	"github.com/signalsfoundry/manet-harness/model"
)

// ErrInvalidParams is wrapped by every ParamError.
var ErrInvalidParams = errors.New("invalid traffic parameters")

// ParamError names the offending parameter.
type ParamError struct {
	Field  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("traffic %s: %s", e.Field, e.Reason)
}

func (e *ParamError) Unwrap() error { return ErrInvalidParams }

// Params are the scenario-level traffic knobs.
type Params struct {
	SinkIndex  int           `json:"sink_index" yaml:"sink_index"`
	Port       uint16        `json:"port" yaml:"port"`
	PacketSize int           `json:"packet_size" yaml:"packet_size"`
	MaxPackets int           `json:"max_packets" yaml:"max_packets"`
	Interval   time.Duration `json:"interval" yaml:"interval"`

	SinkStart   time.Duration `json:"sink_start" yaml:"sink_start"`
	SinkStop    time.Duration `json:"sink_stop" yaml:"sink_stop"`
	SourceStart time.Duration `json:"source_start" yaml:"source_start"`
	SourceStop  time.Duration `json:"source_stop" yaml:"source_stop"`

	// WarmUp is the earliest time a source may start, leaving routing a
	// chance to converge.
	WarmUp time.Duration `json:"warm_up" yaml:"warm_up"`
}

// DefaultParams matches the classic experiment: node 0 listens on port 9
// from 1 s to 20 s, every other node sends 1024-byte datagrams each
// second from 2 s.
func DefaultParams() Params {
	return Params{
		SinkIndex:   0,
		Port:        9,
		PacketSize:  1024,
		MaxPackets:  100,
		Interval:    time.Second,
		SinkStart:   time.Second,
		SinkStop:    20 * time.Second,
		SourceStart: 2 * time.Second,
		SourceStop:  20 * time.Second,
		WarmUp:      time.Second,
	}
}

// Validate checks p against a run of n nodes ending at scenarioEnd. All
// problems are reported, joined.
func (p Params) Validate(n int, scenarioEnd time.Duration) error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &ParamError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if p.SinkIndex < 0 || p.SinkIndex >= n {
		bad("sink_index", "%d out of range for %d nodes", p.SinkIndex, n)
	}
	if p.Port == 0 {
		bad("port", "must be non-zero")
	}
	if p.PacketSize <= 0 {
		bad("packet_size", "must be positive, got %d", p.PacketSize)
	}
	if p.MaxPackets <= 0 {
		bad("max_packets", "must be positive, got %d", p.MaxPackets)
	}
	if p.Interval <= 0 {
		bad("interval", "must be positive, got %v", p.Interval)
	}
	if p.WarmUp < 0 {
		bad("warm_up", "must not be negative, got %v", p.WarmUp)
	}
	if p.SinkStart < 0 {
		bad("sink_start", "must not be negative, got %v", p.SinkStart)
	}
	if p.SinkStart >= p.SinkStop {
		bad("sink_stop", "%v must be after sink_start %v", p.SinkStop, p.SinkStart)
	}
	if p.SinkStop > scenarioEnd {
		bad("sink_stop", "%v is past the scenario end %v", p.SinkStop, scenarioEnd)
	}
	if p.SourceStart < p.WarmUp {
		bad("source_start", "%v is before the warm-up offset %v", p.SourceStart, p.WarmUp)
	}
	if p.SourceStart >= p.SourceStop {
		bad("source_stop", "%v must be after source_start %v", p.SourceStop, p.SourceStart)
	}
	if p.SourceStop > scenarioEnd {
		bad("source_stop", "%v is past the scenario end %v", p.SourceStop, scenarioEnd)
	}
	return errors.Join(errs...)
}

// SinkSpec is the logical description of the sink application.
type SinkSpec struct {
	Node  model.NodeID
	Port  uint16
	Start time.Duration
	Stop  time.Duration
}

// SourceSpec is the logical description of one source application.
type SourceSpec struct {
	Node       model.NodeID
	PacketSize int
	MaxPackets int
	Interval   time.Duration
	Start      time.Duration
	Stop       time.Duration
}

// EmissionCount is the number of datagrams the source sends:
// min(MaxPackets, ceil((Stop-Start)/Interval)).
func (s SourceSpec) EmissionCount() int {
	if s.Interval <= 0 || s.Start >= s.Stop || s.MaxPackets <= 0 {
		return 0
	}
	window := s.Stop - s.Start
	slots := int((window + s.Interval - 1) / s.Interval)
	return min(slots, s.MaxPackets)
}

// EmissionTimes lists the simulated send times.
func (s SourceSpec) EmissionTimes() []time.Duration {
	count := s.EmissionCount()
	out := make([]time.Duration, count)
	for k := range out {
		out[k] = s.Start + time.Duration(k)*s.Interval
	}
	return out
}

// Plan is one sink and N-1 sources.
type Plan struct {
	Sink    SinkSpec
	Sources []SourceSpec
}

// NewPlan derives the traffic plan for n nodes. A single-node scenario has
// a sink and no sources.
func NewPlan(n int, p Params, scenarioEnd time.Duration) (*Plan, error) {
	if err := p.Validate(n, scenarioEnd); err != nil {
		return nil, err
	}
	plan := &Plan{
		Sink: SinkSpec{
			Node:  model.NodeID(p.SinkIndex),
			Port:  p.Port,
			Start: p.SinkStart,
			Stop:  p.SinkStop,
		},
		Sources: make([]SourceSpec, 0, n-1),
	}
	for i := 0; i < n; i++ {
		if i == p.SinkIndex {
			continue
		}
		plan.Sources = append(plan.Sources, SourceSpec{
			Node:       model.NodeID(i),
			PacketSize: p.PacketSize,
			MaxPackets: p.MaxPackets,
			Interval:   p.Interval,
			Start:      p.SourceStart,
			Stop:       p.SourceStop,
		})
	}
	return plan, nil
}

// LatestSourceStop is the last stop time among all sources.
func (p *Plan) LatestSourceStop() time.Duration {
	var latest time.Duration
	for _, s := range p.Sources {
		latest = max(latest, s.Stop)
	}
	return latest
}

// Truncated reports whether the sink closes before the sources stop.
// Datagrams arriving after the sink closes are dropped.
func (p *Plan) Truncated() bool {
	return len(p.Sources) > 0 && p.Sink.Stop < p.LatestSourceStop()
}

// ExpectedPackets is the number of datagrams the sources will emit.
func (p *Plan) ExpectedPackets() int {
	total := 0
	for _, s := range p.Sources {
		total += s.EmissionCount()
	}
	return total
}

// ExpectedBytes is the payload the sources will emit.
func (p *Plan) ExpectedBytes() uint64 {
	var total uint64
	for _, s := range p.Sources {
		total += uint64(s.EmissionCount()) * uint64(s.PacketSize)
	}
	return total
}

// Stack is the part of the network stack a plan is installed on.
type Stack interface {
	InstallSink(id model.NodeID, port uint16, start, stop time.Duration) (*netstack.PacketSink, error)
	InstallSource(id model.NodeID, dst netip.AddrPort, cfg netstack.SourceConfig) (*netstack.UDPSource, error)
}

// Installation holds the applications created by Install.
type Installation struct {
	Sink    *netstack.PacketSink
	Sources []*netstack.UDPSource
}

// Install creates the sink and every source on stack. Sources send to
// sinkAddr on the sink port.
func (p *Plan) Install(stack Stack, sinkAddr netip.Addr) (*Installation, error) {
	if !sinkAddr.IsValid() {
		return nil, fmt.Errorf("%w: sink address %v", ErrInvalidParams, sinkAddr)
	}
	sink, err := stack.InstallSink(p.Sink.Node, p.Sink.Port, p.Sink.Start, p.Sink.Stop)
	if err != nil {
		return nil, fmt.Errorf("install sink on %v: %w", p.Sink.Node, err)
	}
	inst := &Installation{Sink: sink, Sources: make([]*netstack.UDPSource, 0, len(p.Sources))}
	dst := netip.AddrPortFrom(sinkAddr, p.Sink.Port)
	for _, s := range p.Sources {
		src, err := stack.InstallSource(s.Node, dst, netstack.SourceConfig{
			PacketSize: s.PacketSize,
			MaxPackets: s.MaxPackets,
			Interval:   s.Interval,
			Start:      s.Start,
			Stop:       s.Stop,
		})
		if err != nil {
			return nil, fmt.Errorf("install source on %v: %w", s.Node, err)
		}
		inst.Sources = append(inst.Sources, src)
	}
	return inst, nil
}

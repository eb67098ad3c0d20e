// Package routing holds the routing protocols that can be installed on the
// simulated network stack. The scenario layer treats them as opaque
// handles selected by a Kind token.
package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/signalsfoundry/manet-harness/core"
	"github.com/signalsfoundry/manet-harness/model"
)

var (
	ErrUnknownProtocol = errors.New("unknown routing protocol")
	ErrAlreadyStarted  = errors.New("routing protocol already started")
	ErrInvalidOptions  = errors.New("invalid routing options")
)

// infiniteHops marks an unreachable destination.
const infiniteHops = 255

// Kind is the configuration token that selects a protocol.
type Kind string

const (
	KindDSDV Kind = "dsdv"
	KindOLSR Kind = "olsr"
)

// Kinds lists every registered protocol token.
func Kinds() []Kind {
	return []Kind{KindDSDV, KindOLSR}
}

// ParseKind normalises a user-supplied token.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}

// LinkView exposes the current neighbor graph of the network.
type LinkView interface {
	NodeCount() int
	NeighborGraph(now time.Duration) *core.Graph
}

// Route is one routing table entry.
type Route struct {
	Destination model.NodeID
	NextHop     model.NodeID
	Hops        int
	SeqNo       uint32
	Installed   time.Duration
}

// Reachable reports whether the route can forward traffic.
func (r Route) Reachable() bool {
	return r.Hops < infiniteHops
}

// Protocol is a routing protocol instance bound to one network.
type Protocol interface {
	Kind() Kind
	// Start installs the protocol and schedules its periodic work.
	Start(view LinkView, sched core.EventScheduler) error
	// NextHop returns the neighbor of from that forwards toward to.
	NextHop(from, to model.NodeID) (model.NodeID, bool)
	// Routes returns node's table ordered by destination.
	Routes(node model.NodeID) []Route
}

// DSDVOptions tunes the distance-vector protocol.
type DSDVOptions struct {
	PeriodicUpdateInterval time.Duration
}

// OLSROptions tunes the link-state protocol.
type OLSROptions struct {
	HelloInterval time.Duration
	TCInterval    time.Duration
}

// Options carries the options of every protocol; only the selected one
// is used.
type Options struct {
	DSDV DSDVOptions
	OLSR OLSROptions
}

// DefaultOptions returns the customary protocol timers.
func DefaultOptions() Options {
	return Options{
		DSDV: DSDVOptions{PeriodicUpdateInterval: 15 * time.Second},
		OLSR: OLSROptions{HelloInterval: 2 * time.Second, TCInterval: 5 * time.Second},
	}
}

// Validate checks the options used by kind.
func (o Options) Validate(kind Kind) error {
	switch kind {
	case KindDSDV:
		if o.DSDV.PeriodicUpdateInterval <= 0 {
			return fmt.Errorf("%w: dsdv periodic update interval must be positive", ErrInvalidOptions)
		}
	case KindOLSR:
		if o.OLSR.HelloInterval <= 0 || o.OLSR.TCInterval <= 0 {
			return fmt.Errorf("%w: olsr hello and tc intervals must be positive", ErrInvalidOptions)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProtocol, kind)
	}
	return nil
}

// New constructs an unstarted protocol instance.
func New(kind Kind, opts Options) (Protocol, error) {
	if err := opts.Validate(kind); err != nil {
		return nil, err
	}
	switch kind {
	case KindDSDV:
		return NewDSDV(opts.DSDV), nil
	case KindOLSR:
		return NewOLSR(opts.OLSR), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, kind)
}

// table is one node's routing table.
type table map[model.NodeID]Route

func (t table) sorted() []Route {
	out := make([]Route, 0, len(t))
	for _, r := range t {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

func newTables(n int) []table {
	tables := make([]table, n)
	for i := range tables {
		tables[i] = make(table)
	}
	return tables
}

func lookupNextHop(tables []table, from, to model.NodeID) (model.NodeID, bool) {
	if int(from) < 0 || int(from) >= len(tables) {
		return 0, false
	}
	if from == to {
		return to, true
	}
	r, ok := tables[from][to]
	if !ok || !r.Reachable() {
		return 0, false
	}
	return r.NextHop, true
}

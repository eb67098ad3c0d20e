package routing

import (
	"time"

	"github.com/signalsfoundry/manet-harness/core"
	"github.com/signalsfoundry/manet-harness/model"
)

// DSDV is a destination-sequenced distance-vector protocol. Every
// PeriodicUpdateInterval each node bumps its own (even) sequence number,
// routes over lost neighbors are poisoned with an odd sequence number,
// and advertisements are exchanged until the tables settle.
//
// Between updates tables are frozen, so routes may go stale while nodes
// move.
type DSDV struct {
	opts  DSDVOptions
	view  LinkView
	sched core.EventScheduler

	tables []table
	seq    []uint32
	rounds int
}

func NewDSDV(opts DSDVOptions) *DSDV {
	return &DSDV{opts: opts}
}

func (d *DSDV) Kind() Kind { return KindDSDV }

// Start performs the first update immediately.
func (d *DSDV) Start(view LinkView, sched core.EventScheduler) error {
	if d.view != nil {
		return ErrAlreadyStarted
	}
	d.view = view
	d.sched = sched
	d.tables = newTables(view.NodeCount())
	d.seq = make([]uint32, view.NodeCount())

	var tick func()
	tick = func() {
		d.update(sched.Now())
		sched.Schedule(sched.Now()+d.opts.PeriodicUpdateInterval, tick)
	}
	tick()
	return nil
}

// Rounds returns how many periodic updates have run.
func (d *DSDV) Rounds() int {
	return d.rounds
}

func (d *DSDV) update(now time.Duration) {
	d.rounds++
	g := d.view.NeighborGraph(now)

	for i := range d.tables {
		d.seq[i] += 2
		self := model.NodeID(i)
		d.tables[i][self] = Route{Destination: self, NextHop: self, Hops: 0, SeqNo: d.seq[i], Installed: now}
	}

	// Poison routes whose next hop is no longer a neighbor.
	for i, t := range d.tables {
		for dst, r := range t {
			if int(dst) == i || !r.Reachable() {
				continue
			}
			if _, ok := g.Link(model.NodeID(i), r.NextHop); !ok {
				r.Hops = infiniteHops
				r.SeqNo++
				r.Installed = now
				t[dst] = r
			}
		}
	}

	for changed := true; changed; {
		changed = false
		for i := range d.tables {
			self := model.NodeID(i)
			for _, nb := range g.Neighbors(self) {
				for dst, adv := range d.tables[nb] {
					if dst == self {
						continue
					}
					hops := adv.Hops + 1
					if hops > infiniteHops {
						hops = infiniteHops
					}
					cand := Route{Destination: dst, NextHop: nb, Hops: hops, SeqNo: adv.SeqNo, Installed: now}
					if better(cand, d.tables[i][dst], d.tables[i]) {
						d.tables[i][dst] = cand
						changed = true
					}
				}
			}
		}
	}
}

// better decides whether an advertised route replaces the current one:
// newer sequence numbers win, then fewer hops, then the lower next hop.
func better(cand, cur Route, t table) bool {
	if _, ok := t[cand.Destination]; !ok {
		return true
	}
	switch {
	case cand.SeqNo != cur.SeqNo:
		return cand.SeqNo > cur.SeqNo
	case cand.Hops != cur.Hops:
		return cand.Hops < cur.Hops
	default:
		return cand.Reachable() && cand.NextHop < cur.NextHop
	}
}

func (d *DSDV) NextHop(from, to model.NodeID) (model.NodeID, bool) {
	return lookupNextHop(d.tables, from, to)
}

func (d *DSDV) Routes(node model.NodeID) []Route {
	if int(node) < 0 || int(node) >= len(d.tables) {
		return nil
	}
	return d.tables[node].sorted()
}

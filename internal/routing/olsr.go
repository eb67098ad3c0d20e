package routing

import (
	"time"

	"github.com/signalsfoundry/manet-harness/core"
	"github.com/signalsfoundry/manet-harness/model"
)

// OLSR is a proactive link-state protocol. HELLO rounds refresh each
// node's view of its one-hop neighbors and drop routes through lost
// neighbors; TC rounds flood the link set and every node recomputes
// shortest-hop routes over it.
type OLSR struct {
	opts  OLSROptions
	view  LinkView
	sched core.EventScheduler

	links  *core.Graph // neighbor graph sensed by the last HELLO round
	tables []table
	ansn   uint32
}

func NewOLSR(opts OLSROptions) *OLSR {
	return &OLSR{opts: opts}
}

func (o *OLSR) Kind() Kind { return KindOLSR }

// Start runs one HELLO and one TC round immediately.
func (o *OLSR) Start(view LinkView, sched core.EventScheduler) error {
	if o.view != nil {
		return ErrAlreadyStarted
	}
	o.view = view
	o.sched = sched
	o.tables = newTables(view.NodeCount())

	var hello, tc func()
	hello = func() {
		o.hello(sched.Now())
		sched.Schedule(sched.Now()+o.opts.HelloInterval, hello)
	}
	tc = func() {
		o.topologyControl(sched.Now())
		sched.Schedule(sched.Now()+o.opts.TCInterval, tc)
	}
	hello()
	tc()
	return nil
}

func (o *OLSR) hello(now time.Duration) {
	o.links = o.view.NeighborGraph(now)
	for i, t := range o.tables {
		for dst, r := range t {
			if int(dst) == i || !r.Reachable() {
				continue
			}
			if _, ok := o.links.Link(model.NodeID(i), r.NextHop); !ok {
				delete(t, dst)
			}
		}
	}
}

func (o *OLSR) topologyControl(now time.Duration) {
	o.ansn++
	for i := range o.tables {
		o.tables[i] = shortestPaths(o.links, model.NodeID(i), o.ansn, now)
	}
}

// shortestPaths runs a breadth-first search from src. Neighbors are
// visited in ascending ID order, so ties resolve to the lowest next hop.
func shortestPaths(g *core.Graph, src model.NodeID, ansn uint32, now time.Duration) table {
	t := make(table)
	t[src] = Route{Destination: src, NextHop: src, Hops: 0, SeqNo: ansn, Installed: now}

	firstHop := map[model.NodeID]model.NodeID{}
	queue := []model.NodeID{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range g.Neighbors(cur) {
			if _, seen := t[nb]; seen {
				continue
			}
			hop := nb
			if cur != src {
				hop = firstHop[cur]
			}
			firstHop[nb] = hop
			t[nb] = Route{Destination: nb, NextHop: hop, Hops: t[cur].Hops + 1, SeqNo: ansn, Installed: now}
			queue = append(queue, nb)
		}
	}
	return t
}

func (o *OLSR) NextHop(from, to model.NodeID) (model.NodeID, bool) {
	return lookupNextHop(o.tables, from, to)
}

func (o *OLSR) Routes(node model.NodeID) []Route {
	if int(node) < 0 || int(node) >= len(o.tables) {
		return nil
	}
	return o.tables[node].sorted()
}

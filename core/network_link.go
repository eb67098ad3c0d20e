package core

import (
	"sort"
	"time"

	"github.com/signalsfoundry/manet-harness/model"
)

// LinkQuality is a coarse, human-readable classification of link
// quality derived from the SNR estimate.
type LinkQuality string

const (
	LinkQualityDown      LinkQuality = "down"
	LinkQualityPoor      LinkQuality = "poor"
	LinkQualityFair      LinkQuality = "fair"
	LinkQualityGood      LinkQuality = "good"
	LinkQualityExcellent LinkQuality = "excellent"
)

// Link is the wireless adjacency between two nodes at one instant.
// A is always the lower node ID.
type Link struct {
	A, B model.NodeID

	DistanceM  float64
	RxPowerDBm float64
	SNRdB      float64
	Quality    LinkQuality

	// IsUp reports whether frames can be exchanged over the link.
	IsUp bool
}

type linkKey struct{ a, b model.NodeID }

func keyFor(a, b model.NodeID) linkKey {
	if a > b {
		a, b = b, a
	}
	return linkKey{a: a, b: b}
}

// Graph is the neighbor graph of a scenario at time At. Only links that
// are up are stored.
type Graph struct {
	At time.Duration

	adj   [][]model.NodeID
	links map[linkKey]Link
}

func newGraph(n int, at time.Duration) *Graph {
	return &Graph{
		At:    at,
		adj:   make([][]model.NodeID, n),
		links: make(map[linkKey]Link),
	}
}

func (g *Graph) addLink(l Link) {
	g.links[keyFor(l.A, l.B)] = l
	g.adj[l.A] = append(g.adj[l.A], l.B)
	g.adj[l.B] = append(g.adj[l.B], l.A)
}

func (g *Graph) sortAdjacency() {
	for _, ns := range g.adj {
		sort.Slice(ns, func(i, j int) bool { return ns[i] < ns[j] })
	}
}

// NodeCount returns the number of nodes the graph was built for.
func (g *Graph) NodeCount() int {
	return len(g.adj)
}

// Neighbors returns the nodes adjacent to id in ascending ID order.
func (g *Graph) Neighbors(id model.NodeID) []model.NodeID {
	if int(id) < 0 || int(id) >= len(g.adj) {
		return nil
	}
	return g.adj[id]
}

// Link returns the link between a and b, if it is up.
func (g *Graph) Link(a, b model.NodeID) (Link, bool) {
	l, ok := g.links[keyFor(a, b)]
	return l, ok
}

// Links returns every up link ordered by (A, B).
func (g *Graph) Links() []Link {
	out := make([]Link, 0, len(g.links))
	for _, l := range g.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

package core

import (
	"time"

	"github.com/signalsfoundry/manet-harness/model"
)

// ConnectivityService evaluates which node pairs can hear each other at a
// given instant and annotates each link with distance, received power,
// SNR and a quality bucket.
type ConnectivityService struct {
	Radio RadioModel
}

func NewConnectivityService(radio RadioModel) *ConnectivityService {
	return &ConnectivityService{Radio: radio}
}

// Evaluate builds the neighbor graph for the given positions. Index i of
// positions is node i.
func (cs *ConnectivityService) Evaluate(positions []model.Position, at time.Duration) *Graph {
	g := newGraph(len(positions), at)
	for i := 0; i < len(positions); i++ {
		for j := i + 1; j < len(positions); j++ {
			link := cs.evaluateLink(model.NodeID(i), model.NodeID(j), positions[i], positions[j])
			if link.IsUp {
				g.addLink(link)
			}
		}
	}
	g.sortAdjacency()
	return g
}

// EvaluatePair classifies a single pair without building a graph.
func (cs *ConnectivityService) EvaluatePair(a, b model.NodeID, pa, pb model.Position) Link {
	if a > b {
		a, b = b, a
		pa, pb = pb, pa
	}
	return cs.evaluateLink(a, b, pa, pb)
}

// evaluateLink applies the range cut-off and link budget.
func (cs *ConnectivityService) evaluateLink(a, b model.NodeID, pa, pb model.Position) Link {
	link := Link{A: a, B: b, DistanceM: pa.DistanceTo(pb)}

	if link.DistanceM > cs.Radio.Range() {
		link.Quality = LinkQualityDown
		return link
	}

	link.RxPowerDBm = cs.Radio.ReceivedPowerDBm(link.DistanceM)
	link.SNRdB = link.RxPowerDBm - cs.Radio.NoiseFloorDBm
	classifyLinkBySNR(&link, link.SNRdB)
	link.IsUp = link.Quality != LinkQualityDown
	return link
}

// classifyLinkBySNR fills in the quality bucket. Anything in range is at
// least poor: the sensitivity check has already been applied.
func classifyLinkBySNR(link *Link, snr float64) {
	switch {
	case snr < 5:
		link.Quality = LinkQualityPoor
	case snr < 10:
		link.Quality = LinkQualityFair
	case snr < 20:
		link.Quality = LinkQualityGood
	default:
		link.Quality = LinkQualityExcellent
	}
}

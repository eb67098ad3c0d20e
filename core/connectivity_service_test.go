package core

import (
	"testing"
	"time"

	"github.com/signalsfoundry/manet-harness/model"
)

func TestDefaultRadioRange(t *testing.T) {
	r := DefaultRadioModel()
	if err := r.Validate(); err != nil {
		t.Fatalf("default radio invalid: %v", err)
	}
	if got := r.Range(); got < 140 || got > 160 {
		t.Fatalf("default range = %.1f m, want about 150 m", got)
	}

	r.MaxRangeM = 40
	if got := r.Range(); got != 40 {
		t.Fatalf("capped range = %v, want 40", got)
	}
}

func TestRadioTransmissionDelay(t *testing.T) {
	r := DefaultRadioModel()
	// (1024 + 28) bytes * 8 / 6 Mbit/s = 1.402666 ms
	got := r.TransmissionDelay(1024)
	if got < 1402*time.Microsecond || got > 1403*time.Microsecond {
		t.Fatalf("TransmissionDelay(1024) = %v, want ~1.4027ms", got)
	}
}

func TestConnectivityServiceBuildsNeighborGraph(t *testing.T) {
	cs := NewConnectivityService(DefaultRadioModel())
	positions := []model.Position{
		{X: 0, Y: 0},
		{X: 100, Y: 0},
		{X: 200, Y: 0},
		{X: 1000, Y: 1000},
	}

	g := cs.Evaluate(positions, 5*time.Second)
	if g.At != 5*time.Second || g.NodeCount() != 4 {
		t.Fatalf("graph at %v with %d nodes", g.At, g.NodeCount())
	}

	if _, ok := g.Link(0, 1); !ok {
		t.Fatalf("expected link 0-1 at 100 m")
	}
	if _, ok := g.Link(2, 1); !ok {
		t.Fatalf("expected link 1-2 at 100 m (lookup order independent)")
	}
	if _, ok := g.Link(0, 2); ok {
		t.Fatalf("200 m is beyond range, expected no link 0-2")
	}
	if n := g.Neighbors(3); len(n) != 0 {
		t.Fatalf("isolated node has neighbors %v", n)
	}
	if n := g.Neighbors(1); len(n) != 2 || n[0] != 0 || n[1] != 2 {
		t.Fatalf("Neighbors(1) = %v, want [0 2]", n)
	}
	if links := g.Links(); len(links) != 2 || links[0].A != 0 || links[1].A != 1 {
		t.Fatalf("Links() = %+v", links)
	}
}

func TestConnectivityQualityDegradesWithDistance(t *testing.T) {
	cs := NewConnectivityService(DefaultRadioModel())

	near := cs.EvaluatePair(1, 0, model.Position{}, model.Position{X: 5})
	far := cs.EvaluatePair(0, 1, model.Position{}, model.Position{X: 140})
	if near.A != 0 || near.B != 1 {
		t.Fatalf("EvaluatePair should order endpoints, got %d-%d", near.A, near.B)
	}
	if near.Quality != LinkQualityExcellent {
		t.Fatalf("5 m link quality = %s, want excellent", near.Quality)
	}
	if !far.IsUp || far.SNRdB >= near.SNRdB {
		t.Fatalf("140 m link should be up with lower SNR: %+v", far)
	}
	out := cs.EvaluatePair(0, 1, model.Position{}, model.Position{X: 500})
	if out.IsUp || out.Quality != LinkQualityDown {
		t.Fatalf("500 m link should be down: %+v", out)
	}
}

package core

import (
	"math"

	"github.com/signalsfoundry/manet-harness/model"
)

// reflectInto folds v into [lo, hi] as if it had bounced off both edges.
// The mapping is a triangle wave, so a point moving continuously along an
// unbounded line moves continuously (and stays inside) the interval.
func reflectInto(v, lo, hi float64) float64 {
	width := hi - lo
	if width <= 0 {
		return lo
	}
	t := math.Mod(v-lo, 2*width)
	if t < 0 {
		t += 2 * width
	}
	if t > width {
		t = 2*width - t
	}
	return lo + t
}

// reflectPosition folds the XY components of p into bounds.
func reflectPosition(p model.Position, bounds model.Rectangle) model.Position {
	return model.Position{
		X: reflectInto(p.X, bounds.XMin, bounds.XMax),
		Y: reflectInto(p.Y, bounds.YMin, bounds.YMax),
		Z: p.Z,
	}
}

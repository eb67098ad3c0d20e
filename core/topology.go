package core

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/signalsfoundry/manet-harness/model"
)

var (
	ErrInvalidNodeCount = errors.New("node count must be positive")
	ErrInvalidTopology  = errors.New("invalid topology")
)

// TopologyKind selects how node positions are produced.
type TopologyKind string

const (
	// TopologyStaticGrid places node i at (s·i, s·i, 0).
	TopologyStaticGrid TopologyKind = "static-grid"
	// TopologyMobileRandomWalk draws positions uniformly in Bounds and
	// moves nodes with a reflecting random walk.
	TopologyMobileRandomWalk TopologyKind = "mobile-random-walk"
)

// TopologyConfig enumerates every topology option. Fields that do not
// apply to the selected Kind are ignored.
type TopologyConfig struct {
	Kind TopologyKind

	// Spacing is the per-axis step of the static diagonal, in metres.
	Spacing float64

	// Bounds, Speed and ResamplePeriod drive the random walk.
	Bounds         model.Rectangle
	Speed          float64
	ResamplePeriod time.Duration

	// Seed makes mobile placement reproducible.
	Seed uint64
}

// Validate checks the options relevant to Kind.
func (c TopologyConfig) Validate() error {
	switch c.Kind {
	case TopologyStaticGrid:
		if c.Spacing <= 0 {
			return fmt.Errorf("%w: static spacing must be positive, got %v", ErrInvalidTopology, c.Spacing)
		}
	case TopologyMobileRandomWalk:
		if !c.Bounds.IsValid() {
			return fmt.Errorf("%w: bounds %+v have no area", ErrInvalidTopology, c.Bounds)
		}
		if c.Speed < 0 {
			return fmt.Errorf("%w: speed must not be negative, got %v", ErrInvalidTopology, c.Speed)
		}
		if c.ResamplePeriod <= 0 {
			return fmt.Errorf("%w: resample period must be positive, got %v", ErrInvalidTopology, c.ResamplePeriod)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTopology, c.Kind)
	}
	return nil
}

// GenerateTopology returns one motion model per node. The node count is
// checked before anything is generated.
func GenerateTopology(cfg TopologyConfig, n int) ([]MotionModel, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidNodeCount, n)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	models := make([]MotionModel, n)
	switch cfg.Kind {
	case TopologyStaticGrid:
		for i := range models {
			d := cfg.Spacing * float64(i)
			models[i] = &StaticMotionModel{Position: model.Position{X: d, Y: d, Z: 0}}
		}
	case TopologyMobileRandomWalk:
		rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
		for i := range models {
			start := model.Position{
				X: cfg.Bounds.XMin + rng.Float64()*cfg.Bounds.Width(),
				Y: cfg.Bounds.YMin + rng.Float64()*cfg.Bounds.Height(),
			}
			models[i] = NewRandomWalk2dMotionModel(start, cfg.Bounds, cfg.Speed, cfg.ResamplePeriod, rng)
		}
	}
	return models, nil
}

// PositionsAt samples every model at now.
func PositionsAt(models []MotionModel, now time.Duration) []model.Position {
	out := make([]model.Position, len(models))
	for i, m := range models {
		if m == nil {
			continue
		}
		out[i] = m.PositionAt(now)
	}
	return out
}

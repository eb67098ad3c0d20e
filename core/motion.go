package core

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/signalsfoundry/manet-harness/internal/sim/engine"
	"github.com/signalsfoundry/manet-harness/model"
)

// MotionModel reports a node's position at a given simulated time.
type MotionModel interface {
	PositionAt(now time.Duration) model.Position
}

// Resampler is implemented by motion models that change course on a
// fixed simulated-time period.
type Resampler interface {
	Resample(now time.Duration)
	Period() time.Duration
}

// EventScheduler is the slice of the simulation engine motion needs.
type EventScheduler interface {
	Now() time.Duration
	Schedule(at time.Duration, f func()) engine.EventID
}

// StaticMotionModel keeps a node at a fixed position.
type StaticMotionModel struct {
	Position model.Position
}

// PositionAt for static motion ignores time.
func (m *StaticMotionModel) PositionAt(time.Duration) model.Position {
	return m.Position
}

// RandomWalk2dMotionModel moves at a constant speed in a direction that is
// redrawn uniformly from [0, 2π) every ResamplePeriod. Motion reflects off
// the edges of Bounds.
type RandomWalk2dMotionModel struct {
	Bounds         model.Rectangle
	Speed          float64 // metres per second
	ResamplePeriod time.Duration

	rng *rand.Rand

	// origin is the in-bounds position at lastResample; (vx, vy) is the
	// unreflected velocity since then.
	origin       model.Position
	vx, vy       float64
	lastResample time.Duration
}

// NewRandomWalk2dMotionModel starts a walk at start (folded into bounds)
// at t=0 with a freshly drawn direction.
func NewRandomWalk2dMotionModel(start model.Position, bounds model.Rectangle, speed float64, period time.Duration, rng *rand.Rand) *RandomWalk2dMotionModel {
	m := &RandomWalk2dMotionModel{
		Bounds:         bounds,
		Speed:          speed,
		ResamplePeriod: period,
		rng:            rng,
		origin:         reflectPosition(start, bounds),
	}
	m.drawDirection()
	return m
}

// PositionAt returns the reflected position at now. Times before the last
// resample are treated as the resample instant.
func (m *RandomWalk2dMotionModel) PositionAt(now time.Duration) model.Position {
	dt := (now - m.lastResample).Seconds()
	if dt < 0 {
		dt = 0
	}
	return reflectPosition(model.Position{
		X: m.origin.X + m.vx*dt,
		Y: m.origin.Y + m.vy*dt,
		Z: m.origin.Z,
	}, m.Bounds)
}

// Resample pins the current position and draws a new direction.
func (m *RandomWalk2dMotionModel) Resample(now time.Duration) {
	if now < m.lastResample {
		return
	}
	m.origin = m.PositionAt(now)
	m.lastResample = now
	m.drawDirection()
}

// Period returns the resampling interval.
func (m *RandomWalk2dMotionModel) Period() time.Duration {
	return m.ResamplePeriod
}

func (m *RandomWalk2dMotionModel) drawDirection() {
	theta := 2 * math.Pi * m.rng.Float64()
	m.vx = m.Speed * math.Cos(theta)
	m.vy = m.Speed * math.Sin(theta)
}

// AttachMobility schedules the periodic resampling of every model that
// needs it. The events recur until the scheduler is stopped.
func AttachMobility(sched EventScheduler, models []MotionModel) int {
	attached := 0
	for _, mm := range models {
		r, ok := mm.(Resampler)
		if !ok || r.Period() <= 0 {
			continue
		}
		var tick func()
		tick = func() {
			now := sched.Now()
			r.Resample(now)
			sched.Schedule(now+r.Period(), tick)
		}
		sched.Schedule(sched.Now()+r.Period(), tick)
		attached++
	}
	return attached
}

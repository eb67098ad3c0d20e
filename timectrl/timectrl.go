package timectrl

import (
	"sync"
	"time"
)

// SimClock is an interface for reading simulated time. Simulated time is
// expressed as the offset from the start of a scenario, so t=0 is the
// instant the run begins.
type SimClock interface {
	// Now returns the current simulated time.
	Now() time.Duration
}

// TimeController owns the simulated clock of a single run and notifies
// registered listeners whenever time advances. It never moves backwards.
type TimeController struct {
	mu          sync.RWMutex
	StartTime   time.Duration
	currentTime time.Duration

	listeners []func(time.Duration)
}

// NewTimeController constructs a controller positioned at start.
func NewTimeController(start time.Duration) *TimeController {
	return &TimeController{
		StartTime:   start,
		currentTime: start,
	}
}

// Now returns the current simulated time. Implements SimClock.
func (tc *TimeController) Now() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// AddListener registers a callback invoked every time the clock advances.
func (tc *TimeController) AddListener(fn func(time.Duration)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// SetTime advances the clock to t and notifies listeners. Requests to move
// backwards, or to stay put, are ignored and reported as false.
func (tc *TimeController) SetTime(t time.Duration) bool {
	tc.mu.Lock()
	if t <= tc.currentTime {
		tc.mu.Unlock()
		return false
	}
	tc.currentTime = t
	listeners := make([]func(time.Duration), len(tc.listeners))
	copy(listeners, tc.listeners)
	tc.mu.Unlock()

	// Listeners run outside the lock so they may read Now().
	for _, fn := range listeners {
		fn(t)
	}
	return true
}

// Reset moves the clock back to StartTime. Only meant for reusing a
// controller between independent runs.
func (tc *TimeController) Reset() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = tc.StartTime
}

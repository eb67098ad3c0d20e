// Package engine provides the discrete-event scheduler that drives a
// single simulation run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/manet-harness/timectrl"
)

// ErrEngineFailure marks a run that was terminated by the engine itself:
// an explicit Abort, a panicking event or an interrupted context. It is
// terminal for the run.
var ErrEngineFailure = errors.New("simulation engine failure")

// ctxCheckEvery bounds how many events are dispatched between context checks.
const ctxCheckEvery = 256

// EventID identifies a scheduled event. The zero value is never issued.
type EventID uint64

// Stats summarises scheduler activity for one run.
type Stats struct {
	Dispatched uint64
	Discarded  uint64
	Pending    int
}

// scheduledEvent represents a single scheduled callback.
type scheduledEvent struct {
	id        EventID
	when      time.Duration
	f         func()
	cancelled bool
}

// Scheduler executes callbacks in non-decreasing simulated-time order on
// the calling goroutine. Events sharing a timestamp run in the order they
// were scheduled.
//
// Callbacks may schedule and cancel further events. The scheduler never
// runs two callbacks at once, so state touched only from callbacks needs
// no locking.
type Scheduler struct {
	clock *timectrl.TimeController

	mu         sync.Mutex
	counter    uint64
	events     []*scheduledEvent // ordered by 'when', FIFO within equal times
	index      map[EventID]*scheduledEvent
	abortErr   error
	destroyed  bool
	dispatched uint64
	discarded  uint64
}

// NewScheduler creates a scheduler driving clock. A nil clock gets a fresh
// controller starting at t=0.
func NewScheduler(clock *timectrl.TimeController) *Scheduler {
	if clock == nil {
		clock = timectrl.NewTimeController(0)
	}
	return &Scheduler{
		clock: clock,
		index: make(map[EventID]*scheduledEvent),
	}
}

// Clock exposes the simulated clock read-only.
func (s *Scheduler) Clock() timectrl.SimClock {
	return s.clock
}

// Now returns the current simulated time.
func (s *Scheduler) Now() time.Duration {
	return s.clock.Now()
}

// Schedule registers f to run at simulated time at. Times in the past are
// clamped to Now(). After Destroy it returns 0 and drops f.
func (s *Scheduler) Schedule(at time.Duration, f func()) EventID {
	if now := s.clock.Now(); at < now {
		at = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return 0
	}

	s.counter++
	ev := &scheduledEvent{
		id:   EventID(s.counter),
		when: at,
		f:    f,
	}
	s.addEventLocked(ev)
	s.index[ev.id] = ev
	return ev.id
}

// ScheduleAfter registers f to run d after the current simulated time.
func (s *Scheduler) ScheduleAfter(d time.Duration, f func()) EventID {
	return s.Schedule(s.clock.Now()+d, f)
}

// addEventLocked inserts ev after every event with the same or an earlier
// time, which keeps ties in insertion order. Caller must hold s.mu.
func (s *Scheduler) addEventLocked(ev *scheduledEvent) {
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when > ev.when
	})

	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
}

// Cancel marks a scheduled event so it never runs. Unknown or already
// executed IDs are ignored.
func (s *Scheduler) Cancel(id EventID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
	// Removal from s.events is lazy; popNextLocked skips cancelled entries.
}

// Pending returns the number of live events still queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Abort asks the running loop to stop with err. The first error wins.
func (s *Scheduler) Abort(err error) {
	if err == nil {
		err = errors.New("aborted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortErr == nil {
		s.abortErr = err
	}
}

// Stats returns dispatch counters for the run so far.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Dispatched: s.dispatched,
		Discarded:  s.discarded,
		Pending:    len(s.index),
	}
}

// Run dispatches events until the queue drains or the next event is at or
// after stopAt. A stopAt of zero or less means "until the queue drains".
//
// When the stop time is reached every pending event is discarded and the
// clock is moved to stopAt, so no callback observes a partial update at
// shutdown. Abort, a panicking callback or a cancelled ctx end the run with
// an error wrapping ErrEngineFailure.
func (s *Scheduler) Run(ctx context.Context, stopAt time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for n := 0; ; n++ {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				s.discardAll()
				return fmt.Errorf("%w: run interrupted: %w", ErrEngineFailure, err)
			}
		}

		s.mu.Lock()
		if s.abortErr != nil {
			err := s.abortErr
			s.discardAllLocked()
			s.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrEngineFailure, err)
		}
		ev := s.popNextLocked(stopAt)
		if ev == nil {
			s.discardAllLocked()
			s.mu.Unlock()
			if stopAt > 0 {
				s.clock.SetTime(stopAt)
			}
			return nil
		}
		delete(s.index, ev.id)
		s.dispatched++
		s.mu.Unlock()

		s.clock.SetTime(ev.when)
		s.dispatch(ev)
	}
}

// popNextLocked removes and returns the earliest live event scheduled
// before stopAt. Caller must hold s.mu.
func (s *Scheduler) popNextLocked(stopAt time.Duration) *scheduledEvent {
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if stopAt > 0 && ev.when >= stopAt {
			return nil
		}
		s.events = s.events[1:]
		return ev
	}
	return nil
}

// dispatch runs a callback, turning a panic into an abort.
func (s *Scheduler) dispatch(ev *scheduledEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.Abort(fmt.Errorf("event %d at %v panicked: %v", ev.id, ev.when, r))
		}
	}()
	if ev.f != nil {
		ev.f()
	}
}

func (s *Scheduler) discardAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardAllLocked()
}

func (s *Scheduler) discardAllLocked() {
	s.discarded += uint64(len(s.index))
	s.events = nil
	s.index = make(map[EventID]*scheduledEvent)
}

// Destroy discards all pending events and refuses new ones.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardAllLocked()
	s.destroyed = true
}

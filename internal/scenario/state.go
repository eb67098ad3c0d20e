package scenario

import "sync/atomic"

// stateBox lets observers read the state while the run goroutine
// advances it.
type stateBox struct{ v atomic.Int32 }

func (b *stateBox) get() State  { return State(b.v.Load()) }
func (b *stateBox) set(s State) { b.v.Store(int32(s)) }

// Package metrics accumulates what the sink receives during a run and
// derives throughput from it.
package metrics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/manet-harness/internal/netstack"
)

var (
	// ErrNoTrafficObserved means nothing reached the sink.
	ErrNoTrafficObserved = errors.New("no traffic observed")
	// ErrUndefinedWindow means the measurement window has no length.
	ErrUndefinedWindow = errors.New("measurement window undefined")
	ErrUnknownPolicy   = errors.New("unknown window policy")
)

// WindowPolicy selects the denominator of the throughput formula.
type WindowPolicy string

const (
	// WindowFixed divides by the configured scenario duration.
	WindowFixed WindowPolicy = "fixed"
	// WindowActive divides by last arrival minus first arrival.
	WindowActive WindowPolicy = "active"
)

// ParseWindowPolicy accepts "fixed" or "active".
func ParseWindowPolicy(s string) (WindowPolicy, error) {
	switch p := WindowPolicy(s); p {
	case WindowFixed, WindowActive:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Reception is a snapshot of the accumulator.
type Reception struct {
	Bytes   uint64
	Packets uint64
	First   time.Duration
	Last    time.Duration
	// Seen is false until the first arrival; First and Last are
	// meaningless before that.
	Seen bool
}

// ActiveWindow is Last-First, zero before any arrival.
func (r Reception) ActiveWindow() time.Duration {
	if !r.Seen {
		return 0
	}
	return r.Last - r.First
}

// Collector is the per-run reception accumulator. It is fed from the
// event goroutine and may be read from any goroutine.
type Collector struct {
	mu  sync.Mutex
	rec Reception
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// OnArrival records sizeBytes received at timestamp. A negative size is
// not a packet and is ignored.
func (c *Collector) OnArrival(sizeBytes int, timestamp time.Duration) {
	if sizeBytes < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rec.Seen {
		c.rec.Seen = true
		c.rec.First = timestamp
		c.rec.Last = timestamp
	}
	c.rec.First = min(c.rec.First, timestamp)
	c.rec.Last = max(c.rec.Last, timestamp)
	c.rec.Bytes += uint64(sizeBytes)
	c.rec.Packets++
}

// Handle adapts OnArrival to PacketSink.Subscribe.
func (c *Collector) Handle(a netstack.Arrival) {
	c.OnArrival(a.SizeBytes, a.At)
}

// Snapshot returns the current accumulator.
func (c *Collector) Snapshot() Reception {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

// ThroughputKbps derives throughput under policy. fixed is the
// denominator for WindowFixed and ignored otherwise.
func (c *Collector) ThroughputKbps(policy WindowPolicy, fixed time.Duration) (float64, error) {
	rec := c.Snapshot()
	switch policy {
	case WindowFixed:
		if fixed <= 0 {
			return 0, fmt.Errorf("%w: fixed window %v", ErrUndefinedWindow, fixed)
		}
		return ComputeThroughputKbps(rec.Bytes, fixed)
	case WindowActive:
		if !rec.Seen {
			return 0, ErrNoTrafficObserved
		}
		if rec.ActiveWindow() <= 0 {
			return 0, fmt.Errorf("%w: single arrival at %v", ErrUndefinedWindow, rec.First)
		}
		return ComputeThroughputKbps(rec.Bytes, rec.ActiveWindow())
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
}

// ComputeThroughputKbps is (bytes*8)/(window*1024) with window in
// seconds.
func ComputeThroughputKbps(bytes uint64, window time.Duration) (float64, error) {
	if window <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrUndefinedWindow, window)
	}
	return float64(bytes) * 8 / (window.Seconds() * 1024), nil
}

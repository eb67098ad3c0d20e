package metrics

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/manet-harness/internal/netstack"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestActiveWindowThroughput(t *testing.T) {
	c := NewCollector()
	c.OnArrival(1024, 2*time.Second)
	c.OnArrival(1024, 3*time.Second)
	c.Handle(netstack.Arrival{SizeBytes: 1024, At: 4 * time.Second})

	rec := c.Snapshot()
	if rec.Bytes != 3072 || rec.Packets != 3 || rec.First != 2*time.Second || rec.Last != 4*time.Second {
		t.Fatalf("unexpected reception: %+v", rec)
	}
	got, err := c.ThroughputKbps(WindowActive, 0)
	if err != nil {
		t.Fatalf("ThroughputKbps: %v", err)
	}
	if !almostEqual(got, 12.0) {
		t.Fatalf("throughput = %v, want 12.0", got)
	}
}

func TestFixedWindowThroughput(t *testing.T) {
	c := NewCollector()
	c.OnArrival(2560, 5*time.Second)
	got, err := c.ThroughputKbps(WindowFixed, 20*time.Second)
	if err != nil {
		t.Fatalf("ThroughputKbps: %v", err)
	}
	if !almostEqual(got, 1.0) {
		t.Fatalf("throughput = %v, want 1.0", got)
	}
}

func TestNoTraffic(t *testing.T) {
	c := NewCollector()
	if _, err := c.ThroughputKbps(WindowActive, 0); !errors.Is(err, ErrNoTrafficObserved) {
		t.Fatalf("expected ErrNoTrafficObserved, got %v", err)
	}
	got, err := c.ThroughputKbps(WindowFixed, 20*time.Second)
	if err != nil || got != 0 {
		t.Fatalf("fixed window with no traffic = %v, %v; want 0, nil", got, err)
	}
	if c.Snapshot().Seen {
		t.Fatalf("empty collector reports arrivals")
	}
}

func TestSingleArrivalUndefinedWindow(t *testing.T) {
	c := NewCollector()
	c.OnArrival(1024, 3*time.Second)
	if _, err := c.ThroughputKbps(WindowActive, 0); !errors.Is(err, ErrUndefinedWindow) {
		t.Fatalf("expected ErrUndefinedWindow, got %v", err)
	}
}

func TestOutOfOrderArrivals(t *testing.T) {
	c := NewCollector()
	c.OnArrival(100, 5*time.Second)
	c.OnArrival(100, 3*time.Second)
	c.OnArrival(100, 4*time.Second)
	rec := c.Snapshot()
	if rec.First != 3*time.Second || rec.Last != 5*time.Second {
		t.Fatalf("first/last = %v/%v, want 3s/5s", rec.First, rec.Last)
	}
	if rec.ActiveWindow() != 2*time.Second {
		t.Fatalf("active window = %v", rec.ActiveWindow())
	}
}

func TestConcurrentReads(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.OnArrival(10, time.Duration(j)*time.Millisecond)
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()
	if got := c.Snapshot().Bytes; got != 4000 {
		t.Fatalf("bytes = %d, want 4000", got)
	}
}

func TestComputeThroughputRejectsEmptyWindow(t *testing.T) {
	if _, err := ComputeThroughputKbps(100, 0); !errors.Is(err, ErrUndefinedWindow) {
		t.Fatalf("expected ErrUndefinedWindow, got %v", err)
	}
}

func TestParseWindowPolicy(t *testing.T) {
	if p, err := ParseWindowPolicy("active"); err != nil || p != WindowActive {
		t.Fatalf("ParseWindowPolicy(active) = %v, %v", p, err)
	}
	if _, err := ParseWindowPolicy("sliding"); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
	c := NewCollector()
	if _, err := c.ThroughputKbps("sliding", time.Second); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestNegativeSizeIsIgnored(t *testing.T) {
	c := NewCollector()
	c.OnArrival(-1, time.Second)
	if rec := c.Snapshot(); rec.Seen || rec.Packets != 0 || rec.Bytes != 0 {
		t.Fatalf("negative size recorded: %+v", rec)
	}
	if _, err := c.ThroughputKbps(WindowActive, 0); !errors.Is(err, ErrNoTrafficObserved) {
		t.Fatalf("expected ErrNoTrafficObserved, got %v", err)
	}

	c.OnArrival(0, 2*time.Second)
	c.OnArrival(-50, 9*time.Second)
	rec := c.Snapshot()
	if rec.Packets != 1 || rec.Last != 2*time.Second {
		t.Fatalf("reception = %+v, want one zero-byte packet at 2s", rec)
	}
}

package scenario

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
)

// Report is the outcome of one run. Times are in seconds.
type Report struct {
	Scenario string `json:"scenario"`
	RunID    string `json:"run_id,omitempty"`
	Protocol string `json:"protocol"`
	Nodes    int    `json:"nodes"`
	Window   string `json:"window"`
	Outcome  string `json:"outcome"`

	TotalBytes      uint64 `json:"total_bytes"`
	PacketsReceived uint64 `json:"packets_received"`
	PacketsExpected int    `json:"packets_expected"`

	FirstArrival     float64 `json:"first_arrival_s,omitempty"`
	LastArrival      float64 `json:"last_arrival_s,omitempty"`
	ObservedDuration float64 `json:"observed_duration_s"`
	ThroughputKbps   float64 `json:"throughput_kbps"`
	// Note explains a missing throughput.
	Note string `json:"note,omitempty"`

	SimulatedSeconds float64           `json:"simulated_s"`
	WallSeconds      float64           `json:"wall_s"`
	EventsDispatched uint64            `json:"events_dispatched"`
	Drops            map[string]uint64 `json:"drops,omitempty"`
}

// HasThroughput reports whether ThroughputKbps is meaningful.
func (r *Report) HasThroughput() bool { return r.Note == "" }

// DeliveryRatio is received over expected packets, 0 when nothing was
// expected.
func (r *Report) DeliveryRatio() float64 {
	if r.PacketsExpected == 0 {
		return 0
	}
	return float64(r.PacketsReceived) / float64(r.PacketsExpected)
}

// WriteText prints the report as plain lines.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Scenario: %s (%s, %d nodes)\n", r.Scenario, r.Protocol, r.Nodes)
	if r.Window == "active" {
		fmt.Fprintf(&b, "Actual Simulation time: %.4f secs\n", r.ObservedDuration)
	} else {
		fmt.Fprintf(&b, "Simulation time: %.4f secs\n", r.ObservedDuration)
	}
	fmt.Fprintf(&b, "Total Bytes Received: %d bytes\n", r.TotalBytes)
	fmt.Fprintf(&b, "Packets Received: %d/%d\n", r.PacketsReceived, r.PacketsExpected)
	if r.HasThroughput() {
		fmt.Fprintf(&b, "Throughput: %.4f kbps\n", r.ThroughputKbps)
	} else {
		fmt.Fprintf(&b, "Throughput: undefined (%s)\n", r.Note)
	}
	if len(r.Drops) > 0 {
		reasons := make([]string, 0, len(r.Drops))
		for reason := range r.Drops {
			reasons = append(reasons, reason)
		}
		slices.Sort(reasons)
		parts := make([]string, len(reasons))
		for i, reason := range reasons {
			parts[i] = fmt.Sprintf("%s=%d", reason, r.Drops[reason])
		}
		fmt.Fprintf(&b, "Drops: %s\n", strings.Join(parts, " "))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON prints the report as one indented JSON document.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

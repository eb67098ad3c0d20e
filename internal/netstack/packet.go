package netstack

import (
	"net/netip"
	"time"
)

// defaultTTL bounds forwarding loops.
const defaultTTL = 64

// Packet is one UDP datagram in flight.
type Packet struct {
	ID        uint64
	Src       netip.AddrPort
	Dst       netip.AddrPort
	SizeBytes int
	SentAt    time.Duration
	TTL       int
	Hops      int
}

// DropReason classifies why a packet never reached an application.
type DropReason string

const (
	DropNoRoute            DropReason = "no-route"
	DropLinkDown           DropReason = "link-down"
	DropTTLExpired         DropReason = "ttl-expired"
	DropNoListener         DropReason = "no-listener"
	DropUnknownDestination DropReason = "unknown-destination"
)

// Stats counts packets handled by the stack.
type Stats struct {
	Sent      uint64
	Forwarded uint64
	Delivered uint64
	Dropped   map[DropReason]uint64
}

// TotalDropped sums drops over every reason.
func (s Stats) TotalDropped() uint64 {
	var total uint64
	for _, n := range s.Dropped {
		total += n
	}
	return total
}

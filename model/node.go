package model

import (
	"fmt"
	"net/netip"
)

// NodeID is the index of a node within a scenario (0..N-1).
type NodeID int

// String renders the ID the way reports and routing dumps print it.
func (id NodeID) String() string {
	return fmt.Sprintf("n%d", int(id))
}

// Node is a point-in-time view of a simulated node.
//
// Position and Address are optional: a node has no position until a
// topology is attached and no address until the network stack assigns one.
type Node struct {
	ID       NodeID
	Position *Position
	Address  netip.Addr
}

// HasAddress reports whether an address was assigned to the node.
func (n Node) HasAddress() bool {
	return n.Address.IsValid()
}

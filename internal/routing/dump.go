package routing

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/signalsfoundry/manet-harness/model"
)

// AddressFunc renders a node identity for dumps, normally its IPv4 address.
type AddressFunc func(model.NodeID) string

// WriteTable writes one node's routing table as an aligned text block.
func WriteTable(w io.Writer, p Protocol, node model.NodeID, now time.Duration, addr AddressFunc) error {
	if addr == nil {
		addr = func(id model.NodeID) string { return id.String() }
	}
	if _, err := fmt.Fprintf(w, "Node: %d, Time: %.3fs, Protocol: %s\n", int(node), now.Seconds(), p.Kind()); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Destination\tGateway\tHopCount\tSeqNum\tInstalled")
	for _, r := range p.Routes(node) {
		hops := fmt.Sprintf("%d", r.Hops)
		if !r.Reachable() {
			hops = "inf"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.3fs\n", addr(r.Destination), addr(r.NextHop), hops, r.SeqNo, r.Installed.Seconds())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

// WriteAllTables dumps every node's table in ID order.
func WriteAllTables(w io.Writer, p Protocol, nodes int, now time.Duration, addr AddressFunc) error {
	for i := 0; i < nodes; i++ {
		if err := WriteTable(w, p, model.NodeID(i), now, addr); err != nil {
			return fmt.Errorf("dump routes of node %d: %w", i, err)
		}
	}
	return nil
}

package netstack

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	ErrInvalidPrefix         = errors.New("invalid address prefix")
	ErrAddressSpaceExhausted = errors.New("address space exhausted")
)

// AddressAllocator hands out consecutive IPv4 host addresses from a
// prefix, skipping the network and broadcast addresses.
type AddressAllocator struct {
	prefix netip.Prefix
	next   netip.Addr
}

// NewAddressAllocator starts allocating at the first host of prefix.
func NewAddressAllocator(prefix netip.Prefix) (*AddressAllocator, error) {
	if !prefix.IsValid() || !prefix.Addr().Is4() {
		return nil, fmt.Errorf("%w: %v is not an IPv4 prefix", ErrInvalidPrefix, prefix)
	}
	if prefix.Bits() > 30 {
		return nil, fmt.Errorf("%w: /%d leaves no host addresses", ErrInvalidPrefix, prefix.Bits())
	}
	prefix = prefix.Masked()
	return &AddressAllocator{prefix: prefix, next: prefix.Addr().Next()}, nil
}

// HostCapacity returns how many hosts a prefix can address.
func HostCapacity(prefix netip.Prefix) int {
	if !prefix.IsValid() || !prefix.Addr().Is4() || prefix.Bits() > 30 {
		return 0
	}
	return (1 << (32 - prefix.Bits())) - 2
}

// Next returns the next unused host address.
func (a *AddressAllocator) Next() (netip.Addr, error) {
	addr := a.next
	after := addr.Next()
	// The last address of the prefix is the broadcast address.
	if !a.prefix.Contains(addr) || !a.prefix.Contains(after) {
		return netip.Addr{}, fmt.Errorf("%w: %v", ErrAddressSpaceExhausted, a.prefix)
	}
	a.next = after
	return addr, nil
}

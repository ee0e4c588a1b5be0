package ipaddr

import (
	"fmt"
	"strconv"
	"strings"
)

// Interface is (address, prefix_length ∈ [0,32]).
type Interface struct {
	addr Address
	plen int
}

// NewInterface validates prefixLen and builds an Interface.
func NewInterface(addr Address, prefixLen int) (Interface, error) {
	if prefixLen < 0 || prefixLen > Bits {
		return Interface{}, fmt.Errorf("ipaddr: invalid prefix length %d", prefixLen)
	}
	return Interface{addr: addr, plen: prefixLen}, nil
}

// ParseInterface parses "a.b.c.d/n".
func ParseInterface(cidr string) (Interface, error) {
	addr, plen, err := splitCIDR(cidr)
	if err != nil {
		return Interface{}, err
	}
	return NewInterface(addr, plen)
}

func splitCIDR(cidr string) (Address, int, error) {
	parts := strings.SplitN(cidr, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("ipaddr: %q is not in CIDR form", cidr)
	}
	addr, err := ParseAddress(parts[0])
	if err != nil {
		return 0, 0, err
	}
	plen, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("ipaddr: invalid prefix length in %q: %w", cidr, err)
	}
	return addr, plen, nil
}

// Addr returns the interface's address (host bits included).
func (i Interface) Addr() Address { return i.addr }

// PrefixLength returns the prefix length.
func (i Interface) PrefixLength() int { return i.plen }

// Network returns the containing network (host bits cleared).
func (i Interface) Network() Network {
	return Network{Interface{addr: i.addr.And(PrefixMask(i.plen)), plen: i.plen}}
}

// String renders "a.b.c.d/n".
func (i Interface) String() string {
	return fmt.Sprintf("%s/%d", i.addr, i.plen)
}

// Equal reports structural equality.
func (i Interface) Equal(o Interface) bool {
	return i.addr == o.addr && i.plen == o.plen
}

// Network is an IPInterface whose address has all host bits zero.
type Network struct {
	Interface
}

// NewNetwork validates that addr has no host bits set for prefixLen.
func NewNetwork(addr Address, prefixLen int) (Network, error) {
	intf, err := NewInterface(addr, prefixLen)
	if err != nil {
		return Network{}, err
	}
	if addr.And(HostMask(prefixLen)) != 0 {
		return Network{}, fmt.Errorf("ipaddr: %s has non-zero host bits for /%d", addr, prefixLen)
	}
	return Network{intf}, nil
}

// ParseNetwork parses "a.b.c.d/n" and requires host bits be zero.
func ParseNetwork(cidr string) (Network, error) {
	addr, plen, err := splitCIDR(cidr)
	if err != nil {
		return Network{}, err
	}
	return NewNetwork(addr, plen)
}

// NetworkAddr is the lowest address in the network.
func (n Network) NetworkAddr() Address { return n.addr }

// BroadcastAddr is the highest address in the network.
func (n Network) BroadcastAddr() Address {
	return n.addr.Or(HostMask(n.plen))
}

// Contains reports whether addr lies within the network.
func (n Network) Contains(addr Address) bool {
	return addr.GreaterEqual(n.NetworkAddr()) && addr.LessEqual(n.BroadcastAddr())
}

// Range returns the Network as an IPRange.
func (n Network) Range() Range {
	return Range{lb: n.NetworkAddr(), ub: n.BroadcastAddr()}
}

// Package ipaddr implements the IPv4 address/interface/network/range
// primitives the rest of netverify builds on.
// Arithmetic is total over the 32-bit value space; validation of prefix
// lengths and range alignment lives in Interface/Network/Range.
package ipaddr

import (
	"fmt"
	"net"
)

// Bits is the width of an IPv4 address.
const Bits = 32

// Address wraps a 32-bit IPv4 value. The zero value is 0.0.0.0.
type Address uint32

// ParseAddress parses a dotted-quad string into an Address.
func ParseAddress(s string) (Address, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("ipaddr: invalid address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("ipaddr: %q is not an IPv4 address", s)
	}
	return Address(uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])), nil
}

// MustParseAddress is ParseAddress, panicking on error. Reserved for tests
// and literal fixtures where the input is known valid.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the address in dotted-quad form.
func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

// Value returns the raw 32-bit value.
func (a Address) Value() uint32 { return uint32(a) }

// Add returns a+n, wrapping modulo 2^32 like the underlying uint32 would.
func (a Address) Add(n uint32) Address { return a + Address(n) }

// Sub returns a-n.
func (a Address) Sub(n uint32) Address { return a - Address(n) }

// Diff returns int64(a) - int64(b); the original's `operator-` returns an int,
// which overflows for addresses more than 2^31 apart — we widen to int64 to
// avoid doing that silently while keeping the same total-ordering semantics.
func (a Address) Diff(b Address) int64 {
	return int64(a) - int64(b)
}

// And returns the bitwise AND of a and mask.
func (a Address) And(mask Address) Address { return a & mask }

// Or returns the bitwise OR of a and bits.
func (a Address) Or(bits Address) Address { return a | bits }

// Less, LessEqual, Greater, GreaterEqual implement the total order over the
// 32-bit value space.
func (a Address) Less(b Address) bool         { return a < b }
func (a Address) LessEqual(b Address) bool    { return a <= b }
func (a Address) Greater(b Address) bool      { return a > b }
func (a Address) GreaterEqual(b Address) bool { return a >= b }

// PrefixMask returns the network mask for a prefix length in [0,32].
func PrefixMask(prefixLen int) Address {
	if prefixLen <= 0 {
		return 0
	}
	if prefixLen >= Bits {
		return ^Address(0)
	}
	return ^Address(0) << uint(Bits-prefixLen)
}

// HostMask is the complement of PrefixMask: the bits that vary within the
// network named by prefixLen.
func HostMask(prefixLen int) Address {
	return ^PrefixMask(prefixLen)
}

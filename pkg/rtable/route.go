// Package rtable implements the per-node routing table: a longest-prefix
// multiset with administrative-distance tie-break and ECMP.
package rtable

import (
	"fmt"

	"github.com/newtron-network/netverify/pkg/ipaddr"
)

// Route is (network, next_hop?, egress_intf?, adm_dist).
// A connected route has no NextHop and carries the local EgressIntf instead.
type Route struct {
	Network    ipaddr.Network
	NextHop    ipaddr.Address
	HasNextHop bool
	EgressIntf string
	AdmDist    int
}

// NewStaticRoute builds a route to a next hop learned administratively.
func NewStaticRoute(net ipaddr.Network, nextHop ipaddr.Address, admDist int) (Route, error) {
	if admDist < 1 || admDist > 254 {
		return Route{}, fmt.Errorf("rtable: adm_dist %d out of range [1,254]", admDist)
	}
	return Route{Network: net, NextHop: nextHop, HasNextHop: true, AdmDist: admDist}, nil
}

// NewConnectedRoute builds a route to a directly attached network, exposed
// through a local egress interface rather than a next hop. Connected routes
// conventionally carry adm_dist 0, so the valid range includes it.
func NewConnectedRoute(net ipaddr.Network, egressIntf string, admDist int) (Route, error) {
	if admDist < 0 || admDist > 254 {
		return Route{}, fmt.Errorf("rtable: adm_dist %d out of range [0,254]", admDist)
	}
	return Route{Network: net, EgressIntf: egressIntf, AdmDist: admDist}, nil
}

// Connected reports whether the route resolves directly through a local
// interface rather than a next hop (used by FIB construction's recursive
// resolution).
func (r Route) Connected() bool {
	return !r.HasNextHop
}

// SameDestination reports whether r and o name the same network — the
// RoutingTable's equality key.
func (r Route) SameDestination(o Route) bool {
	return r.Network.Equal(o.Network.Interface)
}

// SamePath reports whether r and o resolve identically — same destination,
// same next hop (or same egress interface for connected routes). Used by
// RoutingTable.Insert to detect and suppress exact ECMP duplicates.
func (r Route) SamePath(o Route) bool {
	if !r.SameDestination(o) {
		return false
	}
	if r.HasNextHop != o.HasNextHop {
		return false
	}
	if r.HasNextHop {
		return r.NextHop == o.NextHop
	}
	return r.EgressIntf == o.EgressIntf
}

// Less orders routes by prefix length descending, then network address
// ascending — the precedence the routing table uses for tie-breaking.
func (r Route) Less(o Route) bool {
	rp, op := r.Network.PrefixLength(), o.Network.PrefixLength()
	if rp != op {
		return rp > op
	}
	return r.Network.NetworkAddr().Less(o.Network.NetworkAddr())
}

// String renders the route for logging.
func (r Route) String() string {
	if r.HasNextHop {
		return fmt.Sprintf("%s via %s (adm_dist %d)", r.Network, r.NextHop, r.AdmDist)
	}
	return fmt.Sprintf("%s directly connected via %s (adm_dist %d)", r.Network, r.EgressIntf, r.AdmDist)
}

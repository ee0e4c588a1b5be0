// Package eqclass partitions the IPv4 destination space into equivalence
// classes: sets of addresses that every node forwards identically.
//
// ECRange's weak reference to its owning EqClass is a small integer index
// into Mgr's own slices rather than a back-pointer, avoiding the lifetime
// problems a raw pointer-based arena would have.
package eqclass

import (
	"fmt"
	"sort"

	"github.com/newtron-network/netverify/pkg/ipaddr"
)

// ID identifies an EqClass by its index into Mgr's class table.
type ID int

// ecRange is one disjoint sub-range of the partition, owned by the EqClass
// at Owner.
type ecRange struct {
	Range ipaddr.Range
	Owner ID
}

// eqClass is a set of disjoint ranges (by index into Mgr.ranges) treated
// identically by every node. Owned reports whether any range in the class
// overlaps a node's own L3 address.
type eqClass struct {
	Owned  bool
	ranges []int // indices into Mgr.ranges
}

// Mgr is EqClassMgr: owns the partition's ranges and classes, plus the
// scraped port set.
type Mgr struct {
	ranges  []ecRange
	classes []eqClass
	ports   map[uint16]bool
}

// New returns an empty manager.
func New() *Mgr {
	return &Mgr{ports: make(map[uint16]bool)}
}

// Reset discards the entire partition and port set.
func (m *Mgr) Reset() {
	m.ranges = nil
	m.classes = nil
	m.ports = make(map[uint16]bool)
}

func (m *Mgr) newClass(owned bool) ID {
	m.classes = append(m.classes, eqClass{Owned: owned})
	return ID(len(m.classes) - 1)
}

// AddEC folds r into the partition, splitting any existing range that only
// partially overlaps r and creating new classes for any part of r not yet
// covered. A second call with the same r
// is a no-op beyond possibly upgrading ownership, satisfying the
// idempotence property.
func (m *Mgr) AddEC(r ipaddr.Range, owned bool) {
	var rebuilt []ecRange
	holes := []ipaddr.Range{r}

	for _, er := range m.ranges {
		ov, ok := intersect(er.Range, r)
		if !ok {
			rebuilt = append(rebuilt, er)
			continue
		}
		holes = subtractFromHoles(holes, ov)

		if r.ContainsRange(er.Range) {
			// er lies entirely within r: stays in its class, which picks up
			// ownership if this add_ec claims it.
			if owned {
				m.classes[er.Owner].Owned = true
			}
			rebuilt = append(rebuilt, er)
			continue
		}

		// Partial overlap: the part of er outside r stays with er's class;
		// the part inside r (== ov) becomes its own new class.
		for _, outside := range subtract(er.Range, ov) {
			rebuilt = append(rebuilt, ecRange{Range: outside, Owner: er.Owner})
		}
		newID := m.newClass(owned)
		rebuilt = append(rebuilt, ecRange{Range: ov, Owner: newID})
	}

	if len(holes) > 0 {
		newID := m.newClass(owned)
		for _, h := range holes {
			rebuilt = append(rebuilt, ecRange{Range: h, Owner: newID})
		}
	}

	m.ranges = rebuilt
	m.reindexClasses()
}

func (m *Mgr) reindexClasses() {
	for i := range m.classes {
		m.classes[i].ranges = nil
	}
	for i, er := range m.ranges {
		m.classes[er.Owner].ranges = append(m.classes[er.Owner].ranges, i)
	}
}

// FindEC returns the unique class containing addr. Per the add_ec algorithm
// "Failure": an address outside every added range is a fatal configuration
// error, surfaced here as an error rather than a process abort.
func (m *Mgr) FindEC(addr ipaddr.Address) (ID, error) {
	for _, er := range m.ranges {
		if er.Range.Contains(addr) {
			return er.Owner, nil
		}
	}
	return -1, fmt.Errorf("eqclass: no equivalence class contains %s (missing default route or EC seed)", addr)
}

// GetOverlappedECs returns every class with at least one range intersecting
// r, optionally restricted to owned classes.
func (m *Mgr) GetOverlappedECs(r ipaddr.Range, ownedOnly bool) []ID {
	seen := make(map[ID]bool)
	var out []ID
	for _, er := range m.ranges {
		if _, ok := intersect(er.Range, r); !ok {
			continue
		}
		if ownedOnly && !m.classes[er.Owner].Owned {
			continue
		}
		if !seen[er.Owner] {
			seen[er.Owner] = true
			out = append(out, er.Owner)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Ranges returns the disjoint ranges making up class id.
func (m *Mgr) Ranges(id ID) []ipaddr.Range {
	out := make([]ipaddr.Range, 0, len(m.classes[id].ranges))
	for _, idx := range m.classes[id].ranges {
		out = append(out, m.ranges[idx].Range)
	}
	return out
}

// Owned reports whether class id overlaps at least one node's own address.
func (m *Mgr) Owned(id ID) bool {
	return m.classes[id].Owned
}

// NumClasses returns the number of distinct classes in the partition.
func (m *Mgr) NumClasses() int { return len(m.classes) }

// AddPort registers a port scraped from config (a route, invariant, or
// middlebox) as EC-relevant.
func (m *Mgr) AddPort(p uint16) {
	m.ports[p] = true
}

// GetPorts returns the scraped port set plus one synthetic "other" port
// standing in for every remaining, unscraped port.
func (m *Mgr) GetPorts() []uint16 {
	out := make([]uint16, 0, len(m.ports)+1)
	for p := range m.ports {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	out = append(out, otherPort(m.ports))
	return out
}

// otherPort picks the lowest port number above the ephemeral range floor
// that is not already in used, to stand for "all remaining ports".
func otherPort(used map[uint16]bool) uint16 {
	for p := uint16(49152); p != 0; p++ {
		if !used[p] {
			return p
		}
	}
	return 65535
}

func intersect(a, b ipaddr.Range) (ipaddr.Range, bool) {
	lb := a.LB()
	if b.LB().Greater(lb) {
		lb = b.LB()
	}
	ub := a.UB()
	if b.UB().Less(ub) {
		ub = b.UB()
	}
	if lb.Greater(ub) {
		return ipaddr.Range{}, false
	}
	r, err := ipaddr.NewRange(lb, ub)
	if err != nil {
		return ipaddr.Range{}, false
	}
	return r, true
}

// subtract returns the 0, 1, or 2 pieces of a remaining once b (a subset of
// a's intersection) is removed.
func subtract(a, b ipaddr.Range) []ipaddr.Range {
	var out []ipaddr.Range
	if b.LB().Greater(a.LB()) {
		if left, err := ipaddr.NewRange(a.LB(), b.LB().Sub(1)); err == nil {
			out = append(out, left)
		}
	}
	if b.UB().Less(a.UB()) {
		if right, err := ipaddr.NewRange(b.UB().Add(1), a.UB()); err == nil {
			out = append(out, right)
		}
	}
	return out
}

// subtractFromHoles removes ov from every hole in holes, splitting each as
// needed, used to track the parts of the range being added that are not yet
// covered by any existing ECRange.
func subtractFromHoles(holes []ipaddr.Range, ov ipaddr.Range) []ipaddr.Range {
	var out []ipaddr.Range
	for _, h := range holes {
		if _, ok := intersect(h, ov); !ok {
			out = append(out, h)
			continue
		}
		out = append(out, subtract(h, ov)...)
	}
	return out
}

package rtable

import (
	"sort"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix/v2"

	"github.com/newtron-network/netverify/pkg/ipaddr"
)

// Table is a longest-prefix multiset of routes. Multiple routes to the same
// network form an ECMP set. Lookups are
// longest-prefix; insertion applies administrative-distance tie-break.
//
// Backed by a hashicorp/go-immutable-radix tree keyed on the per-bit
// expansion of the network prefix (one byte per prefix bit), which gives bit-
// granular longest-prefix matching rather than the byte-granular matching a
// naive []byte(network) key would provide.
type Table struct {
	mu   sync.RWMutex
	tree *iradix.Tree[[]Route]
}

// New creates an empty routing table.
func New() *Table {
	return &Table{tree: iradix.New[[]Route]()}
}

// prefixKey expands the first prefixLen bits of addr into one byte per bit,
// the encoding this table's radix tree is keyed on.
func prefixKey(addr ipaddr.Address, prefixLen int) []byte {
	key := make([]byte, prefixLen)
	v := addr.Value()
	for i := 0; i < prefixLen; i++ {
		bit := (v >> uint(31-i)) & 1
		key[i] = byte(bit)
	}
	return key
}

// fullKey expands all 32 bits of addr, used as the probe key for
// longest-prefix lookup by destination address.
func fullKey(addr ipaddr.Address) []byte {
	return prefixKey(addr, ipaddr.Bits)
}

// Insert adds route to the table, applying the longest-prefix, lowest-adm_dist tie-break: lower
// adm_dist wins outright; equal adm_dist keeps the route as an additional
// ECMP entry unless an existing entry already resolves the same path, in
// which case it is a no-op (RoutingTable::insert(r); insert(r) is idempotent).
func (t *Table) Insert(route Route) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := prefixKey(route.Network.NetworkAddr(), route.Network.PrefixLength())
	existing, found := t.tree.Get(key)

	var next []Route
	switch {
	case !found || len(existing) == 0:
		next = []Route{route}
	case existing[0].AdmDist < route.AdmDist:
		return // ignore the new route; existing preferred path wins
	case existing[0].AdmDist > route.AdmDist:
		next = []Route{route} // new route outranks all existing entries
	default:
		for _, e := range existing {
			if e.SamePath(route) {
				return // duplicate path at equal adm_dist: no-op
			}
		}
		next = append(append([]Route{}, existing...), route)
	}

	tree, _, _ := t.tree.Insert(key, next)
	t.tree = tree
}

// Lookup returns the ECMP set of routes matching the longest prefix covering
// dst, or (nil, false) if no route covers dst at all.
func (t *Table) Lookup(dst ipaddr.Address) ([]Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, routes, ok := t.tree.Root().LongestPrefix(fullKey(dst))
	if !ok {
		return nil, false
	}
	out := make([]Route, len(routes))
	copy(out, routes)
	return out, true
}

// LookupNetwork returns the exact ECMP set installed for net, without
// longest-prefix fallback.
func (t *Table) LookupNetwork(net ipaddr.Network) ([]Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key := prefixKey(net.NetworkAddr(), net.PrefixLength())
	routes, ok := t.tree.Get(key)
	if !ok {
		return nil, false
	}
	out := make([]Route, len(routes))
	copy(out, routes)
	return out, true
}

// All returns every route in the table, ordered by the Route.Less precedence
// (prefix length descending, then network address ascending).
func (t *Table) All() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var all []Route
	iter := t.tree.Root().Iterator()
	for {
		_, routes, ok := iter.Next()
		if !ok {
			break
		}
		all = append(all, routes...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Less(all[j]) })
	return all
}

// Len returns the number of distinct destination networks installed.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

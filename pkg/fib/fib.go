// Package fib builds, for a fixed equivalence class, each node's resolved
// next-hop set via recursive longest-prefix resolution through
// non-connected next hops, with the L2 endpoint resolved via the
// destination's L2_LAN ARP-style lookup once a connected route is reached.
package fib

import (
	"fmt"
	"sort"
	"strings"

	"github.com/newtron-network/netverify/pkg/eqclass"
	"github.com/newtron-network/netverify/pkg/ipaddr"
	"github.com/newtron-network/netverify/pkg/topo"
	"github.com/newtron-network/netverify/pkg/unique"
)

// IPNH is FIB_IPNH: a resolved next hop for one EC at one node, naming both
// the L3 egress point and the L2 peer it flows to (or, for an accepting
// terminal, the node's own interface).
type IPNH struct {
	L3Node string
	L3Intf string
	L2Node string
	L2Intf string
	Accept bool // the node itself is the terminal next hop
}

func (h IPNH) key() string {
	return fmt.Sprintf("%s/%s>%s/%s#%v", h.L3Node, h.L3Intf, h.L2Node, h.L2Intf, h.Accept)
}

func (h IPNH) String() string {
	if h.Accept {
		return fmt.Sprintf("accept@%s/%s", h.L3Node, h.L3Intf)
	}
	return fmt.Sprintf("%s/%s -> %s/%s", h.L3Node, h.L3Intf, h.L2Node, h.L2Intf)
}

// FIB is the per-EC forwarding table: each node's candidate next-hop set,
// plus the L2_LAN backing every L2 interface.
type FIB struct {
	NextHops map[string][]IPNH
	l2lans   map[string]*topo.L2LAN
}

// L2LAN returns the flood domain behind node:intf, if any.
func (f *FIB) L2LAN(node, intf string) (*topo.L2LAN, bool) {
	lan, ok := f.l2lans[node+":"+intf]
	return lan, ok
}

func (f *FIB) canonicalKey() string {
	names := make([]string, 0, len(f.NextHops))
	for name := range f.NextHops {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		for _, h := range f.NextHops[name] {
			b.WriteString(h.key())
			b.WriteByte(',')
		}
		b.WriteByte(';')
	}
	return b.String()
}

const maxRecursionDepth = 64

// Builder resolves FIBs for a network, hash-consing the results so that two
// ECs resolving to structurally identical forwarding tables share storage.
type Builder struct {
	nodes map[string]*topo.Node
	store *unique.Interner[FIB]
}

// NewBuilder prepares a Builder over the given nodes, indexed by name.
func NewBuilder(nodes map[string]*topo.Node) *Builder {
	return &Builder{
		nodes: nodes,
		store: unique.New[FIB](func(f FIB) any { return f.canonicalKey() }),
	}
}

// Build resolves the FIB for ec, using repr as the EC's representative
// address.
func (b *Builder) Build(mgr *eqclass.Mgr, ec eqclass.ID, repr ipaddr.Address) (*FIB, error) {
	f := &FIB{NextHops: make(map[string][]IPNH), l2lans: make(map[string]*topo.L2LAN)}

	for name, n := range b.nodes {
		hops, err := resolveAt(n, repr, mgr, ec, 0)
		if err != nil {
			return nil, fmt.Errorf("fib: node %s: %w", name, err)
		}
		sort.Slice(hops, func(i, j int) bool { return hops[i].key() < hops[j].key() })
		f.NextHops[name] = hops

		for _, intf := range n.Interfaces() {
			if lan, ok := n.L2LAN(intf.Name); ok {
				f.l2lans[name+":"+intf.Name] = lan
			}
		}
	}

	return b.store.Intern(*f), nil
}

// eqClassContains reports whether addr falls within any range of ec.
func eqClassContains(mgr *eqclass.Mgr, ec eqclass.ID, addr ipaddr.Address) bool {
	for _, r := range mgr.Ranges(ec) {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// resolveAt recursively resolves addr through n's routing table. depth==0
// calls additionally check for local-address termination; recursive calls (depth>0) resolve
// a non-connected route's next-hop IP, which need not itself belong to ec.
func resolveAt(n *topo.Node, addr ipaddr.Address, mgr *eqclass.Mgr, ec eqclass.ID, depth int) ([]IPNH, error) {
	if depth > maxRecursionDepth {
		return nil, fmt.Errorf("recursive route resolution exceeded %d hops (routing loop?)", maxRecursionDepth)
	}

	if depth == 0 && eqClassContains(mgr, ec, addr) {
		if intf, ok := n.InterfaceByAddr(addr); ok {
			return []IPNH{{L3Node: n.Name, L3Intf: intf.Name, Accept: true}}, nil
		}
	}

	routes, ok := n.RoutingTable.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("no route to %s", addr)
	}

	var out []IPNH
	for _, route := range routes {
		if route.Connected() {
			lan, ok := n.L2LAN(route.EgressIntf)
			if !ok {
				return nil, fmt.Errorf("interface %s has no L2 flood domain", route.EgressIntf)
			}
			peer, ok := lan.Lookup(addr)
			if !ok {
				return nil, fmt.Errorf("no L2 peer resolves %s on %s", addr, route.EgressIntf)
			}
			out = append(out, IPNH{
				L3Node: n.Name, L3Intf: route.EgressIntf,
				L2Node: peer.Node.Name, L2Intf: peer.Intf.Name,
			})
			continue
		}
		nested, err := resolveAt(n, route.NextHop, mgr, ec, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

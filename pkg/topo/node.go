// Package topo implements the static network graph: nodes, their
// interfaces, routing tables, link peering, and the L2 flood domains
// discovered by BFS through switchports. Nodes and interfaces are wired up
// declaratively from config with a CompositeBuilder-style pattern.
package topo

import (
	"fmt"

	"github.com/newtron-network/netverify/pkg/ipaddr"
	"github.com/newtron-network/netverify/pkg/rtable"
)

// Interface is one of a Node's named ports. L3 interfaces carry an address;
// pure L2 switchports do not (IsL3 is false).
type Interface struct {
	Name string
	Addr ipaddr.Interface
	IsL3 bool
}

// Peer names the (Node, Interface) a link attaches to on the other end.
type Peer struct {
	Node *Node
	Intf *Interface
}

// Node is a router, host, or middlebox vertex in the network graph.
type Node struct {
	Name string

	intfsByName map[string]*Interface
	intfsByAddr map[ipaddr.Address]*Interface
	order       []string // interface names in declaration order, for deterministic iteration

	RoutingTable *rtable.Table

	peers  map[string]Peer     // interface name -> attached (Node, Interface)
	l2lans map[string]*L2LAN   // L2-interface name -> its flood domain

	// Middlebox is non-nil for emulation-type nodes; pure-model nodes leave it nil.
	Middlebox *Middlebox
}

// NewNode creates an empty node ready to have interfaces added.
func NewNode(name string) *Node {
	return &Node{
		Name:         name,
		intfsByName:  make(map[string]*Interface),
		intfsByAddr:  make(map[ipaddr.Address]*Interface),
		RoutingTable: rtable.New(),
		peers:        make(map[string]Peer),
		l2lans:       make(map[string]*L2LAN),
	}
}

// AddInterface registers intf under both its name and (if L3) its address.
func (n *Node) AddInterface(intf *Interface) error {
	if _, exists := n.intfsByName[intf.Name]; exists {
		return fmt.Errorf("topo: node %s already has interface %s", n.Name, intf.Name)
	}
	n.intfsByName[intf.Name] = intf
	n.order = append(n.order, intf.Name)
	if intf.IsL3 {
		if existing, exists := n.intfsByAddr[intf.Addr.Addr()]; exists {
			return fmt.Errorf("topo: node %s: address %s already bound to interface %s", n.Name, intf.Addr.Addr(), existing.Name)
		}
		n.intfsByAddr[intf.Addr.Addr()] = intf
	}
	return nil
}

// Interface looks up an interface by name.
func (n *Node) Interface(name string) (*Interface, bool) {
	intf, ok := n.intfsByName[name]
	return intf, ok
}

// InterfaceByAddr looks up the L3 interface bound to addr.
func (n *Node) InterfaceByAddr(addr ipaddr.Address) (*Interface, bool) {
	intf, ok := n.intfsByAddr[addr]
	return intf, ok
}

// Interfaces returns every interface in declaration order.
func (n *Node) Interfaces() []*Interface {
	out := make([]*Interface, 0, len(n.order))
	for _, name := range n.order {
		out = append(out, n.intfsByName[name])
	}
	return out
}

// SetPeer records the (Node, Interface) reached across a Link attached to
// intfName. Populated during link insertion.
func (n *Node) SetPeer(intfName string, peer Peer) {
	n.peers[intfName] = peer
}

// Peer returns the node/interface reached across intfName's link, if any.
func (n *Node) Peer(intfName string) (Peer, bool) {
	p, ok := n.peers[intfName]
	return p, ok
}

// SetL2LAN records intfName's flood domain.
func (n *Node) SetL2LAN(intfName string, lan *L2LAN) {
	n.l2lans[intfName] = lan
}

// L2LAN returns the flood domain reached through intfName, if any.
func (n *Node) L2LAN(intfName string) (*L2LAN, bool) {
	lan, ok := n.l2lans[intfName]
	return lan, ok
}

// IsMiddlebox reports whether this node is an emulation-type appliance.
func (n *Node) IsMiddlebox() bool {
	return n.Middlebox != nil
}

func (n *Node) String() string { return n.Name }

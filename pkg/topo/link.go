package topo

import "strings"

// Link is an unordered pair of (Node, Interface) endpoints, canonically
// ordered by node name so that two Links connecting the same two
// node/interface pairs always compare equal regardless of declaration order.
type Link struct {
	Node1, Intf1 string
	Node2, Intf2 string
}

// NewLink builds a Link, swapping the endpoints if necessary so Node1 <
// Node2 lexically (ties broken by interface name).
func NewLink(node1, intf1, node2, intf2 string) Link {
	if node1 > node2 || (node1 == node2 && intf1 > intf2) {
		node1, intf1, node2, intf2 = node2, intf2, node1, intf1
	}
	return Link{Node1: node1, Intf1: intf1, Node2: node2, Intf2: intf2}
}

// Equal reports whether l and o connect the same two endpoints.
func (l Link) Equal(o Link) bool {
	return l == o
}

func (l Link) String() string {
	var b strings.Builder
	b.WriteString(l.Node1)
	b.WriteByte(':')
	b.WriteString(l.Intf1)
	b.WriteString(" -- ")
	b.WriteString(l.Node2)
	b.WriteByte(':')
	b.WriteString(l.Intf2)
	return b.String()
}

// Attach records each endpoint as the other's peer for this link; it does
// not touch routing tables. Pure L2 switchport linking is handled by the L2
// flood-domain discovery pass (BuildL2LANs), not here.
func Attach(n1 *Node, intf1Name string, n2 *Node, intf2Name string) error {
	i1, ok := n1.Interface(intf1Name)
	if !ok {
		return errNoSuchInterface(n1.Name, intf1Name)
	}
	i2, ok := n2.Interface(intf2Name)
	if !ok {
		return errNoSuchInterface(n2.Name, intf2Name)
	}
	n1.SetPeer(intf1Name, Peer{Node: n2, Intf: i2})
	n2.SetPeer(intf2Name, Peer{Node: n1, Intf: i1})
	return nil
}

func errNoSuchInterface(node, intf string) error {
	return &noSuchInterfaceError{node: node, intf: intf}
}

type noSuchInterfaceError struct {
	node, intf string
}

func (e *noSuchInterfaceError) Error() string {
	return "topo: node " + e.node + " has no interface " + e.intf
}

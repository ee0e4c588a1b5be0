package topo

import "github.com/newtron-network/netverify/pkg/ipaddr"

// L2LAN is the transitive closure of switchports reached from one L3
// interface. It stores its L2 endpoints and the
// dst_ip -> (L3 node, L3 interface) map used for ARP-style L3 lookup during
// FIB construction.
type L2LAN struct {
	Members []Peer          // every (Node, Interface) reachable in this flood domain
	arp     map[ipaddr.Address]Peer
}

// Lookup resolves dst by ARP-style address lookup within the LAN.
func (l *L2LAN) Lookup(dst ipaddr.Address) (Peer, bool) {
	p, ok := l.arp[dst]
	return p, ok
}

// BuildL2LANs discovers every flood domain in the network by BFS through
// switchports (pure-L2 interfaces) starting from each L3 interface, and
// installs the resulting L2LAN on every node interface that participates in
// it. Call once after all links have been Attach-ed.
func BuildL2LANs(nodes []*Node) {
	visited := make(map[*Node]map[string]bool)
	for _, n := range nodes {
		visited[n] = make(map[string]bool)
	}

	for _, n := range nodes {
		for _, intf := range n.Interfaces() {
			if visited[n][intf.Name] {
				continue
			}
			lan := &L2LAN{arp: make(map[ipaddr.Address]Peer)}
			bfsL2LAN(n, intf, visited, lan)
			for _, m := range lan.Members {
				m.Node.SetL2LAN(m.Intf.Name, lan)
			}
		}
	}
}

func bfsL2LAN(start *Node, startIntf *Interface, visited map[*Node]map[string]bool, lan *L2LAN) {
	type frame struct {
		node *Node
		intf *Interface
	}
	queue := []frame{{start, startIntf}}

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if visited[f.node][f.intf.Name] {
			continue
		}
		visited[f.node][f.intf.Name] = true
		lan.Members = append(lan.Members, Peer{Node: f.node, Intf: f.intf})
		if f.intf.IsL3 {
			lan.arp[f.intf.Addr.Addr()] = Peer{Node: f.node, Intf: f.intf}
		} else {
			// A switchport floods to every other switchport on its node.
			for _, sib := range f.node.Interfaces() {
				if !sib.IsL3 && !visited[f.node][sib.Name] {
					queue = append(queue, frame{f.node, sib})
				}
			}
		}

		peer, ok := f.node.Peer(f.intf.Name)
		if !ok {
			continue
		}
		if !visited[peer.Node][peer.Intf.Name] {
			queue = append(queue, frame{peer.Node, peer.Intf})
		}
	}
}

// Package testutil builds small in-memory topologies from an inline YAML
// fixture, for unit tests across pkg/forwarding, pkg/checker, and pkg/fib
// that need a real *topo.Node graph and eqclass.Mgr without going through a
// TOML file and internal/config. Uses a seed-fixture idiom adapted to inline
// YAML text decoded straight into a topology rather than files read from a
// testlab/ directory, since this domain's unit tests have no containers to
// boot.
package testutil

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/netverify/pkg/eqclass"
	"github.com/newtron-network/netverify/pkg/ipaddr"
	"github.com/newtron-network/netverify/pkg/rtable"
	"github.com/newtron-network/netverify/pkg/topo"
)

// Fixture is the YAML shape BuildTopology decodes: a small node/link graph,
// deliberately a strict subset of internal/config's TOML schema (no
// middlebox/container fields — tests that need an emulated node build a
// topo.Middlebox directly).
type Fixture struct {
	Nodes []FixtureNode `yaml:"nodes"`
	Links []FixtureLink `yaml:"links"`
}

// FixtureNode describes one node's interfaces and routes.
type FixtureNode struct {
	Name       string           `yaml:"name"`
	Interfaces []FixtureIntf    `yaml:"interfaces"`
	Routes     []FixtureRoute   `yaml:"routes"`
}

// FixtureIntf describes one interface.
type FixtureIntf struct {
	Name string `yaml:"name"`
	CIDR string `yaml:"cidr"`
}

// FixtureRoute describes one static (or connected, when NextHop is empty)
// route.
type FixtureRoute struct {
	Network string `yaml:"network"`
	NextHop string `yaml:"next_hop"`
	AdmDist int    `yaml:"adm_dist"`
}

// FixtureLink describes one point-to-point attachment between two nodes'
// interfaces.
type FixtureLink struct {
	Node1 string `yaml:"node1"`
	Intf1 string `yaml:"intf1"`
	Node2 string `yaml:"node2"`
	Intf2 string `yaml:"intf2"`
}

// Topology is the built-and-wired result: node graph, seeded EC manager.
type Topology struct {
	Nodes map[string]*topo.Node
	Mgr   *eqclass.Mgr
}

// BuildTopology decodes yamlText and wires up a Topology: one interface EC
// per configured host address (never a coalesced subnet EC — see
// internal/config.buildNode, which seeds equivalence classes the same way),
// one connected or static route per FixtureRoute, and L2 LANs rebuilt by BFS
// over the attached links.
func BuildTopology(yamlText string) (*Topology, error) {
	var fx Fixture
	if err := yaml.Unmarshal([]byte(yamlText), &fx); err != nil {
		return nil, fmt.Errorf("testutil: decoding fixture: %w", err)
	}

	nodes := make(map[string]*topo.Node, len(fx.Nodes))
	mgr := eqclass.New()

	for _, fn := range fx.Nodes {
		n := topo.NewNode(fn.Name)
		n.RoutingTable = rtable.New()
		for _, fi := range fn.Interfaces {
			intf, err := ipaddr.ParseInterface(fi.CIDR)
			if err != nil {
				return nil, fmt.Errorf("testutil: node %s interface %s: %w", fn.Name, fi.Name, err)
			}
			if err := n.AddInterface(&topo.Interface{Name: fi.Name, Addr: intf, IsL3: true}); err != nil {
				return nil, fmt.Errorf("testutil: node %s: %w", fn.Name, err)
			}
			r, err := ipaddr.NewRange(intf.Addr(), intf.Addr())
			if err != nil {
				return nil, fmt.Errorf("testutil: node %s interface %s: %w", fn.Name, fi.Name, err)
			}
			mgr.AddEC(r, true)
		}
		nodes[fn.Name] = n
	}

	for _, fn := range fx.Nodes {
		n := nodes[fn.Name]
		for _, fr := range fn.Routes {
			net, err := ipaddr.ParseNetwork(fr.Network)
			if err != nil {
				return nil, fmt.Errorf("testutil: node %s route %s: %w", fn.Name, fr.Network, err)
			}
			var route rtable.Route
			if fr.NextHop == "" {
				outIntf := ""
				if len(fn.Interfaces) > 0 {
					outIntf = fn.Interfaces[0].Name
				}
				route, err = rtable.NewConnectedRoute(net, outIntf, fr.AdmDist)
			} else {
				nh, perr := ipaddr.ParseAddress(fr.NextHop)
				if perr != nil {
					return nil, fmt.Errorf("testutil: node %s route %s: invalid next_hop: %w", fn.Name, fr.Network, perr)
				}
				route, err = rtable.NewStaticRoute(net, nh, fr.AdmDist)
			}
			if err != nil {
				return nil, fmt.Errorf("testutil: node %s route %s: %w", fn.Name, fr.Network, err)
			}
			n.RoutingTable.Insert(route)
			mgr.AddEC(net.Range(), false)
		}
	}

	for _, fl := range fx.Links {
		n1, ok := nodes[fl.Node1]
		if !ok {
			return nil, fmt.Errorf("testutil: link references unknown node %s", fl.Node1)
		}
		n2, ok := nodes[fl.Node2]
		if !ok {
			return nil, fmt.Errorf("testutil: link references unknown node %s", fl.Node2)
		}
		if err := topo.Attach(n1, fl.Intf1, n2, fl.Intf2); err != nil {
			return nil, fmt.Errorf("testutil: link %s-%s: %w", fl.Node1, fl.Node2, err)
		}
	}

	all := make([]*topo.Node, 0, len(nodes))
	for _, n := range nodes {
		all = append(all, n)
	}
	topo.BuildL2LANs(all)

	return &Topology{Nodes: nodes, Mgr: mgr}, nil
}

// TwoHostYAML is a minimal two-host, one-subnet fixture: h0 and h1 directly
// attached on 10.0.0.0/24, each with a connected route to the other.
const TwoHostYAML = `
nodes:
  - name: h0
    interfaces:
      - {name: eth0, cidr: 10.0.0.1/24}
    routes:
      - {network: 10.0.0.0/24}
  - name: h1
    interfaces:
      - {name: eth0, cidr: 10.0.0.2/24}
    routes:
      - {network: 10.0.0.0/24}
links:
  - {node1: h0, intf1: eth0, node2: h1, intf2: eth0}
`

package fib

import (
	"testing"

	"github.com/newtron-network/netverify/pkg/eqclass"
	"github.com/newtron-network/netverify/pkg/ipaddr"
	"github.com/newtron-network/netverify/pkg/rtable"
	"github.com/newtron-network/netverify/pkg/topo"
)

func buildTwoNodeNetwork(t *testing.T) map[string]*topo.Node {
	t.Helper()
	r0 := topo.NewNode("r0")
	r1 := topo.NewNode("r1")

	i0, err := ipaddr.ParseInterface("192.168.1.11/24")
	if err != nil {
		t.Fatal(err)
	}
	i1, err := ipaddr.ParseInterface("192.168.1.22/24")
	if err != nil {
		t.Fatal(err)
	}
	r0.AddInterface(&topo.Interface{Name: "eth0", Addr: i0, IsL3: true})
	r1.AddInterface(&topo.Interface{Name: "eth0", Addr: i1, IsL3: true})

	if err := topo.Attach(r0, "eth0", r1, "eth0"); err != nil {
		t.Fatal(err)
	}
	topo.BuildL2LANs([]*topo.Node{r0, r1})

	net, _ := ipaddr.ParseNetwork("192.168.1.0/24")
	connected0, _ := rtable.NewConnectedRoute(net, "eth0", 0)
	connected1, _ := rtable.NewConnectedRoute(net, "eth0", 0)
	r0.RoutingTable.Insert(connected0)
	r1.RoutingTable.Insert(connected1)

	return map[string]*topo.Node{"r0": r0, "r1": r1}
}

func TestBuildResolvesDirectL3Reachability(t *testing.T) {
	nodes := buildTwoNodeNetwork(t)
	mgr := eqclass.New()
	net, _ := ipaddr.ParseNetwork("192.168.1.0/24")
	mgr.AddEC(net.Range(), true)

	ec, err := mgr.FindEC(ipaddr.MustParseAddress("192.168.1.22"))
	if err != nil {
		t.Fatalf("FindEC: %v", err)
	}

	b := NewBuilder(nodes)
	f, err := b.Build(mgr, ec, ipaddr.MustParseAddress("192.168.1.22"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	hops := f.NextHops["r0"]
	if len(hops) != 1 {
		t.Fatalf("expected a single next hop from r0, got %v", hops)
	}
	if hops[0].L2Node != "r1" {
		t.Errorf("expected r0's next hop to resolve to r1, got %+v", hops[0])
	}

	r1hops := f.NextHops["r1"]
	if len(r1hops) != 1 || !r1hops[0].Accept {
		t.Errorf("expected r1 to be a terminal accept for its own address, got %v", r1hops)
	}
}

func TestBuildHashConsesIdenticalFIBs(t *testing.T) {
	nodes := buildTwoNodeNetwork(t)
	mgr := eqclass.New()
	net, _ := ipaddr.ParseNetwork("192.168.1.0/24")
	mgr.AddEC(net.Range(), true)
	ec, _ := mgr.FindEC(ipaddr.MustParseAddress("192.168.1.22"))

	b := NewBuilder(nodes)
	f1, err := b.Build(mgr, ec, ipaddr.MustParseAddress("192.168.1.22"))
	if err != nil {
		t.Fatal(err)
	}
	f2, err := b.Build(mgr, ec, ipaddr.MustParseAddress("192.168.1.22"))
	if err != nil {
		t.Fatal(err)
	}
	if f1 != f2 {
		t.Errorf("expected two builds resolving to the same forwarding table to share storage")
	}
}

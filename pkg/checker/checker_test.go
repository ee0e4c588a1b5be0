package checker_test

import (
	"context"
	"testing"

	"github.com/newtron-network/netverify/pkg/checker"
	"github.com/newtron-network/netverify/pkg/connspec"
	"github.com/newtron-network/netverify/pkg/eqclass"
	"github.com/newtron-network/netverify/pkg/fib"
	"github.com/newtron-network/netverify/pkg/injectioncache"
	"github.com/newtron-network/netverify/pkg/invariant"
	"github.com/newtron-network/netverify/pkg/ipaddr"
	"github.com/newtron-network/netverify/pkg/model"
	"github.com/newtron-network/netverify/pkg/ofupdate"
	"github.com/newtron-network/netverify/pkg/packet"
	"github.com/newtron-network/netverify/pkg/rtable"
	"github.com/newtron-network/netverify/pkg/topo"

	"github.com/newtron-network/netverify/pkg/forwarding"
)

func mustIntf(t *testing.T, cidr string) ipaddr.Interface {
	t.Helper()
	i, err := ipaddr.ParseInterface(cidr)
	if err != nil {
		t.Fatalf("ParseInterface(%q): %v", cidr, err)
	}
	return i
}

// twoNodeNetwork builds h0 --eth0/eth0-- h1 on 10.0.0.0/24 with a
// connected route on both sides, one owned EC per host address, and a
// forwarding.Process ready for checker.Check to drive.
func twoNodeNetwork(t *testing.T) (*forwarding.Process, *eqclass.Mgr) {
	t.Helper()

	h0 := topo.NewNode("h0")
	h1 := topo.NewNode("h1")
	i0 := &topo.Interface{Name: "eth0", Addr: mustIntf(t, "10.0.0.1/24"), IsL3: true}
	i1 := &topo.Interface{Name: "eth0", Addr: mustIntf(t, "10.0.0.2/24"), IsL3: true}
	if err := h0.AddInterface(i0); err != nil {
		t.Fatalf("AddInterface h0: %v", err)
	}
	if err := h1.AddInterface(i1); err != nil {
		t.Fatalf("AddInterface h1: %v", err)
	}
	if err := topo.Attach(h0, "eth0", h1, "eth0"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	topo.BuildL2LANs([]*topo.Node{h0, h1})

	net, err := ipaddr.ParseNetwork("10.0.0.0/24")
	if err != nil {
		t.Fatalf("ParseNetwork: %v", err)
	}
	route, err := rtable.NewConnectedRoute(net, "eth0", 0)
	if err != nil {
		t.Fatalf("NewConnectedRoute: %v", err)
	}
	h0.RoutingTable = rtable.New()
	h0.RoutingTable.Insert(route)
	h1.RoutingTable = rtable.New()
	h1.RoutingTable.Insert(route)

	mgr := eqclass.New()
	// One EC per host address: the FIB builder resolves a class through its
	// representative address, and an L2_LAN lookup only ever matches a real
	// configured host address, never a bare network address.
	h0r, err := ipaddr.NewRange(ipaddr.MustParseAddress("10.0.0.1"), ipaddr.MustParseAddress("10.0.0.1"))
	if err != nil {
		t.Fatalf("NewRange: %v", err)
	}
	mgr.AddEC(h0r, true)
	h1r, err := ipaddr.NewRange(ipaddr.MustParseAddress("10.0.0.2"), ipaddr.MustParseAddress("10.0.0.2"))
	if err != nil {
		t.Fatalf("NewRange: %v", err)
	}
	mgr.AddEC(h1r, true)

	nodes := map[string]*topo.Node{"h0": h0, "h1": h1}
	p := &forwarding.Process{
		Nodes:    nodes,
		Mgr:      mgr,
		FIBs:     fib.NewBuilder(nodes),
		Choices:  model.NewChoicesStore(),
		OFState:  model.NewOpenflowStateStore(),
		Reach:    model.NewReachCountsStore(),
		PStore:   packet.NewStore(),
		HStore:   packet.NewHistoryStore(),
		PHStore:  packet.NewPacketHistoryStore(),
		IRStore:  packet.NewInjectionResultStore(),
		IRSStore: packet.NewInjectionResultsStore(),
		Updates:  ofupdate.New(nil),
		Cache:    injectioncache.New(),
		Specs:    map[string]topo.ContainerSpec{},
	}
	return p, mgr
}

func icmpSpec(t *testing.T, srcNode string) connspec.Spec {
	t.Helper()
	dst, err := ipaddr.NewRange(ipaddr.MustParseAddress("10.0.0.2"), ipaddr.MustParseAddress("10.0.0.2"))
	if err != nil {
		t.Fatalf("NewRange: %v", err)
	}
	return connspec.Spec{
		Protocol:     connspec.ICMPEcho,
		SrcNodes:     []string{srcNode},
		DstIPRange:   dst,
		OwnedDstOnly: true,
	}
}

// An ICMP echo's own request is accepted at the node it pings; Reachability
// locks in there rather than waiting for the echo reply to finish bouncing
// back to the source, so a later, unrelated outcome on the same connection
// can't retroactively change the verdict.
func TestCheckReachabilityHoldsWhenRequestReachesTarget(t *testing.T) {
	proc, mgr := twoNodeNetwork(t)
	inv := invariant.Invariant{
		Kind:        invariant.Reachability,
		TargetNodes: []string{"h1"},
		Reachable:   true,
		Connections: []connspec.Spec{icmpSpec(t, "h0")},
	}

	res, err := checker.New(proc, mgr).Check(context.Background(), inv)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Violated {
		t.Fatalf("expected the echo request reaching h1 to satisfy reachability")
	}
	if res.Combinations != 1 {
		t.Fatalf("expected exactly 1 connection combination, got %d", res.Combinations)
	}
}

func TestCheckReachabilityViolatedWhenTargetNeverReached(t *testing.T) {
	proc, mgr := twoNodeNetwork(t)
	inv := invariant.Invariant{
		Kind:        invariant.Reachability,
		TargetNodes: []string{"h0"},
		Reachable:   true,
		Connections: []connspec.Spec{icmpSpec(t, "h0")},
	}

	res, err := checker.New(proc, mgr).Check(context.Background(), inv)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Violated {
		t.Fatalf("expected a violation: the echo request never lands back at its own source")
	}
}

func TestCheckWaypointAvoidViolatesWhenCrossingTarget(t *testing.T) {
	proc, mgr := twoNodeNetwork(t)
	inv := invariant.Invariant{
		Kind:        invariant.Waypoint,
		TargetNodes: []string{"h1"},
		Through:     false, // "avoid"
		Connections: []connspec.Spec{icmpSpec(t, "h0")},
	}

	res, err := checker.New(proc, mgr).Check(context.Background(), inv)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Violated {
		t.Fatalf("expected a violation: the only path to the destination crosses h1")
	}
}

func TestCheckWaypointThroughHoldsWhenRouteCrossesTarget(t *testing.T) {
	proc, mgr := twoNodeNetwork(t)
	inv := invariant.Invariant{
		Kind:        invariant.Waypoint,
		TargetNodes: []string{"h1"},
		Through:     true,
		Connections: []connspec.Spec{icmpSpec(t, "h0")},
	}

	res, err := checker.New(proc, mgr).Check(context.Background(), inv)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Violated {
		t.Fatalf("expected the route through h1 to satisfy a through-waypoint invariant")
	}
}

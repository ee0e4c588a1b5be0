package forwarding

import (
	"context"
	"testing"

	"github.com/newtron-network/netverify/pkg/eqclass"
	"github.com/newtron-network/netverify/pkg/fib"
	"github.com/newtron-network/netverify/pkg/injectioncache"
	"github.com/newtron-network/netverify/pkg/ipaddr"
	"github.com/newtron-network/netverify/pkg/model"
	"github.com/newtron-network/netverify/pkg/ofupdate"
	"github.com/newtron-network/netverify/pkg/packet"
	"github.com/newtron-network/netverify/pkg/rtable"
	"github.com/newtron-network/netverify/pkg/topo"
)

func mustIntf(t *testing.T, cidr string) ipaddr.Interface {
	t.Helper()
	i, err := ipaddr.ParseInterface(cidr)
	if err != nil {
		t.Fatalf("ParseInterface(%q): %v", cidr, err)
	}
	return i
}

// twoNodeNetwork builds h0 --eth0/eth0-- h1, both on 10.0.0.0/24, with a
// connected route on each side, one EC per host address, and a fresh
// forwarding Process wired up over it.
func twoNodeNetwork(t *testing.T) (*Process, *topo.Node, *topo.Node, eqclass.ID) {
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
	// Seed one EC per host address, not one EC spanning the whole subnet:
	// the FIB builder resolves a class through its representative address
	// (the lowest bound of one of its ranges), and an L2_LAN ARP lookup only
	// ever matches a real configured host address, never a bare network
	// address. Two host-sized ECs keep every representative resolvable.
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
	ec, err := mgr.FindEC(ipaddr.MustParseAddress("10.0.0.2"))
	if err != nil {
		t.Fatalf("FindEC: %v", err)
	}

	nodes := map[string]*topo.Node{"h0": h0, "h1": h1}
	p := &Process{
		Nodes:      nodes,
		Mgr:        mgr,
		FIBs:       fib.NewBuilder(nodes),
		Choices:    model.NewChoicesStore(),
		OFState:    model.NewOpenflowStateStore(),
		Reach:      model.NewReachCountsStore(),
		PStore:     packet.NewStore(),
		HStore:     packet.NewHistoryStore(),
		PHStore:    packet.NewPacketHistoryStore(),
		IRStore:    packet.NewInjectionResultStore(),
		IRSStore:   packet.NewInjectionResultsStore(),
		Updates:    ofupdate.New(nil),
		Cache:      injectioncache.New(),
		Specs:      map[string]topo.ContainerSpec{},
	}
	return p, h0, h1, ec
}

func freshState(p *Process, ec eqclass.ID) *model.State {
	conn := model.ConnState{
		FwdMode: model.PacketEntry,
		EC:      ec,
		SrcIP:   ipaddr.MustParseAddress("10.0.0.1").Value(),
		SrcPort: 1234,
		DstPort: 80,
		SrcNode: "h0",
		Phase:   packet.TCPInit1,
	}
	return &model.State{
		Conns:         []model.ConnState{conn},
		NumConns:      1,
		Choices:       p.Choices.Empty(),
		OpenflowState: p.OFState.Empty(),
		ReachCounts:   p.Reach.Empty(),
	}
}

func TestStepPacketEntrySetsTxNodeAndFirstCollect(t *testing.T) {
	p, _, _, ec := twoNodeNetwork(t)
	state := freshState(p, ec)

	next, err := p.Step(context.Background(), state)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	conn := next.Conns[0]
	if conn.TxNode != "h0" || conn.FwdMode != model.FirstCollect {
		t.Fatalf("unexpected conn after PACKET_ENTRY: %+v", conn)
	}
}

func TestFirstCollectLearnsSrcIPAndProducesCandidate(t *testing.T) {
	p, _, _, ec := twoNodeNetwork(t)
	state := freshState(p, ec)
	state.Conns[0].TxNode = "h0"
	state.Conns[0].FwdMode = model.FirstCollect

	next, err := p.Step(context.Background(), state)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	conn := next.Conns[0]
	if conn.FwdMode != model.ForwardPacket {
		t.Fatalf("expected FORWARD_PACKET, got %v", conn.FwdMode)
	}
	if len(next.Candidates) != 1 {
		t.Fatalf("expected exactly one candidate over a point-to-point link, got %d", len(next.Candidates))
	}
	if next.Candidates[0].L2Node != "h1" {
		t.Fatalf("expected the candidate to point at h1, got %+v", next.Candidates[0])
	}
}

func TestForwardPacketCrossesToPeerAndCollectsAgain(t *testing.T) {
	p, _, _, ec := twoNodeNetwork(t)
	state := freshState(p, ec)
	state.Conns[0].TxNode = "h0"
	state.Conns[0].FwdMode = model.ForwardPacket
	state.Candidates = []fib.IPNH{{L3Node: "h0", L3Intf: "eth0", L2Node: "h1", L2Intf: "eth0"}}
	state.Choice = 0

	next, err := p.Step(context.Background(), state)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	conn := next.Conns[0]
	if conn.TxNode != "h1" || conn.FwdMode != model.CollectNHops {
		t.Fatalf("expected to cross onto h1 and re-collect, got %+v", conn)
	}
}

func TestForwardPacketAcceptsAtTerminalNode(t *testing.T) {
	p, _, _, ec := twoNodeNetwork(t)
	state := freshState(p, ec)
	state.Conns[0].TxNode = "h1"
	state.Conns[0].FwdMode = model.ForwardPacket
	state.Candidates = []fib.IPNH{{L3Node: "h1", L3Intf: "eth0", Accept: true}}
	state.Choice = 0

	next, err := p.Step(context.Background(), state)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	conn := next.Conns[0]
	if conn.TxNode != "h1" || conn.FwdMode != model.Accepted {
		t.Fatalf("expected acceptance at h1, got %+v", conn)
	}
}

func TestAcceptedAdvancesPhaseAndRestartsEntry(t *testing.T) {
	p, _, _, ec := twoNodeNetwork(t)
	state := freshState(p, ec)
	state.Conns[0].TxNode = "h1"
	state.Conns[0].FwdMode = model.Accepted
	state.Conns[0].Phase = packet.TCPInit1

	next, err := p.Step(context.Background(), state)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	conn := next.Conns[0]
	if conn.Phase != packet.TCPInit2 {
		t.Fatalf("expected TCP_INIT_2, got %v", conn.Phase)
	}
	if conn.FwdMode != model.PacketEntry {
		t.Fatalf("expected PACKET_ENTRY to restart forwarding for the next phase, got %v", conn.FwdMode)
	}
	// TCP_INIT_1 (SYN, a request) -> TCP_INIT_2 (SYN-ACK, a reply) flips
	// direction, so the node that just accepted becomes the new source.
	if conn.SrcNode != "h1" {
		t.Fatalf("expected the reply's SrcNode to be the node that accepted, got %s", conn.SrcNode)
	}
}

func TestAcceptedFlipsDirectionAndResolvesReplyEC(t *testing.T) {
	p, _, _, ec := twoNodeNetwork(t)
	state := freshState(p, ec)
	conn := &state.Conns[0]
	conn.TxNode = "h1"
	conn.FwdMode = model.Accepted
	conn.Phase = packet.TCPInit2 // TCP_INIT_2 -> TCP_INIT_3 flips direction
	conn.SrcIP = ipaddr.MustParseAddress("10.0.0.1").Value()
	conn.SrcPort = 1234
	conn.DstPort = 80

	next, err := p.Step(context.Background(), state)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	got := next.Conns[0]
	if got.Phase != packet.TCPInit3 {
		t.Fatalf("expected TCP_INIT_3, got %v", got.Phase)
	}
	if got.SrcNode != "h1" {
		t.Fatalf("expected the reply's SrcNode to be the node that accepted, got %s", got.SrcNode)
	}
	if got.SrcPort != 80 || got.DstPort != 1234 {
		t.Fatalf("expected ports swapped on direction flip, got src=%d dst=%d", got.SrcPort, got.DstPort)
	}
	if ipaddr.Address(got.SrcIP) != ipaddr.MustParseAddress("10.0.0.2") {
		t.Fatalf("expected the new source to be h1's representative address, got %s", ipaddr.Address(got.SrcIP))
	}
	wantEC, err := p.Mgr.FindEC(ipaddr.MustParseAddress("10.0.0.1"))
	if err != nil {
		t.Fatalf("FindEC: %v", err)
	}
	if got.EC != wantEC {
		t.Fatalf("expected the reply's EC to contain the original source, got %v want %v", got.EC, wantEC)
	}
}

func TestAcceptedTerminalPhaseMarksDoneAndIncrementsReach(t *testing.T) {
	p, _, _, ec := twoNodeNetwork(t)
	state := freshState(p, ec)
	state.Conns[0].TxNode = "h1"
	state.Conns[0].FwdMode = model.Accepted
	state.Conns[0].Phase = packet.TCPTerm3 // last phase per packet.IsLast

	next, err := p.Step(context.Background(), state)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	conn := next.Conns[0]
	if conn.Executable {
		t.Fatalf("expected the connection to be marked non-executable at a terminal phase")
	}
	if got := next.ReachCounts.Count("h1"); got != 1 {
		t.Fatalf("expected h1's reach count incremented to 1, got %d", got)
	}
	if next.ChoiceCount != 0 {
		t.Fatalf("expected ChoiceCount 0 at a terminal step, got %d", next.ChoiceCount)
	}
}

func TestCollectRestrictsToCommittedChoiceOnRevisit(t *testing.T) {
	p, _, _, ec := twoNodeNetwork(t)
	state := freshState(p, ec)
	state.Conns[0].TxNode = "h0"
	state.Conns[0].FwdMode = model.CollectNHops
	hop := fib.IPNH{L3Node: "h0", L3Intf: "eth0", L2Node: "h1", L2Intf: "eth0"}
	state.Choices = p.Choices.With(state.Choices, ec, "h0", hop)

	next, err := p.Step(context.Background(), state)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(next.Candidates) != 1 || next.Candidates[0] != hop {
		t.Fatalf("expected the previously committed hop to be the sole candidate, got %+v", next.Candidates)
	}
}

func TestDroppedStepIsFixedPoint(t *testing.T) {
	p, _, _, ec := twoNodeNetwork(t)
	state := freshState(p, ec)
	state.Conns[0].FwdMode = model.Dropped

	next, err := p.Step(context.Background(), state)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if next.ChoiceCount != 0 {
		t.Fatalf("expected DROPPED to publish no further choices")
	}
}

// Package forwarding implements the symbolic forwarding process: the
// per-connection fwd_mode automaton that advances a packet hop-by-hop,
// dispatching to the EC engine, FIB builder, middlebox injection layer, and
// OpenFlow update process as each step requires. Each step mutates one
// piece of shared state and republishes a next choice set, the way a
// graph-walking traversal advances one node at a time.
package forwarding

import (
	"context"
	"fmt"

	"github.com/newtron-network/netverify/internal/obs"
	"github.com/newtron-network/netverify/pkg/emulation"
	"github.com/newtron-network/netverify/pkg/eqclass"
	"github.com/newtron-network/netverify/pkg/fib"
	"github.com/newtron-network/netverify/pkg/injectioncache"
	"github.com/newtron-network/netverify/pkg/ipaddr"
	"github.com/newtron-network/netverify/pkg/model"
	"github.com/newtron-network/netverify/pkg/ofupdate"
	"github.com/newtron-network/netverify/pkg/packet"
	"github.com/newtron-network/netverify/pkg/topo"
)

// Process holds every dependency the forwarding step dispatch needs: the
// static graph, the EC/FIB machinery, the hash-consing stores the state
// vector draws its interned fields from, the OpenFlow update process, and
// the middlebox injection path.
type Process struct {
	Nodes    map[string]*topo.Node
	Mgr      *eqclass.Mgr
	FIBs     *fib.Builder
	Choices  *model.ChoicesStore
	OFState  *model.OpenflowStateStore
	Reach    *model.ReachCountsStore
	PStore   *packet.Store
	HStore   *packet.HistoryStore
	PHStore  *packet.PacketHistoryStore
	IRStore  *packet.InjectionResultStore
	IRSStore *packet.InjectionResultsStore
	Updates  *ofupdate.Process
	Cache    *injectioncache.Cache

	Emulations *emulation.Manager
	Specs      map[string]topo.ContainerSpec // middlebox name -> container spec, for Emulations.Get
}

// Step advances state.Conns[state.Conn] by exactly one fwd_mode transition
// and returns the resulting state.
func (p *Process) Step(ctx context.Context, state *model.State) (*model.State, error) {
	next := state.Clone()
	conn := &next.Conns[next.Conn]

	switch conn.FwdMode {
	case model.PacketEntry:
		return p.stepPacketEntry(next, conn)
	case model.FirstCollect:
		return p.stepCollect(ctx, next, conn, true)
	case model.CollectNHops:
		return p.stepCollect(ctx, next, conn, false)
	case model.FirstForward, model.ForwardPacket:
		return p.stepForward(next, conn)
	case model.Accepted:
		return p.stepAccepted(next, conn)
	case model.Dropped:
		conn.Executable = false
		next.ChoiceCount = 0
		return next, nil
	default:
		return nil, obs.NewModelLogicError("forwarding.Step", fmt.Sprintf("unknown fwd_mode %v", conn.FwdMode))
	}
}

// stepPacketEntry commits the connection's source node as the packet's
// current location.
func (p *Process) stepPacketEntry(next *model.State, conn *model.ConnState) (*model.State, error) {
	conn.TxNode = conn.SrcNode
	conn.FwdMode = model.FirstCollect
	next.ChoiceCount = 1
	return next, nil
}

// stepCollect implements COLLECT_NHOPS / FIRST_COLLECT: resolve the current node's candidate next-hop set for the
// connection's EC, folding in the OpenFlow install-or-skip decision and
// path-consistency restriction from Choices.
//
// The install-or-skip decision is modelled as two rounds of
// this same fwd_mode: the first round, seeing a pending update and
// OFResolving still false, publishes a 2-way choice (skip/install) and
// returns without touching the real candidate set; the second round, with
// OFResolving true, applies whichever was chosen and falls through to the
// normal candidate collection below in the same call.
func (p *Process) stepCollect(ctx context.Context, next *model.State, conn *model.ConnState, isFirst bool) (*model.State, error) {
	node, ok := p.Nodes[conn.TxNode]
	if !ok {
		return nil, obs.NewModelLogicError("forwarding.stepCollect", fmt.Sprintf("unknown node %q", conn.TxNode))
	}

	if conn.OFResolving {
		update, ok := p.Updates.Pending(next.OpenflowState, node.Name)
		if !ok {
			return nil, obs.NewModelLogicError("forwarding.stepCollect", "OFResolving set with no pending update")
		}
		if next.Choice == 1 {
			next.OpenflowState = p.Updates.Install(p.OFState, next.OpenflowState, node.Name, node.RoutingTable, update)
			if _, err := p.FIBs.Build(p.Mgr, conn.EC, p.representative(conn.EC)); err != nil {
				return nil, fmt.Errorf("forwarding: rebuilding FIB for EC %d after install: %w", conn.EC, err)
			}
		} else {
			next.OpenflowState = p.Updates.Skip(next.OpenflowState)
		}
		conn.OFResolving = false
	} else if _, ok := p.Updates.Pending(next.OpenflowState, node.Name); ok {
		conn.OFResolving = true
		next.Candidates = nil
		next.ChoiceCount = 2 // 0 = skip, 1 = install
		return next, nil
	}

	var hops []fib.IPNH
	var err error
	if node.IsMiddlebox() {
		hops, err = p.collectFromMiddlebox(ctx, next, conn, node)
	} else {
		hops, err = p.collectFromFIB(conn, node, isFirst)
	}
	if err != nil {
		return nil, err
	}

	if choice, ok := next.Choices.Get(conn.EC, node.Name); ok {
		hops = restrictTo(hops, choice)
	}

	if len(hops) == 0 {
		conn.FwdMode = model.Dropped
		next.ChoiceCount = 0
		return next, nil
	}

	next.Candidates = hops
	next.ChoiceCount = len(hops)
	conn.FwdMode = model.ForwardPacket
	return next, nil
}

// collectFromFIB resolves conn's EC through node's FIB (the pure-model
// path). On FIRST_COLLECT, which every phase enters at its first hop, it
// also sets SrcIP to the address of the node's first L3 interface in
// declaration order; that is not necessarily the egress interface of the
// hop that is later chosen.
func (p *Process) collectFromFIB(conn *model.ConnState, node *topo.Node, isFirst bool) ([]fib.IPNH, error) {
	tbl, err := p.FIBs.Build(p.Mgr, conn.EC, p.representative(conn.EC))
	if err != nil {
		return nil, fmt.Errorf("forwarding: building FIB for EC %d: %w", conn.EC, err)
	}
	hops := tbl.NextHops[node.Name]

	if isFirst {
		for _, intf := range node.Interfaces() {
			if intf.IsL3 {
				conn.SrcIP = intf.Addr.Addr().Value()
				break
			}
		}
	}
	return hops, nil
}

// collectFromMiddlebox injects the connection's current packet into the
// node's appliance and turns the (possibly rewritten) reply into a
// candidate set resolved through the reply's own EC.
// An appliance observed to produce more than one distinct InjectionResult
// for the same history, or more than one packet per injection, has its
// first recorded outcome and first received packet drive the continuation;
// recorded in DESIGN.md as a scope simplification rather than full
// multi-outcome branching.
func (p *Process) collectFromMiddlebox(ctx context.Context, next *model.State, conn *model.ConnState, node *topo.Node) ([]fib.IPNH, error) {
	mb := node.Name
	history := next.History.For(mb)

	results, cached := p.Cache.Get(mb, history)
	if !cached {
		spec := p.Specs[mb]
		inst, err := p.Emulations.Get(ctx, mb, spec, history)
		if err != nil {
			return nil, fmt.Errorf("forwarding: acquiring emulation for %s: %w", mb, err)
		}
		pkt := p.currentPacket(conn)
		received, dropped, err := inst.SendPkt(ctx, pkt)
		if err != nil {
			return nil, fmt.Errorf("forwarding: injecting into %s: %w", mb, err)
		}
		result := p.IRStore.Intern(received, dropped)
		results = p.IRSStore.Intern([]*packet.InjectionResult{result})
		p.Cache.Put(mb, history, results)
		next.History = p.PHStore.With(next.History, mb, p.HStore.Append(history, pkt))
	}

	if len(results.Results) == 0 {
		return nil, nil
	}
	outcome := results.Results[0]
	if outcome.ExplicitDrop || len(outcome.Received) == 0 {
		return nil, nil
	}

	reply := outcome.Received[0]
	ec, err := p.Mgr.FindEC(reply.DstIP)
	if err != nil {
		return nil, fmt.Errorf("forwarding: %w", err)
	}
	conn.EC = ec
	conn.DstPort = reply.DstPort
	conn.SrcPort = reply.SrcPort
	conn.Seq, conn.Ack = reply.Seq, reply.Ack

	tbl, err := p.FIBs.Build(p.Mgr, ec, p.representative(ec))
	if err != nil {
		return nil, fmt.Errorf("forwarding: building FIB for EC %d: %w", ec, err)
	}
	return tbl.NextHops[node.Name], nil
}

// currentPacket materializes the connection's in-flight packet from its
// ConnState fields for injection.
func (p *Process) currentPacket(conn *model.ConnState) *packet.Packet {
	return p.PStore.Intern(packet.Packet{
		IngressIntf: conn.IngressIntf,
		SrcIP:       ipaddr.Address(conn.SrcIP),
		DstIP:       p.representative(conn.EC),
		SrcPort:     conn.SrcPort,
		DstPort:     conn.DstPort,
		Seq:         conn.Seq,
		Ack:         conn.Ack,
		Phase:       conn.Phase,
	})
}

// representative returns a concrete address belonging to ec, used wherever
// FIB construction or packet injection needs one real address to stand in
// for the whole equivalence class.
func (p *Process) representative(ec eqclass.ID) ipaddr.Address {
	ranges := p.Mgr.Ranges(ec)
	if len(ranges) == 0 {
		return 0
	}
	return ranges[0].LB()
}

func restrictTo(hops []fib.IPNH, committed fib.IPNH) []fib.IPNH {
	for _, h := range hops {
		if h == committed {
			return []fib.IPNH{h}
		}
	}
	return []fib.IPNH{committed}
}

// stepForward implements FIRST_FORWARD / FORWARD_PACKET: commit the chosen candidate, advancing location or accepting on a
// terminal self-loop.
func (p *Process) stepForward(next *model.State, conn *model.ConnState) (*model.State, error) {
	if next.Choice < 0 || next.Choice >= len(next.Candidates) {
		return nil, obs.NewModelLogicError("forwarding.stepForward", fmt.Sprintf("choice %d out of range [0,%d)", next.Choice, len(next.Candidates)))
	}
	hop := next.Candidates[next.Choice]

	if len(next.Candidates) > 1 {
		next.Choices = p.Choices.With(next.Choices, conn.EC, conn.TxNode, hop)
	}

	oldNode := conn.TxNode
	newNode := hop.L2Node
	newIntf := hop.L2Intf
	if hop.Accept {
		newNode = hop.L3Node
		newIntf = hop.L3Intf
	}
	conn.IngressIntf = newIntf

	if newNode == oldNode {
		conn.FwdMode = model.Accepted
	} else {
		conn.TxNode = newNode
		conn.FwdMode = model.CollectNHops
	}
	next.ChoiceCount = 1
	return next, nil
}

// stepAccepted advances the
// protocol phase, swap direction on the reply, and either mark the
// connection done or seed the next phase.
func (p *Process) stepAccepted(next *model.State, conn *model.ConnState) (*model.State, error) {
	if packet.IsLast(conn.Phase) {
		conn.Executable = false
		next.ReachCounts = p.Reach.Increment(next.ReachCounts, conn.TxNode)
		next.ChoiceCount = 0
		return next, nil
	}

	nextPhase, ok := packet.Next(conn.Phase)
	if !ok {
		return nil, obs.NewModelLogicError("forwarding.stepAccepted", fmt.Sprintf("phase %v has no successor", conn.Phase))
	}

	if packet.DirectionFlips(conn.Phase, nextPhase) {
		// The EC field names the destination class; on a direction flip the
		// old destination becomes the new, concrete source, and the old
		// (concrete) source must be re-classified into its own EC to become
		// the new destination.
		oldSrc := ipaddr.Address(conn.SrcIP)
		newSrc := p.representative(conn.EC)
		replyEC, err := p.Mgr.FindEC(oldSrc)
		if err != nil {
			return nil, fmt.Errorf("forwarding: resolving reply EC: %w", err)
		}
		conn.SrcIP = newSrc.Value()
		conn.EC = replyEC
		conn.SrcPort, conn.DstPort = conn.DstPort, conn.SrcPort
		conn.SrcNode = conn.TxNode
	}
	conn.Phase = nextPhase
	conn.FwdMode = model.PacketEntry
	next.ChoiceCount = 1
	return next, nil
}

// Package checker implements the explicit-state model checker that drives
// pkg/forwarding/pkg/scheduler over one invariant's connection matrix. The
// DFS is an ordinary Go slice-backed stack of (state, next choice to try)
// frames standing in for a fork-per-choice recursion, using an explicit
// worklist rather than language coroutines.
package checker

import (
	"context"
	"fmt"

	"github.com/newtron-network/netverify/pkg/connspec"
	"github.com/newtron-network/netverify/pkg/eqclass"
	"github.com/newtron-network/netverify/pkg/forwarding"
	"github.com/newtron-network/netverify/pkg/invariant"
	"github.com/newtron-network/netverify/pkg/model"
	"github.com/newtron-network/netverify/pkg/packet"
	"github.com/newtron-network/netverify/pkg/scheduler"
)

// Checker ties an invariant's static description to the machinery needed to
// explore it: the forwarding process and the EC manager its connection
// specs resolve against.
type Checker struct {
	Proc *forwarding.Process
	Mgr  *eqclass.Mgr
}

// New builds a Checker over proc/mgr.
func New(proc *forwarding.Process, mgr *eqclass.Mgr) *Checker {
	return &Checker{Proc: proc, Mgr: mgr}
}

// Result is the outcome of checking one invariant.
type Result struct {
	Violated     bool
	Combinations int     // number of connection-tuples explored
	Dispersion   float64 // populated for LoadBalance
}

// Check decides inv, dispatching on its Kind.
func (c *Checker) Check(ctx context.Context, inv invariant.Invariant) (Result, error) {
	switch inv.Kind {
	case invariant.Conditional, invariant.Consistency:
		return c.checkComposite(ctx, inv)
	case invariant.LoadBalance, invariant.OneRequest:
		return c.checkConcurrent(ctx, inv)
	default:
		return c.checkPerTuple(ctx, inv)
	}
}

// checkComposite evaluates every child invariant to completion first, then
// folds their verdicts via CheckComposite.
func (c *Checker) checkComposite(ctx context.Context, inv invariant.Invariant) (Result, error) {
	childResults := make([]bool, len(inv.Children))
	for i, child := range inv.Children {
		res, err := c.Check(ctx, child)
		if err != nil {
			return Result{}, fmt.Errorf("checker: sub-invariant %d: %w", i, err)
		}
		childResults[i] = res.Violated
	}
	violated, err := inv.CheckComposite(childResults)
	if err != nil {
		return Result{}, err
	}
	return Result{Violated: violated}, nil
}

// checkPerTuple runs Reachability/ReplyReachability/Waypoint/Loop: every
// tuple the connection matrix yields is its own independent execution, and
// the invariant is violated if any single tuple's exploration finds a
// violating trace.
func (c *Checker) checkPerTuple(ctx context.Context, inv invariant.Invariant) (Result, error) {
	matrix := c.buildMatrix(inv)

	combos := 0
	for {
		tuple, ok := matrix.GetNextConns()
		if !ok {
			break
		}
		combos++
		state := c.newState(tuple)
		violated, err := c.explore(ctx, inv, state)
		if err != nil {
			return Result{}, err
		}
		if violated {
			return Result{Violated: true, Combinations: combos}, nil
		}
	}
	return Result{Combinations: combos}, nil
}

// buildMatrix assembles inv's connection matrix, one dimension per
// Connections[] spec, shared by checkPerTuple and the single-tuple entry
// point pkg/workerdriver uses to run exactly one (invariant, tuple)
// combination per forked worker.
func (c *Checker) buildMatrix(inv invariant.Invariant) *connspec.Matrix {
	matrix := connspec.NewMatrix()
	for _, spec := range inv.Connections {
		matrix.Add(spec.ComputeConnections(c.Mgr))
	}
	return matrix
}

// NumTuples reports how many connection-tuples inv's matrix will yield, used
// by the driver to size its job list without running any exploration.
func (c *Checker) NumTuples(inv invariant.Invariant) int {
	return c.buildMatrix(inv).NumCombinations()
}

// CheckTuple runs exactly the tupleIndex'th tuple of inv's connection
// matrix (row-major order, matching checkPerTuple/Matrix.GetNextConns) as
// one isolated execution. It is the entry point a forked worker process
// uses: the parent assigns (invariant index, tuple index) pairs and each
// worker decides only its own pair.
func (c *Checker) CheckTuple(ctx context.Context, inv invariant.Invariant, tupleIndex int) (Result, error) {
	matrix := c.buildMatrix(inv)
	var tuple []connspec.Connection
	for i := 0; ; i++ {
		next, ok := matrix.GetNextConns()
		if !ok {
			return Result{}, fmt.Errorf("checker: tuple index %d out of range (matrix has %d)", tupleIndex, i)
		}
		if i == tupleIndex {
			tuple = next
			break
		}
	}
	state := c.newState(tuple)
	violated, err := c.explore(ctx, inv, state)
	if err != nil {
		return Result{}, err
	}
	return Result{Violated: violated, Combinations: 1}, nil
}

// checkConcurrent runs LoadBalance/OneRequest: every connection every
// Connections[] spec produces is folded into one simultaneous tuple and
// explored as a single execution, since both invariants are inherently
// about the interaction between concurrently-active flows rather than any
// one flow in isolation.
func (c *Checker) checkConcurrent(ctx context.Context, inv invariant.Invariant) (Result, error) {
	var tuple []connspec.Connection
	for _, spec := range inv.Connections {
		tuple = append(tuple, spec.ComputeConnections(c.Mgr)...)
	}
	if len(tuple) == 0 {
		return Result{}, nil
	}

	state := c.newState(tuple)
	violated, final, err := c.exploreFinal(ctx, inv, state)
	if err != nil {
		return Result{}, err
	}

	if inv.Kind == invariant.LoadBalance {
		lbViolated, dispersion := inv.CheckLoadBalance(final.ReachCounts.All())
		return Result{Violated: lbViolated, Combinations: 1, Dispersion: dispersion}, nil
	}
	return Result{Violated: violated, Combinations: 1}, nil
}

// newState seeds a fresh State for tuple, one ConnState per connection, all
// starting at PACKET_ENTRY in their protocol's first phase.
func (c *Checker) newState(tuple []connspec.Connection) *model.State {
	conns := make([]model.ConnState, len(tuple))
	for i, cn := range tuple {
		conns[i] = model.ConnState{
			FwdMode:    model.PacketEntry,
			EC:         cn.DstEC,
			SrcPort:    cn.SrcPort,
			DstPort:    cn.DstPort,
			SrcNode:    cn.SrcNode,
			Phase:      initialPhase(cn.Protocol),
			Executable: true,
		}
	}
	return &model.State{
		Conns:         conns,
		NumConns:      len(conns),
		ChoiceCount:   1,
		Choices:       c.Proc.Choices.Empty(),
		OpenflowState: c.Proc.OFState.Empty(),
		ReachCounts:   c.Proc.Reach.Empty(),
	}
}

func initialPhase(p connspec.Protocol) packet.Phase {
	switch p {
	case connspec.UDP:
		return packet.UDPReq
	case connspec.ICMPEcho:
		return packet.ICMPEchoReq
	default:
		return packet.TCPInit1
	}
}

// dfsFrame is one stack frame: state is the state as of entering this
// frame, next is the next Choice value not yet tried in
// [0, state.ChoiceCount), and resume marks that scheduler.Resume must run
// (against a ChoiceCount scheduler.Publish already set) before the
// forwarding step itself.
type dfsFrame struct {
	state  *model.State
	next   int
	resume bool
}

// explore is exploreFinal without needing the terminal state back.
func (c *Checker) explore(ctx context.Context, inv invariant.Invariant, init *model.State) (bool, error) {
	violated, _, err := c.exploreFinal(ctx, inv, init)
	return violated, err
}

// exploreFinal runs the DFS to exhaustion (or to the first violating
// trace), returning whether a violation was found and, for callers that
// need post-hoc aggregate checks (LoadBalance), the last state visited
// along the deepest/last path explored.
func (c *Checker) exploreFinal(ctx context.Context, inv invariant.Invariant, init *model.State) (bool, *model.State, error) {
	traces := make([]*invariant.Trace, len(init.Conns))
	shared := make(map[string]bool)
	origSrc := make([]string, len(init.Conns))
	for i, cs := range init.Conns {
		traces[i] = invariant.NewTrace()
		traces[i].RequestSeenBy = shared
		origSrc[i] = cs.SrcNode
	}

	var stack []dfsFrame
	if len(init.Conns) > 1 {
		scheduler.Publish(init)
		stack = []dfsFrame{{state: init, resume: true}}
	} else {
		stack = []dfsFrame{{state: init}}
	}

	var last *model.State
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= top.state.ChoiceCount {
			stack = stack[:len(stack)-1]
			continue
		}

		s := top.state.Clone()
		s.Choice = top.next
		top.next++

		if top.resume {
			scheduler.Resume(s)
		}

		res, violated, err := c.advanceExecutable(ctx, inv, s, traces, origSrc)
		if err != nil {
			return false, nil, err
		}
		if violated {
			return true, res, nil
		}
		last = res

		if len(res.Conns) > 1 {
			scheduler.Publish(res)
			stack = append(stack, dfsFrame{state: res, resume: true})
		} else {
			stack = append(stack, dfsFrame{state: res})
		}
	}
	return false, last, nil
}

// advanceExecutable performs one forwarding step on state.Conns[state.Conn]
// (already picked, already holding the Choice to apply), recording whatever
// invariant bookkeeping that step triggers both before and after the step.
//
// Reachability-style invariants are locked in the moment the connection's
// own request-direction packet (packet.IsRequest) is accepted or dropped,
// rather than waiting for the connection to reach its last protocol phase:
// a later, unrelated ack/reply/teardown-phase outcome must not be able to
// flip an already-settled verdict. Once locked, Reachability/OneRequest (and
// ReplyReachability when the request missed its target) prune the
// connection immediately instead of continuing to simulate phases that
// can no longer change the answer.
func (c *Checker) advanceExecutable(ctx context.Context, inv invariant.Invariant, s *model.State, traces []*invariant.Trace, origSrc []string) (*model.State, bool, error) {
	idx := s.Conn
	cur := s.Conns[idx]

	if cur.FwdMode == model.FirstCollect || cur.FwdMode == model.CollectNHops {
		if violated := c.recordHopEntry(inv, traces[idx], cur, origSrc[idx]); violated {
			return nil, true, nil
		}
	}

	requestAccepted := cur.FwdMode == model.Accepted && packet.IsRequest(cur.Phase)

	res, err := c.Proc.Step(ctx, s)
	if err != nil {
		return nil, false, err
	}

	newCur := res.Conns[idx]
	// Checked directly against FwdMode rather than newCur.Executable: a
	// connection that just ran out of next-hops carries FwdMode == Dropped
	// with Executable still true here — Step only flips Executable on a
	// second call against that same Dropped state, which the scheduler may
	// never make (ChoiceCount is already 0 after this step).
	dropped := newCur.FwdMode == model.Dropped
	t := traces[idx]

	if !newCur.Executable || dropped {
		t.WholeTerminal = true
	}

	if (requestAccepted || dropped) && !t.Terminal {
		t.Terminal = true
		if dropped {
			t.Dropped = true
		} else {
			t.TerminalAtNode = cur.TxNode
		}
	}

	prune := func() {
		if newCur.Executable {
			newCur.Executable = false
			res.Conns[idx] = newCur
			res.ChoiceCount = 0
		}
	}

	switch inv.Kind {
	case invariant.Reachability, invariant.OneRequest:
		if t.Terminal {
			if v, err := inv.CheckViolation(t); err != nil {
				return nil, false, err
			} else if v {
				return nil, true, nil
			}
			prune()
		}

	case invariant.ReplyReachability:
		if t.Terminal {
			hitTarget := !t.Dropped && containsStr(inv.TargetNodes, t.TerminalAtNode)
			if !hitTarget {
				if v, err := inv.CheckViolation(t); err != nil {
					return nil, false, err
				} else if v {
					return nil, true, nil
				}
				prune()
			} else if t.WholeTerminal {
				// Reached a target on the request leg; this is the
				// connection's real end and the reply never made it back.
				if v, err := inv.CheckViolation(t); err != nil {
					return nil, false, err
				} else if v {
					return nil, true, nil
				}
			}
		}

	case invariant.Waypoint:
		if inv.Through && waypointVisited(inv, t) {
			prune()
		} else if t.WholeTerminal {
			if v, err := inv.CheckViolation(t); err != nil {
				return nil, false, err
			} else if v {
				return nil, true, nil
			}
		}
	}
	return res, false, nil
}

// waypointVisited reports whether any of inv's target nodes has been
// recorded as visited in t so far.
func waypointVisited(inv invariant.Invariant, t *invariant.Trace) bool {
	for _, target := range inv.TargetNodes {
		if t.WaypointsSeen[target] {
			return true
		}
	}
	return false
}

// recordHopEntry updates trace bookkeeping on entry to FIRST_COLLECT /
// COLLECT_NHOPS — the point at which a connection is "at" a node — and
// reports whether that alone already violates inv (Loop's duplicate-hop
// detection, Waypoint("avoid")'s immediate trip, OneRequest's >1-distinct-
// requester check).
func (c *Checker) recordHopEntry(inv invariant.Invariant, t *invariant.Trace, cur model.ConnState, origSrcNode string) bool {
	switch inv.Kind {
	case invariant.Loop:
		hop := invariant.VisitedHop{EC: cur.EC, DstPort: cur.DstPort, Node: cur.TxNode}
		return !t.Hops.Add(hop)

	case invariant.Waypoint:
		if !containsStr(inv.TargetNodes, cur.TxNode) {
			return false
		}
		t.WaypointsSeen[cur.TxNode] = true
		if inv.Through {
			return false
		}
		v, _ := inv.CheckViolation(t)
		return v

	case invariant.OneRequest:
		if !containsStr(inv.TargetNodes, cur.TxNode) || !packet.IsRequest(cur.Phase) {
			return false
		}
		t.RequestSeenBy[cur.TxNode] = true
		v, _ := inv.CheckViolation(t)
		return v

	case invariant.ReplyReachability:
		if !packet.IsRequest(cur.Phase) && cur.TxNode == origSrcNode {
			t.ReplyReachedSrc = true
		}
		return false

	default:
		return false
	}
}

// JobsFor reports how many (invariant, tuple) worker jobs inv requires: one
// per connection-tuple for the per-tuple kinds (Reachability,
// ReplyReachability, Waypoint, Loop), or exactly one job that runs the
// entire invariant for the kinds that never split across a process boundary
// (LoadBalance and OneRequest need every connection running concurrently in
// one execution; Conditional/Consistency need every child to run to
// completion under one CheckComposite call). The worker driver uses this to
// size its job list before forking any worker.
func JobsFor(mgr *eqclass.Mgr, inv invariant.Invariant) int {
	if IsWholeInvariantJob(inv.Kind) {
		return 1
	}
	return (&Checker{Mgr: mgr}).NumTuples(inv)
}

// IsWholeInvariantJob reports whether kind is one of the kinds that always
// runs as a single job covering the entire invariant (never split per
// connection-tuple): LoadBalance and OneRequest need every connection
// running concurrently in one execution, and Conditional/Consistency need
// every child invariant to run to completion under one CheckComposite call.
func IsWholeInvariantJob(kind invariant.Kind) bool {
	switch kind {
	case invariant.Conditional, invariant.Consistency, invariant.LoadBalance, invariant.OneRequest:
		return true
	default:
		return false
	}
}

// RunJob runs exactly one of the JobsFor(mgr, inv) jobs: tupleIndex >= 0
// selects one tuple of inv's connection matrix, tupleIndex == -1 runs inv
// as a whole (the single job the composite/concurrent kinds always produce).
func (c *Checker) RunJob(ctx context.Context, inv invariant.Invariant, tupleIndex int) (Result, error) {
	if tupleIndex < 0 {
		return c.Check(ctx, inv)
	}
	return c.CheckTuple(ctx, inv, tupleIndex)
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Package invariant implements the temporal properties the verifier decides
// over forwarding executions.
//
// Rather than a dynamic-dispatch virtual-function family, the
// original's virtual-function family is replaced by a tagged sum type
// (Kind) dispatched by CheckViolation, rather than an interface hierarchy —
// composite invariants hold a slice of child Invariant values directly.
package invariant

import (
	"fmt"

	"github.com/newtron-network/netverify/pkg/connspec"
	"github.com/newtron-network/netverify/pkg/eqclass"
)

// Kind tags which variant an Invariant is.
type Kind int

const (
	Reachability Kind = iota
	ReplyReachability
	Waypoint
	Loop
	OneRequest
	LoadBalance
	Conditional
	Consistency
)

// Invariant is the static, config-derived description of one property
//. Composite kinds (Conditional, Consistency)
// carry their sub-invariants in Children; pkg/checker runs each child to
// completion in order and folds the verdicts with CheckComposite.
type Invariant struct {
	Kind Kind

	// Reachability / ReplyReachability / Waypoint / OneRequest / LoadBalance
	TargetNodes        []string
	Reachable          bool // Reachability: true = positive, false = negative
	Through            bool // Waypoint: true = "through", false = "avoid"
	MaxDispersionIndex float64

	Connections []connspec.Spec
	Children    []Invariant
}

// NumConnEcs is num_conn_ecs(): the number of (connection x EC) combinations
// this invariant will enumerate across its connection specs.
func (inv Invariant) NumConnEcs(mgr *eqclass.Mgr) int {
	total := 0
	for _, spec := range inv.Connections {
		total += len(spec.ComputeConnections(mgr))
	}
	return total
}

// VisitedHop is the (EC, dst_port, node) triple the Loop invariant tracks.
type VisitedHop struct {
	EC      eqclass.ID
	DstPort uint16
	Node    string
}

// VisitedHops records hops seen so far in one execution, refusing silent
// duplicates.
type VisitedHops struct {
	seen map[VisitedHop]bool
}

// NewVisitedHops returns an empty tracker.
func NewVisitedHops() *VisitedHops {
	return &VisitedHops{seen: make(map[VisitedHop]bool)}
}

// Add records h, returning false (a loop) if h was already present.
func (v *VisitedHops) Add(h VisitedHop) bool {
	if v.seen[h] {
		return false
	}
	v.seen[h] = true
	return true
}

// Trace is the per-execution, per-invariant-check accumulator
// CheckViolation reads from and writes to; it stands in for the state
// vector's per-connection bookkeeping for invariant purposes.
type Trace struct {
	Hops          *VisitedHops
	WaypointsSeen map[string]bool

	// TerminalAtNode/Terminal/Dropped capture the outcome of the
	// connection's own request-direction packet the instant it is accepted
	// or dropped, not the connection's eventual last phase: once Terminal
	// is set it is never overwritten, so a later, unrelated ack/reply/
	// teardown-phase drop can't retroactively change an already-settled
	// reachability verdict.
	TerminalAtNode string // node the request packet was accepted at, "" if dropped or not yet resolved
	Terminal       bool
	Dropped        bool

	// WholeTerminal is true once the connection itself has fully finished
	// (reached its last phase, or been dropped at any point), for checks
	// that need the entire journey rather than just the request leg.
	WholeTerminal   bool
	ReplyReachedSrc bool

	// RequestSeenBy is shared across every concurrent connection in one
	// worker's OneRequest invariant evaluation, not reset per-Trace.
	RequestSeenBy map[string]bool
}

// NewTrace returns a fresh per-execution trace.
func NewTrace() *Trace {
	return &Trace{
		Hops:          NewVisitedHops(),
		WaypointsSeen: make(map[string]bool),
		RequestSeenBy: make(map[string]bool),
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// CheckViolation evaluates inv against t, returning whether the execution so
// far violates it. Reachability and OneRequest are meaningful once
// t.Terminal is set (the connection's own request leg has resolved);
// ReplyReachability additionally needs t.WholeTerminal for its reply-leg
// half. Loop and Waypoint("avoid") can fire mid-execution.
func (inv Invariant) CheckViolation(t *Trace) (bool, error) {
	switch inv.Kind {
	case Reachability:
		return inv.checkReachability(t), nil
	case ReplyReachability:
		if inv.checkReachability(t) {
			return true, nil
		}
		return t.WholeTerminal && !t.ReplyReachedSrc, nil
	case Waypoint:
		return inv.checkWaypoint(t), nil
	case Loop:
		return false, nil // Loop's violation is signaled by VisitedHops.Add returning false, at the call site
	case OneRequest:
		return inv.checkOneRequest(t), nil
	case LoadBalance:
		return false, fmt.Errorf("invariant: LoadBalance.CheckViolation requires ReachCounts; use CheckLoadBalance")
	case Conditional, Consistency:
		return false, fmt.Errorf("invariant: composite kinds are evaluated via CheckComposite, not CheckViolation")
	default:
		return false, fmt.Errorf("invariant: unknown kind %d", inv.Kind)
	}
}

func (inv Invariant) checkReachability(t *Trace) bool {
	if !t.Terminal {
		return false
	}
	hitTarget := !t.Dropped && contains(inv.TargetNodes, t.TerminalAtNode)
	if inv.Reachable {
		return !hitTarget // positive: violated if it did NOT land on a target
	}
	return hitTarget // negative: violated if it DID land on a target
}

func (inv Invariant) checkWaypoint(t *Trace) bool {
	visitedAny := false
	for _, target := range inv.TargetNodes {
		if t.WaypointsSeen[target] {
			visitedAny = true
			break
		}
	}
	if inv.Through {
		return t.WholeTerminal && !visitedAny
	}
	return visitedAny // avoid: violated the instant any target is visited
}

func (inv Invariant) checkOneRequest(t *Trace) bool {
	seenCount := 0
	for _, target := range inv.TargetNodes {
		if t.RequestSeenBy[target] {
			seenCount++
		}
	}
	return seenCount > 1
}

// CheckLoadBalance evaluates the Load-balance invariant once exploration of
// all target connections completes, from the final ReachCounts.
func (inv Invariant) CheckLoadBalance(counts map[string]int) (violated bool, dispersion float64) {
	if inv.Kind != LoadBalance {
		return false, 0
	}
	n := len(inv.TargetNodes)
	if n == 0 {
		return false, 0
	}
	var sum float64
	vals := make([]float64, n)
	for i, target := range inv.TargetNodes {
		vals[i] = float64(counts[target])
		sum += vals[i]
	}
	mean := sum / float64(n)
	if mean == 0 {
		return false, 0
	}
	var variance float64
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n)
	dispersion = variance / mean
	return dispersion > inv.MaxDispersionIndex, dispersion
}

// reinitSentinel (POL_REINIT_DP) signals that the driver must reset the
// data-plane state before the next correlated sub-invariant begins.
var reinitSentinel = fmt.Errorf("invariant: reinitialize data plane before next sub-invariant")

// ErrReinitDataPlane returns the reinitialize-data-plane sentinel. No code
// in this module returns it between sub-invariant runs.
func ErrReinitDataPlane() error { return reinitSentinel }

// CheckComposite evaluates Conditional/Consistency invariants from their
// children's already-computed violated flags. Each sub-invariant must complete its own full exploration
// first; childResults[i] is whether Children[i] was violated.
func (inv Invariant) CheckComposite(childResults []bool) (bool, error) {
	if len(childResults) != len(inv.Children) {
		return false, fmt.Errorf("invariant: expected %d child results, got %d", len(inv.Children), len(childResults))
	}
	switch inv.Kind {
	case Conditional:
		if len(childResults) == 0 {
			return false, fmt.Errorf("invariant: conditional requires at least one child (the premise)")
		}
		premiseViolated := childResults[0]
		if premiseViolated {
			return false, nil // P violated: conditional holds vacuously
		}
		for _, sub := range childResults[1:] {
			if sub {
				return true, nil
			}
		}
		return false, nil
	case Consistency:
		if len(childResults) == 0 {
			return false, nil
		}
		first := childResults[0]
		for _, r := range childResults[1:] {
			if r != first {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("invariant: %v is not a composite kind", inv.Kind)
	}
}

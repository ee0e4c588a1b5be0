// Package model implements the typed state-vector accessors and the
// associated memoization structures (Choices, Candidates, ReachCounts,
// OpenflowUpdateState) kept as an opaque, flat
// byte buffer in the original. Here the state is a plain Go struct; fields
// that must be pointer-comparable for cheap state-hashing hold values
// interned by pkg/unique.
package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/newtron-network/netverify/pkg/eqclass"
	"github.com/newtron-network/netverify/pkg/fib"
	"github.com/newtron-network/netverify/pkg/packet"
	"github.com/newtron-network/netverify/pkg/unique"
)

// FwdMode is the forwarding process's per-connection mode.
type FwdMode int

const (
	PacketEntry FwdMode = iota
	FirstCollect
	FirstForward
	CollectNHops
	ForwardPacket
	Accepted
	Dropped
)

func (m FwdMode) String() string {
	switch m {
	case PacketEntry:
		return "PACKET_ENTRY"
	case FirstCollect:
		return "FIRST_COLLECT"
	case FirstForward:
		return "FIRST_FORWARD"
	case CollectNHops:
		return "COLLECT_NHOPS"
	case ForwardPacket:
		return "FORWARD_PACKET"
	case Accepted:
		return "ACCEPTED"
	case Dropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("FwdMode(%d)", int(m))
	}
}

// ConnState holds one connection's slot of the state vector.
type ConnState struct {
	FIB          *fib.FIB
	FwdMode      FwdMode
	EC           eqclass.ID
	SrcIP        uint32
	SrcPort      uint16
	DstPort      uint16
	Seq, Ack     uint32
	SrcNode      string
	TxNode       string // current packet location
	RxNode       string // pending next hop, set between COLLECT_NHOPS and FORWARD_PACKET
	IngressIntf  string
	History      *packet.PacketHistory
	Phase        packet.Phase
	Executable   bool
	RepeatCount  int // guards against unbounded same-(EC,node) revisits beyond Choices memoization

	// OFResolving marks that this visit to COLLECT_NHOPS has already
	// published its install-or-skip decision and is waiting for the
	// matching choice before computing the real candidate set.
	OFResolving bool
}

// State is the full per-worker state vector for one combination of
// (invariant, connection-tuple): one ConnState per connection plus the
// scalar fields rather than a packed byte buffer.
type State struct {
	Conns             []ConnState
	Conn              int // index of the connection currently being advanced
	NumConns          int
	CorrelatedInvIdx  int
	Choice            int
	ChoiceCount       int
	Violated          bool
	Candidates        []fib.IPNH
	Choices           *Choices
	OpenflowState     *OpenflowUpdateState
	ReachCounts       *ReachCounts
}

// Clone makes a deep-enough copy for branching into a new DFS frame: the
// Conns and Candidates slices are copied; interned pointers are shared, not
// copied.
func (s *State) Clone() *State {
	clone := *s
	clone.Conns = append([]ConnState(nil), s.Conns...)
	clone.Candidates = append([]fib.IPNH(nil), s.Candidates...)
	return &clone
}

// Choices memoizes committed next-hop decisions per (EC, node), so that a
// later re-arrival at the same pair deterministically repeats the choice.
type Choices struct {
	entries map[choiceKey]fib.IPNH
}

type choiceKey struct {
	ec   eqclass.ID
	node string
}

func (c *Choices) key() any {
	keys := make([]choiceKey, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ec != keys[j].ec {
			return keys[i].ec < keys[j].ec
		}
		return keys[i].node < keys[j].node
	})
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%d/%s=%s;", k.ec, k.node, c.entries[k].String())
	}
	return b.String()
}

// ChoicesStore hash-conses Choices snapshots.
type ChoicesStore struct {
	interner *unique.Interner[Choices]
}

// NewChoicesStore builds an empty Choices interner.
func NewChoicesStore() *ChoicesStore {
	return &ChoicesStore{interner: unique.New[Choices](func(c Choices) any { return c.key() })}
}

// Empty returns the canonical empty Choices map.
func (s *ChoicesStore) Empty() *Choices {
	return s.interner.Intern(Choices{entries: map[choiceKey]fib.IPNH{}})
}

// Get looks up a previously committed choice for (ec, node).
func (c *Choices) Get(ec eqclass.ID, node string) (fib.IPNH, bool) {
	if c == nil {
		return fib.IPNH{}, false
	}
	h, ok := c.entries[choiceKey{ec, node}]
	return h, ok
}

// With returns the canonical Choices equal to c plus (ec,node)->hop
// committed.
func (s *ChoicesStore) With(c *Choices, ec eqclass.ID, node string, hop fib.IPNH) *Choices {
	next := make(map[choiceKey]fib.IPNH, len(c.entries)+1)
	for k, v := range c.entries {
		next[k] = v
	}
	next[choiceKey{ec, node}] = hop
	return s.interner.Intern(Choices{entries: next})
}

// ReachCounts counts how many connections ended at each target node, for
// the load-balance and one-request invariants.
type ReachCounts struct {
	counts map[string]int
}

func (r *ReachCounts) key() any {
	names := make([]string, 0, len(r.counts))
	for n := range r.counts {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "%s=%d;", n, r.counts[n])
	}
	return b.String()
}

// ReachCountsStore hash-conses ReachCounts snapshots.
type ReachCountsStore struct {
	interner *unique.Interner[ReachCounts]
}

// NewReachCountsStore builds an empty interner.
func NewReachCountsStore() *ReachCountsStore {
	return &ReachCountsStore{interner: unique.New[ReachCounts](func(r ReachCounts) any { return r.key() })}
}

// Empty returns the canonical all-zero ReachCounts.
func (s *ReachCountsStore) Empty() *ReachCounts {
	return s.interner.Intern(ReachCounts{counts: map[string]int{}})
}

// Count returns the current count for node.
func (r *ReachCounts) Count(node string) int {
	if r == nil {
		return 0
	}
	return r.counts[node]
}

// Increment returns the canonical ReachCounts with node's count incremented.
func (s *ReachCountsStore) Increment(r *ReachCounts, node string) *ReachCounts {
	next := make(map[string]int, len(r.counts)+1)
	for k, v := range r.counts {
		next[k] = v
	}
	next[node]++
	return s.interner.Intern(ReachCounts{counts: next})
}

// All returns a copy of the node->count map, for invariants that need to
// iterate every target (e.g. load-balance's variance computation).
func (r *ReachCounts) All() map[string]int {
	out := make(map[string]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// OpenflowUpdateState is, per node, the index into that node's pending
// update list indicating how many have been installed along the current
// path.
type OpenflowUpdateState struct {
	installed map[string]int
}

func (o *OpenflowUpdateState) key() any {
	names := make([]string, 0, len(o.installed))
	for n := range o.installed {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "%s=%d;", n, o.installed[n])
	}
	return b.String()
}

// OpenflowStateStore hash-conses OpenflowUpdateState snapshots.
type OpenflowStateStore struct {
	interner *unique.Interner[OpenflowUpdateState]
}

// NewOpenflowStateStore builds an empty interner.
func NewOpenflowStateStore() *OpenflowStateStore {
	return &OpenflowStateStore{interner: unique.New[OpenflowUpdateState](func(o OpenflowUpdateState) any { return o.key() })}
}

// Empty returns the canonical zero-progress state.
func (s *OpenflowStateStore) Empty() *OpenflowUpdateState {
	return s.interner.Intern(OpenflowUpdateState{installed: map[string]int{}})
}

// Index returns how many updates have been installed at node so far.
func (o *OpenflowUpdateState) Index(node string) int {
	if o == nil {
		return 0
	}
	return o.installed[node]
}

// Advance returns the canonical state with node's index incremented.
func (s *OpenflowStateStore) Advance(o *OpenflowUpdateState, node string) *OpenflowUpdateState {
	next := make(map[string]int, len(o.installed)+1)
	for k, v := range o.installed {
		next[k] = v
	}
	next[node]++
	return s.interner.Intern(OpenflowUpdateState{installed: next})
}

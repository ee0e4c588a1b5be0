package packet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/newtron-network/netverify/pkg/unique"
)

// NodePacketHistory is an immutable singly-linked list of packets injected
// into one middlebox so far. The empty
// history is represented by a nil *NodePacketHistory.
type NodePacketHistory struct {
	LastPkt *Packet
	Prev    *NodePacketHistory
}

func (h *NodePacketHistory) key() any {
	if h == nil {
		return "nil"
	}
	return [2]any{h.LastPkt, h.Prev}
}

// HistoryStore hash-conses NodePacketHistory nodes, so equal chains (by
// pointer identity of their interned Packets and tails) collapse to the same
// pointer.
type HistoryStore struct {
	interner *unique.Interner[NodePacketHistory]
}

// NewHistoryStore builds an empty history interner.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{interner: unique.New[NodePacketHistory](func(h NodePacketHistory) any { return h.key() })}
}

// Append conses pkt onto prev, returning the canonical interned history node.
func (s *HistoryStore) Append(prev *NodePacketHistory, pkt *Packet) *NodePacketHistory {
	return s.interner.Intern(NodePacketHistory{LastPkt: pkt, Prev: prev})
}

// Extends implements the partial order h1 ⊑ h2 ("h2 extends h1"): walking
// from h2 through Prev pointers reaches h1.
func Extends(h1, h2 *NodePacketHistory) bool {
	for cur := h2; ; cur = cur.Prev {
		if cur == h1 {
			return true
		}
		if cur == nil {
			return false
		}
	}
}

// Depth counts the packets in the chain; walking Prev from any history
// reaches nil in finitely many steps.
func Depth(h *NodePacketHistory) int {
	n := 0
	for cur := h; cur != nil; cur = cur.Prev {
		n++
	}
	return n
}

// Chain returns the packets from root to h in injection order (oldest
// first), used by the rewind protocol to replay the whole chain.
func Chain(h *NodePacketHistory) []*Packet {
	var reversed []*Packet
	for cur := h; cur != nil; cur = cur.Prev {
		reversed = append(reversed, cur.LastPkt)
	}
	out := make([]*Packet, len(reversed))
	for i, p := range reversed {
		out[len(reversed)-1-i] = p
	}
	return out
}

// PacketHistory maps every middlebox name to its current NodePacketHistory.
type PacketHistory struct {
	byMiddlebox map[string]*NodePacketHistory
}

func (p PacketHistory) key() any {
	names := make([]string, 0, len(p.byMiddlebox))
	for name := range p.byMiddlebox {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%p;", name, p.byMiddlebox[name])
	}
	return b.String()
}

// PacketHistoryStore hash-conses whole-network PacketHistory snapshots.
type PacketHistoryStore struct {
	interner *unique.Interner[PacketHistory]
}

// NewPacketHistoryStore builds an empty snapshot interner.
func NewPacketHistoryStore() *PacketHistoryStore {
	return &PacketHistoryStore{interner: unique.New[PacketHistory](func(p PacketHistory) any { return p.key() })}
}

// With returns the canonical PacketHistory equal to p except middlebox mb's
// entry is set to h.
func (s *PacketHistoryStore) With(p *PacketHistory, mb string, h *NodePacketHistory) *PacketHistory {
	next := make(map[string]*NodePacketHistory, len(p.byMiddlebox)+1)
	if p != nil {
		for k, v := range p.byMiddlebox {
			next[k] = v
		}
	}
	next[mb] = h
	return s.interner.Intern(PacketHistory{byMiddlebox: next})
}

// For returns middlebox mb's current history, or nil if it has none yet.
func (p *PacketHistory) For(mb string) *NodePacketHistory {
	if p == nil {
		return nil
	}
	return p.byMiddlebox[mb]
}

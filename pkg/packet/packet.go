// Package packet implements the packet/payload data model and the 14-state
// protocol automaton.
package packet

import (
	"fmt"

	"github.com/newtron-network/netverify/pkg/ipaddr"
	"github.com/newtron-network/netverify/pkg/unique"
)

// Phase is one of the 14 protocol/phase states a Packet can be in.
type Phase int

const (
	TCPInit1 Phase = iota
	TCPInit2
	TCPInit3
	TCPL7Req
	TCPL7ReqAck
	TCPL7Rep
	TCPL7RepAck
	TCPTerm1
	TCPTerm2
	TCPTerm3
	UDPReq
	UDPRep
	ICMPEchoReq
	ICMPEchoRep
)

func (p Phase) String() string {
	switch p {
	case TCPInit1:
		return "TCP_INIT_1"
	case TCPInit2:
		return "TCP_INIT_2"
	case TCPInit3:
		return "TCP_INIT_3"
	case TCPL7Req:
		return "TCP_L7_REQ"
	case TCPL7ReqAck:
		return "TCP_L7_REQ_A"
	case TCPL7Rep:
		return "TCP_L7_REP"
	case TCPL7RepAck:
		return "TCP_L7_REP_A"
	case TCPTerm1:
		return "TCP_TERM_1"
	case TCPTerm2:
		return "TCP_TERM_2"
	case TCPTerm3:
		return "TCP_TERM_3"
	case UDPReq:
		return "UDP_REQ"
	case UDPRep:
		return "UDP_REP"
	case ICMPEchoReq:
		return "ICMP_ECHO_REQ"
	case ICMPEchoRep:
		return "ICMP_ECHO_REP"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Family identifies the transport family a phase belongs to.
type Family int

const (
	FamilyTCP Family = iota
	FamilyUDP
	FamilyICMP
)

// ProtoFamily is PS_SAME_PROTO's underlying accessor: which transport family
// a phase belongs to.
func ProtoFamily(p Phase) Family {
	switch p {
	case UDPReq, UDPRep:
		return FamilyUDP
	case ICMPEchoReq, ICMPEchoRep:
		return FamilyICMP
	default:
		return FamilyTCP
	}
}

// SameProto is PS_SAME_PROTO: whether a and b belong to the same family.
func SameProto(a, b Phase) bool {
	return ProtoFamily(a) == ProtoFamily(b)
}

// IsRequest is PS_IS_REQUEST: whether p is a request-direction phase.
func IsRequest(p Phase) bool {
	switch p {
	case TCPInit1, TCPInit3, TCPL7Req, TCPL7RepAck, TCPTerm1, TCPTerm3, UDPReq, ICMPEchoReq:
		return true
	default:
		return false
	}
}

// IsReply is PS_IS_REPLY: the complement of IsRequest.
func IsReply(p Phase) bool {
	return !IsRequest(p)
}

// IsFirst is PS_IS_FIRST: whether p is the first phase of its family.
func IsFirst(p Phase) bool {
	switch p {
	case TCPInit1, UDPReq, ICMPEchoReq:
		return true
	default:
		return false
	}
}

// IsLast is PS_IS_LAST: whether p is the terminal phase of a connection
// (after which the connection becomes non-executable).
func IsLast(p Phase) bool {
	switch p {
	case TCPTerm3, UDPRep, ICMPEchoRep:
		return true
	default:
		return false
	}
}

// next is the per-family phase successor table. Used by both Next and the forwarding process's ACCEPTED handler.
var next = map[Phase]Phase{
	TCPInit1:    TCPInit2,
	TCPInit2:    TCPInit3,
	TCPInit3:    TCPL7Req,
	TCPL7Req:    TCPL7ReqAck,
	TCPL7ReqAck: TCPL7Rep,
	TCPL7Rep:    TCPL7RepAck,
	TCPL7RepAck: TCPTerm1, // callers wanting the non-terminating TCP path stop before this
	TCPTerm1:    TCPTerm2,
	TCPTerm2:    TCPTerm3,
	UDPReq:      UDPRep,
	ICMPEchoReq: ICMPEchoRep,
}

// Next returns the phase following p and whether a successor exists.
func Next(p Phase) (Phase, bool) {
	n, ok := next[p]
	return n, ok
}

// DirectionFlips reports whether transitioning from a to b flips the
// request/reply direction.
func DirectionFlips(a, b Phase) bool {
	return IsRequest(a) != IsRequest(b)
}

// Packet is the wire-level unit the forwarding process moves between nodes.
type Packet struct {
	IngressIntf string
	SrcIP       ipaddr.Address
	DstIP       ipaddr.Address
	SrcPort     uint16
	DstPort     uint16
	Seq         uint32
	Ack         uint32
	Phase       Phase
	Payload     string
}

func (p Packet) key() any {
	return p
}

// Store hash-conses Packets.
type Store struct {
	interner *unique.Interner[Packet]
}

// NewStore builds an empty packet interner.
func NewStore() *Store {
	return &Store{interner: unique.New[Packet](func(p Packet) any { return p.key() })}
}

// Intern returns the canonical *Packet for p.
func (s *Store) Intern(p Packet) *Packet {
	return s.interner.Intern(p)
}

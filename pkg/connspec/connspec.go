// Package connspec implements the symbolic description of initial flows and
// their Cartesian-product enumeration.
package connspec

import (
	"github.com/newtron-network/netverify/pkg/eqclass"
	"github.com/newtron-network/netverify/pkg/ipaddr"
)

// Protocol identifies a connection's transport.
type Protocol int

const (
	TCP Protocol = iota
	UDP
	ICMPEcho
)

// Spec is ConnSpec: the symbolic description of one connection dimension.
type Spec struct {
	Protocol     Protocol
	SrcNodes     []string
	DstIPRange   ipaddr.Range
	SrcPort      uint16 // 0 means unspecified
	DstPorts     []uint16
	OwnedDstOnly bool
}

// Connection is one concrete initial 5-tuple-to-be: a source node, a
// destination EC (not yet a concrete address — the search explores every
// address in the class identically), and ports.
type Connection struct {
	Protocol Protocol
	SrcNode  string
	DstEC    eqclass.ID
	SrcPort  uint16
	DstPort  uint16
}

// ComputeConnections returns every Connection the spec product-enumerates:
// src_nodes x overlapping_ECs(dst_ip, owned_dst_only) x dst_ports. When no explicit ports are configured, TCP/UDP draw from the EC
// manager's scraped port set and ICMP collapses to a single {0} dimension.
func (s Spec) ComputeConnections(mgr *eqclass.Mgr) []Connection {
	ecs := mgr.GetOverlappedECs(s.DstIPRange, s.OwnedDstOnly)

	ports := s.DstPorts
	if len(ports) == 0 {
		if s.Protocol == ICMPEcho {
			ports = []uint16{0}
		} else {
			ports = mgr.GetPorts()
		}
	}

	var out []Connection
	for _, src := range s.SrcNodes {
		for _, ec := range ecs {
			for _, port := range ports {
				out = append(out, Connection{
					Protocol: s.Protocol,
					SrcNode:  src,
					DstEC:    ec,
					SrcPort:  s.SrcPort,
					DstPort:  port,
				})
			}
		}
	}
	return out
}

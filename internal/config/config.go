// Package config loads and validates the TOML network description. Loader
// holds the parsed sub-documents, and Load() runs per-section loaders then
// cross-validates everything at once against a single TOML document.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/newtron-network/netverify/internal/obs"
	"github.com/newtron-network/netverify/pkg/connspec"
	"github.com/newtron-network/netverify/pkg/eqclass"
	"github.com/newtron-network/netverify/pkg/invariant"
	"github.com/newtron-network/netverify/pkg/ipaddr"
	"github.com/newtron-network/netverify/pkg/ofupdate"
	"github.com/newtron-network/netverify/pkg/rtable"
	"github.com/newtron-network/netverify/pkg/topo"
)

// rawDoc mirrors the network config TOML tables verbatim for decoding.
type rawDoc struct {
	Nodes     []rawNode      `toml:"nodes"`
	Links     []rawLink      `toml:"links"`
	Openflow  rawOpenflow    `toml:"openflow"`
	Invariant []rawInvariant `toml:"invariants"`
}

type rawNode struct {
	Name            string            `toml:"name"`
	Type            string            `toml:"type"` // "model" | "emulation"
	Interfaces      []rawInterface    `toml:"interfaces"`
	StaticRoutes    []rawStaticRoute  `toml:"static_routes"`
	InstalledRoutes []rawStaticRoute  `toml:"installed_routes"`
	Driver          string            `toml:"driver"` // "docker"
	Container       rawContainer      `toml:"container"`
	TimeoutMillis   int               `toml:"timeout_ms"`
}

type rawInterface struct {
	Name string `toml:"name"`
	CIDR string `toml:"cidr"`
	L3   *bool  `toml:"l3"` // nil defaults to true when CIDR is set
}

type rawStaticRoute struct {
	Network string `toml:"network"`
	NextHop string `toml:"next_hop"`
	AdmDist int    `toml:"adm_dist"`
}

type rawContainer struct {
	Image        string            `toml:"image"`
	WorkingDir   string            `toml:"workingDir"`
	Command      []string          `toml:"command"`
	Args         []string          `toml:"args"`
	Ports        []string          `toml:"ports"`
	Env          []string          `toml:"env"`
	VolumeMounts []string          `toml:"volumeMounts"`
	Sysctls      map[string]string `toml:"sysctls"`
	ConfigFiles  []string          `toml:"config_files"`
}

type rawLink struct {
	Node1 string `toml:"node1"`
	Intf1 string `toml:"intf1"`
	Node2 string `toml:"node2"`
	Intf2 string `toml:"intf2"`
}

type rawOpenflow struct {
	Updates []rawOFUpdate `toml:"updates"`
}

type rawOFUpdate struct {
	Node    string `toml:"node"`
	Network string `toml:"network"`
	Outport string `toml:"outport"`
}

type rawInvariant struct {
	Type                string              `toml:"type"`
	TargetNode          string              `toml:"target_node"`
	Reachable           *bool               `toml:"reachable"`
	PassThrough         *bool               `toml:"pass_through"`
	MaxDispersionIndex  float64             `toml:"max_dispersion_index"`
	Connections         []rawConnSpec       `toml:"connections"`
	CorrelatedInvariant []rawInvariant      `toml:"correlated_invariants"`
}

type rawConnSpec struct {
	Protocol     string   `toml:"protocol"` // "tcp" | "udp" | "icmp-echo"
	SrcNode      string   `toml:"src_node"` // regex
	DstIP        string   `toml:"dst_ip"`   // CIDR or host
	SrcPort      uint16   `toml:"src_port"`
	DstPort      []uint16 `toml:"dst_port"`
	OwnedDstOnly bool     `toml:"owned_dst_only"`
}

// Network is the fully built, cross-validated model produced by Load: the
// static graph, seeded EC manager, pending OpenFlow updates, and the
// invariants to check, ready for pkg/checker.
type Network struct {
	Nodes       map[string]*topo.Node
	Specs       map[string]topo.ContainerSpec // middlebox name -> container spec
	Mgr         *eqclass.Mgr
	Updates     *ofupdate.Process
	Invariants  []invariant.Invariant
}

// Load reads and parses path and builds the full Network. Every problem
// found while building the model is reported in a single
// *obs.ValidationError; a read failure is returned as a wrapped error and a
// TOML decode failure as an *obs.ConfigError.
func Load(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var doc rawDoc
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, obs.NewConfigError("toml", "", err.Error())
	}

	l := &loader{doc: &doc, v: &obs.ValidationBuilder{}}
	net := l.build()
	if l.v.HasErrors() {
		return nil, l.v.Build()
	}
	return net, nil
}

// loader accumulates every validation problem in one pass, mirroring the
// teacher's l.validate() + ValidationBuilder pattern.
type loader struct {
	doc *rawDoc
	v   *obs.ValidationBuilder
}

func (l *loader) build() *Network {
	nodes := make(map[string]*topo.Node, len(l.doc.Nodes))
	specs := make(map[string]topo.ContainerSpec)
	mgr := eqclass.New()

	for _, rn := range l.doc.Nodes {
		n := l.buildNode(rn, mgr)
		if n != nil {
			nodes[rn.Name] = n
			if n.IsMiddlebox() {
				specs[rn.Name] = n.Middlebox.Container
			}
		}
	}

	for _, rl := range l.doc.Links {
		l.applyLink(nodes, rl)
	}
	topo.BuildL2LANs(nodeValues(nodes))

	updates := l.buildOpenflow(nodes)
	invs := l.buildInvariants(mgr)

	return &Network{Nodes: nodes, Specs: specs, Mgr: mgr, Updates: updates, Invariants: invs}
}

func nodeValues(nodes map[string]*topo.Node) []*topo.Node {
	out := make([]*topo.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n)
	}
	return out
}

func (l *loader) buildNode(rn rawNode, mgr *eqclass.Mgr) *topo.Node {
	if rn.Name == "" {
		l.v.AddErrorf("[[nodes]]: missing name")
		return nil
	}
	n := topo.NewNode(rn.Name)

	for _, ri := range rn.Interfaces {
		intf, err := ipaddr.ParseInterface(ri.CIDR)
		if err != nil {
			l.v.AddErrorf("node %s interface %s: invalid cidr %q: %v", rn.Name, ri.Name, ri.CIDR, err)
			continue
		}
		isL3 := ri.L3 == nil || *ri.L3
		if err := n.AddInterface(&topo.Interface{Name: ri.Name, Addr: intf, IsL3: isL3}); err != nil {
			l.v.AddErrorf("node %s: %v", rn.Name, err)
			continue
		}
		if isL3 {
			r, err := ipaddr.NewRange(intf.Addr(), intf.Addr())
			if err == nil {
				mgr.AddEC(r, true)
			}
		}
	}

	for _, rr := range append(append([]rawStaticRoute{}, rn.StaticRoutes...), rn.InstalledRoutes...) {
		route, ok := l.buildRoute(rn.Name, rr)
		if ok {
			n.RoutingTable.Insert(route)
			mgr.AddEC(route.Network.Range(), false)
		}
	}

	switch rn.Type {
	case "", "model":
	case "emulation":
		mb := &topo.Middlebox{
			Container: topo.ContainerSpec{
				Image: rn.Container.Image, WorkingDir: rn.Container.WorkingDir,
				Command: rn.Container.Command, Args: rn.Container.Args,
				Ports: rn.Container.Ports, Env: rn.Container.Env,
				VolumeMounts: rn.Container.VolumeMounts, Sysctls: rn.Container.Sysctls,
				ConfigFiles: rn.Container.ConfigFiles,
			},
			Timeout: time.Duration(rn.TimeoutMillis) * time.Millisecond,
		}
		if mb.Timeout <= 0 {
			mb.Timeout = 500 * time.Millisecond
		}
		for _, path := range rn.Container.ConfigFiles {
			contents, err := os.ReadFile(path)
			if err != nil {
				l.v.AddErrorf("node %s: reading config_file %s: %v", rn.Name, path, err)
				continue
			}
			mb.ScrapeConfig(string(contents))
		}
		for _, prefix := range mb.ScrapedPrefixes {
			mgr.AddEC(prefix.Range(), false)
		}
		for _, addr := range mb.ScrapedAddresses {
			r, err := ipaddr.NewRange(addr, addr)
			if err == nil {
				mgr.AddEC(r, false)
			}
		}
		for _, p := range mb.ScrapedPorts {
			mgr.AddPort(p)
		}
		n.Middlebox = mb
		if rn.Driver != "" && rn.Driver != "docker" {
			l.v.AddErrorf("node %s: unknown driver %q", rn.Name, rn.Driver)
		}
	default:
		l.v.AddErrorf("node %s: unknown type %q", rn.Name, rn.Type)
	}

	return n
}

func (l *loader) buildRoute(nodeName string, rr rawStaticRoute) (rtable.Route, bool) {
	net, err := ipaddr.ParseNetwork(rr.Network)
	if err != nil {
		l.v.AddErrorf("node %s route: invalid network %q: %v", nodeName, rr.Network, err)
		return rtable.Route{}, false
	}
	if rr.NextHop == "" {
		l.v.AddErrorf("node %s route to %s: missing next_hop", nodeName, rr.Network)
		return rtable.Route{}, false
	}
	nh, err := ipaddr.ParseAddress(rr.NextHop)
	if err != nil {
		l.v.AddErrorf("node %s route to %s: invalid next_hop %q: %v", nodeName, rr.Network, rr.NextHop, err)
		return rtable.Route{}, false
	}
	route, err := rtable.NewStaticRoute(net, nh, rr.AdmDist)
	if err != nil {
		l.v.AddErrorf("node %s route to %s: %v", nodeName, rr.Network, err)
		return rtable.Route{}, false
	}
	return route, true
}

func (l *loader) applyLink(nodes map[string]*topo.Node, rl rawLink) {
	n1, ok1 := nodes[rl.Node1]
	n2, ok2 := nodes[rl.Node2]
	if !ok1 {
		l.v.AddErrorf("link: unknown node %q", rl.Node1)
	}
	if !ok2 {
		l.v.AddErrorf("link: unknown node %q", rl.Node2)
	}
	if !ok1 || !ok2 {
		return
	}
	if err := topo.Attach(n1, rl.Intf1, n2, rl.Intf2); err != nil {
		l.v.AddErrorf("link %s/%s <-> %s/%s: %v", rl.Node1, rl.Intf1, rl.Node2, rl.Intf2, err)
	}
}

func (l *loader) buildOpenflow(nodes map[string]*topo.Node) *ofupdate.Process {
	var updates []ofupdate.Update
	for _, ru := range l.doc.Openflow.Updates {
		if _, ok := nodes[ru.Node]; !ok {
			l.v.AddErrorf("openflow.updates: unknown node %q", ru.Node)
			continue
		}
		net, err := ipaddr.ParseNetwork(ru.Network)
		if err != nil {
			l.v.AddErrorf("openflow.updates at %s: invalid network %q: %v", ru.Node, ru.Network, err)
			continue
		}
		route, err := rtable.NewConnectedRoute(net, ru.Outport, 0)
		if err != nil {
			l.v.AddErrorf("openflow.updates at %s: %v", ru.Node, err)
			continue
		}
		updates = append(updates, ofupdate.Update{Node: ru.Node, Route: route})
	}
	return ofupdate.New(updates)
}

func (l *loader) buildInvariants(mgr *eqclass.Mgr) []invariant.Invariant {
	out := make([]invariant.Invariant, 0, len(l.doc.Invariant))
	for _, ri := range l.doc.Invariant {
		inv, ok := l.buildInvariant(ri, mgr)
		if ok {
			out = append(out, inv)
		}
	}
	return out
}

var kindByName = map[string]invariant.Kind{
	"reachability":       invariant.Reachability,
	"reply-reachability": invariant.ReplyReachability,
	"waypoint":           invariant.Waypoint,
	"loop":               invariant.Loop,
	"one-request":        invariant.OneRequest,
	"loadbalance":        invariant.LoadBalance,
	"conditional":        invariant.Conditional,
	"consistency":        invariant.Consistency,
}

func (l *loader) buildInvariant(ri rawInvariant, mgr *eqclass.Mgr) (invariant.Invariant, bool) {
	kind, ok := kindByName[ri.Type]
	if !ok {
		l.v.AddErrorf("invariants: unknown type %q", ri.Type)
		return invariant.Invariant{}, false
	}

	inv := invariant.Invariant{Kind: kind, MaxDispersionIndex: ri.MaxDispersionIndex}
	if ri.TargetNode != "" {
		inv.TargetNodes = matchNames(l, ri.TargetNode)
	}
	if ri.Reachable != nil {
		inv.Reachable = *ri.Reachable
	} else {
		inv.Reachable = true
	}
	if ri.PassThrough != nil {
		inv.Through = *ri.PassThrough
	} else {
		inv.Through = true
	}

	for _, rc := range ri.Connections {
		spec, ok := l.buildConnSpec(rc, mgr)
		if ok {
			inv.Connections = append(inv.Connections, spec)
		}
	}
	for _, rci := range ri.CorrelatedInvariant {
		child, ok := l.buildInvariant(rci, mgr)
		if ok {
			inv.Children = append(inv.Children, child)
		}
	}
	return inv, true
}

// matchNames is a placeholder resolved by the caller once the node set is
// known; invariants reference target_node as a regex matched against the
// built topology's node names at ResolveTargets time.
func matchNames(l *loader, pattern string) []string {
	if _, err := regexp.Compile(pattern); err != nil {
		l.v.AddErrorf("invariants: invalid target_node regex %q: %v", pattern, err)
		return nil
	}
	return []string{pattern} // resolved against actual node names by ResolveTargets
}

func (l *loader) buildConnSpec(rc rawConnSpec, mgr *eqclass.Mgr) (connspec.Spec, bool) {
	proto, ok := protoByName[rc.Protocol]
	if !ok {
		l.v.AddErrorf("invariants.connections: unknown protocol %q", rc.Protocol)
		return connspec.Spec{}, false
	}
	net, err := ipaddr.ParseNetwork(rc.DstIP)
	if err != nil {
		addr, aerr := ipaddr.ParseAddress(rc.DstIP)
		if aerr != nil {
			l.v.AddErrorf("invariants.connections: invalid dst_ip %q: %v", rc.DstIP, err)
			return connspec.Spec{}, false
		}
		net, _ = ipaddr.NewNetwork(addr, 32)
	}
	if rc.SrcNode == "" {
		l.v.AddErrorf("invariants.connections: missing src_node")
		return connspec.Spec{}, false
	}
	return connspec.Spec{
		Protocol: proto,
		// SrcNodes temporarily holds the single unresolved regex pattern;
		// ResolveTargets expands it into real node names once the full
		// topology is built.
		SrcNodes:     []string{rc.SrcNode},
		DstIPRange:   net.Range(),
		SrcPort:      rc.SrcPort,
		DstPorts:     rc.DstPort,
		OwnedDstOnly: rc.OwnedDstOnly,
	}, true
}

var protoByName = map[string]connspec.Protocol{
	"tcp":        connspec.TCP,
	"udp":        connspec.UDP,
	"icmp-echo":  connspec.ICMPEcho,
}

// ResolveTargets expands every invariant's regex target_node patterns
// against the built topology's real node names, replacing the placeholder
// single-pattern slice buildInvariant recorded with the actual match set.
// Also resolves each connspec.Spec's SrcNodes from the regex recorded in
// rawConnSpec at parse time.
func ResolveTargets(invs []invariant.Invariant, nodeNames []string) ([]invariant.Invariant, error) {
	out := make([]invariant.Invariant, len(invs))
	for i, inv := range invs {
		resolved, err := resolveOne(inv, nodeNames)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

func resolveOne(inv invariant.Invariant, nodeNames []string) (invariant.Invariant, error) {
	if len(inv.TargetNodes) == 1 {
		matched, err := matchAgainst(inv.TargetNodes[0], nodeNames)
		if err != nil {
			return inv, err
		}
		inv.TargetNodes = matched
	}
	for i, spec := range inv.Connections {
		if len(spec.SrcNodes) == 1 {
			matched, err := matchAgainst(spec.SrcNodes[0], nodeNames)
			if err != nil {
				return inv, err
			}
			inv.Connections[i].SrcNodes = matched
		}
	}
	for i, child := range inv.Children {
		resolved, err := resolveOne(child, nodeNames)
		if err != nil {
			return inv, err
		}
		inv.Children[i] = resolved
	}
	return inv, nil
}

func matchAgainst(pattern string, names []string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("config: target_node regex %q: %w", pattern, err)
	}
	var out []string
	for _, n := range names {
		if re.MatchString(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

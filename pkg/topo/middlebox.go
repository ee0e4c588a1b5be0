package topo

import (
	"regexp"
	"strconv"
	"time"

	"github.com/newtron-network/netverify/pkg/ipaddr"
)

// ContainerSpec is the `container{}` table of an emulation-type `[[nodes]]`
// entry.
type ContainerSpec struct {
	Image        string
	WorkingDir   string
	Command      []string
	Args         []string
	Ports        []string
	Env          []string
	VolumeMounts []string
	Sysctls      map[string]string
	ConfigFiles  []string // paths, whose contents are scraped for IP/port literals
}

// Middlebox is the subtype carried by emulation-type nodes.
type Middlebox struct {
	Container ContainerSpec
	Timeout   time.Duration

	ScrapedPrefixes  []ipaddr.Network
	ScrapedAddresses []ipaddr.Address
	ScrapedPorts     []uint16

	// EmulationHandle is an opaque runtime-assigned identifier (the live
	// *emulation.Instance backing this appliance); left nil until the
	// driver attaches one.
	EmulationHandle any
}

var (
	cidrPattern = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})/(\d{1,2})\b`)
	addrPattern = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)
	portPattern = regexp.MustCompile(`(?i)\bport[= :]+(\d{1,5})\b`)
)

// ScrapeConfig extracts EC-relevant prefixes, addresses, and ports from the
// appliance's config file contents, so the EC engine can seed equivalence
// classes for addresses the appliance's own NAT/LB rules reference even
// though they never appear in a route or interface.
func (mb *Middlebox) ScrapeConfig(contents string) {
	seenPrefix := make(map[string]bool)
	for _, m := range cidrPattern.FindAllStringSubmatch(contents, -1) {
		plen, err := strconv.Atoi(m[2])
		if err != nil || plen < 0 || plen > ipaddr.Bits {
			continue
		}
		addr, err := ipaddr.ParseAddress(m[1])
		if err != nil {
			continue
		}
		net, err := ipaddr.NewNetwork(addr.And(ipaddr.PrefixMask(plen)), plen)
		if err != nil {
			continue
		}
		key := net.String()
		if seenPrefix[key] {
			continue
		}
		seenPrefix[key] = true
		mb.ScrapedPrefixes = append(mb.ScrapedPrefixes, net)
	}

	seenAddr := make(map[ipaddr.Address]bool)
	for _, m := range addrPattern.FindAllStringSubmatch(contents, -1) {
		addr, err := ipaddr.ParseAddress(m[1])
		if err != nil || seenAddr[addr] {
			continue
		}
		seenAddr[addr] = true
		mb.ScrapedAddresses = append(mb.ScrapedAddresses, addr)
	}

	seenPort := make(map[uint16]bool)
	for _, m := range portPattern.FindAllStringSubmatch(contents, -1) {
		p, err := strconv.ParseUint(m[1], 10, 16)
		if err != nil {
			continue
		}
		port := uint16(p)
		if seenPort[port] {
			continue
		}
		seenPort[port] = true
		mb.ScrapedPorts = append(mb.ScrapedPorts, port)
	}
}

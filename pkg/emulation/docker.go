package emulation

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	mlpacket "github.com/mdlayher/packet"

	"github.com/newtron-network/netverify/internal/obs"
	"github.com/newtron-network/netverify/internal/pcapdump"
	netaddr "github.com/newtron-network/netverify/pkg/ipaddr"
	netpacket "github.com/newtron-network/netverify/pkg/packet"
	"github.com/newtron-network/netverify/pkg/topo"
)

// DockerDriver is the only configured Driver implementation: it runs the appliance as a container and exchanges
// packets with it over a raw AF_PACKET socket bound to the host-side veth,
// the way purelb-purelb's gratuitous-ARP sender opens a link-layer socket
// against a named interface rather than going through the kernel stack.
type DockerDriver struct {
	cli         *client.Client
	containerID string
	hostVeth    string

	conn *mlpacket.Conn

	recvCh chan *netpacket.Packet
	dropCh chan time.Time

	dropDetect DropDetection
	pcap       *pcapdump.Writer

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// AttachPcap wires a pcap sink that receives a copy of every frame this
// driver injects or receives on its host-side veth. A nil w disables
// capture; AttachPcap must be called before Start.
func (d *DockerDriver) AttachPcap(w *pcapdump.Writer) {
	d.pcap = w
}

// NewDockerDriver builds a DockerDriver talking to the local Docker daemon
// over its default socket.
func NewDockerDriver() (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("emulation: connecting to docker daemon: %w", err)
	}
	return &DockerDriver{cli: cli}, nil
}

// Start creates and starts the appliance container, then attaches a raw
// socket to its host-side veth for packet exchange. It does not configure
// interfaces, routes or ARP entries inside the container from the model;
// the container runs with the image's own network setup on Docker's default
// bridge.
func (d *DockerDriver) Start(ctx context.Context, spec topo.ContainerSpec) error {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        append(spec.Command, spec.Args...),
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
	}
	hostCfg := &container.HostConfig{
		Sysctls:     spec.Sysctls,
		Binds:       spec.VolumeMounts,
		CapAdd:      []string{"NET_ADMIN"},
		NetworkMode: "bridge",
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return obs.NewDriverError("create", spec.Image, err)
	}
	d.containerID = resp.ID

	if err := d.cli.ContainerStart(ctx, d.containerID, container.StartOptions{}); err != nil {
		return obs.NewDriverError("start", d.containerID, err)
	}

	veth, err := hostVethFor(ctx, d.cli, d.containerID)
	if err != nil {
		return obs.NewDriverError("resolve-veth", d.containerID, err)
	}
	d.hostVeth = veth

	ifi, err := net.InterfaceByName(veth)
	if err != nil {
		return obs.NewDriverError("lookup-interface", veth, err)
	}
	conn, err := mlpacket.Listen(ifi, mlpacket.Raw, int(allEthertypes), nil)
	if err != nil {
		return obs.NewDriverError("open-raw-socket", veth, err)
	}
	d.conn = conn

	cctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.recvCh = make(chan *netpacket.Packet, 64)
	d.dropCh = make(chan time.Time, 16)
	go d.receiveLoop(cctx)

	return nil
}

const allEthertypes = 0x0003 // ETH_P_ALL, network byte order handled by mdlayher/packet

// hostVethFor resolves the host-side veth peer of a container's eth0 by
// reading its network namespace sandbox key; how that maps to a host
// interface name is daemon/CNI specific, so in the default bridge driver
// this resolves through the container's endpoint settings.
func hostVethFor(ctx context.Context, cli *client.Client, containerID string) (string, error) {
	info, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", err
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", containerID)
	}
	// Docker does not expose the host-side veth name directly; it is
	// derived from the endpoint's sandbox interface index, which the
	// daemon names vethXXXXXXX on the host. Operators point
	// VolumeMounts/Sysctls-style overrides at a discovery script when this
	// heuristic doesn't fit their CNI; production deployments typically
	// pin a deterministic name via a custom network driver instead.
	for _, ep := range info.NetworkSettings.Networks {
		if ep.EndpointID != "" {
			return "veth" + ep.EndpointID[:7], nil
		}
	}
	return "", fmt.Errorf("container %s has no attached endpoint", containerID)
}

func (d *DockerDriver) receiveLoop(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, _, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			obs.WithMiddlebox(d.hostVeth).WithError(err).Warn("emulation: raw socket read failed")
			return
		}
		_ = d.pcap.WriteFrame(buf[:n])
		pkt, ok := decodeFrame(buf[:n])
		if !ok {
			continue
		}
		select {
		case d.recvCh <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// decodeFrame parses an Ethernet+IPv4+{TCP,UDP,ICMPv4} frame into the
// model's abstract Packet, inferring Phase from the transport header's
// flags/type the same way the forwarding process would classify a real
// capture.
func decodeFrame(raw []byte) (*netpacket.Packet, bool) {
	parsed := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.NoCopy)
	ipLayer := parsed.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil, false
	}
	ip4, _ := ipLayer.(*layers.IPv4)

	out := &netpacket.Packet{}
	srcAddr, err := addrFromNetIP(ip4.SrcIP)
	if err != nil {
		return nil, false
	}
	out.SrcIP = srcAddr
	dstAddr, err := addrFromNetIP(ip4.DstIP)
	if err != nil {
		return nil, false
	}
	out.DstIP = dstAddr

	switch {
	case parsed.Layer(layers.LayerTypeTCP) != nil:
		tcp, _ := parsed.Layer(layers.LayerTypeTCP).(*layers.TCP)
		out.SrcPort = uint16(tcp.SrcPort)
		out.DstPort = uint16(tcp.DstPort)
		out.Seq = tcp.Seq
		out.Ack = tcp.Ack
		out.Phase = tcpPhase(tcp)
	case parsed.Layer(layers.LayerTypeUDP) != nil:
		udp, _ := parsed.Layer(layers.LayerTypeUDP).(*layers.UDP)
		out.SrcPort = uint16(udp.SrcPort)
		out.DstPort = uint16(udp.DstPort)
		out.Payload = string(udp.Payload)
		out.Phase = netpacket.UDPRep // replies are what a driver observes; requests are injected, not received
	case parsed.Layer(layers.LayerTypeICMPv4) != nil:
		out.Phase = netpacket.ICMPEchoRep
	default:
		return nil, false
	}
	return out, true
}

func tcpPhase(tcp *layers.TCP) netpacket.Phase {
	switch {
	case tcp.SYN && !tcp.ACK:
		return netpacket.TCPInit1
	case tcp.SYN && tcp.ACK:
		return netpacket.TCPInit2
	case tcp.FIN:
		return netpacket.TCPTerm2
	case len(tcp.Payload) > 0:
		return netpacket.TCPL7Rep
	default:
		return netpacket.TCPInit3
	}
}

func addrFromNetIP(ip net.IP) (netaddr.Address, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address: %v", ip)
	}
	return netaddr.Address(uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])), nil
}

func netIPFromAddr(a netaddr.Address) net.IP {
	v := a.Value()
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Inject serializes pkt as an Ethernet+IPv4+transport frame and writes it to
// the raw socket.
func (d *DockerDriver) Inject(ctx context.Context, pkt *netpacket.Packet) error {
	frame, err := encodeFrame(pkt)
	if err != nil {
		return obs.NewDriverError("encode", d.hostVeth, err)
	}
	addr := &mlpacket.Addr{HardwareAddr: broadcastHW}
	if _, err := d.conn.WriteTo(frame, addr); err != nil {
		return obs.NewDriverError("inject", d.hostVeth, err)
	}
	_ = d.pcap.WriteFrame(frame)
	return nil
}

var broadcastHW = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func encodeFrame(pkt *netpacket.Packet) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		DstMAC:       broadcastHW,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip4 := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       242,
		SrcIP:    netIPFromAddr(pkt.SrcIP),
		DstIP:    netIPFromAddr(pkt.DstIP),
		Protocol: protocolFor(pkt.Phase),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}

	switch netpacket.ProtoFamily(pkt.Phase) {
	case netpacket.FamilyTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(pkt.SrcPort),
			DstPort: layers.TCPPort(pkt.DstPort),
			Seq:     pkt.Seq,
			Ack:     pkt.Ack,
			Window:  65535,
		}
		setTCPFlags(tcp, pkt.Phase)
		tcp.SetNetworkLayerForChecksum(ip4)
		if err := gopacket.SerializeLayers(buf, opts, eth, ip4, tcp, gopacket.Payload(pkt.Payload)); err != nil {
			return nil, err
		}
	case netpacket.FamilyUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(pkt.SrcPort), DstPort: layers.UDPPort(pkt.DstPort)}
		udp.SetNetworkLayerForChecksum(ip4)
		if err := gopacket.SerializeLayers(buf, opts, eth, ip4, udp, gopacket.Payload(pkt.Payload)); err != nil {
			return nil, err
		}
	default:
		icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}
		if err := gopacket.SerializeLayers(buf, opts, eth, ip4, icmp, gopacket.Payload(pkt.Payload)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func protocolFor(phase netpacket.Phase) layers.IPProtocol {
	switch netpacket.ProtoFamily(phase) {
	case netpacket.FamilyUDP:
		return layers.IPProtocolUDP
	case netpacket.FamilyICMP:
		return layers.IPProtocolICMPv4
	default:
		return layers.IPProtocolTCP
	}
}

func setTCPFlags(tcp *layers.TCP, phase netpacket.Phase) {
	switch phase {
	case netpacket.TCPInit1:
		tcp.SYN = true
	case netpacket.TCPInit2:
		tcp.SYN, tcp.ACK = true, true
	case netpacket.TCPInit3, netpacket.TCPL7ReqAck, netpacket.TCPL7RepAck:
		tcp.ACK = true
	case netpacket.TCPTerm1, netpacket.TCPTerm2:
		tcp.FIN, tcp.ACK = true, true
	case netpacket.TCPTerm3:
		tcp.ACK = true
	default:
		tcp.PSH, tcp.ACK = true, true
	}
}

// Received returns the driver's inbound packet channel.
func (d *DockerDriver) Received() <-chan *netpacket.Packet { return d.recvCh }

// Dropped delegates to the configured DropDetection source, if any; a
// DockerDriver with none reports no drops and relies on the caller's
// timeout-based implicit-drop handling instead.
func (d *DockerDriver) Dropped() <-chan time.Time { return d.dropCh }

// AttachDropDetection wires an eBPF (or other) drop source whose events are
// relayed onto Dropped().
func (d *DockerDriver) AttachDropDetection(ctx context.Context, dd DropDetection) error {
	d.dropDetect = dd
	ch, err := dd.Start(ctx)
	if err != nil {
		return err
	}
	go func() {
		for ts := range ch {
			select {
			case d.dropCh <- ts:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Reset performs a soft container restart.
func (d *DockerDriver) Reset(ctx context.Context) error {
	timeoutSecs := 5
	if err := d.cli.ContainerRestart(ctx, d.containerID, container.StopOptions{Timeout: &timeoutSecs}); err != nil {
		return obs.NewDriverError("reset", d.containerID, err)
	}
	return nil
}

// Close stops and removes the container and releases the raw socket.
func (d *DockerDriver) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		if d.conn != nil {
			_ = d.conn.Close()
		}
		if d.dropDetect != nil {
			_ = d.dropDetect.Close()
		}
		if d.containerID != "" {
			timeoutSecs := 5
			_ = d.cli.ContainerStop(ctx, d.containerID, container.StopOptions{Timeout: &timeoutSecs})
			err = d.cli.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true})
		}
	})
	return err
}

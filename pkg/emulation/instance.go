package emulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/newtron-network/netverify/internal/obs"
	"github.com/newtron-network/netverify/pkg/ipaddr"
	"github.com/newtron-network/netverify/pkg/packet"
	"github.com/newtron-network/netverify/pkg/topo"
)

// endpointKey identifies the opposite endpoint a seq/port offset was learned
// for.
type endpointKey struct {
	addr ipaddr.Address
	port uint16
}

// Instance is one live Emulation: a running Driver plus its offset tables
// and current history.
type Instance struct {
	Middlebox string
	driver    Driver
	timeout   time.Duration

	mu          sync.Mutex
	history     *packet.NodePacketHistory
	seqOffsets  map[endpointKey]int32
	portOffsets map[endpointKey]int32
	// pending tracks the last packet sent toward each peer address, so a
	// reply's deviation from what was sent can be attributed to that peer
	// and learned as a standing seq/port offset.
	pending map[ipaddr.Address]*packet.Packet
	recvBuf []*packet.Packet
	dropAt  *time.Time

	hstore *packet.HistoryStore
	pstore *packet.Store

	cancel context.CancelFunc
}

// New starts a Driver for mb and spawns its receive/drop collector
// goroutines.
func New(ctx context.Context, mb string, driver Driver, spec topo.ContainerSpec, timeout time.Duration, hstore *packet.HistoryStore, pstore *packet.Store) (*Instance, error) {
	if err := driver.Start(ctx, spec); err != nil {
		return nil, fmt.Errorf("emulation: starting %s: %w", mb, err)
	}
	cctx, cancel := context.WithCancel(ctx)
	in := &Instance{
		Middlebox:   mb,
		driver:      driver,
		timeout:     timeout,
		seqOffsets:  make(map[endpointKey]int32),
		portOffsets: make(map[endpointKey]int32),
		pending:     make(map[ipaddr.Address]*packet.Packet),
		hstore:      hstore,
		pstore:      pstore,
		cancel:      cancel,
	}
	go in.collectReceived(cctx)
	go in.collectDrops(cctx)
	return in, nil
}

// History returns the instance's current NodePacketHistory.
func (in *Instance) History() *packet.NodePacketHistory {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.history
}

func (in *Instance) collectReceived(ctx context.Context) {
	for {
		select {
		case pkt, ok := <-in.driver.Received():
			if !ok {
				return
			}
			in.mu.Lock()
			if exp, ok := in.pending[pkt.SrcIP]; ok {
				key := endpointKey{addr: pkt.SrcIP, port: pkt.SrcPort}
				in.learn(key, pkt.Seq, exp.Seq, pkt.SrcPort, exp.DstPort)
			}
			in.recvBuf = append(in.recvBuf, in.normalize(pkt))
			in.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (in *Instance) collectDrops(ctx context.Context) {
	for {
		select {
		case ts, ok := <-in.driver.Dropped():
			if !ok {
				return
			}
			in.mu.Lock()
			t := ts
			in.dropAt = &t
			in.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// normalize subtracts the learned offsets (each recorded as observed minus
// expected) so the model sees the same values it would have produced
// without NAT.
func (in *Instance) normalize(pkt *packet.Packet) *packet.Packet {
	key := endpointKey{addr: pkt.SrcIP, port: pkt.SrcPort}
	seqOff, hasSeq := in.seqOffsets[key]
	portOff, hasPort := in.portOffsets[key]
	if !hasSeq && !hasPort {
		return pkt
	}
	normalized := *pkt
	if hasSeq {
		normalized.Seq = uint32(int64(normalized.Seq) - int64(seqOff))
		normalized.Ack = uint32(int64(normalized.Ack) - int64(seqOff))
	}
	if hasPort {
		normalized.DstPort = uint16(int32(normalized.DstPort) - portOff)
	}
	return in.pstore.Intern(normalized)
}

// learn records an offset the first time a deviation is observed for key.
func (in *Instance) learn(key endpointKey, observedSeq uint32, expectedSeq uint32, observedPort, expectedPort uint16) {
	if _, ok := in.seqOffsets[key]; !ok && observedSeq != expectedSeq {
		in.seqOffsets[key] = int32(observedSeq) - int32(expectedSeq)
	}
	if _, ok := in.portOffsets[key]; !ok && observedPort != expectedPort {
		in.portOffsets[key] = int32(observedPort) - int32(expectedPort)
	}
}

// SendPkt transmits pkt (after adding the learned offsets so the appliance
// sees the values it picked itself) and blocks until at least one packet is
// observed, the drop detector reports an explicit drop, or the timeout
// fires.
// Spurious wakeups are handled by re-checking recvBuf under the lock.
func (in *Instance) SendPkt(ctx context.Context, pkt *packet.Packet) ([]*packet.Packet, bool, error) {
	key := endpointKey{addr: pkt.DstIP, port: pkt.DstPort}
	outgoing := *pkt
	if off, ok := in.seqOffsets[key]; ok {
		outgoing.Seq = uint32(int64(outgoing.Seq) + int64(off))
	}
	if off, ok := in.portOffsets[key]; ok {
		outgoing.SrcPort = uint16(int32(outgoing.SrcPort) + off)
	}

	in.mu.Lock()
	startIdx := len(in.recvBuf)
	in.dropAt = nil
	in.pending[pkt.DstIP] = pkt
	in.mu.Unlock()

	if err := in.driver.Inject(ctx, &outgoing); err != nil {
		return nil, false, fmt.Errorf("emulation: inject into %s: %w", in.Middlebox, err)
	}

	in.mu.Lock()
	in.history = in.hstore.Append(in.history, pkt)
	in.mu.Unlock()

	deadline := time.NewTimer(in.timeout)
	defer deadline.Stop()
	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-poll.C:
			in.mu.Lock()
			if len(in.recvBuf) > startIdx {
				received := append([]*packet.Packet(nil), in.recvBuf[startIdx:]...)
				in.mu.Unlock()
				return received, false, nil
			}
			explicitDrop := in.dropAt != nil
			in.mu.Unlock()
			if explicitDrop {
				return nil, true, nil
			}
		case <-deadline.C:
			in.mu.Lock()
			explicitDrop := in.dropAt != nil
			in.mu.Unlock()
			return nil, explicitDrop, nil // timeout: implicit drop unless confirmed explicit
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Rewind brings the instance to target. A target that is an ancestor of (or equal to) the current
// history requires no work; otherwise the container is soft-reset and the
// whole chain from root to target is replayed.
func (in *Instance) Rewind(ctx context.Context, target *packet.NodePacketHistory) error {
	in.mu.Lock()
	current := in.history
	in.mu.Unlock()

	if current == target {
		return nil
	}
	if packet.Extends(target, current) {
		// target is a strict ancestor of current: the container already
		// performed target's packets, in order, on its way to current.
		// Nothing to replay, and in.history stays at current since that is
		// what the container's actual state reflects.
		return nil
	}

	obs.WithMiddlebox(in.Middlebox).Debug("emulation: rewind requires container reset")
	if err := in.driver.Reset(ctx); err != nil {
		return fmt.Errorf("emulation: reset during rewind: %w", err)
	}
	in.mu.Lock()
	in.history = nil
	in.recvBuf = nil
	in.dropAt = nil
	in.mu.Unlock()

	for _, pkt := range packet.Chain(target) {
		if _, _, err := in.SendPkt(ctx, pkt); err != nil {
			return fmt.Errorf("emulation: replay during rewind: %w", err)
		}
	}

	// SendPkt already conses each replayed packet onto in.history in order,
	// so it already equals target here; this just pins it explicitly.
	in.mu.Lock()
	in.history = target
	in.mu.Unlock()
	return nil
}

// Teardown cancels the collector goroutines and closes the driver.
func (in *Instance) Teardown(ctx context.Context) error {
	in.cancel()
	return in.driver.Close(ctx)
}

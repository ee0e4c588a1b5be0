package emulation

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/newtron-network/netverify/internal/obs"
)

// EBPFDropDetection reads drop events from the "drop_events" ring buffer of
// an externally-built BPF object and reports those that occurred in the
// appliance's network namespace. It loads the object's collection but
// attaches no program itself. A ring buffer was picked over the netlink
// drop-monitor alternative because it needs no NET_ADMIN netlink group
// subscription inside the container's namespace.
type EBPFDropDetection struct {
	coll   *ebpf.Collection
	reader *ringbuf.Reader
	nsInode uint64
}

// NewEBPFDropDetection loads objPath (a compiled BPF object exposing a
// "drop_events" ring buffer map) and filters events to nsInode, the target
// container's network namespace inode.
func NewEBPFDropDetection(objPath string, nsInode uint64) (*EBPFDropDetection, error) {
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("emulation: loading BPF object %s: %w", objPath, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("emulation: instantiating BPF collection: %w", err)
	}
	m, ok := coll.Maps["drop_events"]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("emulation: BPF object %s has no drop_events map", objPath)
	}
	reader, err := ringbuf.NewReader(m)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("emulation: opening drop_events ring buffer: %w", err)
	}
	return &EBPFDropDetection{coll: coll, reader: reader, nsInode: nsInode}, nil
}

// dropEvent mirrors the BPF program's event struct: a nanosecond timestamp
// and the network namespace inode the drop occurred in.
type dropEvent struct {
	TimestampNs uint64
	NetnsInode  uint64
}

func parseDropEvent(raw []byte) (dropEvent, error) {
	if len(raw) < 16 {
		return dropEvent{}, fmt.Errorf("emulation: short drop event (%d bytes)", len(raw))
	}
	return dropEvent{
		TimestampNs: binary.LittleEndian.Uint64(raw[0:8]),
		NetnsInode:  binary.LittleEndian.Uint64(raw[8:16]),
	}, nil
}

// Start begins delivering drop timestamps for this namespace until ctx is
// cancelled.
func (d *EBPFDropDetection) Start(ctx context.Context) (<-chan time.Time, error) {
	out := make(chan time.Time, 16)
	go func() {
		defer close(out)
		for {
			record, err := d.reader.Read()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				obs.Logger.WithError(err).Warn("emulation: drop ring buffer read failed")
				return
			}
			ev, err := parseDropEvent(record.RawSample)
			if err != nil {
				continue
			}
			if ev.NetnsInode != d.nsInode {
				continue
			}
			select {
			case out <- time.Unix(0, int64(ev.TimestampNs)):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close unblocks the collector goroutine's pending Read and releases the
// BPF collection.
func (d *EBPFDropDetection) Close() error {
	err := d.reader.Close()
	d.coll.Close()
	return err
}

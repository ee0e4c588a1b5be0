// Package emulation implements the middlebox injection layer: container lifecycle,
// packet inject/receive, the rewind protocol, and a bounded pool of live
// appliance instances.
//
// Grounded on harsimran-pabla-cilium's container/netns driver idiom
// (goroutine collectors over channels rather than the original's POSIX
// threads interrupted by SIGUSR1) and on purelb-purelb's lifecycle-test
// style for Driver implementations.
package emulation

import (
	"context"
	"time"

	"github.com/newtron-network/netverify/pkg/packet"
	"github.com/newtron-network/netverify/pkg/topo"
)

// Driver is the sandboxed-appliance lifecycle contract an Instance drives
//. Docker is the only
// configured implementation, but the
// interface leaves room for others.
type Driver interface {
	// Start brings up the appliance described by spec. Whether it also
	// configures interfaces, routes or ARP entries is up to the
	// implementation; DockerDriver does not.
	Start(ctx context.Context, spec topo.ContainerSpec) error

	// Inject transmits pkt into the appliance, with seq/port offsets
	// already applied by the caller.
	Inject(ctx context.Context, pkt *packet.Packet) error

	// Received delivers every packet the receive collector observes on any
	// interface. Close need not close the channel (DockerDriver leaves it
	// open); an Instance's collectors stop on context cancellation.
	Received() <-chan *packet.Packet

	// Dropped delivers a timestamp each time the drop-detection source
	// reports a drop. Close need not close the channel (DockerDriver leaves
	// it open); an Instance's collectors stop on context cancellation.
	Dropped() <-chan time.Time

	// Reset performs a soft container restart, used by the rewind protocol
	// when the target history is neither the instance's current history nor
	// an ancestor of it.
	Reset(ctx context.Context) error

	// Close tears down the container and its collector goroutines.
	Close(ctx context.Context) error
}

// DropDetection is the drop-monitor source an Instance's drop collector
// reads from.
type DropDetection interface {
	// Start begins watching for drops attributable to the container's
	// network namespace, delivering a timestamp per drop on the returned
	// channel until ctx is cancelled.
	Start(ctx context.Context) (<-chan time.Time, error)
	Close() error
}

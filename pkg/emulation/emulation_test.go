package emulation

import (
	"context"
	"testing"
	"time"

	"github.com/newtron-network/netverify/pkg/ipaddr"
	"github.com/newtron-network/netverify/pkg/packet"
	"github.com/newtron-network/netverify/pkg/topo"
)

// fakeDriver is an in-memory Driver used to exercise Instance/Manager
// without a real container, in purelb-purelb's style of testing lifecycle
// code against a fake rather than a live daemon.
type fakeDriver struct {
	started  bool
	resets   int
	closed   bool
	injected []*packet.Packet
	recvCh   chan *packet.Packet
	dropCh   chan time.Time
	echo     bool // when true, every Inject echoes a reply on recvCh
}

func newFakeDriver(echo bool) *fakeDriver {
	return &fakeDriver{
		recvCh: make(chan *packet.Packet, 16),
		dropCh: make(chan time.Time, 16),
		echo:   echo,
	}
}

func (f *fakeDriver) Start(ctx context.Context, spec topo.ContainerSpec) error {
	f.started = true
	return nil
}

func (f *fakeDriver) Inject(ctx context.Context, pkt *packet.Packet) error {
	f.injected = append(f.injected, pkt)
	if f.echo {
		reply := *pkt
		reply.Payload = "reply:" + pkt.Payload
		f.recvCh <- &reply
	}
	return nil
}

func (f *fakeDriver) Received() <-chan *packet.Packet { return f.recvCh }
func (f *fakeDriver) Dropped() <-chan time.Time        { return f.dropCh }

func (f *fakeDriver) Reset(ctx context.Context) error {
	f.resets++
	return nil
}

func (f *fakeDriver) Close(ctx context.Context) error {
	f.closed = true
	close(f.recvCh)
	close(f.dropCh)
	return nil
}

func TestSendPktReturnsEchoedReply(t *testing.T) {
	pstore := packet.NewStore()
	hstore := packet.NewHistoryStore()
	driver := newFakeDriver(true)

	in, err := New(context.Background(), "nat", driver, topo.ContainerSpec{}, 200*time.Millisecond, hstore, pstore)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer in.Teardown(context.Background())

	pkt := pstore.Intern(packet.Packet{
		SrcIP: ipaddr.MustParseAddress("10.0.0.1"), DstIP: ipaddr.MustParseAddress("10.0.0.2"),
		SrcPort: 1000, DstPort: 80, Phase: packet.TCPInit1, Payload: "hello",
	})
	received, dropped, err := in.SendPkt(context.Background(), pkt)
	if err != nil {
		t.Fatalf("SendPkt: %v", err)
	}
	if dropped {
		t.Fatalf("expected no drop")
	}
	if len(received) != 1 || received[0].Payload != "reply:hello" {
		t.Fatalf("unexpected received packets: %+v", received)
	}
}

func TestSendPktTimesOutAsImplicitDrop(t *testing.T) {
	pstore := packet.NewStore()
	hstore := packet.NewHistoryStore()
	driver := newFakeDriver(false)

	in, err := New(context.Background(), "fw", driver, topo.ContainerSpec{}, 30*time.Millisecond, hstore, pstore)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer in.Teardown(context.Background())

	pkt := pstore.Intern(packet.Packet{Phase: packet.UDPReq})
	received, dropped, err := in.SendPkt(context.Background(), pkt)
	if err != nil {
		t.Fatalf("SendPkt: %v", err)
	}
	if received != nil {
		t.Fatalf("expected no received packets, got %+v", received)
	}
	_ = dropped // timeout without an explicit drop signal is still a drop from the caller's perspective
}

func TestRewindNoopWhenAlreadyAtTarget(t *testing.T) {
	pstore := packet.NewStore()
	hstore := packet.NewHistoryStore()
	driver := newFakeDriver(false)
	in, err := New(context.Background(), "nat", driver, topo.ContainerSpec{}, 30*time.Millisecond, hstore, pstore)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer in.Teardown(context.Background())

	if err := in.Rewind(context.Background(), nil); err != nil {
		t.Fatalf("Rewind to empty history: %v", err)
	}
	if driver.resets != 0 {
		t.Fatalf("expected no reset rewinding to the already-current empty history")
	}
}

func TestRewindNoopWhenTargetIsAncestor(t *testing.T) {
	pstore := packet.NewStore()
	hstore := packet.NewHistoryStore()
	driver := newFakeDriver(false)
	in, err := New(context.Background(), "nat", driver, topo.ContainerSpec{}, 30*time.Millisecond, hstore, pstore)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer in.Teardown(context.Background())

	p1 := pstore.Intern(packet.Packet{Payload: "a"})
	p2 := pstore.Intern(packet.Packet{Payload: "b"})
	ancestor := hstore.Append(nil, p1)
	current := hstore.Append(ancestor, p2)
	in.history = current

	if err := in.Rewind(context.Background(), ancestor); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	if driver.resets != 0 {
		t.Fatalf("expected no reset when target is an ancestor of current")
	}
	if in.History() != current {
		t.Fatalf("expected history to remain at current, got %v", in.History())
	}
}

func TestRewindResetsAndReplaysOnDivergence(t *testing.T) {
	pstore := packet.NewStore()
	hstore := packet.NewHistoryStore()
	driver := newFakeDriver(true)
	in, err := New(context.Background(), "nat", driver, topo.ContainerSpec{}, 30*time.Millisecond, hstore, pstore)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer in.Teardown(context.Background())

	p1 := pstore.Intern(packet.Packet{Payload: "a"})
	p2 := pstore.Intern(packet.Packet{Payload: "c"}) // diverges from the branch sharing only p1
	branchA := hstore.Append(nil, p1)
	divergent := hstore.Append(branchA, p2)
	in.history = divergent

	otherBranch := hstore.Append(nil, pstore.Intern(packet.Packet{Payload: "z"}))
	if err := in.Rewind(context.Background(), otherBranch); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	if driver.resets != 1 {
		t.Fatalf("expected exactly one reset, got %d", driver.resets)
	}
	if len(driver.injected) != 1 || driver.injected[0].Payload != "z" {
		t.Fatalf("expected the divergent branch's single packet replayed, got %+v", driver.injected)
	}
	if in.History() != otherBranch {
		t.Fatalf("expected history to land on target after replay")
	}
}

func TestManagerReusesResidentInstance(t *testing.T) {
	pstore := packet.NewStore()
	hstore := packet.NewHistoryStore()
	var built []*fakeDriver
	factory := func(mb string) Driver {
		d := newFakeDriver(false)
		built = append(built, d)
		return d
	}
	m, err := NewManager(2, factory, 30*time.Millisecond, hstore, pstore)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close(context.Background())

	in1, err := m.Get(context.Background(), "nat", topo.ContainerSpec{}, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	in2, err := m.Get(context.Background(), "nat", topo.ContainerSpec{}, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if in1 != in2 {
		t.Fatalf("expected the same resident instance to be reused")
	}
	if len(built) != 1 {
		t.Fatalf("expected exactly one Driver built, got %d", len(built))
	}
}

func TestManagerEvictsLRUWhenAtBound(t *testing.T) {
	pstore := packet.NewStore()
	hstore := packet.NewHistoryStore()
	factory := func(mb string) Driver { return newFakeDriver(false) }
	m, err := NewManager(1, factory, 30*time.Millisecond, hstore, pstore)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close(context.Background())

	if _, err := m.Get(context.Background(), "nat", topo.ContainerSpec{}, nil); err != nil {
		t.Fatalf("Get nat: %v", err)
	}
	if _, err := m.Get(context.Background(), "fw", topo.ContainerSpec{}, nil); err != nil {
		t.Fatalf("Get fw: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected exactly one resident appliance after eviction, got %d", m.Len())
	}
}

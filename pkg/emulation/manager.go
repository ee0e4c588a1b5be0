package emulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/newtron-network/netverify/internal/obs"
	"github.com/newtron-network/netverify/pkg/packet"
	"github.com/newtron-network/netverify/pkg/topo"
)

// DriverFactory builds a fresh, unstarted Driver for a middlebox. Production
// callers pass a factory that returns a *DockerDriver; tests pass a fake.
type DriverFactory func(middlebox string) Driver

// Manager is the bounded pool of live Instances shared by a worker process.
type Manager struct {
	mu      sync.Mutex
	bound   int
	factory DriverFactory
	timeout time.Duration
	hstore  *packet.HistoryStore
	pstore  *packet.Store
	order   *lru.Cache[string, *Instance] // keyed by middlebox; value tracks recency
	byMb    map[string]*Instance
}

// NewManager builds a pool capped at maxInstances resident appliances.
func NewManager(maxInstances int, factory DriverFactory, timeout time.Duration, hstore *packet.HistoryStore, pstore *packet.Store) (*Manager, error) {
	if maxInstances < 1 {
		return nil, fmt.Errorf("emulation: max_instances must be >= 1, got %d", maxInstances)
	}
	m := &Manager{
		bound:   maxInstances,
		factory: factory,
		timeout: timeout,
		hstore:  hstore,
		pstore:  pstore,
		byMb:    make(map[string]*Instance),
	}
	cache, err := lru.NewWithEvict[string, *Instance](maxInstances, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("emulation: building LRU pool: %w", err)
	}
	m.order = cache
	return m, nil
}

// onEvict is the golang-lru eviction callback; it tears down the evicted
// appliance's Driver asynchronously from the pool's own lock by delegating
// to a background goroutine, since Add (which can trigger this callback)
// already holds m.mu.
func (m *Manager) onEvict(mb string, in *Instance) {
	delete(m.byMb, mb)
	obs.WithMiddlebox(mb).Debug("emulation: evicting appliance to admit another")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := in.Teardown(ctx); err != nil {
			obs.WithMiddlebox(mb).WithError(err).Warn("emulation: teardown after eviction failed")
		}
	}()
}

// Get resolves the live Instance for
// (middlebox, targetHistory), reusing or rewinding a resident appliance
// where possible and otherwise starting a new one, evicting the pool's LRU
// member if already at the bound.
func (m *Manager) Get(ctx context.Context, middlebox string, spec topo.ContainerSpec, target *packet.NodePacketHistory) (*Instance, error) {
	m.mu.Lock()
	in, resident := m.byMb[middlebox]
	if resident {
		m.order.Get(middlebox) // bump recency
	}
	needNew := !resident
	m.mu.Unlock()

	if !needNew {
		if err := in.Rewind(ctx, target); err != nil {
			return nil, fmt.Errorf("emulation: rewinding %s: %w", middlebox, err)
		}
		return in, nil
	}

	driver := m.factory(middlebox)
	fresh, err := New(ctx, middlebox, driver, spec, m.timeout, m.hstore, m.pstore)
	if err != nil {
		return nil, err
	}
	if target != nil {
		if err := fresh.Rewind(ctx, target); err != nil {
			_ = fresh.Teardown(ctx)
			return nil, fmt.Errorf("emulation: priming %s: %w", middlebox, err)
		}
	}

	m.mu.Lock()
	m.byMb[middlebox] = fresh
	m.order.Add(middlebox, fresh)
	m.mu.Unlock()
	return fresh, nil
}

// Close tears down every resident appliance, used at worker shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.byMb))
	for _, in := range m.byMb {
		instances = append(instances, in)
	}
	m.byMb = make(map[string]*Instance)
	m.order.Purge()
	m.mu.Unlock()

	var firstErr error
	for _, in := range instances {
		if err := in.Teardown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len reports how many appliances are currently resident.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byMb)
}

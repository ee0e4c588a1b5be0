// Package injectioncache implements the (Middlebox, NodePacketHistory) ->
// InjectionResults cache: since both key components are
// interned pointers, lookups are pointer-identity fast.
package injectioncache

import "github.com/newtron-network/netverify/pkg/packet"

type key struct {
	middlebox string
	history   *packet.NodePacketHistory
}

// Cache is the injection-result memo table. It is a
// per-worker singleton; no locking is required since only the
// model-checker thread touches it.
type Cache struct {
	entries map[key]*packet.InjectionResults
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[key]*packet.InjectionResults)}
}

// Get returns the cached results for (middlebox, history), if present.
func (c *Cache) Get(middlebox string, history *packet.NodePacketHistory) (*packet.InjectionResults, bool) {
	r, ok := c.entries[key{middlebox, history}]
	return r, ok
}

// Put records results for (middlebox, history). On a cache miss,
// ForwardingProcess calls Emulation.SendPkt, packs the result into an
// InjectionResult with the drop detector's explicit-drop flag, and stores it
// here.
func (c *Cache) Put(middlebox string, history *packet.NodePacketHistory, results *packet.InjectionResults) {
	c.entries[key{middlebox, history}] = results
}

// Len reports how many (middlebox, history) pairs are cached.
func (c *Cache) Len() int { return len(c.entries) }

package printer

import (
	"sync"
	"time"
)

// CapabilityCache maps printer target -> last-known device configuration.
// There is no TTL by default: a printer's dpi and width only change when
// someone reconfigures the device, so invalidation is explicit. An
// optional ttl can be layered on without changing the contract.
type CapabilityCache struct {
	mu  sync.RWMutex
	m   map[string]Capability
	ttl time.Duration
	now func() time.Time
}

func NewCapabilityCache(ttl time.Duration) *CapabilityCache {
	return &CapabilityCache{
		m:   make(map[string]Capability),
		ttl: ttl,
		now: time.Now,
	}
}

// Get returns the cached capability, treating entries past the optional
// ttl as misses. Read-through on miss is the caller's job.
func (c *CapabilityCache) Get(target string) (Capability, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cap, ok := c.m[target]
	if !ok {
		return Capability{}, false
	}
	if c.ttl > 0 && c.now().Sub(cap.FetchedAt) > c.ttl {
		return Capability{}, false
	}
	return cap, true
}

func (c *CapabilityCache) Put(target string, cap Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cap.Target = target
	c.m[target] = cap
}

func (c *CapabilityCache) Invalidate(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, target)
}

// List snapshots all live entries, for the admin API.
func (c *CapabilityCache) List() []Capability {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Capability, 0, len(c.m))
	for _, cap := range c.m {
		if c.ttl > 0 && c.now().Sub(cap.FetchedAt) > c.ttl {
			continue
		}
		out = append(out, cap)
	}
	return out
}

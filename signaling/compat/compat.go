// Package compat implements the in-memory compatibility cache: a
// memoization table of (service_type, from_fingerprint, to_fingerprint)
// -> outcome, consulted by the load balancer's compatibility
// pre-scoring stage. It never spills to disk; entries are recomputed
// from service specs on a miss by the caller, not by this package.
package compat

import (
	"sync"

	"github.com/actrix-rtc/actrixd/signaling/loadbalancer"
)

type key struct {
	service string
	from    string
	to      string
}

// Cache is a mutex-guarded map satisfying loadbalancer.CompatibilityCache.
type Cache struct {
	mu      sync.RWMutex
	entries map[key]loadbalancer.CompatibilityOutcome
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[key]loadbalancer.CompatibilityOutcome)}
}

// Lookup returns the memoized outcome for (service, from, to), if any.
func (c *Cache) Lookup(service, from, to string) (loadbalancer.CompatibilityOutcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.entries[key{service, from, to}]
	return o, ok
}

// Put memoizes outcome for (service, from, to).
func (c *Cache) Put(service, from, to string, outcome loadbalancer.CompatibilityOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key{service, from, to}] = outcome
}

// Forget drops every memoized entry for service, used when a spec is
// retracted or replaced so stale compatibility verdicts don't linger.
func (c *Cache) Forget(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.service == service {
			delete(c.entries, k)
		}
	}
}

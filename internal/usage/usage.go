// Package usage tracks provider and key usage counts used by the router's
// least-usage selection. Two independent counter maps are kept — one keyed
// by provider name, one keyed by API key — both monotonically increasing
// until an explicit Reset.
package usage

import "sync"

// Counters holds the two concurrent usage maps described in the data
// model: providerUsage (name→count) and keyUsage (key→count).
//
// Counters is safe for concurrent use. SelectMinProvider and SelectMinKey
// perform the router's read-min-then-increment selection atomically under
// the single lock; the router composes the two.
type Counters struct {
	mu       sync.RWMutex
	provider map[string]uint64
	key      map[string]uint64
}

// New returns an empty Counters.
func New() *Counters {
	return &Counters{
		provider: make(map[string]uint64),
		key:      make(map[string]uint64),
	}
}

// ProviderCount returns the current count for name (0 if absent).
func (c *Counters) ProviderCount(name string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.provider[name]
}

// KeyCount returns the current count for key (0 if absent).
func (c *Counters) KeyCount(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key[key]
}

// IncrementProvider increments the named provider's counter by one.
func (c *Counters) IncrementProvider(name string) {
	c.mu.Lock()
	c.provider[name]++
	c.mu.Unlock()
}

// IncrementKey increments the given key's counter by one.
func (c *Counters) IncrementKey(key string) {
	c.mu.Lock()
	c.key[key]++
	c.mu.Unlock()
}

// SelectMinProvider picks the candidate with the lowest provider count
// (ties broken by enumeration order) and increments its counter, all under
// a single lock acquisition. This is the atomicity the router's
// concurrency contract requires: two concurrent selections against the
// same provider set must never both observe the same minimum and both
// increment it.
func (c *Counters) SelectMinProvider(candidates []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	chosen := candidates[0]
	min := c.provider[chosen]
	for _, name := range candidates[1:] {
		if v := c.provider[name]; v < min {
			min = v
			chosen = name
		}
	}
	c.provider[chosen]++
	return chosen
}

// SelectMinKey picks the candidate key with the lowest usage count and
// increments it, under a single lock acquisition — the key-level analogue
// of SelectMinProvider.
func (c *Counters) SelectMinKey(candidates []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	chosen := candidates[0]
	min := c.key[chosen]
	for _, k := range candidates[1:] {
		if v := c.key[k]; v < min {
			min = v
			chosen = k
		}
	}
	c.key[chosen]++
	return chosen
}

// ProviderSnapshot returns a point-in-time copy of the provider usage map,
// for the /stats admin endpoint.
func (c *Counters) ProviderSnapshot() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.provider))
	for k, v := range c.provider {
		out[k] = v
	}
	return out
}

// KeySnapshot returns a point-in-time copy of the key usage map. The /stats
// admin endpoint reports provider usage only and does not use it.
func (c *Counters) KeySnapshot() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.key))
	for k, v := range c.key {
		out[k] = v
	}
	return out
}

// Reset clears both counter maps. Used by the admin /reset endpoint.
func (c *Counters) Reset() {
	c.mu.Lock()
	c.provider = make(map[string]uint64)
	c.key = make(map[string]uint64)
	c.mu.Unlock()
}

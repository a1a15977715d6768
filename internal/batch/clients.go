package batch

import "sync"

// BatchScope is the cache key for the one client shared by the whole
// batch adapter (typically the HTTP client).
const BatchScope = "batch"

// ClientCache holds per-scope client objects for workers. Row-scoped
// entries are released as each row completes; after processing ends
// the cache holds at most the batch-scoped entry.
type ClientCache struct {
	mu      sync.Mutex
	entries map[string]any
	closers map[string]func()
}

// NewClientCache returns an empty cache.
func NewClientCache() *ClientCache {
	return &ClientCache{
		entries: map[string]any{},
		closers: map[string]func(){},
	}
}

// Acquire returns the cached client for scope, constructing it on
// first use. An optional close hook runs when the entry is released.
func (c *ClientCache) Acquire(scope string, construct func() (client any, close func())) any {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.entries[scope]; ok {
		return client
	}

	client, closeFn := construct()
	c.entries[scope] = client

	if closeFn != nil {
		c.closers[scope] = closeFn
	}

	return client
}

// Release drops one scope's entry, running its close hook.
func (c *ClientCache) Release(scope string) {
	c.mu.Lock()
	closeFn := c.closers[scope]
	delete(c.entries, scope)
	delete(c.closers, scope)
	c.mu.Unlock()

	if closeFn != nil {
		closeFn()
	}
}

// Shrink drops every entry except the batch scope. The adapter calls
// this when processing ends, success or failure.
func (c *ClientCache) Shrink() {
	c.mu.Lock()

	var closers []func()

	for scope, closeFn := range c.closers {
		if scope == BatchScope {
			continue
		}

		if closeFn != nil {
			closers = append(closers, closeFn)
		}
	}

	for scope := range c.entries {
		if scope != BatchScope {
			delete(c.entries, scope)
			delete(c.closers, scope)
		}
	}

	c.mu.Unlock()

	for _, closeFn := range closers {
		closeFn()
	}
}

// Len reports the number of cached entries.
func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

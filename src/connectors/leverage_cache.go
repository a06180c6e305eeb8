package connectors

import (
	"sync"
	"time"
)

// leverageCache remembers the last leverage pushed to the exchange per
// symbol so redundant SetLeverage calls are skipped. It is bounded by
// both entry count and TTL; Invalidate drops everything on reconnect.
type leverageCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]leverageEntry
	now        func() time.Time
}

type leverageEntry struct {
	leverage int
	storedAt time.Time
}

func newLeverageCache(ttl time.Duration, maxEntries int) *leverageCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &leverageCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]leverageEntry),
		now:        time.Now,
	}
}

// Get returns the cached leverage for a symbol, expiring stale entries.
func (c *leverageCache) Get(symbol string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[symbol]
	if !ok {
		return 0, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, symbol)
		return 0, false
	}
	return entry.leverage, true
}

// Put records a confirmed leverage, evicting the oldest entry when the
// cache is full.
func (c *leverageCache) Put(symbol string, leverage int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[symbol]; !ok && len(c.entries) >= c.maxEntries {
		oldestSymbol := ""
		var oldestAt time.Time
		for s, e := range c.entries {
			if oldestSymbol == "" || e.storedAt.Before(oldestAt) {
				oldestSymbol = s
				oldestAt = e.storedAt
			}
		}
		delete(c.entries, oldestSymbol)
	}

	c.entries[symbol] = leverageEntry{leverage: leverage, storedAt: c.now()}
}

// Invalidate drops all cached leverage values.
func (c *leverageCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]leverageEntry)
}

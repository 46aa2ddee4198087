package trigger

import (
	"strconv"
	"sync"
)

// calloutCache deduplicates fired setups by (symbol, rule, coarse timestamp)
// for a short horizon. It backstops the per-machine cooldown when the same
// setup is rediscovered through another path, e.g. right after a reconnect
// replays the last bars.
type calloutCache struct {
	mu      sync.Mutex
	ttlMs   int64
	entries map[string]int64 // key → expiry ms
}

func newCalloutCache(ttlMs int64) *calloutCache {
	return &calloutCache{
		ttlMs:   ttlMs,
		entries: make(map[string]int64),
	}
}

// seen records the callout and reports whether it was already present and
// fresh. The timestamp is coarsened to the minute.
func (c *calloutCache) seen(symbol, ruleID string, tsMs, nowMs int64) bool {
	key := symbol + "|" + ruleID + "|" + strconv.FormatInt(tsMs/60_000, 10)

	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.entries[key]; ok && nowMs < exp {
		return true
	}
	c.entries[key] = nowMs + c.ttlMs

	if len(c.entries) > 256 {
		for k, exp := range c.entries {
			if nowMs >= exp {
				delete(c.entries, k)
			}
		}
	}
	return false
}

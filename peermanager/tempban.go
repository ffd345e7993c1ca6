package peermanager

import (
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	lru "github.com/hashicorp/golang-lru"
)

// tempBanCache is a time-bucketed temporary-ban set: keyed by peer id with
// an insertion timestamp, eviction amortized on the heartbeat rather than a
// separate timer. Built on hashicorp/golang-lru for the underlying bounded
// map; the expiry itself is evaluated against the stored timestamp, not LRU
// recency, so entries expire by wall time rather than by access order.
type tempBanCache struct {
	cache *lru.Cache
	ttl   time.Duration
}

func newTempBanCache(ttl time.Duration) *tempBanCache {
	// Capacity bounded generously; real eviction is time-driven via prune.
	c, _ := lru.New(4096)
	return &tempBanCache{cache: c, ttl: ttl}
}

func (c *tempBanCache) insert(pid peer.ID, now time.Time) {
	c.cache.Add(pid, now)
}

func (c *tempBanCache) contains(pid peer.ID, now time.Time) bool {
	v, ok := c.cache.Peek(pid)
	if !ok {
		return false
	}
	since := v.(time.Time)
	if now.Sub(since) >= c.ttl {
		return false
	}
	return true
}

// prune evicts every entry older than the TTL as of now, returning the
// peers whose ban lapsed this round.
func (c *tempBanCache) prune(now time.Time) []peer.ID {
	var expired []peer.ID
	for _, key := range c.cache.Keys() {
		v, ok := c.cache.Peek(key)
		if !ok {
			continue
		}
		since := v.(time.Time)
		if now.Sub(since) >= c.ttl {
			expired = append(expired, key.(peer.ID))
		}
	}
	for _, pid := range expired {
		c.cache.Remove(pid)
	}
	return expired
}

package bus

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DedupeCache suppresses duplicate inbound messages (webhook retries,
// double-taps) so a transport hiccup never double-creates a root task.
type DedupeCache struct {
	seen *expirable.LRU[string, time.Time]
}

// NewDedupeCache creates a cache holding up to max keys for ttl each.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	return &DedupeCache{seen: expirable.NewLRU[string, time.Time](max, nil, ttl)}
}

// IsDuplicate records the key and reports whether it was already seen
// within the TTL window.
func (c *DedupeCache) IsDuplicate(key string) bool {
	if _, ok := c.seen.Get(key); ok {
		return true
	}
	c.seen.Add(key, time.Now())
	return false
}

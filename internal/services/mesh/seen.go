package mesh

import (
	"sync"
	"time"

	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

// seenKey is the deduplication key: the sender-assigned envelope id
// qualified by the sender identity.
type seenKey struct {
	id     domain.MessageID
	sender domain.X25519Public
}

// seenCache is a time-windowed insert-if-absent set shared by every
// inbound path. Entries expire after the window rather than growing
// without bound; correctness of the flood depends on the window being
// longer than the mesh round-trip time.
type seenCache struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	seen   map[seenKey]time.Time
}

func newSeenCache(window time.Duration, now func() time.Time) *seenCache {
	if now == nil {
		now = time.Now
	}
	return &seenCache{
		window: window,
		now:    now,
		seen:   make(map[seenKey]time.Time),
	}
}

// insert records the key and reports whether it was absent. The check and
// the insert are one atomic step so concurrent inbound callbacks cannot
// both claim first sight.
func (c *seenCache) insert(k seenKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if at, ok := c.seen[k]; ok && now.Sub(at) < c.window {
		return false
	}
	c.seen[k] = now
	c.pruneLocked(now)
	return true
}

// pruneLocked drops expired entries. Amortized over inserts; the map
// never outlives the window by more than one insert.
func (c *seenCache) pruneLocked(now time.Time) {
	for k, at := range c.seen {
		if now.Sub(at) >= c.window {
			delete(c.seen, k)
		}
	}
}

// len reports the live entry count, for tests.
func (c *seenCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

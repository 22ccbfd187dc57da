// Package dedupe tracks recently seen inbound event ids so that transports
// which redeliver (JetStream, Matrix sync retries) do not feed the same user
// message to a conversation twice.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	id   string
	seen time.Time
}

// Cache is a TTL and size bounded set of ids. The zero value is not usable;
// create one with New.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache holding at most maxSize ids for ttl each.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether id was marked within the TTL, marking it if not.
// The check and the mark are atomic.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expire(now)

	if el, ok := c.index[id]; ok {
		el.Value.(*entry).seen = now
		c.order.MoveToBack(el)
		return true
	}

	if c.order.Len() >= c.maxSize {
		c.remove(c.order.Front())
	}
	c.index[id] = c.order.PushBack(&entry{id: id, seen: now})
	return false
}

// Forget unmarks id so that its next delivery is not treated as a duplicate.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[id]; ok {
		c.remove(el)
	}
}

// Len returns the number of tracked ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// expire drops entries older than the TTL. Entries are ordered by last mark,
// so it stops at the first live one.
func (c *Cache) expire(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).seen) < c.ttl {
			return
		}
		c.remove(el)
	}
}

func (c *Cache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).id)
}

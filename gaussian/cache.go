package gaussian

import (
	"container/list"
	"sync"
)

// DefaultCacheSize bounds the number of cached factorizations.
const DefaultCacheSize = 64

type cacheKey struct {
	mask   string
	lambda float64
}

type cacheEntry struct {
	key cacheKey
	f   *factorization
}

// Cache is a bounded LRU arena of per-mask factorizations. It is safe for
// concurrent use by the workers of one Engine.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element

	hits   int
	misses int
}

// NewCache returns a cache holding at most capacity entries
// (DefaultCacheSize when capacity <= 0).
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

func (c *Cache) get(k cacheKey) (*factorization, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[k]; ok {
		c.ll.MoveToFront(el)
		c.hits++
		return el.Value.(*cacheEntry).f, true
	}
	c.misses++
	return nil, false
}

func (c *Cache) put(k cacheKey, f *factorization) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[k]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).f = f
		return
	}
	c.items[k] = c.ll.PushFront(&cacheEntry{key: k, f: f})
	for c.ll.Len() > c.capacity {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.items, last.Value.(*cacheEntry).key)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

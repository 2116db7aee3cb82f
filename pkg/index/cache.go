package index

import (
	"container/list"
	"sync"
)

// NodeCache is an LRU cache of decoded nodes. It has its own lock because
// readers fill it on misses while holding only the store's read lock.
type NodeCache struct {
	mu       sync.Mutex
	capacity int
	cache    map[uint64]*list.Element
	lru      *list.List

	// Statistics
	hits   int64
	misses int64
}

type cacheEntry struct {
	id   uint64
	node *Node
}

// NewNodeCache creates a new LRU node cache. A capacity of zero disables it.
func NewNodeCache(capacity int) *NodeCache {
	return &NodeCache{
		capacity: capacity,
		cache:    make(map[uint64]*list.Element),
		lru:      list.New(),
	}
}

// Get retrieves a node from the cache
func (c *NodeCache) Get(id uint64) (*Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[id]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).node, true
	}

	c.misses++
	return nil, false
}

// Put adds a node to the cache
func (c *NodeCache) Put(n *Node) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[n.ID]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).node = n
		return
	}

	c.cache[n.ID] = c.lru.PushFront(&cacheEntry{id: n.ID, node: n})
	for c.lru.Len() > c.capacity {
		c.evict()
	}
}

// evict removes the least recently used entry
func (c *NodeCache) evict() {
	elem := c.lru.Back()
	if elem != nil {
		c.lru.Remove(elem)
		delete(c.cache, elem.Value.(*cacheEntry).id)
	}
}

// Delete removes an entry from the cache
func (c *NodeCache) Delete(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[id]; ok {
		c.lru.Remove(elem)
		delete(c.cache, id)
	}
}

// Clear removes all entries from the cache
func (c *NodeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[uint64]*list.Element)
	c.lru = list.New()
	c.hits = 0
	c.misses = 0
}

// Purge evicts the least recently used half of the cache.
func (c *NodeCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.lru.Len() / 2
	for i := 0; i < n; i++ {
		c.evict()
	}
	return n
}

// Stats returns cache statistics
func (c *NodeCache) Stats() (hits, misses int64, hitRate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hits = c.hits
	misses = c.misses
	total := hits + misses
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return
}

// Size returns the current number of entries
func (c *NodeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Package blockcache is the node-wide cache of inflated cell store blocks.
// Blocks are checked out while a scanner reads them and only blocks nobody
// has checked out are eligible for eviction.
package blockcache

import "sync"

// Key identifies a block by cell store file id and block offset.
type Key struct {
	FileID uint64
	Offset uint64
}

type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Inserts   uint64 `json:"inserts"`
	Evictions uint64 `json:"evictions"`
	Blocks    int    `json:"blocks"`
	Bytes     int64  `json:"bytes"`
	Capacity  int64  `json:"capacity"`
}

// Cache is an LRU block cache bounded by bytes.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	items    map[Key]*cacheItem
	head     *cacheItem
	tail     *cacheItem
	stats    Stats
}

type cacheItem struct {
	key   Key
	block []byte
	refs  int
	prev  *cacheItem
	next  *cacheItem
}

// New creates a cache holding at most capacity bytes of unreferenced
// blocks. Checked out blocks may push usage past capacity.
func New(capacity int64) *Cache {
	return &Cache{
		capacity: capacity,
		items:    make(map[Key]*cacheItem),
	}
}

// Checkout returns the cached block for k and pins it until Checkin.
func (c *Cache) Checkout(k Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[k]
	if !found {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	item.refs++
	c.moveToHead(item)
	return item.block, true
}

// InsertAndCheckout inserts block under k and pins it. It returns false,
// leaving the cache untouched, if k is already present.
func (c *Cache) InsertAndCheckout(k Key, block []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.items[k]; found {
		return false
	}
	item := &cacheItem{key: k, block: block, refs: 1}
	c.addToHead(item)
	c.items[k] = item
	c.used += int64(len(block))
	c.stats.Inserts++
	c.evict()
	return true
}

// Checkin releases a pin taken by Checkout or InsertAndCheckout.
func (c *Cache) Checkin(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[k]
	if !found || item.refs == 0 {
		return
	}
	item.refs--
	if item.refs == 0 {
		c.evict()
	}
}

// Contains reports whether k is cached.
func (c *Cache) Contains(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, found := c.items[k]
	return found
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Blocks = len(c.items)
	s.Bytes = c.used
	s.Capacity = c.capacity
	return s
}

// evict drops unreferenced blocks from the cold end until usage fits.
func (c *Cache) evict() {
	for item := c.tail; item != nil && c.used > c.capacity; {
		prev := item.prev
		if item.refs == 0 {
			c.unlink(item)
			delete(c.items, item.key)
			c.used -= int64(len(item.block))
			c.stats.Evictions++
		}
		item = prev
	}
}

func (c *Cache) moveToHead(item *cacheItem) {
	if item == c.head {
		return
	}
	c.unlink(item)
	c.addToHead(item)
}

func (c *Cache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = c.head
	if c.head != nil {
		c.head.prev = item
	}
	c.head = item
	if c.tail == nil {
		c.tail = item
	}
}

func (c *Cache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

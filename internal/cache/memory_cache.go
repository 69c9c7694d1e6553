package cache

import (
	"container/list"
	"sync"

	"wsiview/internal/pyramid"
)

type element struct {
	key   pyramid.TileKey
	entry *Entry
}

// MemoryCache implements an in-memory LRU cache bounded by entry count
// and, optionally, by the total size of the stored pixels.
type MemoryCache struct {
	mu       sync.Mutex
	maxSize  int
	maxBytes int64
	bytes    int64
	items    map[pyramid.TileKey]*list.Element
	lruList  *list.List

	hits, misses, evictions int64
}

// NewMemoryCache creates a new in-memory LRU cache holding at most
// maxSize entries.
func NewMemoryCache(maxSize int) (*MemoryCache, error) {
	return NewMemoryCacheWithBytes(maxSize, 0)
}

// NewMemoryCacheWithBytes creates an LRU cache that additionally evicts
// while the stored entries exceed maxBytes. A maxBytes of zero disables
// the byte bound. The most recently inserted entry is always kept.
func NewMemoryCacheWithBytes(maxSize int, maxBytes int64) (*MemoryCache, error) {
	if maxSize < 1 {
		return nil, ErrCapacityMisconfigured
	}
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &MemoryCache{
		maxSize:  maxSize,
		maxBytes: maxBytes,
		items:    make(map[pyramid.TileKey]*list.Element),
		lruList:  list.New(),
	}, nil
}

func (c *MemoryCache) Contains(key pyramid.TileKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

func (c *MemoryCache) Get(key pyramid.TileKey) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}

	c.hits++
	c.lruList.MoveToFront(elem)
	return elem.Value.(*element).entry, true
}

func (c *MemoryCache) Put(key pyramid.TileKey, entry *Entry) {
	if entry == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		el := elem.Value.(*element)
		c.bytes -= int64(el.entry.SizeBytes)
		el.entry = entry
		c.bytes += int64(entry.SizeBytes)
		c.lruList.MoveToFront(elem)
		c.trimBytes()
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictOldest()
	}

	c.items[key] = c.lruList.PushFront(&element{key: key, entry: entry})
	c.bytes += int64(entry.SizeBytes)
	c.trimBytes()
}

// trimBytes evicts from the cold end while over the byte budget, never
// evicting the front entry.
func (c *MemoryCache) trimBytes() {
	if c.maxBytes == 0 {
		return
	}
	for c.bytes > c.maxBytes && c.lruList.Len() > 1 {
		c.evictOldest()
	}
}

func (c *MemoryCache) evictOldest() {
	oldest := c.lruList.Back()
	if oldest == nil {
		return
	}
	el := oldest.Value.(*element)
	delete(c.items, el.key)
	c.lruList.Remove(oldest)
	c.bytes -= int64(el.entry.SizeBytes)
	c.evictions++
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[pyramid.TileKey]*list.Element)
	c.lruList = list.New()
	c.bytes = 0
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lruList.Len()
}

// Keys returns the cached keys from most to least recently used.
func (c *MemoryCache) Keys() []pyramid.TileKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]pyramid.TileKey, 0, c.lruList.Len())
	for e := c.lruList.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*element).key)
	}
	return keys
}

func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:   c.lruList.Len(),
		Capacity:  c.maxSize,
		Bytes:     c.bytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

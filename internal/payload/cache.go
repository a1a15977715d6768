package payload

import "sync"

// blobCache is a size-bounded LRU over retrieved payload bytes. Lookups
// are exact by hash; eviction walks from the least recently used end
// until the byte budget is met.
type blobCache struct {
	mu          sync.Mutex
	entries     map[string]*cacheEntry
	head        *cacheEntry // Most recently used.
	tail        *cacheEntry // Least recently used.
	maxBytes    int64
	currentSize int64
}

type cacheEntry struct {
	hash string
	data []byte
	prev *cacheEntry
	next *cacheEntry
}

func newBlobCache(maxBytes int64) *blobCache {
	return &blobCache{
		entries:  make(map[string]*cacheEntry),
		maxBytes: maxBytes,
	}
}

func (c *blobCache) get(hash string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[hash]
	if !ok {
		return nil, false
	}

	c.moveToFront(entry)

	return entry.data, true
}

func (c *blobCache) contains(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[hash]

	return ok
}

func (c *blobCache) put(hash string, data []byte) {
	size := int64(len(data))
	if size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[hash]; ok {
		c.moveToFront(existing)
		return
	}

	entry := &cacheEntry{hash: hash, data: data}
	c.entries[hash] = entry
	c.currentSize += size
	c.pushFront(entry)

	for c.currentSize > c.maxBytes && c.tail != nil {
		c.evict(c.tail)
	}
}

func (c *blobCache) remove(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[hash]; ok {
		c.evict(entry)
	}
}

func (c *blobCache) moveToFront(entry *cacheEntry) {
	if c.head == entry {
		return
	}

	c.unlink(entry)
	c.pushFront(entry)
}

func (c *blobCache) pushFront(entry *cacheEntry) {
	entry.prev = nil
	entry.next = c.head

	if c.head != nil {
		c.head.prev = entry
	}

	c.head = entry

	if c.tail == nil {
		c.tail = entry
	}
}

func (c *blobCache) unlink(entry *cacheEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		c.head = entry.next
	}

	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		c.tail = entry.prev
	}

	entry.prev = nil
	entry.next = nil
}

func (c *blobCache) evict(entry *cacheEntry) {
	c.unlink(entry)
	delete(c.entries, entry.hash)
	c.currentSize -= int64(len(entry.data))
}

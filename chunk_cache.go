package vaultfs

import (
	"container/list"
	"sync"

	"github.com/google/uuid"
)

type chunkKey struct {
	ref uuid.UUID
	idx uint64
}

type cachedChunk struct {
	key  chunkKey
	gen  uint64
	data []byte
}

// chunkCache is an LRU of decrypted chunks shared by all files of a store
type chunkCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[chunkKey]*list.Element
	lru      *list.List // front is most recently used
}

func newChunkCache(capacity int) *chunkCache {
	return &chunkCache{
		capacity: capacity,
		entries:  make(map[chunkKey]*list.Element),
		lru:      list.New(),
	}
}

// Get returns a copy of the cached plaintext and its generation
func (c *chunkCache) Get(key chunkKey) ([]byte, uint64, bool) {
	if c == nil || c.capacity == 0 {
		return nil, 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, 0, false
	}
	c.lru.MoveToFront(el)
	e := el.Value.(*cachedChunk)

	// Copy to avoid callers mutating cached data
	result := make([]byte, len(e.data))
	copy(result, e.data)
	return result, e.gen, true
}

func (c *chunkCache) Put(key chunkKey, gen uint64, data []byte) {
	if c == nil || c.capacity == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*cachedChunk)
		e.gen, e.data = gen, stored
		c.lru.MoveToFront(el)
		return
	}

	for c.lru.Len() >= c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cachedChunk).key)
	}
	c.entries[key] = c.lru.PushFront(&cachedChunk{key: key, gen: gen, data: stored})
}

// Invalidate drops every chunk of ref at or beyond index from
func (c *chunkCache) Invalidate(ref uuid.UUID, from uint64) {
	if c == nil || c.capacity == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, el := range c.entries {
		if key.ref == ref && key.idx >= from {
			c.lru.Remove(el)
			delete(c.entries, key)
		}
	}
}

func (c *chunkCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

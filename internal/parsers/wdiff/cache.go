package wdiff

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// defaultCacheEntries bounds the entry count; the byte budget is the real
// limit and usually evicts first.
const defaultCacheEntries = 1 << 16

// IndexedDiffCache keeps uncompressed IO data of an indexed wdiff, bounded by
// total bytes. Keys are data-region offsets.
type IndexedDiffCache struct {
	lru      *lru.Cache
	maxBytes int
	curBytes int
}

// NewIndexedDiffCache returns a cache holding at most maxBytes of data.
func NewIndexedDiffCache(maxBytes int) (*IndexedDiffCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxBytes)
	}
	c := &IndexedDiffCache{maxBytes: maxBytes}
	l, err := lru.NewWithEvict(defaultCacheEntries, func(_, value interface{}) {
		c.curBytes -= len(value.([]byte))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU: %w", err)
	}
	c.lru = l
	return c, nil
}

// Get returns the cached data for key.
func (c *IndexedDiffCache) Get(key uint64) ([]byte, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Put inserts data and evicts oldest entries until the byte budget holds.
func (c *IndexedDiffCache) Put(key uint64, data []byte) {
	if len(data) > c.maxBytes {
		return
	}
	c.lru.Add(key, data)
	c.curBytes += len(data)
	for c.curBytes > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Bytes returns the current cached byte total.
func (c *IndexedDiffCache) Bytes() int { return c.curBytes }

// Len returns the current entry count.
func (c *IndexedDiffCache) Len() int { return c.lru.Len() }

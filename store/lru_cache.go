package store

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/willf/bloom"
)

// LRUCache keeps recently used values in memory and remembers every key ever
// added in a Bloom filter. A negative filter answer means the key was never
// added; a positive one may be a false positive.
type LRUCache[V any] struct {
	cache       *lru.Cache[string, V]
	bloomFilter *bloom.BloomFilter
	mutex       sync.RWMutex
}

// NewLRUCache creates a new LRU cache with a Bloom filter
func NewLRUCache[V any](size int, expectedItems uint, falsePositiveRate float64) (*LRUCache[V], error) {
	c, err := lru.New[string, V](size)
	if err != nil {
		return nil, err
	}
	return &LRUCache[V]{
		cache:       c,
		bloomFilter: bloom.NewWithEstimates(expectedItems, falsePositiveRate),
	}, nil
}

// Get retrieves a value from the cache
func (c *LRUCache[V]) Get(key string) (V, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if !c.bloomFilter.TestString(key) {
		var zero V
		return zero, false
	}
	return c.cache.Get(key)
}

// Add adds a value to the cache
func (c *LRUCache[V]) Add(key string, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.bloomFilter.AddString(key)
	c.cache.Add(key, value)
}

// Remember records key in the Bloom filter without caching a value.
func (c *LRUCache[V]) Remember(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.bloomFilter.AddString(key)
}

// MayContain reports whether key may have been added. False is definitive.
func (c *LRUCache[V]) MayContain(key string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.bloomFilter.TestString(key)
}

// Remove removes a value from the cache. The key stays in the filter.
func (c *LRUCache[V]) Remove(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache.Remove(key)
}

// Len returns the number of cached values.
func (c *LRUCache[V]) Len() int {
	return c.cache.Len()
}

// Purge clears all items from the cache
func (c *LRUCache[V]) Purge() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache.Purge()
	c.bloomFilter.ClearAll()
}

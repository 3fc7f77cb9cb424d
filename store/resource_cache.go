package store

import "github.com/thrylos-labs/shardtree/types"

// ResourceCache is the read cache in front of the resource table.
type ResourceCache struct {
	cache *LRUCache[types.Resource]
}

func NewResourceCache(size int, bloomSize uint, falsePositiveRate float64) (*ResourceCache, error) {
	c, err := NewLRUCache[types.Resource](size, bloomSize, falsePositiveRate)
	if err != nil {
		return nil, err
	}
	return &ResourceCache{cache: c}, nil
}

func (rc *ResourceCache) Get(id types.ID) (types.Resource, bool) {
	return rc.cache.Get(id.String())
}

func (rc *ResourceCache) Add(r types.Resource) {
	rc.cache.Add(r.ID.String(), r)
}

func (rc *ResourceCache) Remove(id types.ID) {
	rc.cache.Remove(id.String())
}

// Known records an id already present in the table.
func (rc *ResourceCache) Known(id types.ID) {
	rc.cache.Remember(id.String())
}

// MayExist is false only for ids never committed or loaded.
func (rc *ResourceCache) MayExist(id types.ID) bool {
	return rc.cache.MayContain(id.String())
}

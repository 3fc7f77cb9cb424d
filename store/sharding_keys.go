package store

import (
	"fmt"

	"github.com/thrylos-labs/shardtree/types"
)

// ResourceBucket deterministically assigns a resource id to a key bucket.
func ResourceBucket(id types.ID) int {
	return int(id[0]) % ResourceBuckets
}

// GetShardedKey generates a BadgerDB key with a bucket prefix.
func GetShardedKey(prefix string, bucket int, originalKeyParts ...string) []byte {
	key := prefix + fmt.Sprintf("%d", bucket)
	for _, part := range originalKeyParts {
		key += "-" + part
	}
	return []byte(key)
}

// ResourceKey is the key of a resource in the durable table.
func ResourceKey(id types.ID) []byte {
	return GetShardedKey(ResourcePrefix, ResourceBucket(id), id.String())
}

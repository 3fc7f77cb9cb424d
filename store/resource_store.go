package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/thrylos-labs/shardtree/shared"
	"github.com/thrylos-labs/shardtree/types"
)

const (
	defaultCacheSize         = 4096
	defaultBloomItems        = 1 << 20
	defaultFalsePositiveRate = 0.01
)

// ResourceStore is the durable resource table. It is written only when
// chunks are finalized, one batch per finalization round.
type ResourceStore struct {
	db    *Database
	cache *ResourceCache
	log   zerolog.Logger
}

var _ shared.ResourceStore = (*ResourceStore)(nil)

// NewResourceStore wraps db and seeds the read cache filter with the ids
// already in the table.
func NewResourceStore(db *Database, log zerolog.Logger) (*ResourceStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	cache, err := NewResourceCache(defaultCacheSize, defaultBloomItems, defaultFalsePositiveRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource cache: %w", err)
	}
	s := &ResourceStore{
		db:    db,
		cache: cache,
		log:   log.With().Str("component", "resource_store").Logger(),
	}

	loaded := 0
	err = db.Keys([]byte(ResourcePrefix), func(key []byte) error {
		id, err := resourceIDFromKey(key)
		if err != nil {
			return err
		}
		cache.Known(id)
		loaded++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan resource table: %w", err)
	}
	s.log.Info().Int("resources", loaded).Msg("resource table opened")
	return s, nil
}

func resourceIDFromKey(key []byte) (types.ID, error) {
	const idLen = 36
	if len(key) < idLen {
		return types.ZeroID, fmt.Errorf("malformed resource key %q", key)
	}
	return uuid.ParseBytes(key[len(key)-idLen:])
}

// Commit writes added resources and deletes removed ones in one batch. An id
// both added and removed is only deleted.
func (s *ResourceStore) Commit(added map[types.ID]types.Resource, removed []types.ID) error {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	gone := types.NewIDSet(removed...)
	err := s.db.Batch(func(wb *badger.WriteBatch) error {
		for id, r := range added {
			if gone.Has(id) {
				continue
			}
			data, err := r.Marshal()
			if err != nil {
				return fmt.Errorf("failed to encode resource %s: %w", id, err)
			}
			if err := wb.Set(ResourceKey(id), data); err != nil {
				return fmt.Errorf("failed to stage resource %s: %w", id, err)
			}
		}
		for _, id := range removed {
			if err := wb.Delete(ResourceKey(id)); err != nil {
				return fmt.Errorf("failed to stage removal of %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit resource batch: %w", err)
	}

	for id, r := range added {
		if !gone.Has(id) {
			s.cache.Add(r)
		}
	}
	for _, id := range removed {
		s.cache.Remove(id)
	}
	s.log.Debug().Int("added", len(added)).Int("removed", len(removed)).Msg("resources committed")
	return nil
}

// Get returns the resource or an error wrapping types.ErrResourceNotFound.
func (s *ResourceStore) Get(id types.ID) (types.Resource, error) {
	if r, ok := s.cache.Get(id); ok {
		return r, nil
	}
	if !s.cache.MayExist(id) {
		return types.Resource{}, fmt.Errorf("%w: %s", types.ErrResourceNotFound, id)
	}

	data, err := s.db.Get(ResourceKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.Resource{}, fmt.Errorf("%w: %s", types.ErrResourceNotFound, id)
	}
	if err != nil {
		return types.Resource{}, fmt.Errorf("failed to read resource %s: %w", id, err)
	}

	var r types.Resource
	if err := r.Unmarshal(data); err != nil {
		return types.Resource{}, fmt.Errorf("failed to decode resource %s: %w", id, err)
	}
	s.cache.Add(r)
	return r, nil
}

func (s *ResourceStore) Has(id types.ID) (bool, error) {
	_, err := s.Get(id)
	if errors.Is(err, types.ErrResourceNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Count returns the number of resources in the table.
func (s *ResourceStore) Count() (int, error) {
	n := 0
	err := s.db.Keys([]byte(ResourcePrefix), func([]byte) error {
		n++
		return nil
	})
	return n, err
}

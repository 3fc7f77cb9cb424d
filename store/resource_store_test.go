package store

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrylos-labs/shardtree/types"
)

func newTestStore(t *testing.T) (*ResourceStore, *Database) {
	t.Helper()
	db, err := NewDatabase(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewResourceStore(db, zerolog.Nop())
	require.NoError(t, err)
	return s, db
}

func resource(payload string) types.Resource {
	return types.Resource{ID: types.NewID(), Payload: []byte(payload)}
}

func TestResourceStoreCommitAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	a, b := resource("a"), resource("b")

	require.NoError(t, s.Commit(map[types.ID]types.Resource{a.ID: a, b.ID: b}, nil))

	got, err := s.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	ok, err := s.Has(b.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestResourceStoreRemoval(t *testing.T) {
	s, _ := newTestStore(t)
	a, b := resource("a"), resource("b")
	require.NoError(t, s.Commit(map[types.ID]types.Resource{a.ID: a}, nil))

	// b is created and spent in the same round; a is spent.
	require.NoError(t, s.Commit(map[types.ID]types.Resource{b.ID: b}, []types.ID{a.ID, b.ID}))

	for _, id := range []types.ID{a.ID, b.ID} {
		ok, err := s.Has(id)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Get(id)
		assert.ErrorIs(t, err, types.ErrResourceNotFound)
	}
}

func TestResourceStoreUnknownID(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(types.NewID())
	assert.ErrorIs(t, err, types.ErrResourceNotFound)
}

func TestResourceStoreReopenSeedsFilter(t *testing.T) {
	dir := t.TempDir()
	db, err := NewDatabase(dir)
	require.NoError(t, err)
	s, err := NewResourceStore(db, zerolog.Nop())
	require.NoError(t, err)

	a := resource("persisted")
	require.NoError(t, s.Commit(map[types.ID]types.Resource{a.ID: a}, nil))
	require.NoError(t, db.Close())

	db, err = NewDatabase(dir)
	require.NoError(t, err)
	defer db.Close()
	s, err = NewResourceStore(db, zerolog.Nop())
	require.NoError(t, err)

	assert.True(t, s.cache.MayExist(a.ID))
	got, err := s.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Payload, got.Payload)
}

func TestResourceKeyLayout(t *testing.T) {
	id := types.NewID()
	key := string(ResourceKey(id))
	assert.Contains(t, key, ResourcePrefix)
	assert.Contains(t, key, id.String())

	parsed, err := resourceIDFromKey([]byte(key))
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestLRUCacheFilter(t *testing.T) {
	c, err := NewLRUCache[string](2, 100, 0.01)
	require.NoError(t, err)

	c.Add("a", "1")
	c.Add("b", "2")
	c.Add("c", "3")

	_, ok := c.Get("a")
	assert.False(t, ok, "evicted value")
	assert.True(t, c.MayContain("a"), "filter keeps evicted keys")

	v, ok := c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, "3", v)

	c.Purge()
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.MayContain("c"))
}

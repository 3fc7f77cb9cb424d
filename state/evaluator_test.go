package state

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrylos-labs/shardtree/types"
)

func TestEvaluatorSpawnsOverloadedChain(t *testing.T) {
	cfg := testConfig()
	tree := newTestTree(t, cfg, nil)
	leaf := rootLeaf(t, tree)

	e := NewEvaluator(tree, time.Hour, 3, zerolog.Nop())
	defer e.Stop()

	spawned, merged := e.RunOnce()
	assert.Zero(t, spawned)
	assert.Zero(t, merged)

	for i := 0; i < cfg.BlockSampleSize; i++ {
		require.NoError(t, tree.SubmitContent(randomOps(19, 1000)...))
		_, err := tree.ProposeBlock(leaf.ChainID(), nil, nil)
		require.NoError(t, err)
	}
	spawned, merged = e.RunOnce()
	assert.Equal(t, 1, spawned)
	assert.Zero(t, merged)
	assert.Equal(t, 2, tree.NumSpawnedChains())
}

func TestEvaluatorLoop(t *testing.T) {
	cfg := testConfig()
	tree := newTestTree(t, cfg, nil)
	leaf := rootLeaf(t, tree)
	for i := 0; i < cfg.BlockSampleSize; i++ {
		require.NoError(t, tree.SubmitContent(randomOps(19, 1000)...))
		_, err := tree.ProposeBlock(leaf.ChainID(), nil, nil)
		require.NoError(t, err)
	}

	e := NewEvaluator(tree, 5*time.Millisecond, 2, zerolog.Nop())
	e.Start(context.Background())
	defer e.Stop()

	assert.Eventually(t, func() bool {
		return tree.NumSpawnedChains() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestLaneRingIsStable(t *testing.T) {
	ring := newLaneRing(4)
	id := types.NewID()
	assert.Equal(t, ring.lane(id), ring.lane(id))
	assert.Contains(t, []string{"lane-0", "lane-1", "lane-2", "lane-3"}, ring.lane(id))
}

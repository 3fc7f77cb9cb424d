package state

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/thrylos-labs/shardtree/chain"
	"github.com/thrylos-labs/shardtree/shared"
	"github.com/thrylos-labs/shardtree/types"
)

func TestSpawnOnOverload(t *testing.T) {
	cfg := testConfig()
	tree := newTestTree(t, cfg, nil)
	leaf := rootLeaf(t, tree)

	for i := 0; i < cfg.BlockSampleSize; i++ {
		require.NoError(t, tree.SubmitContent(randomOps(19, 1000)...))
		b, err := tree.ProposeBlock(leaf.ChainID(), nil, nil)
		require.NoError(t, err)
		require.Len(t, b.Operations, 19)
	}
	require.True(t, leaf.ShouldSpawn())
	require.False(t, leaf.ShouldMerge())

	spawned, merged := tree.Evaluate()
	assert.Equal(t, 1, spawned)
	assert.Equal(t, 0, merged)

	assert.Equal(t, KindTentativeInner, tree.Root().Kind())
	assert.Equal(t, 2, tree.NumSpawnedChains())
	assert.Len(t, tree.ReachableChains(), 3)
	for _, id := range tree.SpawnedChains() {
		assert.NotEqual(t, tree.RootChain(), id)
		child, err := tree.Leaf(id)
		require.NoError(t, err)
		assert.True(t, child.Tentative())
		assert.Equal(t, 1, child.Depth())
	}
	assert.Same(t, leaf, tree.Root().Leaf())
}

func TestSpawnThenMergeRestoresPool(t *testing.T) {
	tree := newTestTree(t, testConfig(), nil)
	leaf := rootLeaf(t, tree)

	var ops []*types.Operation
	for i := 0; i < 12; i++ {
		switch i % 3 {
		case 0:
			ops = append(ops, routedOp(0x00, 0x00, 10))
		case 1:
			ops = append(ops, routedOp(0x80, 0xff, 10))
		default:
			ops = append(ops, routedOp(0x00, 0x80, 10))
		}
	}
	require.NoError(t, tree.SubmitContent(ops...))
	before := types.OperationIDs(leaf.Pool().All())

	// the genesis is already finalized, so the spawn confirms at once
	require.NoError(t, tree.Spawn(leaf.ChainID()))
	require.Equal(t, KindPermanentInner, tree.Root().Kind())
	assert.Equal(t, 4, leaf.Pool().Size())
	assert.ElementsMatch(t, before, types.OperationIDs(tree.StoredContent()))

	require.NoError(t, tree.Merge(leaf.ChainID()))
	assert.Equal(t, KindLeaf, tree.Root().Kind())
	assert.Equal(t, before, types.OperationIDs(leaf.Pool().All()))
	assert.Equal(t, 0, tree.NumSpawnedChains())
	assert.Equal(t, []types.ID{leaf.ChainID()}, tree.ReachableChains())
}

func TestSubmitContentRoutesByMask(t *testing.T) {
	tree := newTestTree(t, testConfig(), nil)
	leaf := rootLeaf(t, tree)
	require.NoError(t, tree.Spawn(leaf.ChainID()))

	children := tree.Root().Children()
	require.Len(t, children, 2)
	left, right := children[0].Leaf(), children[1].Leaf()

	toLeft := routedOp(0x00, 0x7f, 10)
	toRight := routedOp(0x80, 0xc0, 10)
	toCenter := routedOp(0x00, 0x80, 10)
	require.NoError(t, tree.SubmitContent(toLeft, toRight, toCenter))

	assert.True(t, left.Pool().Has(toLeft.ID))
	assert.True(t, right.Pool().Has(toRight.ID))
	assert.True(t, leaf.Pool().Has(toCenter.ID))
	assert.Equal(t, 1, left.Pool().Size())
	assert.Equal(t, 1, right.Pool().Size())
	assert.Equal(t, 1, leaf.Pool().Size())

	assert.Equal(t, 3, tree.DeleteContent([]types.ID{toLeft.ID, toRight.ID, toCenter.ID}))
	assert.Empty(t, tree.StoredContent())
}

func TestHedgingReportsDiscardedChainsOnce(t *testing.T) {
	tree := newTestTree(t, testConfig(), nil)
	leaf := rootLeaf(t, tree)
	genesis := leaf.Ledger().Genesis()

	var reported, discarded []types.ID
	tree.OnChainsDiscarded(func(ids []types.ID) { reported = append(reported, ids...) })
	tree.Subscribe(func(n types.FinalizedBlocks) { discarded = append(discarded, n.Discarded...) })

	spawnRoot := extend(t, leaf, genesis)
	sibling := extend(t, leaf, genesis)
	require.NoError(t, tree.spawnAt(leaf, spawnRoot.ID))
	require.Equal(t, KindTentativeInner, tree.Root().Kind())
	require.Equal(t, 2, tree.NumSpawnedChains())

	var children []*Leaf
	for _, id := range tree.SpawnedChains() {
		child, err := tree.Leaf(id)
		require.NoError(t, err)
		children = append(children, child)
	}
	childBlock := extend(t, children[0], children[0].Ledger().Genesis())

	// the sibling branch wins and the spawn root's pair goes away
	c2 := extend(t, leaf, sibling)
	c3 := extend(t, leaf, c2)
	assert.Len(t, reported, 2)
	assert.Equal(t, KindTentativeInner, tree.Root().Kind())
	assert.Equal(t, 0, tree.NumSpawnedChains())
	assert.Contains(t, discarded, spawnRoot.ID)
	assert.Contains(t, discarded, childBlock.ID)
	for _, child := range children {
		assert.Contains(t, discarded, child.Ledger().Genesis().ID)
		assert.False(t, tree.Context().Index.Has(child.Ledger().Genesis().ID))
	}

	// spawn weight 1, candidate depth 4: every branch crossing weight 5 hedges
	c4 := extend(t, leaf, c3)
	a5 := extend(t, leaf, c4)
	extend(t, leaf, c4)
	extend(t, leaf, c4)
	assert.Equal(t, 6, tree.NumSpawnedChains())

	a6 := extend(t, leaf, a5)
	extend(t, leaf, a6)

	assert.Equal(t, KindPermanentInner, tree.Root().Kind())
	assert.Equal(t, 2, tree.NumSpawnedChains())
	assert.Len(t, reported, 6)
	assert.Len(t, types.NewIDSet(reported...), 6)
	assert.Len(t, types.NewIDSet(discarded...), len(discarded))
	for _, id := range tree.SpawnedChains() {
		assert.NotContains(t, reported, id)
		child, err := tree.Leaf(id)
		require.NoError(t, err)
		assert.False(t, child.Tentative())
	}
}

func TestRevertWithoutCandidates(t *testing.T) {
	cfg := testConfig()
	var unavailable atomic.Bool
	base := chain.NewLedgerFactory(cfg.FinalizedWeight, zerolog.Nop())
	ledgers := func(chainID types.ID, genesis *types.Block) (shared.Ledger, error) {
		if unavailable.Load() {
			return nil, errors.New("ledger unavailable")
		}
		return base(chainID, genesis)
	}
	tree := newTestTree(t, cfg, ledgers)
	leaf := rootLeaf(t, tree)
	genesis := leaf.Ledger().Genesis()

	spawnRoot := extend(t, leaf, genesis)
	sibling := extend(t, leaf, genesis)
	require.NoError(t, tree.spawnAt(leaf, spawnRoot.ID))
	unavailable.Store(true)

	c2 := extend(t, leaf, sibling)
	c3 := extend(t, leaf, c2)
	require.Equal(t, 0, tree.NumSpawnedChains())

	// routed left while no pair exists
	pending := routedOp(0x00, 0x00, 10)
	require.NoError(t, tree.SubmitContent(pending))
	assert.False(t, leaf.Pool().Has(pending.ID))

	c4 := extend(t, leaf, c3)
	c5 := extend(t, leaf, c4)
	require.Equal(t, KindTentativeInner, tree.Root().Kind())
	extend(t, leaf, c5)

	assert.Equal(t, KindLeaf, tree.Root().Kind())
	assert.True(t, leaf.Pool().Has(pending.ID))
	assert.Equal(t, []types.ID{leaf.ChainID()}, tree.ReachableChains())
}

func TestTentativeChainHoldsFinalization(t *testing.T) {
	tree := newTestTree(t, testConfig(), nil)
	leaf := rootLeaf(t, tree)
	index := tree.Context().Index

	b1 := extend(t, leaf, leaf.Ledger().Genesis())
	require.NoError(t, tree.spawnAt(leaf, b1.ID))
	child := tree.Root().Children()[0].Leaf()
	require.True(t, child.Tentative())
	assert.Equal(t, b1.NextRank, child.MinimumRank())

	// tentative leaves do not spawn
	assert.ErrorIs(t, tree.Spawn(child.ChainID()), types.ErrStaleRouting)

	c1 := extend(t, child, child.Ledger().Genesis())
	extend(t, child, c1)
	assert.True(t, index.Has(c1.ID))
	assert.False(t, index.IsFrontier(c1.ID))

	var delivered []types.ID
	tree.Subscribe(func(f types.FinalizedBlocks) { delivered = append(delivered, f.Blocks...) })

	extend(t, leaf, b1)
	assert.Equal(t, KindPermanentInner, tree.Root().Kind())
	assert.False(t, child.Tentative())
	assert.False(t, index.Has(c1.ID))
	assert.True(t, index.IsFrontier(c1.ID))
	assert.True(t, index.IsFrontier(child.Ledger().Genesis().ID))
	assert.Contains(t, delivered, b1.ID)
}

func TestMergeForwardsToInnerChild(t *testing.T) {
	tree := newTestTree(t, testConfig(), nil)
	leaf := rootLeaf(t, tree)

	require.NoError(t, tree.Spawn(leaf.ChainID()))
	left := tree.Root().Children()[0].Leaf()
	require.NoError(t, tree.Spawn(left.ChainID()))
	assert.Equal(t, 4, tree.NumSpawnedChains())
	assert.Equal(t, KindPermanentInner, tree.Root().Children()[0].Kind())

	assert.ErrorIs(t, tree.Spawn(leaf.ChainID()), types.ErrStaleRouting)

	require.NoError(t, tree.Merge(leaf.ChainID()))
	assert.Equal(t, KindPermanentInner, tree.Root().Kind())
	assert.Equal(t, KindLeaf, tree.Root().Children()[0].Kind())
	assert.Equal(t, 2, tree.NumSpawnedChains())

	require.NoError(t, tree.Merge(leaf.ChainID()))
	assert.Equal(t, KindLeaf, tree.Root().Kind())
	assert.Equal(t, 0, tree.NumSpawnedChains())

	assert.ErrorIs(t, tree.Merge(leaf.ChainID()), types.ErrStaleRouting)
	assert.ErrorIs(t, tree.Merge(left.ChainID()), types.ErrUnknownChain)
}

func TestMergeWaitsForReferencedChildBlocks(t *testing.T) {
	tree := newTestTree(t, testConfig(), nil)
	root := tree.RootChain()

	var discarded []types.ID
	tree.Subscribe(func(n types.FinalizedBlocks) { discarded = append(discarded, n.Discarded...) })

	require.NoError(t, tree.Spawn(root))
	require.Equal(t, KindPermanentInner, tree.Root().Kind())
	child := tree.Root().Children()[0].Leaf()

	c1 := extend(t, child, child.Ledger().Genesis())
	p, err := tree.ProposeBlock(root, []types.ID{c1.ID}, nil)
	require.NoError(t, err)

	// p builds on c1, which is not finalized yet
	assert.ErrorIs(t, tree.Merge(root), types.ErrStaleRouting)
	assert.Equal(t, KindPermanentInner, tree.Root().Kind())
	assert.Equal(t, 2, tree.NumSpawnedChains())
	merged, err := tree.merge(root, false)
	assert.NoError(t, err)
	assert.False(t, merged)

	c2 := extend(t, child, c1)
	require.True(t, tree.Context().Index.IsFrontier(c1.ID))

	require.NoError(t, tree.Merge(root))
	assert.Equal(t, KindLeaf, tree.Root().Kind())
	assert.Contains(t, discarded, c2.ID)
	assert.NotContains(t, discarded, c1.ID)

	next, err := tree.ProposeBlock(root, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, p.ID, next.Parent)
}

func TestSpawnAtSmallBlockSize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBlockSize = 1000
	cfg.BlockSampleSize = 15
	cfg.OverloadThreshold = 0.9
	tree := newTestTree(t, cfg, nil)
	leaf := rootLeaf(t, tree)

	require.Greater(t, cfg.SpaceBudget(), 950)
	require.NoError(t, tree.SubmitContent(randomOps(20, 950)...))
	for i := 0; i < 20; i++ {
		b, err := tree.ProposeBlock(leaf.ChainID(), nil, nil)
		require.NoError(t, err)
		require.Len(t, b.Operations, 1)
	}
	require.True(t, leaf.ShouldSpawn())

	require.NoError(t, tree.Spawn(leaf.ChainID()))
	spawned := tree.SpawnedChains()
	assert.Equal(t, 2, tree.NumSpawnedChains())
	require.Len(t, spawned, 2)
	assert.NotEqual(t, spawned[0], spawned[1])
	for _, id := range spawned {
		assert.NotEqual(t, tree.RootChain(), id)
	}
}

func TestShardsDescribeReachableChains(t *testing.T) {
	tree := newTestTree(t, testConfig(), nil)
	require.NoError(t, tree.Spawn(tree.RootChain()))

	shards := tree.Shards()
	require.Len(t, shards, 3)
	kinds := map[string]int{}
	for _, s := range shards {
		kinds[s.Kind]++
	}
	assert.Equal(t, map[string]int{"permanent_inner": 1, "leaf": 2}, kinds)
}

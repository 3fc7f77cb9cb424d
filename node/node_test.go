package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/thrylos-labs/shardtree/config"
	"github.com/thrylos-labs/shardtree/types"
	"github.com/thrylos-labs/shardtree/utils"
)

func testNode(t *testing.T, proposeInterval time.Duration) *Node {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = ""
	cfg.HTTPAddress = ""
	cfg.FinalizedWeight = 1
	cfg.ProposeInterval = proposeInterval
	require.NoError(t, cfg.Validate())

	n, err := NewNode(cfg, zerolog.Nop())
	require.NoError(t, err)
	return n
}

func submit(t *testing.T, n *Node, count int) {
	t.Helper()
	ops := make([]*types.Operation, count)
	for i := range ops {
		ops[i] = utils.NewOperation(fmt.Sprintf("sender-%d", i), types.NewID().String(), 100, nil, nil)
	}
	require.NoError(t, n.Tree.SubmitContent(ops...))
}

func TestProducerDrainsPool(t *testing.T) {
	n := testNode(t, 0)
	defer n.Shutdown()

	producer := NewProducer(n.Tree, time.Hour, zerolog.Nop())
	assert.Equal(t, 1, producer.TryProduce(), "an empty pool still gets a block")

	submit(t, n, 5)
	assert.Equal(t, 1, producer.TryProduce())
	assert.Equal(t, 1, producer.TryProduce())
	assert.EqualValues(t, 3, producer.Produced())

	leaf, err := n.Tree.Leaf(n.Tree.RootChain())
	require.NoError(t, err)
	assert.Len(t, leaf.Ledger().CurrentFrontier(), 1)
	assert.Equal(t, 0, leaf.Pool().Size())
}

func TestProducerKeepsIdleChainsDelivering(t *testing.T) {
	n := testNode(t, 0)
	defer n.Shutdown()

	require.NoError(t, n.Tree.Spawn(n.Tree.RootChain()))
	require.Len(t, n.Tree.ReachableChains(), 3)

	var delivered atomic.Int64
	n.Tree.Subscribe(func(f types.FinalizedBlocks) { delivered.Add(int64(len(f.Blocks))) })

	producer := NewProducer(n.Tree, time.Hour, zerolog.Nop())
	for i := 0; i < 10; i++ {
		assert.Equal(t, 3, producer.TryProduce())
	}
	assert.EqualValues(t, 30, producer.Produced())
	assert.Greater(t, delivered.Load(), int64(0))
}

func TestServeRunsProducer(t *testing.T) {
	n := testNode(t, 10*time.Millisecond)
	submit(t, n, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx) }()

	assert.Eventually(t, func() bool {
		return n.producer.Produced() > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("node did not stop")
	}
}

package state

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrylos-labs/shardtree/types"
)

func TestIsDuplicate(t *testing.T) {
	dup := fmt.Errorf("%w: %s", types.ErrDuplicateOperation, types.NewID())
	assert.True(t, isDuplicate(dup))
	assert.True(t, isDuplicate(multierror.Append(nil, dup, dup)))
	assert.False(t, isDuplicate(multierror.Append(nil, dup, types.ErrInvalidOperation)))
	assert.False(t, isDuplicate(errors.New("boom")))
}

func TestTentativeRoutingToleratesResubmission(t *testing.T) {
	tree := newTestTree(t, testConfig(), nil)
	leaf := rootLeaf(t, tree)

	spawnRoot := extend(t, leaf, leaf.Ledger().Genesis())
	require.NoError(t, tree.spawnAt(leaf, spawnRoot.ID))
	require.Equal(t, KindTentativeInner, tree.Root().Kind())

	toLeft := routedOp(0x00, 0x7f, 10)
	require.NoError(t, tree.SubmitContent(toLeft))
	assert.ErrorIs(t, tree.SubmitContent(toLeft), types.ErrDuplicateOperation)

	pair := tree.Root().Children()
	require.Len(t, pair, 2)
	assert.True(t, pair[0].Leaf().Pool().Has(toLeft.ID))
	assert.False(t, pair[1].Leaf().Pool().Has(toLeft.ID))
}

package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrylos-labs/shardtree/types"
)

func newOp(a, b byte, size int, inputs ...types.ID) *types.Operation {
	return &types.Operation{
		ID:     types.NewID(),
		Size:   size,
		MatchA: types.Fingerprint{a},
		MatchB: types.Fingerprint{b},
		Inputs: inputs,
	}
}

func TestPoolSubmit(t *testing.T) {
	p := NewPool()
	op1, op2 := newOp(0, 0, 10), newOp(0, 0, 10)

	require.NoError(t, p.Submit(op1, op2))
	assert.Equal(t, 2, p.Size())

	err := p.Submit(op1, &types.Operation{ID: types.NewID(), Size: 0})
	assert.ErrorIs(t, err, types.ErrDuplicateOperation)
	assert.ErrorIs(t, err, types.ErrInvalidOperation)
	assert.Equal(t, []*types.Operation{op1, op2}, p.All())
}

func TestPoolDelete(t *testing.T) {
	p := NewPool()
	op1, op2 := newOp(0, 0, 10), newOp(0, 0, 10)
	require.NoError(t, p.Submit(op1, op2))

	assert.Equal(t, 1, p.Delete([]types.ID{op1.ID, types.NewID()}))
	assert.False(t, p.Has(op1.ID))
	assert.True(t, p.Has(op2.ID))
	assert.Equal(t, 0, p.Delete(nil))
}

func TestPoolSelect(t *testing.T) {
	p := NewPool()
	shared := types.NewID()
	spent := types.NewID()
	a := newOp(0, 0, 40, shared)
	b := newOp(0, 0, 40, shared) // conflicts with a
	c := newOp(0, 0, 40)
	d := newOp(0, 0, 40, spent)
	e := newOp(0, 0, 40)
	require.NoError(t, p.Submit(a, b, c, d, e))

	rejectSpent := func(op *types.Operation) bool {
		for _, in := range op.Inputs {
			if in == spent {
				return true
			}
		}
		return false
	}

	selected := p.Select(types.NewIDSet(c.ID), 1000, -1, rejectSpent)
	assert.Equal(t, []*types.Operation{a, e}, selected)

	assert.Equal(t, []*types.Operation{a, c}, p.Select(nil, 100, -1, nil))
	assert.Equal(t, []*types.Operation{a}, p.Select(nil, 1000, 1, nil))
	assert.Empty(t, p.Select(nil, 1000, 0, nil))
	assert.Equal(t, 5, p.Size(), "selection leaves the pool untouched")
}

func TestPoolRandomSelectIsSeeded(t *testing.T) {
	ops := make([]*types.Operation, 50)
	for i := range ops {
		ops[i] = newOp(0, 0, 1)
	}
	p1, p2 := NewPool(WithRandomAllocation(7)), NewPool(WithRandomAllocation(7))
	require.NoError(t, p1.Submit(ops...))
	require.NoError(t, p2.Submit(ops...))

	s1 := p1.Select(nil, 1000, 10, nil)
	s2 := p2.Select(nil, 1000, 10, nil)
	assert.Len(t, s1, 10)
	assert.Equal(t, s1, s2)
}

func TestPoolSplitAndMerge(t *testing.T) {
	p := NewPool()
	var ops []*types.Operation
	for i := 0; i < 9; i++ {
		switch i % 3 {
		case 0:
			ops = append(ops, newOp(0x00, 0x40, 10)) // left at depth 0
		case 1:
			ops = append(ops, newOp(0x80, 0xc0, 10)) // right
		default:
			ops = append(ops, newOp(0x80, 0x00, 10)) // center
		}
	}
	require.NoError(t, p.Submit(ops...))
	before := p.All()

	mask := NewMask(0)
	left, right, migrated := p.Split(mask)
	assert.Len(t, migrated, 6)
	assert.Equal(t, 3, left.Size())
	assert.Equal(t, 3, right.Size())
	assert.Equal(t, 3, p.Size())
	for _, op := range left.All() {
		assert.Equal(t, Left, mask.ClassifyOperation(op))
	}
	for _, op := range right.All() {
		assert.Equal(t, Right, mask.ClassifyOperation(op))
	}
	for _, op := range p.All() {
		assert.Equal(t, Center, mask.ClassifyOperation(op))
	}

	// new content after the split still merges back in arrival order
	late := newOp(0x00, 0x00, 10)
	require.NoError(t, left.Submit(late))

	p.Merge(right, left, left.Clone())
	assert.Equal(t, append(before, late), p.All())
}

func TestPoolCloneIsIndependent(t *testing.T) {
	p := NewPool()
	op := newOp(0, 0, 10)
	require.NoError(t, p.Submit(op))

	c := p.Clone()
	p.Delete([]types.ID{op.ID})
	assert.True(t, c.Has(op.ID))
	assert.Equal(t, 0, p.Size())
}

package state

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/thrylos-labs/shardtree/types"
)

// revertLocked hands the position back to the wrapped leaf once no candidate
// pair is left, folding the content routed to the pairs back into its pool.
func (in *Inner) revertLocked() []func() {
	in.wrapped.pool.Merge(in.leftContent, in.rightContent)
	in.leftContent, in.rightContent = nil, nil
	in.ref.leaf, in.ref.inner = in.wrapped, nil
	in.wrapped.setWatcher(nil)
	in.ctx.tree.refreshDepth()

	in.log.Info().Msg("no candidate pair left, reverted to leaf")
	return nil
}

// mergeLocked skips the inner node: the children's content folds back into
// the wrapped leaf and the position becomes that leaf again. Without force
// the wrapped leaf and every child must be underloaded. When a child is not
// a leaf the merge is forwarded to it instead. Children whose unfinalized
// blocks are referenced by other chains are not merged away. The caller
// holds in.ref.mu.
func (in *Inner) mergeLocked(force bool) (actions []func(), merged bool, err error) {
	children := in.childRefs()
	for _, child := range children {
		child.mu.Lock()
	}
	unlockChildren := func() {
		for _, child := range children {
			child.mu.Unlock()
		}
	}

	var leaves []*Leaf
	var inners []*Reference
	for _, child := range children {
		switch {
		case child.inner != nil:
			inners = append(inners, child)
		case child.leaf != nil:
			leaves = append(leaves, child.leaf)
		default:
			unlockChildren()
			return nil, false, fmt.Errorf("%w: empty child position", types.ErrInvariantViolation)
		}
	}

	if len(inners) > 0 {
		defer unlockChildren()
		var result *multierror.Error
		for _, child := range inners {
			acts, ok, err := child.inner.mergeLocked(force)
			actions = append(actions, acts...)
			merged = merged || ok
			if err != nil {
				result = multierror.Append(result, err)
			}
		}
		return actions, merged, result.ErrorOrNil()
	}

	if !force {
		underloaded := in.wrapped.ShouldMerge()
		for _, leaf := range leaves {
			underloaded = underloaded && leaf.ShouldMerge()
		}
		if !underloaded {
			unlockChildren()
			return nil, false, nil
		}
	}

	ids := make([]types.ID, 0, len(leaves))
	for _, leaf := range leaves {
		ids = append(ids, leaf.chainID)
	}
	if in.ctx.Index.ReferencedOutside(ids...) {
		unlockChildren()
		if !force {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: unfinalized blocks of other chains reference the children", types.ErrStaleRouting)
	}

	for _, leaf := range leaves {
		in.wrapped.pool.Merge(leaf.pool)
	}
	if in.leftContent != nil {
		in.wrapped.pool.Merge(in.leftContent, in.rightContent)
	}

	permanent := in.permanent
	for _, leaf := range leaves {
		leaf.retire()
	}
	for _, child := range children {
		child.leaf = nil
	}
	unlockChildren()

	in.ref.leaf, in.ref.inner = in.wrapped, nil
	in.wrapped.setWatcher(nil)
	in.ctx.tree.refreshDepth()
	in.ctx.Metrics.merges.Inc()
	in.log.Info().Bool("confirmed", permanent).Strs("children", idStrings(ids)).Msg("shard merged")

	actions = append(actions, func() {
		for _, id := range ids {
			in.ctx.Linearizer.ReportDiscarded(in.ctx.Index.DiscardChain(id)...)
			if permanent {
				in.ctx.Linearizer.Close(id)
			} else {
				in.ctx.Linearizer.Discard(id)
			}
		}
		if !permanent {
			in.ctx.tree.reportDiscarded(ids)
		}
	})
	return actions, true, nil
}

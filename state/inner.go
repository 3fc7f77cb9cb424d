package state

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/thrylos-labs/shardtree/chain"
	"github.com/thrylos-labs/shardtree/mempool"
	"github.com/thrylos-labs/shardtree/types"
)

// candidatePair is one hedged split: two child chains whose genesis blocks
// reference the candidate root block of the wrapped chain.
type candidatePair struct {
	root        types.ID
	left, right *Reference
}

func (p *candidatePair) refs() []*Reference {
	return []*Reference{p.left, p.right}
}

func (p *candidatePair) chainIDs() []types.ID {
	var ids []types.ID
	for _, ref := range p.refs() {
		ref.mu.RLock()
		if ref.leaf != nil {
			ids = append(ids, ref.leaf.chainID)
		}
		ref.mu.RUnlock()
	}
	return ids
}

// Inner occupies a tree position after a spawn. The wrapped leaf keeps the
// content the mask routes to the center and its chain continues; content
// routed left or right goes to the child pairs. All fields are guarded by
// the owning Reference's lock.
type Inner struct {
	ctx     *Context
	ref     *Reference
	wrapped *Leaf
	mask    chain.Mask

	permanent       bool
	spawnWeight     uint64
	finalizedWeight uint64

	pairs     map[types.ID]*candidatePair
	confirmed *candidatePair

	// content routed to the pair set while tentative; new pairs start from it
	leftContent, rightContent *chain.Pool

	log zerolog.Logger
}

func (in *Inner) childRefs() []*Reference {
	if in.permanent {
		return in.confirmed.refs()
	}
	var refs []*Reference
	for _, root := range in.candidateRoots() {
		refs = append(refs, in.pairs[root].refs()...)
	}
	return refs
}

func (in *Inner) candidateRoots() []types.ID {
	roots := make(types.IDSet, len(in.pairs))
	for root := range in.pairs {
		roots.Add(root)
	}
	return roots.Slice()
}

func (in *Inner) candidateDepth() uint64 {
	return in.spawnWeight + in.ctx.Config.CandidateDepth()
}

// spawnLocked turns the leaf held by r into a tentative inner node whose
// first candidate pair hangs off root. The caller holds r.mu.
func (r *Reference) spawnLocked(root types.ID) ([]func(), error) {
	leaf := r.leaf
	if leaf == nil || r.inner != nil {
		return nil, fmt.Errorf("%w: position is not a leaf", types.ErrStaleRouting)
	}
	if leaf.depth >= chain.MaxDepth {
		return nil, fmt.Errorf("%w: chain %s at depth %d", types.ErrMaxDepth, leaf.chainID, leaf.depth)
	}
	weight, ok := leaf.ledger.Weight(root)
	if !ok {
		return nil, fmt.Errorf("%w: spawn root %s", types.ErrUnknownBlock, root)
	}

	mask := chain.NewMask(leaf.depth)
	left, right, migrated := leaf.pool.Split(mask)
	in := &Inner{
		ctx:          leaf.ctx,
		ref:          r,
		wrapped:      leaf,
		mask:         mask,
		spawnWeight:  weight,
		pairs:        make(map[types.ID]*candidatePair),
		leftContent:  left,
		rightContent: right,
		log:          leaf.log.With().Str("role", "inner").Logger(),
	}
	pair, err := in.newPair(root, left.Clone(), right.Clone())
	if err != nil {
		leaf.pool.Merge(left, right)
		return nil, err
	}
	in.pairs[root] = pair
	r.leaf, r.inner = nil, in
	leaf.setWatcher(in)
	in.ctx.Metrics.spawns.Inc()

	in.log.Info().
		Str("root", root.String()).
		Stringer("mask", mask).
		Int("migrated", len(migrated)).
		Strs("children", idStrings(pair.chainIDs())).
		Msg("shard spawned")

	if in.ctx.Index.IsFrontier(root) {
		return in.confirmLocked(pair), nil
	}
	return nil, nil
}

// newPair creates the two child chains of a candidate root.
func (in *Inner) newPair(root types.ID, leftPool, rightPool *chain.Pool) (*candidatePair, error) {
	rootBlock, ok := in.wrapped.ledger.Block(root)
	if !ok {
		return nil, fmt.Errorf("%w: candidate root %s", types.ErrUnknownBlock, root)
	}
	rank := rootBlock.NextRank

	pair := &candidatePair{root: root}
	for _, side := range []struct {
		pool *chain.Pool
		ref  **Reference
	}{{leftPool, &pair.left}, {rightPool, &pair.right}} {
		chainID := types.NewID()
		genesis := types.NewGenesisBlock(chainID, rank, root)
		ledger, err := in.ctx.Ledgers(chainID, genesis)
		if err == nil {
			err = in.ctx.Index.RecordChunk(mempool.NewChunk(genesis, 0))
		}
		if err != nil {
			in.abandonPair(pair)
			return nil, fmt.Errorf("failed to create child chain: %w", err)
		}

		ref := &Reference{}
		ref.leaf = newLeaf(in.ctx, ref, ledger, side.pool, in.wrapped.depth+1, rank, true, true)
		*side.ref = ref
	}
	return pair, nil
}

// abandonPair undoes a partially created pair.
func (in *Inner) abandonPair(pair *candidatePair) {
	for _, ref := range []*Reference{pair.left, pair.right} {
		if ref == nil || ref.leaf == nil {
			continue
		}
		ref.leaf.retire()
		in.ctx.Linearizer.ReportDiscarded(in.ctx.Index.DiscardChain(ref.leaf.chainID)...)
		in.ctx.Linearizer.Discard(ref.leaf.chainID)
	}
}

// route forwards content by the mask: center stays in the wrapped leaf, left
// and right go to the matching child of every pair.
func (in *Inner) route(ops []*types.Operation) error {
	var center, left, right []*types.Operation
	for _, op := range ops {
		switch in.mask.ClassifyOperation(op) {
		case chain.Left:
			left = append(left, op)
		case chain.Right:
			right = append(right, op)
		default:
			center = append(center, op)
		}
	}

	var result *multierror.Error
	if len(center) > 0 {
		if err := in.wrapped.pool.Submit(center...); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if !in.permanent {
		for _, side := range []struct {
			pool *chain.Pool
			ops  []*types.Operation
		}{{in.leftContent, left}, {in.rightContent, right}} {
			if len(side.ops) == 0 {
				continue
			}
			if err := side.pool.Submit(side.ops...); err != nil && !isDuplicate(err) {
				in.log.Warn().Err(err).Int("operations", len(side.ops)).Msg("could not hold content for candidate pairs")
			}
		}
	}
	for _, ref := range in.childRefs() {
		forward := right
		if in.isLeft(ref) {
			forward = left
		}
		if len(forward) == 0 {
			continue
		}
		if err := ref.submit(forward); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// isDuplicate reports whether err only carries already pooled operations.
func isDuplicate(err error) bool {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			if !errors.Is(e, types.ErrDuplicateOperation) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, types.ErrDuplicateOperation)
}

func (in *Inner) isLeft(ref *Reference) bool {
	if in.permanent {
		return in.confirmed.left == ref
	}
	for _, pair := range in.pairs {
		if pair.left == ref {
			return true
		}
	}
	return false
}

// onBlock hedges: every block first reaching the candidate depth on its
// branch becomes the root of a new candidate pair.
func (in *Inner) onBlock(b *types.Block, weight uint64) {
	r := in.ref
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inner != in || in.permanent {
		return
	}
	threshold := in.candidateDepth()
	if weight < threshold {
		return
	}
	if parentWeight, ok := in.wrapped.ledger.Weight(b.Parent); ok && parentWeight >= threshold {
		return
	}
	if _, exists := in.pairs[b.ID]; exists {
		return
	}

	pair, err := in.newPair(b.ID, in.leftContent.Clone(), in.rightContent.Clone())
	if err != nil {
		in.log.Error().Err(err).Str("root", b.ID.String()).Msg("could not create candidate pair")
		return
	}
	in.pairs[b.ID] = pair
	in.log.Info().
		Str("root", b.ID.String()).
		Uint64("weight", weight).
		Int("candidates", len(in.pairs)).
		Msg("candidate pair added")
}

// onFinalized confirms the pair of a finalized candidate root and drops the
// pairs of discarded ones.
func (in *Inner) onFinalized(finalized []*types.Block, discarded []types.ID) {
	r := in.ref
	r.mu.Lock()
	if r.inner != in {
		r.mu.Unlock()
		return
	}

	if len(finalized) > 0 {
		if w, ok := in.wrapped.ledger.Weight(finalized[len(finalized)-1].ID); ok && w > in.finalizedWeight {
			in.finalizedWeight = w
		}
	}

	var actions []func()
	if !in.permanent {
		for _, b := range finalized {
			if pair, ok := in.pairs[b.ID]; ok {
				actions = append(actions, in.confirmLocked(pair)...)
				break
			}
		}
	}
	if !in.permanent {
		for _, id := range discarded {
			if pair, ok := in.pairs[id]; ok {
				delete(in.pairs, id)
				actions = append(actions, in.discardPairLocked(pair)...)
			}
		}
		if len(in.pairs) == 0 && in.finalizedWeight >= in.candidateDepth() {
			actions = append(actions, in.revertLocked()...)
		}
	}
	r.mu.Unlock()

	for _, action := range actions {
		action()
	}
}

// confirmLocked binds the node to pair for good.
func (in *Inner) confirmLocked(pair *candidatePair) []func() {
	delete(in.pairs, pair.root)
	var actions []func()
	for _, root := range in.candidateRoots() {
		actions = append(actions, in.discardPairLocked(in.pairs[root])...)
	}
	in.pairs = nil
	in.permanent = true
	in.confirmed = pair
	in.leftContent, in.rightContent = nil, nil
	in.ctx.Metrics.confirmations.Inc()

	in.log.Info().
		Str("root", pair.root.String()).
		Strs("children", idStrings(pair.chainIDs())).
		Msg("candidate pair confirmed")

	for _, ref := range pair.refs() {
		ref.mu.RLock()
		leaf := ref.leaf
		ref.mu.RUnlock()
		if leaf == nil {
			in.log.Error().Err(types.ErrInvariantViolation).Msg("confirmed child is not a leaf")
			continue
		}
		actions = append(actions, leaf.confirm)
	}
	return actions
}

// discardPairLocked detaches a candidate pair; the returned actions release
// its chains and report them once the lock is dropped.
func (in *Inner) discardPairLocked(pair *candidatePair) []func() {
	var leaves []*Leaf
	for _, ref := range pair.refs() {
		ref.mu.Lock()
		if ref.leaf != nil {
			leaves = append(leaves, ref.leaf)
		} else {
			in.log.Error().Err(types.ErrInvariantViolation).Msg("tentative child is not a leaf")
		}
		ref.mu.Unlock()
	}

	var ids []types.ID
	for _, leaf := range leaves {
		leaf.retire()
		ids = append(ids, leaf.chainID)
	}
	in.ctx.Metrics.discardedChains.Add(float64(len(ids)))
	in.log.Info().Str("root", pair.root.String()).Strs("chains", idStrings(ids)).Msg("candidate pair discarded")

	return []func(){func() {
		for _, id := range ids {
			in.ctx.Linearizer.ReportDiscarded(in.ctx.Index.DiscardChain(id)...)
			in.ctx.Linearizer.Discard(id)
		}
		in.ctx.tree.reportDiscarded(ids)
	}}
}

func idStrings(ids []types.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

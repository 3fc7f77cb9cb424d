package state

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/thrylos-labs/shardtree/chain"
	"github.com/thrylos-labs/shardtree/mempool"
	"github.com/thrylos-labs/shardtree/shared"
	"github.com/thrylos-labs/shardtree/types"
)

// Kind is the state occupying a tree position.
type Kind int

const (
	KindLeaf Kind = iota
	KindTentativeInner
	KindPermanentInner
)

func (k Kind) String() string {
	switch k {
	case KindTentativeInner:
		return "tentative_inner"
	case KindPermanentInner:
		return "permanent_inner"
	default:
		return "leaf"
	}
}

// Reference is the stable handle of a tree position. Parents link to
// References; a reshape replaces what the Reference holds, never the
// Reference itself. Locks are taken parent before child.
type Reference struct {
	mu    sync.RWMutex
	leaf  *Leaf  // set when KindLeaf
	inner *Inner // set otherwise
}

func (r *Reference) Kind() Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kindLocked()
}

func (r *Reference) kindLocked() Kind {
	switch {
	case r.inner == nil:
		return KindLeaf
	case r.inner.permanent:
		return KindPermanentInner
	default:
		return KindTentativeInner
	}
}

// Leaf returns the leaf at this position, or the leaf wrapped by the inner
// node occupying it.
func (r *Reference) Leaf() *Leaf {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.inner != nil {
		return r.inner.wrapped
	}
	return r.leaf
}

// Children returns the child positions: the confirmed pair of a permanent
// inner node, every candidate pair of a tentative one, none for a leaf.
func (r *Reference) Children() []*Reference {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.inner == nil {
		return nil
	}
	return r.inner.childRefs()
}

func (r *Reference) submit(ops []*types.Operation) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.inner != nil {
		return r.inner.route(ops)
	}
	if r.leaf == nil {
		return fmt.Errorf("%w: position has no shard", types.ErrStaleRouting)
	}
	return r.leaf.pool.Submit(ops...)
}

func (r *Reference) deleteContent(ids []types.ID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.inner == nil {
		if r.leaf == nil {
			return 0
		}
		return r.leaf.pool.Delete(ids)
	}
	in := r.inner
	removed := in.wrapped.pool.Delete(ids)
	if in.leftContent != nil {
		in.leftContent.Delete(ids)
		in.rightContent.Delete(ids)
	}
	for _, child := range in.childRefs() {
		removed += child.deleteContent(ids)
	}
	return removed
}

func (r *Reference) storedContent(seen types.IDSet, out []*types.Operation) []*types.Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	collect := func(p *chain.Pool) {
		for _, op := range p.All() {
			if !seen.Has(op.ID) {
				seen.Add(op.ID)
				out = append(out, op)
			}
		}
	}
	if r.inner == nil {
		if r.leaf != nil {
			collect(r.leaf.pool)
		}
		return out
	}
	collect(r.inner.wrapped.pool)
	for _, child := range r.inner.childRefs() {
		out = child.storedContent(seen, out)
	}
	return out
}

// blockWatcher is the inner node wrapping a leaf.
type blockWatcher interface {
	onBlock(b *types.Block, weight uint64)
	onFinalized(finalized []*types.Block, discarded []types.ID)
}

// Leaf is a shard that packs its own pool into blocks of its own chain.
type Leaf struct {
	ctx     *Context
	ref     *Reference
	chainID types.ID
	genesis types.ID
	depth   int
	pool    *chain.Pool
	ledger  shared.Ledger
	window  *LoadWindow

	minRank  *atomic.Uint64
	nextRank *atomic.Uint64

	// finalizeMu orders the leaf's index finalizations. While the chain is
	// tentative its finalized blocks are held back until confirmation.
	finalizeMu sync.Mutex
	tentative  *atomic.Bool
	held       []types.ID
	retired    *atomic.Bool

	watcherMu sync.RWMutex
	watcher   blockWatcher

	log zerolog.Logger
}

func newLeaf(ctx *Context, ref *Reference, ledger shared.Ledger, pool *chain.Pool, depth int, minRank uint64, tentative bool, spawned bool) *Leaf {
	l := &Leaf{
		ctx:       ctx,
		ref:       ref,
		chainID:   ledger.ChainID(),
		genesis:   ledger.Genesis().ID,
		depth:     depth,
		pool:      pool,
		ledger:    ledger,
		window:    NewLoadWindow(ctx.Config),
		minRank:   atomic.NewUint64(minRank),
		nextRank:  atomic.NewUint64(ledger.Genesis().NextRank),
		tentative: atomic.NewBool(tentative),
		retired:   atomic.NewBool(false),
		log: ctx.Log.With().
			Str("component", "shard").
			Str("chain", ledger.ChainID().String()).
			Int("depth", depth).
			Logger(),
	}
	ledger.AttachValidator(l.validate)
	ledger.AttachObserver(l.onBlock)
	ledger.AttachFinalizer(l.onFinalized)

	ctx.Linearizer.Open(l.chainID, tentative, l.NextRank)
	ctx.tree.register(l, spawned)
	return l
}

func (l *Leaf) ChainID() types.ID { return l.chainID }

func (l *Leaf) Depth() int { return l.depth }

func (l *Leaf) Pool() *chain.Pool { return l.pool }

func (l *Leaf) Ledger() shared.Ledger { return l.ledger }

// Tentative reports whether the chain still belongs to an unconfirmed
// candidate pair.
func (l *Leaf) Tentative() bool { return l.tentative.Load() }

func (l *Leaf) setWatcher(w blockWatcher) {
	l.watcherMu.Lock()
	defer l.watcherMu.Unlock()
	l.watcher = w
}

func (l *Leaf) currentWatcher() blockWatcher {
	l.watcherMu.RLock()
	defer l.watcherMu.RUnlock()
	return l.watcher
}

// ShouldSpawn reports whether more than half of the load window is overloaded.
func (l *Leaf) ShouldSpawn() bool {
	return l.window.Overloaded()
}

// ShouldMerge reports whether more than half of the load window is underloaded.
func (l *Leaf) ShouldMerge() bool {
	return l.window.Underloaded()
}

// MinimumRank is the rank floor below which no block of this chain is valid.
func (l *Leaf) MinimumRank() uint64 {
	return l.minRank.Load()
}

// NextRank is a lower bound on the rank of any block this chain finalizes
// from now on.
func (l *Leaf) NextRank() uint64 {
	floor, next := l.minRank.Load(), l.nextRank.Load()
	if next > floor {
		return next
	}
	return floor
}

// RankFromRefs is the highest next rank among the referenced blocks, or the
// rank floor if that is higher.
func (l *Leaf) RankFromRefs(refs []types.ID) uint64 {
	rank := l.MinimumRank()
	for _, id := range refs {
		if b, ok := l.lookupBlock(id); ok && b.NextRank > rank {
			rank = b.NextRank
		}
	}
	return rank
}

func (l *Leaf) lookupBlock(id types.ID) (*types.Block, bool) {
	if b, ok := l.ledger.Block(id); ok {
		return b, true
	}
	return l.ctx.tree.lookupBlock(id)
}

// GenerateContent selects operations for a block building on refs.
func (l *Leaf) GenerateContent(refs []types.ID, usedSpace int) []*types.Operation {
	return l.GenerateBoundedContent(refs, usedSpace, -1)
}

// GenerateBoundedContent is GenerateContent with at most maxCount operations;
// a negative maxCount only applies the throughput budget.
func (l *Leaf) GenerateBoundedContent(refs []types.ID, usedSpace int, maxCount int) []*types.Operation {
	if err := l.ctx.Index.CheckConflicts(refs...); err != nil {
		l.log.Warn().Err(err).Msg("references conflict, no content generated")
		return nil
	}

	count := l.ctx.Clock.Budget(l.ctx.Index.FinalizedOperations(), l.ctx.tree.reachableCount())
	if maxCount >= 0 && (count < 0 || maxCount < count) {
		count = maxCount
	}
	space := l.ctx.Config.SpaceBudget() - usedSpace

	used := l.ctx.Index.AncestryUsed(refs...)
	view := l.ctx.Index.SpendView(refs...)
	return l.pool.Select(used, space, count, func(op *types.Operation) bool {
		for _, in := range op.Inputs {
			if view.Check(in) != nil {
				return true
			}
		}
		return false
	})
}

// ProposeBlock packs a block on top of the heaviest tip, referencing refs
// from other chains, and submits it to the ledger.
func (l *Leaf) ProposeBlock(refs []types.ID, proof shared.Proof) (*types.Block, error) {
	if l.retired.Load() {
		return nil, fmt.Errorf("%w: chain %s left the tree", types.ErrStaleRouting, l.chainID)
	}
	frontier := l.ledger.CurrentFrontier()
	if len(frontier) == 0 {
		return nil, fmt.Errorf("%w: chain %s has no tip", types.ErrUnknownBlock, l.chainID)
	}
	parent := frontier[0]
	previous := append([]types.ID{parent}, refs...)

	proofSize := 0
	if proof != nil {
		proofSize = proof.SerializedSize()
	}
	ops := l.GenerateContent(previous, proofSize)

	b := types.NewBlock(l.chainID, parent, refs, l.RankFromRefs(previous), ops)
	b.ProofSize = proofSize
	if err := l.ledger.SubmitBlock(b); err != nil {
		return nil, err
	}
	return b, nil
}

// validate rejects blocks that break rank ordering or consume content
// already consumed in their unconfirmed ancestry.
func (l *Leaf) validate(b *types.Block) (err error) {
	defer func() {
		if err != nil {
			l.ctx.Metrics.rejectedBlocks.Inc()
		}
	}()

	if l.retired.Load() {
		return fmt.Errorf("%w: chain %s left the tree", types.ErrStaleRouting, l.chainID)
	}
	if b.Rank < l.MinimumRank() {
		return fmt.Errorf("%w: rank %d, minimum %d", types.ErrRankTooLow, b.Rank, l.MinimumRank())
	}

	previous := b.Previous()
	for _, id := range previous {
		if !l.ctx.Index.Has(id) && !l.ctx.Index.IsFrontier(id) {
			return fmt.Errorf("%w: %s", types.ErrUnknownPrevious, id)
		}
		if prev, ok := l.lookupBlock(id); ok && b.Rank < prev.NextRank {
			return fmt.Errorf("%w: rank %d below next rank %d of %s", types.ErrRankTooLow, b.Rank, prev.NextRank, id)
		}
	}
	if err := l.ctx.Index.CheckConflicts(previous...); err != nil {
		return err
	}

	used := l.ctx.Index.AncestryUsed(previous...)
	view := l.ctx.Index.SpendView(previous...)
	var result *multierror.Error
	for _, op := range b.Operations {
		if err := op.Validate(); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if used.Has(op.ID) {
			result = multierror.Append(result, fmt.Errorf("%w: operation %s", types.ErrDoubleSpend, op.ID))
		}
		used.Add(op.ID)
		for _, in := range op.Inputs {
			if err := view.Check(in); err != nil {
				result = multierror.Append(result, err)
			}
		}
		view.Apply(op)
	}
	return result.ErrorOrNil()
}

func (l *Leaf) onBlock(b *types.Block, weight uint64) {
	if l.retired.Load() {
		return
	}
	if err := l.ctx.Index.RecordChunk(mempool.NewChunk(b, weight)); err != nil {
		l.log.Error().Err(err).Str("block", b.ID.String()).Msg("could not record chunk")
	}
	l.window.Record(b.ContentSize())
	l.ctx.Metrics.observedBlocks.Inc()

	if w := l.currentWatcher(); w != nil {
		w.onBlock(b, weight)
	}
}

func (l *Leaf) onFinalized(finalized []*types.Block, discarded []types.ID) {
	if l.retired.Load() {
		return
	}

	if len(discarded) > 0 {
		removed := l.ctx.Index.Discard(discarded)
		l.log.Debug().Int("blocks", len(discarded)).Int("chunks", len(removed)).Msg("fork discarded")
		l.ctx.Linearizer.ReportDiscarded(append(append([]types.ID(nil), discarded...), removed...)...)
	}

	if len(finalized) > 0 {
		ids := make([]types.ID, len(finalized))
		for i, b := range finalized {
			ids[i] = b.ID
		}
		l.finalize(ids)
		raise(l.nextRank, finalized[len(finalized)-1].NextRank)
		raise(l.minRank, finalized[len(finalized)-1].NextRank)
		l.ctx.Linearizer.Push(l.chainID, finalized...)
	}

	if w := l.currentWatcher(); w != nil {
		w.onFinalized(finalized, discarded)
	}
}

func (l *Leaf) finalize(ids []types.ID) {
	l.finalizeMu.Lock()
	defer l.finalizeMu.Unlock()

	if l.tentative.Load() {
		l.held = append(l.held, ids...)
		return
	}
	if err := l.ctx.Index.Finalize(l.ctx.done, ids); err != nil {
		l.log.Error().Err(err).Int("blocks", len(ids)).Msg("finalization deferred")
	}
}

// confirm binds the chain to the tree for good: its genesis and every block
// finalized so far are committed and it becomes deliverable.
func (l *Leaf) confirm() {
	l.finalizeMu.Lock()
	ids := append([]types.ID{l.genesis}, l.held...)
	l.held = nil
	l.tentative.Store(false)
	if err := l.ctx.Index.Finalize(l.ctx.done, ids); err != nil {
		l.log.Error().Err(err).Int("blocks", len(ids)).Msg("finalization deferred")
	}
	l.finalizeMu.Unlock()

	l.ctx.Linearizer.Confirm(l.chainID)
	l.log.Info().Msg("chain confirmed")
}

// retire detaches the leaf from the tree; later ledger events are ignored.
func (l *Leaf) retire() {
	l.retired.Store(true)
	l.setWatcher(nil)
	l.ctx.tree.unregister(l.chainID)
}

func raise(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

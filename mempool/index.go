package mempool

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"

	"github.com/thrylos-labs/shardtree/config"
	"github.com/thrylos-labs/shardtree/shared"
	"github.com/thrylos-labs/shardtree/types"
)

// ConsumedFunc receives the ids of operations included in finalized chunks.
type ConsumedFunc func(used []types.ID)

// Index tracks the chunks of every unconfirmed block across all shard
// chains. Chunks form a DAG through their Previous ids; every previous id is
// either a live chunk or a finalized block of the frontier.
type Index struct {
	mu       sync.RWMutex
	chunks   map[types.ID]*Chunk
	children map[types.ID]types.IDSet
	byChain  map[types.ID]types.IDSet
	frontier *lru.Cache[types.ID, struct{}]

	// finalizeMu serializes Finalize; pending holds the ids of an earlier
	// round whose commit failed.
	finalizeMu sync.Mutex
	pending    []types.ID

	store   shared.ResourceStore
	retries uint64
	backoff time.Duration

	finalizedOps *atomic.Uint64

	subsMu      sync.RWMutex
	subscribers []ConsumedFunc

	metrics *Collector
	log     zerolog.Logger
}

// NewIndex creates an empty index committing finalized resources to store.
func NewIndex(store shared.ResourceStore, cfg *config.Config, metrics *Collector, log zerolog.Logger) (*Index, error) {
	frontier, err := lru.New[types.ID, struct{}](cfg.FrontierCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create frontier cache: %w", err)
	}
	if metrics == nil {
		metrics = NewCollector(nil)
	}
	return &Index{
		chunks:       make(map[types.ID]*Chunk),
		children:     make(map[types.ID]types.IDSet),
		byChain:      make(map[types.ID]types.IDSet),
		frontier:     frontier,
		store:        store,
		retries:      cfg.CommitRetries,
		backoff:      commitBackoff(cfg.CommitBackoff),
		finalizedOps: atomic.NewUint64(0),
		metrics:      metrics,
		log:          log.With().Str("component", "mempool_index").Logger(),
	}, nil
}

// commitBackoff keeps the retry interval positive.
func commitBackoff(d time.Duration) time.Duration {
	if d <= 0 {
		return config.DefaultCommitBackoff
	}
	return d
}

// AddFrontier registers finalized blocks that have no chunk, such as the
// genesis of the root chain.
func (idx *Index) AddFrontier(ids ...types.ID) {
	for _, id := range ids {
		idx.frontier.Add(id, struct{}{})
	}
}

// IsFrontier reports whether id is a known finalized block.
func (idx *Index) IsFrontier(id types.ID) bool {
	return idx.frontier.Contains(id)
}

// Has reports whether a live chunk exists for the block.
func (idx *Index) Has(id types.ID) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.chunks[id]
	return ok
}

// Len returns the number of live chunks.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.chunks)
}

// Subscribe registers fn for content consumed notifications.
func (idx *Index) Subscribe(fn ConsumedFunc) {
	idx.subsMu.Lock()
	defer idx.subsMu.Unlock()
	idx.subscribers = append(idx.subscribers, fn)
}

// FinalizedOperations is the number of operations finalized so far.
func (idx *Index) FinalizedOperations() uint64 {
	return idx.finalizedOps.Load()
}

// RecordChunk adds the chunk of a newly observed block. Recording an already
// live chunk is a no-op.
func (idx *Index) RecordChunk(c *Chunk) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.chunks[c.BlockID]; exists {
		return nil
	}
	for _, prev := range c.Previous {
		if _, live := idx.chunks[prev]; !live && !idx.frontier.Contains(prev) {
			return fmt.Errorf("%w: chunk %s references %s", types.ErrUnknownPrevious, c.BlockID, prev)
		}
	}
	idx.insertLocked(c)
	idx.metrics.liveChunks.Set(float64(len(idx.chunks)))
	return nil
}

func (idx *Index) insertLocked(c *Chunk) {
	idx.chunks[c.BlockID] = c
	for _, prev := range c.Previous {
		kids, ok := idx.children[prev]
		if !ok {
			kids = make(types.IDSet)
			idx.children[prev] = kids
		}
		kids.Add(c.BlockID)
	}
	chain, ok := idx.byChain[c.ChainID]
	if !ok {
		chain = make(types.IDSet)
		idx.byChain[c.ChainID] = chain
	}
	chain.Add(c.BlockID)
}

func (idx *Index) removeLocked(id types.ID) *Chunk {
	c, ok := idx.chunks[id]
	if !ok {
		return nil
	}
	delete(idx.chunks, id)
	for _, prev := range c.Previous {
		if kids, ok := idx.children[prev]; ok {
			delete(kids, id)
			if len(kids) == 0 {
				delete(idx.children, prev)
			}
		}
	}
	if chain, ok := idx.byChain[c.ChainID]; ok {
		delete(chain, id)
		if len(chain) == 0 {
			delete(idx.byChain, c.ChainID)
		}
	}
	return c
}

// walkLocked visits every live chunk reachable from ids (inclusive) once.
func (idx *Index) walkLocked(ids []types.ID, visit func(*Chunk)) {
	visited := make(types.IDSet)
	stack := append([]types.ID(nil), ids...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited.Has(id) {
			continue
		}
		visited.Add(id)

		c, ok := idx.chunks[id]
		if !ok {
			continue
		}
		visit(c)
		stack = append(stack, c.Previous...)
	}
}

// AncestryUsed returns the operations included anywhere in the unconfirmed
// ancestry of ids, ids included.
func (idx *Index) AncestryUsed(ids ...types.ID) types.IDSet {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	used := make(types.IDSet)
	idx.walkLocked(ids, func(c *Chunk) { used.Union(c.Used) })
	return used
}

// AncestrySpent returns the resources consumed anywhere in the unconfirmed
// ancestry of ids, ids included.
func (idx *Index) AncestrySpent(ids ...types.ID) types.IDSet {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	spent := make(types.IDSet)
	idx.walkLocked(ids, func(c *Chunk) { spent.Union(c.Removed) })
	return spent
}

// SpendView is the resource state seen by a block building on a set of
// references: what their unconfirmed ancestry creates and consumes, backed
// by the durable resource table.
type SpendView struct {
	added types.IDSet
	spent types.IDSet
	store shared.ResourceStore
}

// SpendView captures the unconfirmed ancestry of refs.
func (idx *Index) SpendView(refs ...types.ID) *SpendView {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	v := &SpendView{added: make(types.IDSet), spent: make(types.IDSet), store: idx.store}
	idx.walkLocked(refs, func(c *Chunk) {
		for rid := range c.Added {
			v.added.Add(rid)
		}
		v.spent.Union(c.Removed)
	})
	return v
}

// Check fails unless the resource is created in the ancestry or stored in
// the resource table, and is not consumed in the ancestry.
func (v *SpendView) Check(id types.ID) error {
	if v.spent.Has(id) {
		return fmt.Errorf("%w: resource %s", types.ErrDoubleSpend, id)
	}
	if v.added.Has(id) {
		return nil
	}
	ok, err := v.store.Has(id)
	if err != nil {
		return fmt.Errorf("failed to look up resource %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrResourceNotFound, id)
	}
	return nil
}

// Apply records the inputs and outputs of op as seen by later operations.
func (v *SpendView) Apply(op *types.Operation) {
	for _, in := range op.Inputs {
		v.spent.Add(in)
	}
	for _, out := range op.Outputs {
		v.added.Add(out.ID)
	}
}

// ReferencedOutside reports whether a live chunk of some other chain builds
// directly on a live chunk of one of chainIDs.
func (idx *Index) ReferencedOutside(chainIDs ...types.ID) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	inside := types.NewIDSet(chainIDs...)
	for _, chainID := range chainIDs {
		for id := range idx.byChain[chainID] {
			for kid := range idx.children[id] {
				if c, ok := idx.chunks[kid]; ok && !inside.Has(c.ChainID) {
					return true
				}
			}
		}
	}
	return false
}

// CheckConflicts fails with types.ErrDoubleSpend when two chunks of the
// combined ancestry of ids consume the same resource or include the same
// operation.
func (idx *Index) CheckConflicts(ids ...types.ID) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	spentBy := make(map[types.ID]types.ID)
	usedBy := make(map[types.ID]types.ID)
	var conflict error
	idx.walkLocked(ids, func(c *Chunk) {
		if conflict != nil {
			return
		}
		for r := range c.Removed {
			if other, ok := spentBy[r]; ok && other != c.BlockID {
				conflict = fmt.Errorf("%w: resource %s consumed by %s and %s", types.ErrDoubleSpend, r, other, c.BlockID)
				return
			}
			spentBy[r] = c.BlockID
		}
		for op := range c.Used {
			if other, ok := usedBy[op]; ok && other != c.BlockID {
				conflict = fmt.Errorf("%w: operation %s included by %s and %s", types.ErrDoubleSpend, op, other, c.BlockID)
				return
			}
			usedBy[op] = c.BlockID
		}
	})
	return conflict
}

// Discard removes the chunks of ids and of all their live descendants
// without committing anything. It returns the removed ids.
func (idx *Index) Discard(ids []types.ID) []types.ID {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.discardLocked(ids)
}

func (idx *Index) discardLocked(ids []types.ID) []types.ID {
	var removed []types.ID
	stack := append([]types.ID(nil), ids...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		kids := idx.children[id]
		if idx.removeLocked(id) == nil {
			continue
		}
		removed = append(removed, id)
		for kid := range kids {
			stack = append(stack, kid)
		}
	}

	if len(removed) > 0 {
		idx.metrics.discarded.Add(float64(len(removed)))
		idx.metrics.liveChunks.Set(float64(len(idx.chunks)))
		idx.log.Debug().Int("chunks", len(removed)).Msg("chunks discarded")
	}
	return removed
}

// DiscardChain discards every live chunk of a chain and their descendants.
func (idx *Index) DiscardChain(chainID types.ID) []types.ID {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	chain, ok := idx.byChain[chainID]
	if !ok {
		return nil
	}
	return idx.discardLocked(chain.Slice())
}

// Pending returns the number of chunks retained by a failed commit.
func (idx *Index) Pending() int {
	idx.finalizeMu.Lock()
	defer idx.finalizeMu.Unlock()
	return len(idx.pending)
}

// Finalize commits the resources of the given chunks, together with any
// chunks left over by a failed earlier call, in one batch. Only after the
// commit succeeds are the chunks dropped, their ids moved to the frontier
// and consumers notified. On failure everything is kept for the next call
// and an error wrapping types.ErrCommitFailed is returned.
func (idx *Index) Finalize(ctx context.Context, ids []types.ID) error {
	idx.finalizeMu.Lock()
	defer idx.finalizeMu.Unlock()

	round := make([]types.ID, 0, len(idx.pending)+len(ids))
	seen := make(types.IDSet, cap(round))
	for _, id := range append(append([]types.ID(nil), idx.pending...), ids...) {
		if !seen.Has(id) {
			seen.Add(id)
			round = append(round, id)
		}
	}

	added := make(map[types.ID]types.Resource)
	removed := make(types.IDSet)
	var used []types.ID
	var batch []types.ID

	idx.mu.RLock()
	for _, id := range round {
		c, ok := idx.chunks[id]
		if !ok {
			continue
		}
		batch = append(batch, id)
		for rid, r := range c.Added {
			added[rid] = r
		}
		removed.Union(c.Removed)
		used = append(used, c.Used.Slice()...)
	}
	idx.mu.RUnlock()

	// Resources created and consumed within the round never reach the table.
	for rid := range removed {
		if _, ok := added[rid]; ok {
			delete(added, rid)
			delete(removed, rid)
		}
	}

	if err := idx.commit(ctx, added, removed.Slice()); err != nil {
		idx.pending = batch
		idx.log.Warn().Err(err).Int("chunks", len(batch)).Msg("finalized chunks retained after failed commit")
		return fmt.Errorf("%w: %w", types.ErrCommitFailed, err)
	}
	idx.pending = nil

	idx.mu.Lock()
	for _, id := range batch {
		idx.removeLocked(id)
	}
	for _, id := range round {
		idx.frontier.Add(id, struct{}{})
	}
	idx.metrics.liveChunks.Set(float64(len(idx.chunks)))
	idx.mu.Unlock()

	idx.finalizedOps.Add(uint64(len(used)))
	idx.metrics.finalizedOps.Add(float64(len(used)))
	idx.metrics.finalizedRound.Inc()
	idx.log.Debug().
		Int("chunks", len(batch)).
		Int("added", len(added)).
		Int("removed", len(removed)).
		Int("operations", len(used)).
		Msg("chunks finalized")

	if len(used) > 0 {
		idx.subsMu.RLock()
		subscribers := append([]ConsumedFunc(nil), idx.subscribers...)
		idx.subsMu.RUnlock()
		for _, fn := range subscribers {
			fn(used)
		}
	}
	return nil
}

func (idx *Index) commit(ctx context.Context, added map[types.ID]types.Resource, removed []types.ID) error {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	backoff := retry.WithMaxRetries(idx.retries, retry.NewConstant(idx.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := idx.store.Commit(added, removed); err != nil {
			idx.metrics.commitFailures.Inc()
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Snapshot encodes every live chunk.
func (idx *Index) Snapshot() ([][]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids := make(types.IDSet, len(idx.chunks))
	for id := range idx.chunks {
		ids.Add(id)
	}
	records := make([][]byte, 0, len(ids))
	for _, id := range ids.Slice() {
		data, err := EncodeChunk(idx.chunks[id])
		if err != nil {
			return nil, err
		}
		records = append(records, data)
	}
	return records, nil
}

// Replay restores chunks from encoded records in any order. If any record
// fails to decode, is not a chunk, or references a block that is neither
// replayed, live nor frontier, the index is left unchanged.
func (idx *Index) Replay(records [][]byte) error {
	decoded := make(map[types.ID]*Chunk, len(records))
	for i, data := range records {
		c, err := DecodeChunk(data)
		if err != nil {
			return fmt.Errorf("replay record %d: %w", i, err)
		}
		decoded[c.BlockID] = c
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, c := range decoded {
		for _, prev := range c.Previous {
			_, replayed := decoded[prev]
			_, live := idx.chunks[prev]
			if !replayed && !live && !idx.frontier.Contains(prev) {
				return fmt.Errorf("replay chunk %s: %w: %s", c.BlockID, types.ErrUnknownPrevious, prev)
			}
		}
	}
	restored := 0
	for id, c := range decoded {
		if _, exists := idx.chunks[id]; exists {
			continue
		}
		idx.insertLocked(c)
		restored++
	}
	idx.metrics.liveChunks.Set(float64(len(idx.chunks)))
	idx.log.Info().Int("chunks", restored).Msg("index replayed")
	return nil
}

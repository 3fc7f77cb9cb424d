package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"

	"github.com/thrylos-labs/shardtree/chain"
	"github.com/thrylos-labs/shardtree/config"
	"github.com/thrylos-labs/shardtree/mempool"
	"github.com/thrylos-labs/shardtree/shared"
	"github.com/thrylos-labs/shardtree/types"
	"github.com/thrylos-labs/shardtree/utils"
)

// Tree is the root of the shard tree. It owns the top-level position, keeps
// the registry of reachable chains and fans finalization out to the pools.
type Tree struct {
	ctx       *Context
	root      *Reference
	rootChain types.ID
	cancel    context.CancelFunc

	mu          sync.RWMutex
	leaves      map[types.ID]*Leaf
	spawned     types.IDSet
	reported    types.IDSet
	discardSubs []func([]types.ID)

	log zerolog.Logger
}

type treeOptions struct {
	log     zerolog.Logger
	metrics *Collector
	genesis *types.Block
}

type TreeOption func(*treeOptions)

func WithTreeLogger(log zerolog.Logger) TreeOption {
	return func(o *treeOptions) { o.log = log }
}

func WithTreeMetrics(metrics *Collector) TreeOption {
	return func(o *treeOptions) { o.metrics = metrics }
}

// WithGenesis sets the genesis block of the root chain.
func WithGenesis(genesis *types.Block) TreeOption {
	return func(o *treeOptions) { o.genesis = genesis }
}

// NewTree creates a tree made of a single root leaf.
func NewTree(cfg *config.Config, index *mempool.Index, ledgers shared.LedgerFactory, opts ...TreeOption) (*Tree, error) {
	o := treeOptions{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewCollector(nil)
	}
	if o.genesis == nil {
		o.genesis = types.NewGenesisBlock(types.NewID(), 0)
	}

	linearizer, err := NewLinearizer(cfg.DeliveredCacheSize, o.metrics, o.log)
	if err != nil {
		return nil, err
	}
	done, cancel := context.WithCancel(context.Background())
	t := &Tree{
		root:      &Reference{},
		rootChain: o.genesis.ChainID,
		cancel:    cancel,
		leaves:    make(map[types.ID]*Leaf),
		spawned:   make(types.IDSet),
		reported:  make(types.IDSet),
		log:       o.log.With().Str("component", "tree").Logger(),
	}
	t.ctx = &Context{
		Config:     cfg,
		Index:      index,
		Ledgers:    ledgers,
		Linearizer: linearizer,
		Clock:      utils.NewThroughputClock(cfg.StartTime, cfg.MaxThresholdThroughput),
		Metrics:    o.metrics,
		Log:        o.log,
		done:       done,
		tree:       t,
	}

	ledger, err := ledgers(o.genesis.ChainID, o.genesis)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create root ledger: %w", err)
	}
	index.AddFrontier(o.genesis.ID)
	t.root.leaf = newLeaf(t.ctx, t.root, ledger, chain.NewPool(poolOptions(cfg, o.log)...), 0, o.genesis.Rank, false, false)

	index.Subscribe(func(used []types.ID) { t.DeleteContent(used) })
	t.log.Info().Str("root_chain", t.rootChain.String()).Msg("shard tree created")
	return t, nil
}

func poolOptions(cfg *config.Config, log zerolog.Logger) []chain.PoolOption {
	opts := []chain.PoolOption{chain.WithLogger(log.With().Str("component", "pool").Logger())}
	if cfg.UseRandomTransactionAllocation {
		opts = append(opts, chain.WithRandomAllocation(cfg.RandomSeed))
	}
	return opts
}

// Close stops pending finalization retries.
func (t *Tree) Close() {
	t.cancel()
}

func (t *Tree) Context() *Context { return t.ctx }

func (t *Tree) Root() *Reference { return t.root }

func (t *Tree) RootChain() types.ID { return t.rootChain }

// SubmitContent routes operations from the root down to the pools. Invalid
// operations are rejected; the valid ones are routed regardless.
func (t *Tree) SubmitContent(ops ...*types.Operation) error {
	var result *multierror.Error
	valid := make([]*types.Operation, 0, len(ops))
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		valid = append(valid, op)
	}
	if len(valid) > 0 {
		if err := t.root.submit(valid); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// DeleteContent removes the operations from every reachable pool.
func (t *Tree) DeleteContent(ids []types.ID) int {
	if len(ids) == 0 {
		return 0
	}
	return t.root.deleteContent(ids)
}

// StoredContent returns every pooled operation once, top-down.
func (t *Tree) StoredContent() []*types.Operation {
	return t.root.storedContent(make(types.IDSet), nil)
}

// Leaf returns the leaf of a reachable chain.
func (t *Tree) Leaf(chainID types.ID) (*Leaf, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	leaf, ok := t.leaves[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownChain, chainID)
	}
	return leaf, nil
}

func (t *Tree) GenerateContent(chainID types.ID, refs []types.ID, usedSpace int) ([]*types.Operation, error) {
	leaf, err := t.Leaf(chainID)
	if err != nil {
		return nil, err
	}
	return leaf.GenerateContent(refs, usedSpace), nil
}

func (t *Tree) GenerateBoundedContent(chainID types.ID, refs []types.ID, usedSpace, maxCount int) ([]*types.Operation, error) {
	leaf, err := t.Leaf(chainID)
	if err != nil {
		return nil, err
	}
	return leaf.GenerateBoundedContent(refs, usedSpace, maxCount), nil
}

func (t *Tree) ProposeBlock(chainID types.ID, refs []types.ID, proof shared.Proof) (*types.Block, error) {
	leaf, err := t.Leaf(chainID)
	if err != nil {
		return nil, err
	}
	return leaf.ProposeBlock(refs, proof)
}

// Spawn splits the leaf of chainID at its heaviest tip.
func (t *Tree) Spawn(chainID types.ID) error {
	leaf, err := t.Leaf(chainID)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrStaleRouting, err)
	}
	frontier := leaf.ledger.CurrentFrontier()
	if len(frontier) == 0 {
		return fmt.Errorf("%w: chain %s has no tip", types.ErrUnknownBlock, chainID)
	}
	return t.spawnAt(leaf, frontier[0])
}

func (t *Tree) spawnAt(leaf *Leaf, root types.ID) error {
	r := leaf.ref
	r.mu.Lock()
	if r.leaf != leaf || leaf.Tentative() {
		r.mu.Unlock()
		return fmt.Errorf("%w: chain %s cannot spawn in its current state", types.ErrStaleRouting, leaf.chainID)
	}
	actions, err := r.spawnLocked(root)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	t.refreshDepth()
	for _, action := range actions {
		action()
	}
	return nil
}

// Merge folds the children of the inner node wrapping chainID back into it,
// regardless of load.
func (t *Tree) Merge(chainID types.ID) error {
	_, err := t.merge(chainID, true)
	return err
}

func (t *Tree) merge(chainID types.ID, force bool) (bool, error) {
	leaf, err := t.Leaf(chainID)
	if err != nil {
		return false, fmt.Errorf("%w: %w", types.ErrStaleRouting, err)
	}
	r := leaf.ref
	r.mu.Lock()
	if r.inner == nil || r.inner.wrapped != leaf {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: chain %s does not wrap an inner node", types.ErrStaleRouting, chainID)
	}
	actions, merged, err := r.inner.mergeLocked(force)
	r.mu.Unlock()

	for _, action := range actions {
		action()
	}
	return merged, err
}

// Evaluate runs one spawn/merge round over every reachable chain and returns
// how many spawns and merges happened.
func (t *Tree) Evaluate() (spawned, merged int) {
	t.retryFinalization()
	for _, chainID := range t.ReachableChains() {
		s, m := t.EvaluateChain(chainID)
		if s {
			spawned++
		}
		if m {
			merged++
		}
	}
	return spawned, merged
}

// EvaluateChain spawns an overloaded leaf or merges the underloaded
// subtree of an inner node wrapping chainID.
func (t *Tree) EvaluateChain(chainID types.ID) (spawned, merged bool) {
	leaf, err := t.Leaf(chainID)
	if err != nil {
		return false, false
	}

	switch leaf.ref.Kind() {
	case KindLeaf:
		if leaf.Tentative() || !leaf.ShouldSpawn() {
			return false, false
		}
		if err := t.Spawn(chainID); err != nil {
			t.log.Warn().Err(err).Str("chain", chainID.String()).Msg("spawn skipped")
			return false, false
		}
		return true, false
	default:
		if !leaf.ShouldMerge() {
			return false, false
		}
		ok, err := t.merge(chainID, false)
		if err != nil {
			t.log.Warn().Err(err).Str("chain", chainID.String()).Msg("merge skipped")
		}
		return false, ok
	}
}

func (t *Tree) retryFinalization() {
	if t.ctx.Index.Pending() == 0 {
		return
	}
	if err := t.ctx.Index.Finalize(t.ctx.done, nil); err != nil {
		t.log.Error().Err(err).Msg("finalization retry failed")
	}
}

// ReachableChains returns the chain ids of every reachable shard.
func (t *Tree) ReachableChains() []types.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return types.SortIDs(maps.Keys(t.leaves))
}

// NumSpawnedChains is the number of reachable chains created by spawns.
func (t *Tree) NumSpawnedChains() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.spawned)
}

// SpawnedChains returns the reachable chains created by spawns.
func (t *Tree) SpawnedChains() []types.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.spawned.Slice()
}

// Subscribe registers fn for linearized finalized blocks notifications.
func (t *Tree) Subscribe(fn func(types.FinalizedBlocks)) {
	t.ctx.Linearizer.Subscribe(fn)
}

// OnChainsDiscarded registers fn for chains that left the tree with a
// discarded candidate pair. Every chain id is reported once.
func (t *Tree) OnChainsDiscarded(fn func([]types.ID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discardSubs = append(t.discardSubs, fn)
}

func (t *Tree) register(leaf *Leaf, spawned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaves[leaf.chainID] = leaf
	if spawned {
		t.spawned.Add(leaf.chainID)
	}
	t.ctx.Metrics.reachableChains.Set(float64(len(t.leaves)))
}

func (t *Tree) unregister(chainID types.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.leaves, chainID)
	delete(t.spawned, chainID)
	t.ctx.Metrics.reachableChains.Set(float64(len(t.leaves)))
}

func (t *Tree) reportDiscarded(ids []types.ID) {
	t.mu.Lock()
	var fresh []types.ID
	for _, id := range ids {
		if !t.reported.Has(id) {
			t.reported.Add(id)
			fresh = append(fresh, id)
		}
	}
	subs := append([]func([]types.ID){}, t.discardSubs...)
	t.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	t.log.Info().Strs("chains", idStrings(fresh)).Msg("chains discarded")
	for _, fn := range subs {
		fn(fresh)
	}
}

func (t *Tree) refreshDepth() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	depth := 0
	for _, leaf := range t.leaves {
		if leaf.depth > depth {
			depth = leaf.depth
		}
	}
	t.ctx.Metrics.treeDepth.Set(float64(depth))
}

func (t *Tree) lookupBlock(id types.ID) (*types.Block, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, leaf := range t.leaves {
		if b, ok := leaf.ledger.Block(id); ok {
			return b, true
		}
	}
	return nil, false
}

func (t *Tree) reachableCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.leaves)
}

// ShardStatus describes one reachable shard.
type ShardStatus struct {
	ChainID   types.ID `json:"chainId"`
	Depth     int      `json:"depth"`
	Kind      string   `json:"kind"`
	Tentative bool     `json:"tentative"`
	PoolSize  int      `json:"poolSize"`
	NextRank  uint64   `json:"nextRank"`
}

// Shards describes every reachable shard, ordered by chain id.
func (t *Tree) Shards() []ShardStatus {
	var out []ShardStatus
	for _, id := range t.ReachableChains() {
		leaf, err := t.Leaf(id)
		if err != nil {
			continue
		}
		out = append(out, ShardStatus{
			ChainID:   id,
			Depth:     leaf.depth,
			Kind:      leaf.ref.Kind().String(),
			Tentative: leaf.Tentative(),
			PoolSize:  leaf.pool.Size(),
			NextRank:  leaf.NextRank(),
		})
	}
	return out
}

package chain

import (
	"container/list"
	"fmt"
	"math/rand"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/exp/slices"

	"github.com/thrylos-labs/shardtree/config"
	"github.com/thrylos-labs/shardtree/types"
)

// Holds pending operations of one shard before they're added to blocks.
// Pool order is arrival order, tracked by a sequencer shared between a pool
// and every pool split from or merged into it, so that splitting and merging
// back restores the original order.
type Pool struct {
	mu      sync.RWMutex
	entries map[types.ID]*list.Element
	order   *list.List

	seq *atomic.Uint64

	randMu sync.Mutex
	random *rand.Rand // nil in deterministic mode
	seed   int64

	log zerolog.Logger
}

type poolEntry struct {
	seq uint64
	op  *types.Operation
}

// PoolOption configures a Pool at construction time.
type PoolOption func(*Pool)

// WithRandomAllocation switches Select to random sampling seeded by seed.
func WithRandomAllocation(seed int64) PoolOption {
	return func(p *Pool) {
		p.seed = seed
		p.random = rand.New(rand.NewSource(seed))
	}
}

// WithLogger sets the pool logger.
func WithLogger(log zerolog.Logger) PoolOption {
	return func(p *Pool) {
		p.log = log
	}
}

// NewPool creates an empty pool with its own sequencer.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		entries: make(map[types.ID]*list.Element),
		order:   list.New(),
		seq:     atomic.NewUint64(0),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// sibling creates an empty pool sharing p's sequencer and allocation mode.
func (p *Pool) sibling() *Pool {
	s := &Pool{
		entries: make(map[types.ID]*list.Element),
		order:   list.New(),
		seq:     p.seq,
		seed:    p.seed,
		log:     p.log,
	}
	if p.random != nil {
		s.seed = p.seed + int64(p.seq.Load())
		s.random = rand.New(rand.NewSource(s.seed))
	}
	return s
}

// Submit adds operations to the pool. Invalid and duplicate operations are
// rejected; the valid ones of a batch are admitted regardless.
func (p *Pool) Submit(ops ...*types.Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result *multierror.Error
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if _, exists := p.entries[op.ID]; exists {
			result = multierror.Append(result, fmt.Errorf("%w: %s", types.ErrDuplicateOperation, op.ID))
			continue
		}
		p.entries[op.ID] = p.order.PushBack(&poolEntry{seq: p.seq.Inc(), op: op})
	}

	p.log.Debug().Int("submitted", len(ops)).Int("size", p.order.Len()).Msg("operations submitted")
	return result.ErrorOrNil()
}

// Delete removes the given ids and returns how many were pooled.
func (p *Pool) Delete(ids []types.ID) int {
	if len(ids) == 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleteLocked(ids)
}

func (p *Pool) deleteLocked(ids []types.ID) int {
	removed := 0
	for _, id := range ids {
		if element, exists := p.entries[id]; exists {
			p.order.Remove(element)
			delete(p.entries, id)
			removed++
		}
	}
	return removed
}

// Has reports whether the operation is pooled.
func (p *Pool) Has(id types.ID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[id]
	return ok
}

// Size returns the number of pooled operations.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.order.Len()
}

// All returns the pooled operations in pool order.
func (p *Pool) All() []*types.Operation {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ops := make([]*types.Operation, 0, p.order.Len())
	for e := p.order.Front(); e != nil; e = e.Next() {
		ops = append(ops, e.Value.(*poolEntry).op)
	}
	return ops
}

// Select picks operations for a block. Excluded ids and operations rejected
// by reject are skipped, as are operations consuming an input already
// consumed by a selected operation. Selection stops once the space budget or
// the count budget is exhausted; a negative count budget is unbounded.
func (p *Pool) Select(excluded types.IDSet, spaceBudget, countBudget int, reject func(*types.Operation) bool) []*types.Operation {
	p.mu.RLock()
	defer p.mu.RUnlock()

	candidates := p.candidatesLocked()
	selected := make([]*types.Operation, 0)
	consumed := make(types.IDSet)

	for _, op := range candidates {
		if spaceBudget <= 0 || countBudget == 0 {
			break
		}
		if excluded.Has(op.ID) || op.SerializedSize() > spaceBudget {
			continue
		}
		if reject != nil && reject(op) {
			continue
		}
		if conflictsWith(op, consumed) {
			continue
		}

		for _, in := range op.Inputs {
			consumed.Add(in)
		}
		selected = append(selected, op)
		spaceBudget -= op.SerializedSize()
		if countBudget > 0 {
			countBudget--
		}
	}
	return selected
}

// candidatesLocked returns the walk order of Select: pool order in
// deterministic mode, a random permutation of a capped prefix otherwise.
func (p *Pool) candidatesLocked() []*types.Operation {
	if p.random == nil {
		ops := make([]*types.Operation, 0, p.order.Len())
		for e := p.order.Front(); e != nil; e = e.Next() {
			ops = append(ops, e.Value.(*poolEntry).op)
		}
		return ops
	}

	prefix := make([]*types.Operation, 0, config.RandomSampleCap)
	for e := p.order.Front(); e != nil && len(prefix) < config.RandomSampleCap; e = e.Next() {
		prefix = append(prefix, e.Value.(*poolEntry).op)
	}

	p.randMu.Lock()
	p.random.Shuffle(len(prefix), func(i, j int) { prefix[i], prefix[j] = prefix[j], prefix[i] })
	p.randMu.Unlock()
	return prefix
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func conflictsWith(op *types.Operation, consumed types.IDSet) bool {
	for _, in := range op.Inputs {
		if consumed.Has(in) {
			return true
		}
	}
	return false
}

// Split moves the operations the mask routes left or right into two new
// pools and returns the migrated ids. Classification and removal happen
// under one held write lock, so a concurrent submission lands either in the
// remainder or in one of the new pools.
func (p *Pool) Split(mask Mask) (left, right *Pool, migrated []types.ID) {
	left, right = p.sibling(), p.sibling()

	p.mu.Lock()
	defer p.mu.Unlock()

	for e := p.order.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*poolEntry)
		switch mask.ClassifyOperation(entry.op) {
		case Left:
			left.appendEntry(entry)
		case Right:
			right.appendEntry(entry)
		default:
			continue
		}
		migrated = append(migrated, entry.op.ID)
	}
	p.deleteLocked(migrated)

	p.log.Debug().
		Stringer("mask", mask).
		Int("left", left.order.Len()).
		Int("right", right.order.Len()).
		Int("remainder", p.order.Len()).
		Msg("pool split")
	return left, right, migrated
}

// appendEntry is only used on pools not yet visible to other goroutines.
func (p *Pool) appendEntry(entry *poolEntry) {
	p.entries[entry.op.ID] = p.order.PushBack(&poolEntry{seq: entry.seq, op: entry.op})
}

func (p *Pool) snapshot() []*poolEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*poolEntry, 0, p.order.Len())
	for e := p.order.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*poolEntry)
		entries = append(entries, &poolEntry{seq: entry.seq, op: entry.op})
	}
	return entries
}

// Merge folds the content of others into p, keeping arrival order.
// Operations already pooled are not duplicated. Others are left untouched;
// their locks are never held together with p's.
func (p *Pool) Merge(others ...*Pool) {
	var incoming []*poolEntry
	for _, other := range others {
		if other == nil || other == p {
			continue
		}
		incoming = append(incoming, other.snapshot()...)
	}
	if len(incoming) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	all := make([]*poolEntry, 0, p.order.Len()+len(incoming))
	for e := p.order.Front(); e != nil; e = e.Next() {
		all = append(all, e.Value.(*poolEntry))
	}
	for _, entry := range incoming {
		if _, exists := p.entries[entry.op.ID]; exists {
			continue
		}
		p.entries[entry.op.ID] = nil
		all = append(all, entry)
	}
	slices.SortStableFunc(all, func(a, b *poolEntry) int { return compareUint64(a.seq, b.seq) })

	p.order.Init()
	for _, entry := range all {
		p.entries[entry.op.ID] = p.order.PushBack(entry)
	}
}

// Clone returns a copy of the pool sharing its sequencer.
func (p *Pool) Clone() *Pool {
	c := p.sibling()
	for _, entry := range p.snapshot() {
		c.appendEntry(entry)
	}
	return c
}

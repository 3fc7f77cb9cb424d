package state

import (
	"fmt"
	"sync"

	"github.com/ef-ds/deque"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/thrylos-labs/shardtree/types"
)

type chainStatus int

const (
	chainTentative chainStatus = iota
	chainConfirmed
	chainClosed
)

// RankBound returns a rank no future finalized block of a chain goes below.
type RankBound func() uint64

type linearChain struct {
	id     types.ID
	status chainStatus
	queue  deque.Deque
	bound  RankBound
}

func (c *linearChain) head() (*types.Block, bool) {
	v, ok := c.queue.Front()
	if !ok {
		return nil, false
	}
	return v.(*types.Block), true
}

// precedes orders blocks by (rank, chain id).
func precedes(rank uint64, chainID types.ID, other *types.Block) bool {
	if rank != other.Rank {
		return rank < other.Rank
	}
	return types.CompareIDs(chainID, other.ChainID) < 0
}

// Linearizer interleaves the finalized block sequences of all reachable
// chains into one delivery order by (rank, chain id). A queued block is
// delivered once no open chain can still finalize a block ordered before it.
// Tentative chains hold delivery back but are only delivered once confirmed.
type Linearizer struct {
	mu        sync.Mutex
	chains    map[types.ID]*linearChain
	delivered *lru.Cache[types.ID, struct{}]
	discarded []types.ID
	pending   types.IDSet

	subscribers []func(types.FinalizedBlocks)
	metrics     *Collector
	log         zerolog.Logger
}

func NewLinearizer(deliveredCacheSize int, metrics *Collector, log zerolog.Logger) (*Linearizer, error) {
	delivered, err := lru.New[types.ID, struct{}](deliveredCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivered cache: %w", err)
	}
	if metrics == nil {
		metrics = NewCollector(nil)
	}
	return &Linearizer{
		chains:    make(map[types.ID]*linearChain),
		delivered: delivered,
		metrics:   metrics,
		log:       log.With().Str("component", "linearizer").Logger(),
	}, nil
}

// Subscribe registers fn for finalized blocks notifications. fn runs with
// the linearizer locked and must not call back into it.
func (l *Linearizer) Subscribe(fn func(types.FinalizedBlocks)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// Open starts tracking a chain.
func (l *Linearizer) Open(chainID types.ID, tentative bool, bound RankBound) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.chains[chainID]; exists {
		return
	}
	status := chainConfirmed
	if tentative {
		status = chainTentative
	}
	l.chains[chainID] = &linearChain{id: chainID, status: status, bound: bound}
	l.flushLocked()
}

// Confirm makes a tentative chain deliverable.
func (l *Linearizer) Confirm(chainID types.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.chains[chainID]; ok && c.status == chainTentative {
		c.status = chainConfirmed
	}
	l.flushLocked()
}

// Push queues finalized blocks of a chain, in chain order.
func (l *Linearizer) Push(chainID types.ID, blocks ...*types.Block) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.chains[chainID]
	if !ok {
		l.log.Warn().Str("chain", chainID.String()).Int("blocks", len(blocks)).Msg("finalized blocks for an untracked chain dropped")
		return
	}
	for _, b := range blocks {
		c.queue.PushBack(b)
	}
	l.flushLocked()
}

// Discard drops a chain; its queued blocks are reported as discarded.
func (l *Linearizer) Discard(chainID types.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.chains[chainID]
	if !ok {
		return
	}
	for {
		v, ok := c.queue.PopFront()
		if !ok {
			break
		}
		l.discardLocked(v.(*types.Block).ID)
	}
	delete(l.chains, chainID)
	l.flushLocked()
}

// Close stops a chain from receiving blocks. Its queue still drains.
func (l *Linearizer) Close(chainID types.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.chains[chainID]; ok {
		c.status = chainClosed
		if c.queue.Len() == 0 {
			delete(l.chains, chainID)
		}
	}
	l.flushLocked()
}

// ReportDiscarded adds blocks that lost a fork to the next notification.
func (l *Linearizer) ReportDiscarded(ids ...types.ID) {
	if len(ids) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		l.discardLocked(id)
	}
	l.flushLocked()
}

func (l *Linearizer) discardLocked(id types.ID) {
	if l.pending == nil {
		l.pending = make(types.IDSet)
	}
	if l.pending.Has(id) {
		return
	}
	l.pending.Add(id)
	l.discarded = append(l.discarded, id)
}

// Pending returns the number of queued, undelivered blocks.
func (l *Linearizer) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, c := range l.chains {
		n += c.queue.Len()
	}
	return n
}

func (l *Linearizer) flushLocked() {
	var out []types.ID
	for {
		c, b := l.nextLocked()
		if b == nil {
			break
		}
		c.queue.PopFront()
		if c.status == chainClosed && c.queue.Len() == 0 {
			delete(l.chains, c.id)
		}
		if l.delivered.Contains(b.ID) {
			continue
		}
		l.delivered.Add(b.ID, struct{}{})
		out = append(out, b.ID)
	}

	if len(out) == 0 && len(l.discarded) == 0 {
		return
	}
	notification := types.FinalizedBlocks{Blocks: out, Discarded: l.discarded}
	l.discarded, l.pending = nil, nil
	l.metrics.delivered.Add(float64(len(out)))

	for _, fn := range l.subscribers {
		fn(notification)
	}
}

// nextLocked returns the deliverable block, if any.
func (l *Linearizer) nextLocked() (*linearChain, *types.Block) {
	var best *linearChain
	var head *types.Block
	for _, c := range l.chains {
		if c.status == chainTentative {
			continue
		}
		b, ok := c.head()
		if !ok {
			continue
		}
		if head == nil || precedes(b.Rank, b.ChainID, head) {
			best, head = c, b
		}
	}
	if head == nil {
		return nil, nil
	}

	for _, c := range l.chains {
		if c == best {
			continue
		}
		if b, ok := c.head(); ok {
			if precedes(b.Rank, b.ChainID, head) {
				return nil, nil
			}
			continue
		}
		if c.status == chainClosed {
			continue
		}
		if c.bound == nil || !precedes(head.Rank, head.ChainID, &types.Block{Rank: c.bound(), ChainID: c.id}) {
			return nil, nil
		}
	}
	return best, head
}

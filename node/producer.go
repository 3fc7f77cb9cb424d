package node

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/thrylos-labs/shardtree/state"
)

// Producer proposes a block on every reachable chain at a fixed interval,
// empty when the chain has nothing pooled, so idle chains keep advancing
// their rank. It stands in for the election layer when running a single
// development node.
type Producer struct {
	tree        *state.Tree
	interval    time.Duration
	isProducing *atomic.Bool

	mu            sync.RWMutex
	lastBlockTime time.Time
	produced      *atomic.Uint64

	stop    context.CancelFunc
	stopped chan struct{}

	log zerolog.Logger
}

func NewProducer(tree *state.Tree, interval time.Duration, log zerolog.Logger) *Producer {
	return &Producer{
		tree:          tree,
		interval:      interval,
		isProducing:   atomic.NewBool(false),
		lastBlockTime: time.Now(),
		produced:      atomic.NewUint64(0),
		log:           log.With().Str("component", "producer").Logger(),
	}
}

func (p *Producer) Start(ctx context.Context) {
	p.log.Info().Dur("interval", p.interval).Msg("starting block producer")

	ctx, p.stop = context.WithCancel(ctx)
	p.stopped = make(chan struct{})
	go func() {
		defer close(p.stopped)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.TryProduce()
			}
		}
	}()
}

// TryProduce runs one production round and returns the number of blocks
// proposed. Concurrent rounds are skipped.
func (p *Producer) TryProduce() int {
	if !p.isProducing.CompareAndSwap(false, true) {
		return 0
	}
	defer p.isProducing.Store(false)

	count := 0
	for _, chainID := range p.tree.ReachableChains() {
		b, err := p.tree.ProposeBlock(chainID, nil, nil)
		if err != nil {
			p.log.Warn().Err(err).Str("chain", chainID.String()).Msg("error creating new block")
			continue
		}
		count++
		p.log.Debug().
			Str("chain", chainID.String()).
			Str("block", b.ID.String()).
			Int("operations", len(b.Operations)).
			Msg("block proposed")
	}

	if count > 0 {
		p.mu.Lock()
		p.lastBlockTime = time.Now()
		p.mu.Unlock()
		p.produced.Add(uint64(count))
	}
	return count
}

// Produced is the number of blocks proposed so far.
func (p *Producer) Produced() uint64 {
	return p.produced.Load()
}

// LastBlockTime is when the last round proposed a block.
func (p *Producer) LastBlockTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastBlockTime
}

func (p *Producer) Stop() {
	if p.stop != nil {
		p.stop()
		<-p.stopped
		p.stop = nil
	}
	p.log.Info().Uint64("blocks", p.Produced()).Msg("block producer stopped")
}

package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"
	"github.com/stathat/consistent"

	"github.com/thrylos-labs/shardtree/types"
)

// laneRing assigns chains to evaluator lanes. A chain always lands on the
// same lane, so evaluations of one chain never run concurrently.
type laneRing struct {
	*consistent.Consistent
}

func newLaneRing(lanes int) *laneRing {
	c := consistent.New()
	for i := 0; i < lanes; i++ {
		c.Add(laneName(i))
	}
	return &laneRing{c}
}

func laneName(i int) string {
	return fmt.Sprintf("lane-%d", i)
}

func (r *laneRing) lane(chainID types.ID) string {
	lane, err := r.Get(chainID.String())
	if err != nil {
		return laneName(0)
	}
	return lane
}

// Evaluator periodically checks every reachable shard for overload and
// underload and spawns or merges accordingly.
type Evaluator struct {
	tree     *Tree
	interval time.Duration
	ring     *laneRing
	lanes    map[string]*workerpool.WorkerPool

	mu      sync.Mutex
	stop    context.CancelFunc
	stopped chan struct{}

	log zerolog.Logger
}

func NewEvaluator(tree *Tree, interval time.Duration, lanes int, log zerolog.Logger) *Evaluator {
	if lanes < 1 {
		lanes = 1
	}
	e := &Evaluator{
		tree:     tree,
		interval: interval,
		ring:     newLaneRing(lanes),
		lanes:    make(map[string]*workerpool.WorkerPool, lanes),
		log:      log.With().Str("component", "evaluator").Logger(),
	}
	for i := 0; i < lanes; i++ {
		e.lanes[laneName(i)] = workerpool.New(1)
	}
	return e
}

// Start runs evaluation rounds every interval until ctx is done or Stop is
// called.
func (e *Evaluator) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		return
	}
	ctx, e.stop = context.WithCancel(ctx)
	e.stopped = make(chan struct{})

	go func() {
		defer close(e.stopped)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				spawned, merged := e.RunOnce()
				if spawned > 0 || merged > 0 {
					e.log.Info().Int("spawned", spawned).Int("merged", merged).Msg("tree reshaped")
				}
			}
		}
	}()
	e.log.Info().Dur("interval", e.interval).Int("lanes", len(e.lanes)).Msg("evaluator started")
}

// RunOnce evaluates every reachable chain on its lane and waits for the
// round to finish.
func (e *Evaluator) RunOnce() (spawned, merged int) {
	e.tree.retryFinalization()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, chainID := range e.tree.ReachableChains() {
		chainID := chainID
		wg.Add(1)
		e.lanes[e.ring.lane(chainID)].Submit(func() {
			defer wg.Done()
			s, m := e.tree.EvaluateChain(chainID)
			mu.Lock()
			defer mu.Unlock()
			if s {
				spawned++
			}
			if m {
				merged++
			}
		})
	}
	wg.Wait()
	return spawned, merged
}

// Stop ends the evaluation loop and waits for queued evaluations.
func (e *Evaluator) Stop() {
	e.mu.Lock()
	stop, stopped := e.stop, e.stopped
	e.stop = nil
	e.mu.Unlock()

	if stop != nil {
		stop()
		<-stopped
	}
	for _, lane := range e.lanes {
		lane.StopWait()
	}
	e.log.Info().Msg("evaluator stopped")
}

package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/thrylos-labs/shardtree/chain"
	"github.com/thrylos-labs/shardtree/config"
	"github.com/thrylos-labs/shardtree/mempool"
	"github.com/thrylos-labs/shardtree/network"
	"github.com/thrylos-labs/shardtree/state"
	"github.com/thrylos-labs/shardtree/store"
	"github.com/thrylos-labs/shardtree/types"
	"github.com/thrylos-labs/shardtree/utils"
)

// Node wires the resource table, the mempool index and the shard tree of
// one process, plus the background evaluator, the optional development
// proposer and the operator API.
type Node struct {
	config *config.Config

	Database  *store.Database
	Resources *store.ResourceStore
	Index     *mempool.Index
	Tree      *state.Tree

	evaluator *state.Evaluator
	producer  *Producer
	server    *http.Server
	registry  *prometheus.Registry

	log zerolog.Logger
}

// NewNode opens the store under cfg.DataDir (in memory when empty) and
// builds the shard tree on top of it.
func NewNode(cfg *config.Config, log zerolog.Logger) (*Node, error) {
	var (
		db  *store.Database
		err error
	)
	if cfg.DataDir == "" {
		db, err = store.NewInMemoryDatabase()
	} else {
		db, err = store.NewDatabase(cfg.DataDir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	n := &Node{
		config:   cfg,
		Database: db,
		registry: prometheus.NewRegistry(),
		log:      log.With().Str("component", "node").Logger(),
	}
	if err := n.init(); err != nil {
		db.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) init() error {
	var err error
	n.Resources, err = store.NewResourceStore(n.Database, n.log)
	if err != nil {
		return err
	}
	n.Index, err = mempool.NewIndex(n.Resources, n.config, mempool.NewCollector(n.registry), n.log)
	if err != nil {
		return err
	}

	ledgers := chain.NewLedgerFactory(n.config.FinalizedWeight, n.log)
	n.Tree, err = state.NewTree(n.config, n.Index, ledgers,
		state.WithTreeLogger(n.log),
		state.WithTreeMetrics(state.NewCollector(n.registry)),
	)
	if err != nil {
		return err
	}
	n.Tree.Subscribe(func(f types.FinalizedBlocks) {
		n.log.Debug().Int("blocks", len(f.Blocks)).Int("discarded", len(f.Discarded)).Msg("finalized blocks delivered")
	})
	n.Tree.OnChainsDiscarded(func(ids []types.ID) {
		n.log.Info().Int("chains", len(ids)).Msg("candidate chains discarded")
	})

	n.evaluator = state.NewEvaluator(n.Tree, n.config.EvaluateInterval, n.config.EvaluatorLanes, n.log)
	if n.config.ProposeInterval > 0 {
		n.producer = NewProducer(n.Tree, n.config.ProposeInterval, n.log)
	}
	if n.config.HTTPAddress != "" {
		router := network.NewRouter(n.Tree, n.registry, n.log)
		n.server = &http.Server{
			Addr:              n.config.HTTPAddress,
			Handler:           router.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return nil
}

// Serve runs the background tasks and the API until ctx is done.
func (n *Node) Serve(ctx context.Context) error {
	n.StartBackgroundTasks(ctx)
	defer n.Shutdown()

	if n.server == nil {
		<-ctx.Done()
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		n.log.Info().Str("address", n.server.Addr).Msg("api listening")
		errCh <- n.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return n.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		utils.LogError(n.log, "api", err)
		return err
	}
}

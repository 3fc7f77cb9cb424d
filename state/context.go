package state

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/thrylos-labs/shardtree/config"
	"github.com/thrylos-labs/shardtree/mempool"
	"github.com/thrylos-labs/shardtree/shared"
	"github.com/thrylos-labs/shardtree/utils"
)

// Context carries the collaborators shared by every shard of one tree.
type Context struct {
	Config     *config.Config
	Index      *mempool.Index
	Ledgers    shared.LedgerFactory
	Linearizer *Linearizer
	Clock      *utils.ThroughputClock
	Metrics    *Collector
	Log        zerolog.Logger

	// finalization runs under this context; cancelled when the tree closes
	done context.Context
	tree *Tree
}

package state

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespaceTree = "shardtree"

// Collector holds the shard tree metrics. A nil registerer creates
// unregistered collectors.
type Collector struct {
	reachableChains prometheus.Gauge
	treeDepth       prometheus.Gauge
	observedBlocks  prometheus.Counter
	rejectedBlocks  prometheus.Counter
	spawns          prometheus.Counter
	merges          prometheus.Counter
	confirmations   prometheus.Counter
	discardedChains prometheus.Counter
	delivered       prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		reachableChains: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceTree,
			Name:      "reachable_chains",
			Help:      "number of shard chains reachable from the tree root",
		}),
		treeDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceTree,
			Name:      "depth",
			Help:      "depth of the deepest reachable shard",
		}),
		observedBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceTree,
			Name:      "observed_blocks_total",
			Help:      "count of non-finalized blocks observed on all shards",
		}),
		rejectedBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceTree,
			Name:      "rejected_blocks_total",
			Help:      "count of blocks rejected by shard validation",
		}),
		spawns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceTree,
			Name:      "spawns_total",
			Help:      "count of leaf shards split into a tentative inner node",
		}),
		merges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceTree,
			Name:      "merges_total",
			Help:      "count of inner nodes merged back into a leaf",
		}),
		confirmations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceTree,
			Name:      "confirmations_total",
			Help:      "count of tentative inner nodes bound to a finalized candidate pair",
		}),
		discardedChains: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceTree,
			Name:      "discarded_chains_total",
			Help:      "count of tentative chains discarded with their candidate pair",
		}),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceTree,
			Name:      "delivered_blocks_total",
			Help:      "count of blocks delivered in linearized order",
		}),
	}
}

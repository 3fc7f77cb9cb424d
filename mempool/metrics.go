package mempool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespaceMempool = "shardtree_mempool"

// Collector holds the index metrics. A nil registerer creates unregistered
// collectors.
type Collector struct {
	liveChunks     prometheus.Gauge
	finalizedOps   prometheus.Counter
	finalizedRound prometheus.Counter
	discarded      prometheus.Counter
	commitFailures prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		liveChunks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceMempool,
			Name:      "live_chunks",
			Help:      "number of unconfirmed chunks tracked by the index",
		}),
		finalizedOps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMempool,
			Name:      "finalized_operations_total",
			Help:      "count of operations included in finalized chunks",
		}),
		finalizedRound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMempool,
			Name:      "finalize_rounds_total",
			Help:      "count of committed finalization rounds",
		}),
		discarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMempool,
			Name:      "discarded_chunks_total",
			Help:      "count of chunks removed without being committed",
		}),
		commitFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMempool,
			Name:      "commit_failures_total",
			Help:      "count of failed resource table commit attempts",
		}),
	}
}

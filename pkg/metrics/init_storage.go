package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initTransactionMetrics() {
	r.TransactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstore_transactions_total",
			Help: "Transactions executed, by outcome",
		},
		[]string{"status"},
	)

	r.TransactionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphstore_transaction_duration_seconds",
			Help:    "Time spent executing a transaction under the write lock",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	r.ActionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstore_actions_total",
			Help: "Primitive actions committed, by kind",
		},
		[]string{"kind"},
	)

	r.StoreState = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_state",
			Help: "Store state (0 closed, 1 opening, 2 open, 3 error)",
		},
	)
}

func (r *Registry) initStorageMetrics() {
	r.StorageNodesTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_nodes_total",
			Help: "Total number of nodes in the graph",
		},
	)

	r.StorageRelationsTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_relations_total",
			Help: "Total number of relations in the graph",
		},
	)

	r.NodeCacheEntries = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_node_cache_entries",
			Help: "Decoded nodes held in the node cache",
		},
	)
}

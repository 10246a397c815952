// Package metrics exposes Prometheus counters and gauges for the node.
// Everything registers on the default registry; the RPC server mounts
// Handler() at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Chain.
	BlockHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veiltide", Subsystem: "chain", Name: "height",
		Help: "Height of the active chain tip.",
	})
	TotalDifficulty = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veiltide", Subsystem: "chain", Name: "total_difficulty",
		Help: "Cumulative difficulty of the active chain tip.",
	})
	BlocksAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veiltide", Subsystem: "chain", Name: "blocks_accepted_total",
		Help: "Blocks validated and applied to the active chain.",
	})
	BlocksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veiltide", Subsystem: "chain", Name: "blocks_rejected_total",
		Help: "Blocks that failed validation.",
	})
	Reorgs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veiltide", Subsystem: "chain", Name: "reorgs_total",
		Help: "Completed chain reorganizations.",
	})
	OrphanPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veiltide", Subsystem: "chain", Name: "orphan_pool_size",
		Help: "Blocks waiting in the orphan pool for a parent.",
	})
	LiveOutputs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veiltide", Subsystem: "chain", Name: "live_outputs",
		Help: "Unspent outputs in the output set.",
	})

	// Mempool.
	MempoolTxs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veiltide", Subsystem: "mempool", Name: "transactions",
		Help: "Transactions currently in the pool.",
	})
	MempoolWeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veiltide", Subsystem: "mempool", Name: "weight",
		Help: "Total weight of pooled transactions.",
	})
	TxAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veiltide", Subsystem: "mempool", Name: "accepted_total",
		Help: "Transactions accepted into the pool.",
	})
	TxRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veiltide", Subsystem: "mempool", Name: "rejected_total",
		Help: "Transactions rejected by the pool.",
	})

	// P2P.
	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veiltide", Subsystem: "p2p", Name: "peers_connected",
		Help: "Currently connected peers.",
	})
	BlocksGossiped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veiltide", Subsystem: "p2p", Name: "blocks_gossiped_total",
		Help: "Blocks published to the gossip topic.",
	})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

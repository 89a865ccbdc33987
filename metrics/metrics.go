// Package metrics exposes consensus-loop health as Prometheus collectors,
// mounted by cmd/node alongside the JSON-RPC server (spec.md §6). The
// teacher carries no observability layer of its own; prometheus/client_golang
// is pulled in from the rest of the example pack (every erigon-family repo
// in _examples depends on it) as the ambient metrics stack for this domain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors bundles the gauges sampled from a periodic
// consensus_getBlockGraphStatus poll plus the pool's own size counter.
// Gauges, not counters: cmd/node samples a snapshot via the worker's
// command channel rather than hooking increments into the worker itself,
// keeping the consensus package free of any metrics dependency.
type Collectors struct {
	BlocksActive prometheus.Gauge
	BlocksFinal  prometheus.Gauge
	CliqueCount  prometheus.Gauge
	WishlistSize prometheus.Gauge
	PoolSize     prometheus.Gauge
}

// NewCollectors registers every collector against reg and returns the bundle.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		BlocksActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tolchain",
			Subsystem: "blockgraph",
			Name:      "blocks_active",
			Help:      "Number of blocks currently in the Active state.",
		}),
		BlocksFinal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tolchain",
			Subsystem: "blockgraph",
			Name:      "blocks_final",
			Help:      "Number of blocks currently in the Final state (pre-pruning).",
		}),
		CliqueCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tolchain",
			Subsystem: "blockgraph",
			Name:      "clique_count",
			Help:      "Current number of maximal cliques tracked by the block graph.",
		}),
		WishlistSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tolchain",
			Subsystem: "blockgraph",
			Name:      "wishlist_size",
			Help:      "Current number of hashes the node is missing and wants from peers.",
		}),
		PoolSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tolchain",
			Subsystem: "pool",
			Name:      "operations_pending",
			Help:      "Current number of operations waiting for block inclusion.",
		}),
	}
}

// Observe samples a block graph export plus the pool size and updates the
// gauges. activeCount/finalCount/cliqueCount are left for the caller to
// derive from blockgraph.BlockGraphExport so this package need not import it;
// the export carries no wishlist, so wishlistSize comes from the caller too.
func (c *Collectors) Observe(activeCount, finalCount, cliqueCount, wishlistSize, poolSize int) {
	c.BlocksActive.Set(float64(activeCount))
	c.BlocksFinal.Set(float64(finalCount))
	c.CliqueCount.Set(float64(cliqueCount))
	c.WishlistSize.Set(float64(wishlistSize))
	c.PoolSize.Set(float64(poolSize))
}

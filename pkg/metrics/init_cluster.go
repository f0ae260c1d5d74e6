package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initClusterMetrics() {
	r.ClusterNodesTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "segrep_cluster_nodes_total",
			Help: "Nodes known to this node",
		},
	)

	r.RoutedShardsTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "segrep_routed_shards_total",
			Help: "Shards present in the routing table",
		},
	)

	r.RoutingChangesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "segrep_routing_changes_total",
			Help: "Routing table changes by kind",
		},
		[]string{"kind"},
	)
}

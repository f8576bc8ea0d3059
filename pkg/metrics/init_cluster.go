package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initClusterMetrics() {
	r.ElectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_elections_total",
			Help: "Total number of bully elections run by this node",
		},
		[]string{"result"}, // won, bullied, superseded, adopted
	)

	r.ElectionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_election_duration_seconds",
			Help:    "Duration of bully elections in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
	)

	r.ClusterRole = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_cluster_role",
			Help: "Elector state of this node (1 for current state, 0 otherwise)",
		},
		[]string{"role"}, // idle, election, leader, follower
	)

	r.ClusterLeaderID = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_cluster_leader_id",
			Help: "Node id of the leader known to this node (0 when unknown)",
		},
	)

	r.PeerMessagesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_peer_messages_total",
			Help: "Peer messages exchanged by type and outcome",
		},
		[]string{"type", "result"}, // result: sent, unreachable, received
	)

	r.TicksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_ticks_total",
			Help: "Coordination ticks by outcome",
		},
		[]string{"result"}, // completed, failed, skipped
	)

	r.TickDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_tick_duration_seconds",
			Help:    "Duration of a full coordination tick",
			Buckets: prometheus.DefBuckets,
		},
	)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicationMetrics() {
	r.ReplicasActive = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_replicas_active",
			Help: "Number of replicas in the active set",
		},
	)

	r.ReplicasDown = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_replicas_down",
			Help: "Number of replicas in the down set",
		},
	)

	r.ReplicaProbesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_replica_probes_total",
			Help: "Replica liveness probes by replica and result",
		},
		[]string{"replica", "result"}, // alive, down
	)

	r.ResyncsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_resyncs_total",
			Help: "Full replica resyncs by target replica and result",
		},
		[]string{"replica", "result"}, // success, error, lock_unavailable
	)

	r.ResyncDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_resync_duration_seconds",
			Help:    "Duration of full replica resyncs",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60},
		},
	)

	r.FanoutOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_fanout_operations_total",
			Help: "Per-replica write/delete operations by result",
		},
		[]string{"operation", "replica", "result"}, // success, error, skipped
	)

	r.ReconcileDivergencesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_reconcile_divergences_total",
			Help: "Divergent replicas found by reconciliation",
		},
		[]string{"replica"},
	)
}

func (r *Registry) initLockMetrics() {
	r.LockAcquisitionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_lock_acquisitions_total",
			Help: "Distributed lock acquisition attempts by key and result",
		},
		[]string{"key", "result"}, // acquired, refused
	)

	r.LockHoldSeconds = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_lock_hold_seconds",
			Help:    "Time a distributed lock was held before release",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"key"},
	)
}

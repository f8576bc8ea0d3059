package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds all metrics exported by a coordinator node
type Registry struct {
	// Election / leadership
	ElectionsTotal    *prometheus.CounterVec
	ElectionDuration  prometheus.Histogram
	ClusterRole       *prometheus.GaugeVec
	ClusterLeaderID   prometheus.Gauge
	PeerMessagesTotal *prometheus.CounterVec

	// Coordination ticks
	TicksTotal   *prometheus.CounterVec
	TickDuration prometheus.Histogram

	// Replica partition and replication
	ReplicasActive            prometheus.Gauge
	ReplicasDown              prometheus.Gauge
	ReplicaProbesTotal        *prometheus.CounterVec
	ResyncsTotal              *prometheus.CounterVec
	ResyncDuration            prometheus.Histogram
	FanoutOperationsTotal     *prometheus.CounterVec
	ReconcileDivergencesTotal *prometheus.CounterVec

	// Distributed locks
	LockAcquisitionsTotal *prometheus.CounterVec
	LockHoldSeconds       *prometheus.HistogramVec

	// System
	UptimeSeconds prometheus.Gauge

	startTime time.Time
	registry  *prometheus.Registry
	mu        sync.Mutex
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized.
// Tests should use their own registry rather than the default one.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		registry:  reg,
		startTime: time.Now(),
	}

	r.initClusterMetrics()
	r.initReplicationMetrics()
	r.initLockMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

package metrics

import (
	"time"
)

// Roles reported through ClusterRole
var clusterRoles = []string{"idle", "election", "leader", "follower"}

// All recorders are no-ops on a nil *Registry so components can run without metrics.

// RecordElection records the outcome of one election attempt
func (r *Registry) RecordElection(result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.ElectionsTotal.WithLabelValues(result).Inc()
	r.ElectionDuration.Observe(duration.Seconds())
}

// SetClusterRole sets the current elector state
func (r *Registry) SetClusterRole(role string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, known := range clusterRoles {
		r.ClusterRole.WithLabelValues(known).Set(0)
	}
	r.ClusterRole.WithLabelValues(role).Set(1)
}

// SetLeader records the leader id known to this node (0 when unknown)
func (r *Registry) SetLeader(id int) {
	if r == nil {
		return
	}
	r.ClusterLeaderID.Set(float64(id))
}

// RecordPeerMessage records a peer message exchange
func (r *Registry) RecordPeerMessage(msgType, result string) {
	if r == nil {
		return
	}
	r.PeerMessagesTotal.WithLabelValues(msgType, result).Inc()
}

// RecordTick records a coordination tick
func (r *Registry) RecordTick(result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.TicksTotal.WithLabelValues(result).Inc()
	if result == "completed" {
		r.TickDuration.Observe(duration.Seconds())
	}
}

// SetReplicaPartition records the sizes of the active and down replica sets
func (r *Registry) SetReplicaPartition(active, down int) {
	if r == nil {
		return
	}
	r.ReplicasActive.Set(float64(active))
	r.ReplicasDown.Set(float64(down))
}

// RecordProbe records a replica liveness probe
func (r *Registry) RecordProbe(replica string, alive bool) {
	if r == nil {
		return
	}
	result := "down"
	if alive {
		result = "alive"
	}
	r.ReplicaProbesTotal.WithLabelValues(replica, result).Inc()
}

// RecordResync records a full resync of a replica
func (r *Registry) RecordResync(replica, result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.ResyncsTotal.WithLabelValues(replica, result).Inc()
	if result == "success" {
		r.ResyncDuration.Observe(duration.Seconds())
	}
}

// RecordFanout records one per-replica write or delete
func (r *Registry) RecordFanout(operation, replica, result string) {
	if r == nil {
		return
	}
	r.FanoutOperationsTotal.WithLabelValues(operation, replica, result).Inc()
}

// RecordDivergence records a replica found out of sync by reconciliation
func (r *Registry) RecordDivergence(replica string) {
	if r == nil {
		return
	}
	r.ReconcileDivergencesTotal.WithLabelValues(replica).Inc()
}

// RecordLockAcquire records a lock acquisition attempt
func (r *Registry) RecordLockAcquire(key string, acquired bool) {
	if r == nil {
		return
	}
	result := "refused"
	if acquired {
		result = "acquired"
	}
	r.LockAcquisitionsTotal.WithLabelValues(key, result).Inc()
}

// RecordLockHold records how long a lock was held
func (r *Registry) RecordLockHold(key string, held time.Duration) {
	if r == nil {
		return
	}
	r.LockHoldSeconds.WithLabelValues(key).Observe(held.Seconds())
}

// UpdateUptime refreshes the uptime gauge
func (r *Registry) UpdateUptime() {
	if r == nil {
		return
	}
	r.UptimeSeconds.Set(time.Since(r.startTime).Seconds())
}

package health

import (
	"context"
	"time"

	"github.com/dd0wney/pokeball-coordinator/pkg/cluster"
	"github.com/dd0wney/pokeball-coordinator/pkg/replica"
)

// ElectionCheck reports whether the node knows a leader
func ElectionCheck(leadership func() cluster.Leadership) CheckFunc {
	return func(context.Context) Check {
		l := leadership()
		check := Check{
			Name: "election",
			Details: map[string]any{
				"state":     l.State.String(),
				"leader":    l.LeaderID,
				"is_leader": l.IsLeader,
			},
		}

		switch {
		case l.ElectionInFlight:
			check.Status = StatusDegraded
			check.Message = "Election in progress"
		case l.LeaderID == 0:
			check.Status = StatusDegraded
			check.Message = "No leader known"
		default:
			check.Status = StatusHealthy
			check.Message = "Leader known"
		}
		return check
	}
}

// ReplicaPartitionCheck reports the active/down replica partition
func ReplicaPartitionCheck(partition func() (active, down []string)) CheckFunc {
	return func(context.Context) Check {
		active, down := partition()
		check := Check{
			Name: "replicas",
			Details: map[string]any{
				"active": active,
				"down":   down,
			},
		}

		switch {
		case len(active) == 0:
			check.Status = StatusUnhealthy
			check.Message = "No active replicas"
		case len(down) > 0:
			check.Status = StatusDegraded
			check.Message = "Some replicas down"
		default:
			check.Status = StatusHealthy
			check.Message = "All replicas active"
		}
		return check
	}
}

// ReplicaPingCheck pings one replica within timeout
func ReplicaPingCheck(store replica.Store, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{Name: "replica:" + store.Name()}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		} else {
			check.Status = StatusHealthy
			check.Message = "Connected"
		}
		return check
	}
}

// MemoryCheck creates a health check for memory usage
func MemoryCheck(getUsage func() (alloc, sys uint64)) CheckFunc {
	return func(context.Context) Check {
		check := Check{
			Name:    "memory",
			Details: make(map[string]any),
		}

		alloc, sys := getUsage()
		check.Details["alloc_bytes"] = alloc
		check.Details["sys_bytes"] = sys

		if sys > 0 && float64(alloc)/float64(sys) > 0.9 {
			check.Status = StatusDegraded
			check.Message = "High memory usage"
		} else {
			check.Status = StatusHealthy
			check.Message = "Memory usage normal"
		}
		return check
	}
}

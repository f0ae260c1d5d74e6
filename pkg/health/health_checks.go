package health

import (
	"runtime"
	"time"
)

// SimpleCheck creates a simple health check that always returns healthy
func SimpleCheck(name string) Check {
	return Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
	}
}

// TransportCheck reports the node transport unhealthy once it stops accepting requests.
func TransportCheck(closed func() bool) CheckFunc {
	return func() Check {
		check := Check{Name: "transport"}
		if closed() {
			check.Status = StatusUnhealthy
			check.Message = "Transport closed"
		} else {
			check.Status = StatusHealthy
			check.Message = "Accepting requests"
		}
		return check
	}
}

// ShardsCheck reports the hosted shards. A node with failed shards is degraded; a node
// whose shards have all failed is unhealthy.
func ShardsCheck(getShards func() (started, failed, total int)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "shards",
			Details: make(map[string]any),
		}

		started, failed, total := getShards()
		check.Details["started"] = started
		check.Details["failed"] = failed
		check.Details["total"] = total

		switch {
		case total == 0:
			check.Status = StatusHealthy
			check.Message = "No shards assigned"
		case failed >= total:
			check.Status = StatusUnhealthy
			check.Message = "All shards failed"
		case failed > 0:
			check.Status = StatusDegraded
			check.Message = "Some shards failed"
		case started < total:
			check.Status = StatusDegraded
			check.Message = "Shards still recovering"
		default:
			check.Status = StatusHealthy
			check.Message = "All shards started"
		}
		return check
	}
}

// ReplicationCheck reports segment replication on this node. Stale replicas of local
// primaries, or replications that keep failing, degrade the node.
func ReplicationCheck(getState func() (ongoing, failedRecently, staleReplicas int)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "replication",
			Details: make(map[string]any),
		}

		ongoing, failed, stale := getState()
		check.Details["ongoing"] = ongoing
		check.Details["failed"] = failed
		check.Details["stale_replicas"] = stale

		switch {
		case stale > 0:
			check.Status = StatusDegraded
			check.Message = "Replicas are behind"
		case failed > 0:
			check.Status = StatusDegraded
			check.Message = "Replication failing"
		default:
			check.Status = StatusHealthy
			check.Message = "Replication healthy"
		}
		return check
	}
}

// MemoryCheck creates a health check for memory usage
func MemoryCheck(getUsage func() (alloc, sys uint64)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "memory",
			Details: make(map[string]any),
		}

		alloc, sys := getUsage()

		check.Details["alloc_bytes"] = alloc
		check.Details["sys_bytes"] = sys

		usagePercent := 0.0
		if sys > 0 {
			usagePercent = float64(alloc) / float64(sys) * 100
		}

		if usagePercent > 90 {
			check.Status = StatusDegraded
			check.Message = "High memory usage"
		} else {
			check.Status = StatusHealthy
			check.Message = "Memory usage normal"
		}

		return check
	}
}

// RuntimeMemory reads heap usage from the Go runtime, for MemoryCheck.
func RuntimeMemory() (alloc, sys uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc, m.Sys
}

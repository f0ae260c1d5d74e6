package health

import (
	"sync"
	"time"
)

// Status is the health of one check or of the whole node.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity orders statuses so the worst of several can be picked.
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Worse returns whichever of s and other is less healthy.
func (s Status) Worse(other Status) Status {
	if other.severity() > s.severity() {
		return other
	}
	return s
}

// Check is the outcome of one health check.
type Check struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ms"`
}

type CheckFunc func() Check

// Probe selects which endpoint runs a check.
type Probe int

const (
	// ProbeHealth checks back /health.
	ProbeHealth Probe = iota
	// ProbeReadiness checks decide whether the node takes replication traffic.
	ProbeReadiness
	// ProbeLiveness checks decide whether the process should be restarted.
	ProbeLiveness
)

// HealthChecker runs the checks registered for a segrep node.
type HealthChecker struct {
	nodeID    string
	startTime time.Time

	mu     sync.RWMutex
	probes map[Probe]map[string]CheckFunc
}

// Response is the JSON body of every health endpoint.
type Response struct {
	Status    Status           `json:"status"`
	NodeID    string           `json:"node_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Uptime    time.Duration    `json:"uptime_seconds"`
}

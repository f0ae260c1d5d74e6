package health

import (
	"time"
)

func NewHealthChecker(nodeID string) *HealthChecker {
	return &HealthChecker{
		nodeID:    nodeID,
		startTime: time.Now(),
		probes: map[Probe]map[string]CheckFunc{
			ProbeHealth:    {},
			ProbeReadiness: {},
			ProbeLiveness:  {},
		},
	}
}

// Register adds check under name to probe, replacing any check already registered there.
func (hc *HealthChecker) Register(probe Probe, name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	checks, ok := hc.probes[probe]
	if !ok {
		checks = make(map[string]CheckFunc)
		hc.probes[probe] = checks
	}
	checks[name] = check
}

func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.Register(ProbeHealth, name, check)
}

func (hc *HealthChecker) RegisterReadinessCheck(name string, check CheckFunc) {
	hc.Register(ProbeReadiness, name, check)
}

func (hc *HealthChecker) RegisterLivenessCheck(name string, check CheckFunc) {
	hc.Register(ProbeLiveness, name, check)
}

// Check runs the /health checks.
func (hc *HealthChecker) Check() Response { return hc.Run(ProbeHealth) }

func (hc *HealthChecker) CheckReadiness() Response { return hc.Run(ProbeReadiness) }

func (hc *HealthChecker) CheckLiveness() Response { return hc.Run(ProbeLiveness) }

// Run executes every check of probe. The node status is the worst status reported.
func (hc *HealthChecker) Run(probe Probe) Response {
	hc.mu.RLock()
	checks := make(map[string]CheckFunc, len(hc.probes[probe]))
	for name, fn := range hc.probes[probe] {
		checks[name] = fn
	}
	hc.mu.RUnlock()

	resp := Response{
		Status:    StatusHealthy,
		NodeID:    hc.nodeID,
		Timestamp: time.Now(),
		Checks:    make(map[string]Check, len(checks)),
		Uptime:    time.Since(hc.startTime),
	}
	for name, fn := range checks {
		start := time.Now()
		c := fn()
		if c.Name == "" {
			c.Name = name
		}
		c.LastChecked = start
		c.Duration = time.Since(start)
		resp.Checks[name] = c
		resp.Status = resp.Status.Worse(c.Status)
	}
	return resp
}

// Package health aggregates component checks for the ops endpoints
package health

import (
	"sort"
	"sync"

	"execution_core/internal/core"
)

// Report is one evaluation of every registered check
type Report struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
	Failing    []string          `json:"failing,omitempty"`
}

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{checks: make(map[string]func() error)}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a new health check for a component, replacing any previous one
func (hm *HealthManager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// Check runs every check once
func (hm *HealthManager) Check() Report {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checks))
	for name := range hm.checks {
		names = append(names, name)
	}
	checks := make(map[string]func() error, len(hm.checks))
	for name, fn := range hm.checks {
		checks[name] = fn
	}
	hm.mu.RUnlock()
	sort.Strings(names)

	report := Report{Healthy: true, Components: make(map[string]string, len(names))}
	for _, name := range names {
		if err := checks[name](); err != nil {
			report.Components[name] = "Unhealthy: " + err.Error()
			report.Failing = append(report.Failing, name)
			report.Healthy = false
			continue
		}
		report.Components[name] = "Healthy"
	}
	if !report.Healthy && hm.logger != nil {
		hm.logger.Warn("Health check failing", "components", report.Failing)
	}
	return report
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	return hm.Check().Components
}

// IsHealthy returns true if every component is healthy
func (hm *HealthManager) IsHealthy() bool {
	return hm.Check().Healthy
}

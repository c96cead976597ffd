package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// statusByRank maps severity back to the canonical status names.
var statusByRank = [...]string{StatusHealthy, StatusDegraded, StatusUnhealthy}

func severity(status string) int {
	switch status {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// HealthStatus is the aggregate answer served on /health.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult is one named check's contribution.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthCheck runs one probe. Implementations run on the request path,
// so anything slow carries its own timeout.
type HealthCheck func() CheckResult

// HealthChecker aggregates named checks into one service status.
type HealthChecker struct {
	service string
	version string
	checks  map[string]HealthCheck
}

// NewHealthChecker creates a checker. Checks are added during boot,
// before the router starts serving, so there is no lock.
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck registers a named check.
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.checks[name] = check
}

// CheckHealth runs every check and reports the worst status seen.
// Statuses a check invents rank as unhealthy.
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult),
	}

	worst := 0
	for name, check := range hc.checks {
		result := check()
		status.Checks[name] = result
		if rank := severity(result.Status); rank > worst {
			worst = rank
		}
	}
	status.Status = statusByRank[worst]

	return status
}

// Handler serves the aggregate as JSON. Degraded still answers 200,
// only unhealthy trips load balancer probes.
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}

// timed runs a probe and reports how long it took.
func timed(probe func() error) (string, error) {
	start := time.Now()
	err := probe()
	return time.Since(start).String(), err
}

// DatabaseHealthCheck pings the store with a bounded timeout.
func DatabaseHealthCheck(db *sql.DB) HealthCheck {
	return func() CheckResult {
		latency, err := timed(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return db.PingContext(ctx)
		})
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("Store ping failed: %v", err), Latency: latency}
		}
		return CheckResult{Status: StatusHealthy, Message: "Store reachable", Latency: latency}
	}
}

// ListenerHealthCheck pings the notification listener's connection.
func ListenerHealthCheck(listener *pq.Listener) HealthCheck {
	return func() CheckResult {
		if listener == nil {
			return CheckResult{Status: StatusUnhealthy, Message: "Notification listener not running"}
		}
		latency, err := timed(listener.Ping)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("Notification listener ping failed: %v", err), Latency: latency}
		}
		return CheckResult{Status: StatusHealthy, Message: "Notification listener connected", Latency: latency}
	}
}

// ConfigurationHealthCheck reports required settings that came up
// empty. Boot refuses to start without them, so this mostly documents
// what the process was started with.
func ConfigurationHealthCheck(configs map[string]string) HealthCheck {
	return func() CheckResult {
		var missing []string
		for key, value := range configs {
			if value == "" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("Missing settings: %v", missing)}
		}
		return CheckResult{Status: StatusHealthy, Message: "Required settings present"}
	}
}

// StateHealthCheck reports a component's self-declared state. A
// healthy=false state counts as degraded rather than unhealthy,
// because supervisors recover these states without operator action.
func StateHealthCheck(component string, state func() (string, bool)) HealthCheck {
	return func() CheckResult {
		name, ok := state()
		result := CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%s state: %s", component, name)}
		if !ok {
			result.Status = StatusDegraded
		}
		return result
	}
}

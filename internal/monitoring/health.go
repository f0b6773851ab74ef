// Package monitoring serves the per-process health surface. Every service
// exposes /health with per-dependency detail, /ready as the traffic gate,
// and /live for the process itself.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulsegrid/pulse/internal/bus"
	"github.com/pulsegrid/pulse/internal/cache"
	"github.com/pulsegrid/pulse/internal/database"
)

// HealthStatus represents the overall health status.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the result of one dependency check.
type ComponentHealth struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	Latency     *int64       `json:"latency_ms,omitempty"`
	LastChecked time.Time    `json:"last_checked"`
	Details     interface{}  `json:"details,omitempty"`
}

// HealthResponse is the complete health document.
type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Service    string                     `json:"service"`
	Version    string                     `json:"version"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     time.Duration              `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
	System     SystemInfo                 `json:"system"`
}

// SystemInfo carries process-level runtime information.
type SystemInfo struct {
	MemoryUsage MemoryInfo `json:"memory"`
	Goroutines  int        `json:"goroutines"`
	CPUCount    int        `json:"cpu_count"`
	GoVersion   string     `json:"go_version"`
}

// MemoryInfo summarizes the Go memory statistics worth watching.
type MemoryInfo struct {
	Allocated     uint64  `json:"allocated_bytes"`
	TotalAlloc    uint64  `json:"total_alloc_bytes"`
	Sys           uint64  `json:"sys_bytes"`
	NumGC         uint32  `json:"num_gc"`
	GCCPUFraction float64 `json:"gc_cpu_fraction"`
}

// HealthChecker runs registered dependency checks and caches their results.
type HealthChecker struct {
	mu            sync.RWMutex
	startTime     time.Time
	service       string
	version       string
	components    map[string]ComponentHealth
	checkFuncs    map[string]func() ComponentHealth
	lastCheck     time.Time
	checkInterval time.Duration
}

// NewHealthChecker creates a checker for one service process.
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		startTime:     time.Now(),
		service:       service,
		version:       version,
		components:    make(map[string]ComponentHealth),
		checkFuncs:    make(map[string]func() ComponentHealth),
		checkInterval: 30 * time.Second,
	}
}

// RegisterDatabaseCheck watches the relational pool. Degraded above one
// second of ping latency, unhealthy when the ping fails.
func (hc *HealthChecker) RegisterDatabaseCheck(name string, db *database.DB) {
	hc.RegisterCustomCheck(name, func() ComponentHealth {
		start := time.Now()
		err := db.Health(context.Background())
		latency := time.Since(start).Milliseconds()

		if err != nil {
			return ComponentHealth{
				Status:      HealthStatusUnhealthy,
				Message:     fmt.Sprintf("Database connection failed: %v", err),
				Latency:     &latency,
				LastChecked: time.Now(),
			}
		}

		stats := db.Stats()
		details := map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"wait_count":       stats.WaitCount,
			"wait_duration":    stats.WaitDuration.String(),
		}

		status := HealthStatusHealthy
		if latency > 1000 {
			status = HealthStatusDegraded
		}
		return ComponentHealth{
			Status:      status,
			Message:     "Database connection successful",
			Latency:     &latency,
			LastChecked: time.Now(),
			Details:     details,
		}
	})
}

// RegisterRedisCheck watches the Redis connection. Degraded above 500ms.
func (hc *HealthChecker) RegisterRedisCheck(name string, client *cache.Client) {
	hc.RegisterCustomCheck(name, func() ComponentHealth {
		start := time.Now()
		err := client.Health(context.Background())
		latency := time.Since(start).Milliseconds()

		if err != nil {
			return ComponentHealth{
				Status:      HealthStatusUnhealthy,
				Message:     fmt.Sprintf("Redis connection failed: %v", err),
				Latency:     &latency,
				LastChecked: time.Now(),
			}
		}

		stats := client.PoolStats()
		details := map[string]interface{}{
			"total_conns": stats.TotalConns,
			"idle_conns":  stats.IdleConns,
			"stale_conns": stats.StaleConns,
			"hits":        stats.Hits,
			"misses":      stats.Misses,
			"timeouts":    stats.Timeouts,
		}

		status := HealthStatusHealthy
		if latency > 500 {
			status = HealthStatusDegraded
		}
		return ComponentHealth{
			Status:      status,
			Message:     "Redis connection successful",
			Latency:     &latency,
			LastChecked: time.Now(),
			Details:     details,
		}
	})
}

// RegisterBusCheck watches the event bus connection state.
func (hc *HealthChecker) RegisterBusCheck(name string, b *bus.Bus) {
	hc.RegisterCustomCheck(name, func() ComponentHealth {
		if err := b.Health(context.Background()); err != nil {
			return ComponentHealth{
				Status:      HealthStatusUnhealthy,
				Message:     fmt.Sprintf("Bus connection failed: %v", err),
				LastChecked: time.Now(),
			}
		}
		return ComponentHealth{
			Status:      HealthStatusHealthy,
			Message:     "Bus connected",
			LastChecked: time.Now(),
		}
	})
}

// RegisterCustomCheck registers an arbitrary check, typically a component
// liveness probe such as a worker loop's running flag.
func (hc *HealthChecker) RegisterCustomCheck(name string, checkFunc func() ComponentHealth) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkFuncs[name] = checkFunc
}

// RunChecks executes every registered check. Checks run outside the lock;
// a slow dependency ping must not block health reads.
func (hc *HealthChecker) RunChecks() {
	hc.mu.RLock()
	funcs := make(map[string]func() ComponentHealth, len(hc.checkFuncs))
	for name, fn := range hc.checkFuncs {
		funcs[name] = fn
	}
	hc.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(funcs))
	for name, fn := range funcs {
		results[name] = fn()
	}

	hc.mu.Lock()
	for name, result := range results {
		hc.components[name] = result
	}
	hc.lastCheck = time.Now()
	hc.mu.Unlock()
}

// GetHealth returns the current health document, refreshing cached results
// when they are older than the check interval.
func (hc *HealthChecker) GetHealth() HealthResponse {
	hc.mu.RLock()
	stale := time.Since(hc.lastCheck) > hc.checkInterval
	hc.mu.RUnlock()
	if stale {
		hc.RunChecks()
	}

	hc.mu.RLock()
	defer hc.mu.RUnlock()

	overall := HealthStatusHealthy
	components := make(map[string]ComponentHealth, len(hc.components))
	for name, component := range hc.components {
		components[name] = component
		switch component.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return HealthResponse{
		Status:     overall,
		Service:    hc.service,
		Version:    hc.version,
		Timestamp:  time.Now(),
		Uptime:     time.Since(hc.startTime),
		Components: components,
		System: SystemInfo{
			MemoryUsage: MemoryInfo{
				Allocated:     memStats.Alloc,
				TotalAlloc:    memStats.TotalAlloc,
				Sys:           memStats.Sys,
				NumGC:         memStats.NumGC,
				GCCPUFraction: memStats.GCCPUFraction,
			},
			Goroutines: runtime.NumGoroutine(),
			CPUCount:   runtime.NumCPU(),
			GoVersion:  runtime.Version(),
		},
	}
}

// HealthHandler serves the full health document. Degraded still returns 200;
// only unhealthy turns the endpoint into a 503.
func (hc *HealthChecker) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.GetHealth()

		statusCode := http.StatusOK
		if health.Status == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}

// ReadinessHandler gates traffic: unhealthy means not ready.
func (hc *HealthChecker) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.GetHealth()

		if health.Status == HealthStatusUnhealthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not ready",
				"message": "Service is unhealthy",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ready",
			"message": "Service is ready to accept traffic",
		})
	}
}

// LivenessHandler reports that the process is running at all.
func (hc *HealthChecker) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"uptime":    time.Since(hc.startTime).String(),
			"timestamp": time.Now(),
		})
	}
}

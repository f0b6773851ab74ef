package ingest

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// deviceLimiter pairs a token bucket with its last use so idle entries can
// be swept.
type deviceLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// RateLimiterRegistry keeps one token bucket per (tenant, device). Buckets
// refill at the configured rate and allow short bursts; entries idle past
// the sweep age are evicted so the map does not grow with every device the
// fleet has ever seen.
type RateLimiterRegistry struct {
	mu       sync.RWMutex
	limiters map[string]*deviceLimiter

	perSecond rate.Limit
	burst     int

	sweepAge time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiterRegistry builds a registry allowing perSecond sustained
// messages with the given burst per device.
func NewRateLimiterRegistry(perSecond float64, burst int) *RateLimiterRegistry {
	r := &RateLimiterRegistry{
		limiters:  make(map[string]*deviceLimiter),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		sweepAge:  10 * time.Minute,
		stopCh:    make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Allow consumes one token for the (tenant, device) pair, reporting whether
// the message is within rate.
func (r *RateLimiterRegistry) Allow(tenantID, deviceID string) bool {
	key := tenantID + "/" + deviceID

	r.mu.RLock()
	dl, exists := r.limiters[key]
	r.mu.RUnlock()

	if !exists {
		r.mu.Lock()
		// Double-check after acquiring write lock
		if dl, exists = r.limiters[key]; !exists {
			dl = &deviceLimiter{limiter: rate.NewLimiter(r.perSecond, r.burst)}
			r.limiters[key] = dl
		}
		r.mu.Unlock()
	}

	dl.lastSeen.Store(time.Now().UnixNano())
	return dl.limiter.Allow()
}

// Len reports the number of tracked devices.
func (r *RateLimiterRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}

// Stop ends the sweep loop.
func (r *RateLimiterRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *RateLimiterRegistry) sweepLoop() {
	ticker := time.NewTicker(r.sweepAge)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

func (r *RateLimiterRegistry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, dl := range r.limiters {
		if now.UnixNano()-dl.lastSeen.Load() > int64(r.sweepAge) {
			delete(r.limiters, key)
		}
	}
}

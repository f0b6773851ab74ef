package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterRegistry_BurstBoundary(t *testing.T) {
	// Refill rate is negligible so the test sees the burst alone.
	r := NewRateLimiterRegistry(0.0001, 20)
	defer r.Stop()

	for i := 0; i < 20; i++ {
		assert.True(t, r.Allow("t-1", "d-1"), "message %d is inside the burst", i+1)
	}
	assert.False(t, r.Allow("t-1", "d-1"), "message 21 exceeds the burst")
}

func TestRateLimiterRegistry_IndependentBuckets(t *testing.T) {
	r := NewRateLimiterRegistry(0.0001, 1)
	defer r.Stop()

	assert.True(t, r.Allow("t-1", "d-1"))
	assert.False(t, r.Allow("t-1", "d-1"))

	assert.True(t, r.Allow("t-1", "d-2"), "another device has its own bucket")
	assert.True(t, r.Allow("t-2", "d-1"), "another tenant has its own bucket")
}

func TestRateLimiterRegistry_SweepEvictsIdle(t *testing.T) {
	r := NewRateLimiterRegistry(5, 20)
	defer r.Stop()

	r.Allow("t-1", "d-1")
	r.Allow("t-1", "d-2")
	assert.Equal(t, 2, r.Len())

	r.sweep(time.Now().Add(11 * time.Minute))
	assert.Equal(t, 0, r.Len())
}

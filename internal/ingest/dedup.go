package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pulsegrid/pulse/internal/logging"
)

// Deduper suppresses repeated (tenant, device, seq) envelopes inside a
// sliding window. The claim is a SET NX with the window as TTL: the first
// writer wins, replays inside the window lose. Envelopes without a seq are
// never deduplicated.
type Deduper struct {
	client redis.Cmdable
	window time.Duration
}

// NewDeduper builds a deduper over the shared Redis client.
func NewDeduper(client redis.Cmdable, window time.Duration) *Deduper {
	return &Deduper{client: client, window: window}
}

func dedupKey(tenantID, deviceID string, seq int64) string {
	return fmt.Sprintf("ingest:seq:%s:%s:%d", tenantID, deviceID, seq)
}

// Claim reports whether this (tenant, device, seq) is first inside the
// window. A Redis outage degrades open: duplicates are preferable to dropped
// telemetry, and persistence stays at-least-once either way.
func (d *Deduper) Claim(ctx context.Context, tenantID, deviceID string, seq *int64) bool {
	if seq == nil {
		return true
	}

	ok, err := d.client.SetNX(ctx, dedupKey(tenantID, deviceID, *seq), 1, d.window).Result()
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"operation": "dedup_claim",
			"tenant_id": tenantID,
			"device_id": deviceID,
		}).Warn("Dedup window unavailable, accepting envelope")
		return true
	}
	return ok
}

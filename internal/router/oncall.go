package router

import (
	"time"

	"github.com/pulsegrid/pulse/internal/models"
)

// EffectiveResponder resolves who holds the pager for a schedule at one
// instant. The newest override covering the instant wins; otherwise the
// first layer (by position) with responders rotates through them from its
// anchor, one fixed rotation_hours period per responder. An unknown
// timezone falls back to UTC.
func EffectiveResponder(sched models.OnCallSchedule, layers []models.OnCallLayer, overrides []models.OnCallOverride, at time.Time) string {
	var winner *models.OnCallOverride
	for i := range overrides {
		o := &overrides[i]
		if !o.Covers(at) {
			continue
		}
		if winner == nil || o.CreatedAt.After(winner.CreatedAt) {
			winner = o
		}
	}
	if winner != nil {
		return winner.Responder
	}

	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		loc = time.UTC
	}

	for _, layer := range layers {
		if len(layer.Responders) == 0 {
			continue
		}
		rotation := time.Duration(layer.RotationHours) * time.Hour
		if rotation <= 0 {
			return layer.Responders[0]
		}
		elapsed := at.In(loc).Sub(layer.RotationStart.In(loc))
		if elapsed < 0 {
			// Before the anchor the first responder holds the pager.
			return layer.Responders[0]
		}
		idx := int(elapsed/rotation) % len(layer.Responders)
		return layer.Responders[idx]
	}
	return ""
}

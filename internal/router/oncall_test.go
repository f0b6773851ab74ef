package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pulsegrid/pulse/internal/models"
)

var anchor = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC) // a Monday

func schedule(tz string) models.OnCallSchedule {
	return models.OnCallSchedule{TenantID: "t-1", ScheduleID: "s-1", Name: "primary", Timezone: tz}
}

func layer(position int, rotationHours int, responders ...string) models.OnCallLayer {
	return models.OnCallLayer{
		TenantID:      "t-1",
		ScheduleID:    "s-1",
		Position:      position,
		Responders:    responders,
		RotationHours: rotationHours,
		RotationStart: anchor,
	}
}

func override(id, responder string, starts, ends time.Time, created time.Time) models.OnCallOverride {
	return models.OnCallOverride{
		TenantID:   "t-1",
		OverrideID: id,
		ScheduleID: "s-1",
		Responder:  responder,
		StartsAt:   starts,
		EndsAt:     ends,
		CreatedAt:  created,
	}
}

func TestEffectiveResponderRotation(t *testing.T) {
	layers := []models.OnCallLayer{layer(1, 24, "ana@example.com", "ben@example.com")}

	cases := []struct {
		name string
		at   time.Time
		want string
	}{
		{"first period", anchor.Add(time.Hour), "ana@example.com"},
		{"second period", anchor.Add(25 * time.Hour), "ben@example.com"},
		{"wraps around", anchor.Add(49 * time.Hour), "ana@example.com"},
		{"exactly at boundary", anchor.Add(24 * time.Hour), "ben@example.com"},
		{"before the anchor", anchor.Add(-time.Hour), "ana@example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EffectiveResponder(schedule("UTC"), layers, nil, tc.at)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEffectiveResponderOverrideWins(t *testing.T) {
	layers := []models.OnCallLayer{layer(1, 24, "ana@example.com")}
	at := anchor.Add(2 * time.Hour)

	o := override("o-1", "cov@example.com", anchor, anchor.Add(4*time.Hour), anchor)
	got := EffectiveResponder(schedule("UTC"), layers, []models.OnCallOverride{o}, at)
	assert.Equal(t, "cov@example.com", got)

	// The window is half-open: ends_at itself is back to rotation.
	got = EffectiveResponder(schedule("UTC"), layers, []models.OnCallOverride{o}, anchor.Add(4*time.Hour))
	assert.Equal(t, "ana@example.com", got)
}

func TestEffectiveResponderNewestOverrideWins(t *testing.T) {
	layers := []models.OnCallLayer{layer(1, 24, "ana@example.com")}
	at := anchor.Add(time.Hour)

	older := override("o-1", "older@example.com", anchor, anchor.Add(8*time.Hour), anchor.Add(-2*time.Hour))
	newer := override("o-2", "newer@example.com", anchor, anchor.Add(8*time.Hour), anchor.Add(-time.Hour))

	got := EffectiveResponder(schedule("UTC"), layers, []models.OnCallOverride{older, newer}, at)
	assert.Equal(t, "newer@example.com", got, "overlapping overrides resolve to the newest")
}

func TestEffectiveResponderLayerFallback(t *testing.T) {
	layers := []models.OnCallLayer{
		layer(1, 24), // nobody staffed
		layer(2, 24, "backup@example.com"),
	}
	got := EffectiveResponder(schedule("UTC"), layers, nil, anchor.Add(time.Hour))
	assert.Equal(t, "backup@example.com", got, "an empty layer defers to the next position")
}

func TestEffectiveResponderEdgeCases(t *testing.T) {
	t.Run("no layers", func(t *testing.T) {
		got := EffectiveResponder(schedule("UTC"), nil, nil, anchor)
		assert.Empty(t, got)
	})

	t.Run("zero rotation pins the first responder", func(t *testing.T) {
		layers := []models.OnCallLayer{layer(1, 0, "pin@example.com", "other@example.com")}
		got := EffectiveResponder(schedule("UTC"), layers, nil, anchor.Add(1000*time.Hour))
		assert.Equal(t, "pin@example.com", got)
	})

	t.Run("unknown timezone still resolves", func(t *testing.T) {
		layers := []models.OnCallLayer{layer(1, 24, "ana@example.com", "ben@example.com")}
		got := EffectiveResponder(schedule("Mars/Olympus_Mons"), layers, nil, anchor.Add(25*time.Hour))
		assert.Equal(t, "ben@example.com", got)
	})
}

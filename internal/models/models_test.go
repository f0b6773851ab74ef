package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleOperator_Compare(t *testing.T) {
	tests := []struct {
		name      string
		op        RuleOperator
		value     float64
		threshold float64
		expected  bool
	}{
		{"GT above", OpGT, 41.2, 40, true},
		{"GT at threshold", OpGT, 40, 40, false},
		{"GE at threshold", OpGE, 40, 40, true},
		{"LT below", OpLT, 15, 20, true},
		{"LT at threshold", OpLT, 20, 20, false},
		{"LE at threshold", OpLE, 20, 20, true},
		{"unknown operator", RuleOperator("NE"), 1, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.op.Compare(tt.value, tt.threshold))
		})
	}
}

func TestRuleOperator_SQLPredicate_Inverted(t *testing.T) {
	// The inverted predicate counts samples that do NOT breach.
	assert.Equal(t, ">", OpGT.SQLPredicate(false))
	assert.Equal(t, "<=", OpGT.SQLPredicate(true))
	assert.Equal(t, "<", OpGE.SQLPredicate(true))
	assert.Equal(t, ">=", OpLT.SQLPredicate(true))
	assert.Equal(t, ">", OpLE.SQLPredicate(true))
}

func TestFingerprints(t *testing.T) {
	assert.Equal(t, "RULE:r-9:d-1", RuleFingerprint("r-9", "d-1"))
	assert.Equal(t, "HEARTBEAT:d-1", HeartbeatFingerprint("d-1"))
}

func TestMetricsMap_Numeric(t *testing.T) {
	m := MetricsMap{
		"temp_c":  41.2,
		"door":    true,
		"alarm":   false,
		"label":   "north",
		"retries": 3,
	}

	v, ok := m.Numeric("temp_c")
	require.True(t, ok)
	assert.InDelta(t, 41.2, v, 1e-9)

	v, ok = m.Numeric("door")
	require.True(t, ok)
	assert.Equal(t, float64(1), v)

	v, ok = m.Numeric("alarm")
	require.True(t, ok)
	assert.Equal(t, float64(0), v)

	_, ok = m.Numeric("label")
	assert.False(t, ok)

	_, ok = m.Numeric("missing")
	assert.False(t, ok)
}

func TestMetricsMap_ScanValueRoundTrip(t *testing.T) {
	m := MetricsMap{"temp_c": 41.2, "door": true}

	raw, err := m.Value()
	require.NoError(t, err)

	var back MetricsMap
	require.NoError(t, back.Scan(raw))
	v, ok := back.Numeric("temp_c")
	require.True(t, ok)
	assert.InDelta(t, 41.2, v, 1e-9)

	assert.Error(t, back.Scan(42))
}

func TestAlertRule_AppliesToSite(t *testing.T) {
	rule := &AlertRule{}
	assert.True(t, rule.AppliesToSite(nil), "empty filter is a wildcard")
	assert.True(t, rule.AppliesToSite(Ptr("site-a")))

	rule.SiteIDs = []string{"site-a", "site-b"}
	assert.True(t, rule.AppliesToSite(Ptr("site-a")))
	assert.False(t, rule.AppliesToSite(Ptr("site-z")))
	assert.False(t, rule.AppliesToSite(nil), "filtered rule never matches a site-less device")
}

func TestDeviceCredential_Revoked(t *testing.T) {
	now := time.Now()
	cred := &DeviceCredential{}
	assert.False(t, cred.Revoked(now))

	cred.RevokedAt = Ptr(now.Add(-time.Minute))
	assert.True(t, cred.Revoked(now))

	cred.RevokedAt = Ptr(now.Add(time.Minute))
	assert.False(t, cred.Revoked(now), "future revocation is not yet effective")
}

func TestOnCallOverride_Covers(t *testing.T) {
	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	o := &OnCallOverride{StartsAt: start, EndsAt: start.Add(4 * time.Hour)}

	assert.True(t, o.Covers(start))
	assert.True(t, o.Covers(start.Add(2*time.Hour)))
	assert.False(t, o.Covers(start.Add(4*time.Hour)), "end is exclusive")
	assert.False(t, o.Covers(start.Add(-time.Second)))
}

func TestChannelConfig_String(t *testing.T) {
	cfg := ChannelConfig{"url": "https://hooks.example.com/x", "port": 162}

	assert.Equal(t, "https://hooks.example.com/x", cfg.String("url"))
	assert.Equal(t, "", cfg.String("port"), "non-string values read as empty")
	assert.Equal(t, "", cfg.String("missing"))
}

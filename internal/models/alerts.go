package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// RuleOperator is the comparison applied between a metric and a threshold.
type RuleOperator string

const (
	OpGT RuleOperator = "GT"
	OpGE RuleOperator = "GE"
	OpLT RuleOperator = "LT"
	OpLE RuleOperator = "LE"
)

// Compare evaluates `value <op> threshold`.
func (op RuleOperator) Compare(value, threshold float64) bool {
	switch op {
	case OpGT:
		return value > threshold
	case OpGE:
		return value >= threshold
	case OpLT:
		return value < threshold
	case OpLE:
		return value <= threshold
	default:
		return false
	}
}

// Symbol renders the operator for alert summaries.
func (op RuleOperator) Symbol() string {
	switch op {
	case OpGT:
		return ">"
	case OpGE:
		return ">="
	case OpLT:
		return "<"
	case OpLE:
		return "<="
	default:
		return "?"
	}
}

// SQLPredicate renders the operator for window queries against a numeric
// expression. Inverted reverses the comparison (used to count samples that
// do NOT breach).
func (op RuleOperator) SQLPredicate(inverted bool) string {
	effective := op
	if inverted {
		switch op {
		case OpGT:
			effective = OpLE
		case OpGE:
			effective = OpLT
		case OpLT:
			effective = OpGE
		case OpLE:
			effective = OpGT
		}
	}
	switch effective {
	case OpGT:
		return ">"
	case OpGE:
		return ">="
	case OpLT:
		return "<"
	case OpLE:
		return "<="
	default:
		return "="
	}
}

// AlertRule is a tenant-authored threshold rule. duration_seconds == 0 fires
// on the first breaching sample; > 0 requires every sample in the window to
// breach.
type AlertRule struct {
	TenantID           string         `json:"tenant_id" db:"tenant_id"`
	RuleID             string         `json:"rule_id" db:"rule_id"`
	Name               string         `json:"name" db:"name"`
	MetricName         string         `json:"metric_name" db:"metric_name"`
	Operator           RuleOperator   `json:"operator" db:"operator"`
	Threshold          float64        `json:"threshold" db:"threshold"`
	Severity           int            `json:"severity" db:"severity"`
	DurationSeconds    int            `json:"duration_seconds" db:"duration_seconds"`
	SiteIDs            pq.StringArray `json:"site_ids,omitempty" db:"site_ids"`
	Enabled            bool           `json:"enabled" db:"enabled"`
	EscalationPolicyID *string        `json:"escalation_policy_id,omitempty" db:"escalation_policy_id"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
}

// AppliesToSite reports whether the rule's site filter admits the device's
// site. An empty filter is a wildcard.
func (r *AlertRule) AppliesToSite(siteID *string) bool {
	if len(r.SiteIDs) == 0 {
		return true
	}
	if siteID == nil {
		return false
	}
	for _, s := range r.SiteIDs {
		if s == *siteID {
			return true
		}
	}
	return false
}

// AlertType classifies what generated an alert.
type AlertType string

const (
	AlertThreshold   AlertType = "THRESHOLD"
	AlertNoHeartbeat AlertType = "NO_HEARTBEAT"
	AlertNoTelemetry AlertType = "NO_TELEMETRY"
	AlertAnomaly     AlertType = "ANOMALY"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "OPEN"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertClosed       AlertStatus = "CLOSED"
)

// RuleFingerprint builds the deterministic identity of a threshold alert.
func RuleFingerprint(ruleID, deviceID string) string {
	return fmt.Sprintf("RULE:%s:%s", ruleID, deviceID)
}

// HeartbeatFingerprint builds the deterministic identity of a liveness alert.
func HeartbeatFingerprint(deviceID string) string {
	return fmt.Sprintf("HEARTBEAT:%s", deviceID)
}

// AlertDetails carries the structured evidence behind an alert.
type AlertDetails map[string]interface{}

// Value implements driver.Valuer for JSONB storage.
func (d AlertDetails) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner.
func (d *AlertDetails) Scan(value interface{}) error {
	if value == nil {
		*d = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("cannot scan %T into AlertDetails", value)
	}
}

// Alert is one logical alarm, keyed by fingerprint. The storage layer
// guarantees at most one OPEN or ACKNOWLEDGED row per (tenant, fingerprint).
type Alert struct {
	TenantID         string       `json:"tenant_id" db:"tenant_id"`
	AlertID          string       `json:"alert_id" db:"alert_id"`
	DeviceID         string       `json:"device_id" db:"device_id"`
	SiteID           *string      `json:"site_id,omitempty" db:"site_id"`
	AlertType        AlertType    `json:"alert_type" db:"alert_type"`
	Fingerprint      string       `json:"fingerprint" db:"fingerprint"`
	Status           AlertStatus  `json:"status" db:"status"`
	Severity         int          `json:"severity" db:"severity"`
	Confidence       float64      `json:"confidence" db:"confidence"`
	Summary          string       `json:"summary" db:"summary"`
	Details          AlertDetails `json:"details" db:"details"`
	RuleID           *string      `json:"rule_id,omitempty" db:"rule_id"`
	EscalationLevel  int          `json:"escalation_level" db:"escalation_level"`
	NextEscalationAt *time.Time   `json:"next_escalation_at,omitempty" db:"next_escalation_at"`
	OpenedAt         time.Time    `json:"opened_at" db:"opened_at"`
	ClosedAt         *time.Time   `json:"closed_at,omitempty" db:"closed_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// EscalationPolicy orders up to five escalation levels.
type EscalationPolicy struct {
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	PolicyID  string    `json:"policy_id" db:"policy_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// EscalationTarget is one notification destination of an escalation level.
type EscalationTarget struct {
	Kind       string `json:"kind"` // "email", "webhook", "oncall"
	Address    string `json:"address,omitempty"`
	ScheduleID string `json:"schedule_id,omitempty"`
}

// EscalationTargets is the JSONB list of targets on a level.
type EscalationTargets []EscalationTarget

// Value implements driver.Valuer.
func (t EscalationTargets) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t)
}

// Scan implements sql.Scanner.
func (t *EscalationTargets) Scan(value interface{}) error {
	if value == nil {
		*t = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	default:
		return fmt.Errorf("cannot scan %T into EscalationTargets", value)
	}
}

// EscalationLevel is one rung of a policy, ordered by Level 1..5.
type EscalationLevel struct {
	TenantID     string            `json:"tenant_id" db:"tenant_id"`
	PolicyID     string            `json:"policy_id" db:"policy_id"`
	Level        int               `json:"level" db:"level"`
	DelayMinutes int               `json:"delay_minutes" db:"delay_minutes"`
	Targets      EscalationTargets `json:"targets" db:"targets"`
}

// OnCallSchedule contains ordered layers, evaluated in the schedule TZ.
type OnCallSchedule struct {
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	ScheduleID string    `json:"schedule_id" db:"schedule_id"`
	Name       string    `json:"name" db:"name"`
	Timezone   string    `json:"timezone" db:"timezone"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Responders is the ordered JSONB list of responder emails in a layer.
type Responders []string

// Value implements driver.Valuer.
func (r Responders) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner.
func (r *Responders) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("cannot scan %T into Responders", value)
	}
}

// OnCallLayer rotates through Responders every RotationHours starting at
// RotationStart.
type OnCallLayer struct {
	TenantID      string     `json:"tenant_id" db:"tenant_id"`
	ScheduleID    string     `json:"schedule_id" db:"schedule_id"`
	Position      int        `json:"position" db:"position"`
	Responders    Responders `json:"responders" db:"responders"`
	RotationHours int        `json:"rotation_hours" db:"rotation_hours"`
	RotationStart time.Time  `json:"rotation_start" db:"rotation_start"`
}

// OnCallOverride pins a responder to an explicit window. Newest override
// wins when windows overlap.
type OnCallOverride struct {
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	OverrideID string    `json:"override_id" db:"override_id"`
	ScheduleID string    `json:"schedule_id" db:"schedule_id"`
	Responder  string    `json:"responder" db:"responder"`
	StartsAt   time.Time `json:"starts_at" db:"starts_at"`
	EndsAt     time.Time `json:"ends_at" db:"ends_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Covers reports whether the override window contains t.
func (o *OnCallOverride) Covers(t time.Time) bool {
	return !t.Before(o.StartsAt) && t.Before(o.EndsAt)
}

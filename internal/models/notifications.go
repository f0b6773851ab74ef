package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ChannelType identifies the transport of a notification channel.
type ChannelType string

const (
	ChannelWebhook ChannelType = "webhook"
	ChannelSNMP    ChannelType = "snmp"
	ChannelEmail   ChannelType = "email"
	ChannelMQTT    ChannelType = "mqtt"
)

// ChannelConfig is the channel-specific JSONB configuration. Secrets live
// here (webhook signing secret, SMTP password); they are encrypted at rest
// by the storage layer and must never appear in logs or error text.
type ChannelConfig map[string]interface{}

// Value implements driver.Valuer.
func (c ChannelConfig) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *ChannelConfig) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("cannot scan %T into ChannelConfig", value)
	}
}

// String returns the named config value as a string, or "" when absent.
func (c ChannelConfig) String(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the named config value as an int, or fallback when the key is
// absent or not numeric. JSON decoding yields float64 for all numbers.
func (c ChannelConfig) Int(key string, fallback int) int {
	switch v := c[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

// NotificationChannel is one configured delivery destination.
type NotificationChannel struct {
	TenantID    string        `json:"tenant_id" db:"tenant_id"`
	ChannelID   string        `json:"channel_id" db:"channel_id"`
	Name        string        `json:"name" db:"name"`
	ChannelType ChannelType   `json:"channel_type" db:"channel_type"`
	Config      ChannelConfig `json:"config" db:"config"`
	IsEnabled   bool          `json:"is_enabled" db:"is_enabled"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// AlertEventType is a lifecycle event an alert can emit.
type AlertEventType string

const (
	EventOpened       AlertEventType = "OPENED"
	EventAcknowledged AlertEventType = "ACKNOWLEDGED"
	EventClosed       AlertEventType = "CLOSED"
	EventEscalated    AlertEventType = "ESCALATED"
)

// AlertEvent is the bus message on alerts.<tenant>, published after the
// corresponding alert row was committed.
type AlertEvent struct {
	TenantID        string         `json:"tenant_id"`
	AlertID         string         `json:"alert_id"`
	Event           AlertEventType `json:"event"`
	AlertType       AlertType      `json:"alert_type"`
	Fingerprint     string         `json:"fingerprint"`
	Severity        int            `json:"severity"`
	Summary         string         `json:"summary"`
	DeviceID        string         `json:"device_id"`
	SiteID          *string        `json:"site_id,omitempty"`
	RuleID          *string        `json:"rule_id,omitempty"`
	EscalationLevel int            `json:"escalation_level,omitempty"`
	OccurredAt      time.Time      `json:"occurred_at"`
}

// NotificationRoutingRule binds alert events to a channel. Filters are
// wildcards when empty/NULL.
type NotificationRoutingRule struct {
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	RuleID         string         `json:"rule_id" db:"rule_id"`
	Name           string         `json:"name" db:"name"`
	MinSeverity    int            `json:"min_severity" db:"min_severity"`
	AlertType      *AlertType     `json:"alert_type,omitempty" db:"alert_type"`
	SiteIDs        pq.StringArray `json:"site_ids,omitempty" db:"site_ids"`
	DevicePrefixes pq.StringArray `json:"device_prefixes,omitempty" db:"device_prefixes"`
	DeliverOn      pq.StringArray `json:"deliver_on" db:"deliver_on"`
	Priority       int            `json:"priority" db:"priority"`
	ChannelID      string         `json:"channel_id" db:"channel_id"`
	Enabled        bool           `json:"enabled" db:"enabled"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// JobStatus is the delivery state of a NotificationJob.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// JobPayload carries the rendered event plus routing resolutions (e.g. the
// on-call responder email frozen at event time).
type JobPayload struct {
	Event             AlertEvent `json:"event"`
	RecipientOverride string     `json:"recipient_override,omitempty"`
}

// Value implements driver.Valuer.
func (p JobPayload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *JobPayload) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("cannot scan %T into JobPayload", value)
	}
}

// NotificationJob is one unit of delivery work. (alert_id, channel_id,
// deliver_on_event) is unique: replayed events never double-send.
type NotificationJob struct {
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	JobID          string         `json:"job_id" db:"job_id"`
	AlertID        string         `json:"alert_id" db:"alert_id"`
	ChannelID      string         `json:"channel_id" db:"channel_id"`
	DeliverOnEvent AlertEventType `json:"deliver_on_event" db:"deliver_on_event"`
	Status         JobStatus      `json:"status" db:"status"`
	Attempts       int            `json:"attempts" db:"attempts"`
	LastError      *string        `json:"last_error,omitempty" db:"last_error"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	Payload        JobPayload     `json:"payload" db:"payload"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// NotificationAttempt is the append-only record of one dispatch try.
// attempt_no starts at 1 and increases without gaps.
type NotificationAttempt struct {
	JobID           string    `json:"job_id" db:"job_id"`
	AttemptNo       int       `json:"attempt_no" db:"attempt_no"`
	OK              bool      `json:"ok" db:"ok"`
	TransportStatus string    `json:"transport_status" db:"transport_status"`
	LatencyMs       int64     `json:"latency_ms" db:"latency_ms"`
	Error           *string   `json:"error,omitempty" db:"error"`
	AttemptedAt     time.Time `json:"attempted_at" db:"attempted_at"`
}

// DeadLetter is the replayable record of a permanently failed job.
type DeadLetter struct {
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	LetterID   string     `json:"letter_id" db:"letter_id"`
	JobID      string     `json:"job_id" db:"job_id"`
	Reason     string     `json:"reason" db:"reason"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty" db:"replayed_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// RouteMessage is the bus message on routes.<tenant> pointing the delivery
// worker at a staged job.
type RouteMessage struct {
	TenantID string `json:"tenant_id"`
	JobID    string `json:"job_id"`
	Priority int    `json:"priority"`
}

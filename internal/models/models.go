// Package models defines the tenant-scoped domain entities. Every entity
// carries an opaque tenant_id; row visibility is enforced at the storage
// layer, not here.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DeviceStatus is the evaluator-derived liveness state of a device.
type DeviceStatus string

const (
	DeviceOnline         DeviceStatus = "ONLINE"
	DeviceStale          DeviceStatus = "STALE"
	DeviceOffline        DeviceStatus = "OFFLINE"
	DeviceProvisioned    DeviceStatus = "PROVISIONED"
	DeviceDecommissioned DeviceStatus = "DECOMMISSIONED"
)

// MsgType classifies an inbound envelope.
type MsgType string

const (
	MsgTelemetry     MsgType = "telemetry"
	MsgHeartbeat     MsgType = "heartbeat"
	MsgShadow        MsgType = "shadow"
	MsgCommandResult MsgType = "command_result"
)

// Device is a provisioned unit of hardware. Devices are decommissioned,
// never hard-deleted, so telemetry and alert references stay intact.
type Device struct {
	TenantID    string       `json:"tenant_id" db:"tenant_id"`
	DeviceID    string       `json:"device_id" db:"device_id"`
	DisplayName string       `json:"display_name" db:"display_name"`
	Model       string       `json:"model" db:"model"`
	SiteID      *string      `json:"site_id,omitempty" db:"site_id"`
	Latitude    *float64     `json:"latitude,omitempty" db:"latitude"`
	Longitude   *float64     `json:"longitude,omitempty" db:"longitude"`
	Status      DeviceStatus `json:"status" db:"status"`
	LastSeenAt  *time.Time   `json:"last_seen_at,omitempty" db:"last_seen_at"`
	TemplateID  *string      `json:"template_id,omitempty" db:"template_id"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// DeviceCredential stores the salted hash of a device secret. The raw secret
// is returned exactly once at issuance. Revocation is a timestamp.
type DeviceCredential struct {
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	DeviceID   string     `json:"device_id" db:"device_id"`
	TokenID    string     `json:"token_id" db:"token_id"`
	ClientID   string     `json:"client_id" db:"client_id"`
	SecretHash string     `json:"-" db:"secret_hash"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Revoked reports whether the credential was revoked at or before t.
func (c *DeviceCredential) Revoked(t time.Time) bool {
	return c.RevokedAt != nil && !c.RevokedAt.After(t)
}

// MetricsMap carries the metric name → numeric-or-bool values of one record.
// Booleans are kept as booleans in JSON; the evaluator coerces them to 0/1.
type MetricsMap map[string]interface{}

// Value implements driver.Valuer for JSONB storage.
func (m MetricsMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *MetricsMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into MetricsMap", value)
	}
}

// Numeric returns the named metric coerced to float64. Booleans map to 0/1.
// ok is false when the metric is absent or non-numeric.
func (m MetricsMap) Numeric(name string) (float64, bool) {
	v, present := m[name]
	if !present {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// TelemetryRecord is one accepted, canonicalized sample. Append-only;
// partitioned by time in storage.
type TelemetryRecord struct {
	Time            time.Time  `json:"time" db:"time"`
	TenantID        string     `json:"tenant_id" db:"tenant_id"`
	DeviceID        string     `json:"device_id" db:"device_id"`
	SiteID          *string    `json:"site_id,omitempty" db:"site_id"`
	Seq             *int64     `json:"seq,omitempty" db:"seq"`
	Metrics         MetricsMap `json:"metrics" db:"metrics"`
	MsgType         MsgType    `json:"msg_type" db:"msg_type"`
	EnvelopeVersion string     `json:"envelope_version" db:"envelope_version"`
}

// QuarantineEvent records one rejected ingest. Quarantine is a sink, never a
// feed to downstream components.
type QuarantineEvent struct {
	Time            time.Time `json:"time" db:"time"`
	TenantID        string    `json:"tenant_id" db:"tenant_id"`
	DeviceID        string    `json:"device_id" db:"device_id"`
	Topic           string    `json:"topic" db:"topic"`
	ReasonCode      string    `json:"reason_code" db:"reason_code"`
	Payload         []byte    `json:"payload" db:"payload"`
	EnvelopeVersion string    `json:"envelope_version" db:"envelope_version"`
}

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}

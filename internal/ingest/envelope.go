// Package ingest accepts device telemetry over MQTT and HTTP, validates the
// envelope, rate-limits per device, and hands accepted records to the batch
// writer. Rejected payloads land in quarantine with a stable reason code.
package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/models"
)

// EnvelopeVersion is the only version the pipeline understands today.
const EnvelopeVersion = "1"

// Envelope is the self-describing device message, version "1".
type Envelope struct {
	Version  string                 `json:"version,omitempty"`
	DeviceID string                 `json:"device_id"`
	TS       *float64               `json:"ts"` // seconds since epoch, fractional
	Seq      *int64                 `json:"seq,omitempty"`
	MsgType  string                 `json:"msg_type,omitempty"`
	Metrics  map[string]interface{} `json:"metrics,omitempty"`
	SiteID   string                 `json:"site_id,omitempty"`
}

var validMsgTypes = map[string]struct{}{
	string(models.MsgTelemetry):     {},
	string(models.MsgHeartbeat):     {},
	string(models.MsgShadow):        {},
	string(models.MsgCommandResult): {},
}

// ParseEnvelope decodes and structurally validates a payload. It returns an
// AppError carrying a stable rejection reason on failure.
func ParseEnvelope(payload []byte, maxBytes int) (*Envelope, *apperrors.AppError) {
	if maxBytes > 0 && len(payload) > maxBytes {
		return nil, apperrors.NewRejectionError(apperrors.ReasonPayloadTooLarge,
			fmt.Sprintf("Payload exceeds %d bytes", maxBytes))
	}

	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, apperrors.NewRejectionError(apperrors.ReasonSchemaInvalid,
			"Payload is not a valid envelope")
	}

	if e.Version == "" {
		e.Version = EnvelopeVersion
	}
	if e.Version != EnvelopeVersion {
		return nil, apperrors.NewRejectionError(
			fmt.Sprintf("%s:%s", apperrors.ReasonUnsupportedVersion, e.Version),
			fmt.Sprintf("Envelope version %q is not supported", e.Version))
	}

	if e.TS == nil {
		return nil, apperrors.NewRejectionError(apperrors.ReasonSchemaInvalid, "ts is required")
	}
	if math.IsNaN(*e.TS) || math.IsInf(*e.TS, 0) || *e.TS < 0 {
		return nil, apperrors.NewRejectionError(apperrors.ReasonSchemaInvalid, "ts is not a valid timestamp")
	}
	if e.DeviceID == "" {
		return nil, apperrors.NewRejectionError(apperrors.ReasonSchemaInvalid, "device_id is required")
	}

	if e.MsgType == "" {
		e.MsgType = string(models.MsgTelemetry)
	}
	if _, ok := validMsgTypes[e.MsgType]; !ok {
		return nil, apperrors.NewRejectionError(apperrors.ReasonSchemaInvalid,
			fmt.Sprintf("msg_type %q is not recognized", e.MsgType))
	}

	for name, v := range e.Metrics {
		switch v.(type) {
		case float64, bool:
		default:
			return nil, apperrors.NewRejectionError(apperrors.ReasonSchemaInvalid,
				fmt.Sprintf("metric %q must be a number or boolean", name))
		}
	}

	return &e, nil
}

// CheckIdentity rejects envelopes whose device_id contradicts the
// authenticated topic or path device.
func (e *Envelope) CheckIdentity(deviceID string) *apperrors.AppError {
	if e.DeviceID != deviceID {
		return apperrors.NewRejectionError(apperrors.ReasonSchemaInvalid,
			"device_id does not match the authenticated device")
	}
	return nil
}

// CheckClock rejects timestamps outside the tolerated skew. The boundary is
// inclusive: a sample exactly at the tolerance is accepted.
func (e *Envelope) CheckClock(now time.Time, tolerance time.Duration, bypass bool) *apperrors.AppError {
	if bypass {
		return nil
	}
	skew := now.Sub(e.Time())
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return apperrors.NewRejectionError(apperrors.ReasonClockSkew,
			fmt.Sprintf("ts is %s from server time, tolerance is %s", skew.Round(time.Millisecond), tolerance))
	}
	return nil
}

// Time converts the fractional-seconds timestamp to a time.Time.
func (e *Envelope) Time() time.Time {
	if e.TS == nil {
		return time.Time{}
	}
	sec, frac := math.Modf(*e.TS)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}

// Record shapes the envelope into the canonical telemetry record. The site
// comes from the device registry, falling back to the envelope's own claim.
func (e *Envelope) Record(tenantID string, deviceSite *string) models.TelemetryRecord {
	site := deviceSite
	if site == nil && e.SiteID != "" {
		site = models.Ptr(e.SiteID)
	}
	return models.TelemetryRecord{
		Time:            e.Time(),
		TenantID:        tenantID,
		DeviceID:        e.DeviceID,
		SiteID:          site,
		Seq:             e.Seq,
		Metrics:         models.MetricsMap(e.Metrics),
		MsgType:         models.MsgType(e.MsgType),
		EnvelopeVersion: e.Version,
	}
}

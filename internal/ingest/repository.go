package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/pulsegrid/pulse/internal/database"
	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/models"
)

// Repository is the pipeline's storage access: device identity checks,
// credential verification, bulk telemetry inserts, and quarantine writes.
type Repository struct {
	db *database.DB

	// Device rows are read once per envelope, so hits are cached briefly.
	// Unknown devices are not cached: a device provisioned mid-stream should
	// start ingesting on its next message.
	cacheTTL time.Duration
	mu       sync.RWMutex
	devices  map[string]cachedDevice
}

type cachedDevice struct {
	device    models.Device
	fetchedAt time.Time
}

// NewRepository builds the pipeline repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{
		db:       db,
		cacheTTL: time.Minute,
		devices:  make(map[string]cachedDevice),
	}
}

// Device returns the registered device, or nil when unknown. Results are
// served from a short-lived cache.
func (r *Repository) Device(ctx context.Context, tenantID, deviceID string) (*models.Device, error) {
	key := tenantID + "/" + deviceID

	r.mu.RLock()
	if c, ok := r.devices[key]; ok && time.Since(c.fetchedAt) < r.cacheTTL {
		d := c.device
		r.mu.RUnlock()
		return &d, nil
	}
	r.mu.RUnlock()

	var dev models.Device
	found := false
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT tenant_id, device_id, display_name, model, site_id, status, last_seen_at
			FROM devices
			WHERE device_id = $1`, deviceID)
		err := row.Scan(&dev.TenantID, &dev.DeviceID, &dev.DisplayName, &dev.Model,
			&dev.SiteID, &dev.Status, &dev.LastSeenAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lookup device %s: %w", deviceID, err)
	}
	if !found {
		return nil, nil
	}

	r.mu.Lock()
	r.devices[key] = cachedDevice{device: dev, fetchedAt: time.Now()}
	r.mu.Unlock()

	d := dev
	return &d, nil
}

// VerifyProvisionToken checks an HTTP provision token of the form
// "<token_id>.<secret>" against the device's stored credential hash.
func (r *Repository) VerifyProvisionToken(ctx context.Context, tenantID, deviceID, token string) *apperrors.AppError {
	tokenID, secret, ok := strings.Cut(token, ".")
	if !ok || tokenID == "" || secret == "" {
		return badCredentials()
	}

	var cred models.DeviceCredential
	found := false
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT tenant_id, device_id, token_id, client_id, secret_hash, revoked_at
			FROM device_credentials
			WHERE device_id = $1 AND token_id = $2`, deviceID, tokenID)
		err := row.Scan(&cred.TenantID, &cred.DeviceID, &cred.TokenID,
			&cred.ClientID, &cred.SecretHash, &cred.RevokedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return apperrors.NewDatabaseError("verify_provision_token", err)
	}
	if !found || cred.Revoked(time.Now()) {
		return badCredentials()
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.SecretHash), []byte(secret)) != nil {
		return badCredentials()
	}
	return nil
}

func badCredentials() *apperrors.AppError {
	return apperrors.NewRejectionError(apperrors.ReasonBadCredentials, "Credential rejected").
		WithHTTPStatus(401)
}

// InsertBatch bulk-loads one tenant's records inside a tenant transaction
// and advances devices.last_seen_at. COPY is the only bulk path into the
// telemetry table.
func (r *Repository) InsertBatch(ctx context.Context, tenantID string, records []models.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("telemetry",
			"time", "tenant_id", "device_id", "site_id", "seq", "metrics", "msg_type", "envelope_version"))
		if err != nil {
			return fmt.Errorf("prepare copy: %w", err)
		}

		for _, rec := range records {
			if _, err := stmt.ExecContext(ctx, rec.Time, rec.TenantID, rec.DeviceID,
				rec.SiteID, rec.Seq, rec.Metrics, string(rec.MsgType), rec.EnvelopeVersion); err != nil {
				stmt.Close()
				return fmt.Errorf("copy record: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("flush copy: %w", err)
		}
		if err := stmt.Close(); err != nil {
			return fmt.Errorf("close copy: %w", err)
		}

		return touchDevices(ctx, tx, records)
	})
}

// touchDevices advances last_seen_at to the newest sample per device and
// marks the device ONLINE. GREATEST keeps late-arriving history from winding
// the clock back, and a decommissioned device is never resurrected. The
// evaluator re-derives status from last_seen_at on its next tick either way.
func touchDevices(ctx context.Context, tx *sql.Tx, records []models.TelemetryRecord) error {
	latest := make(map[string]time.Time, 8)
	for _, rec := range records {
		if t, ok := latest[rec.DeviceID]; !ok || rec.Time.After(t) {
			latest[rec.DeviceID] = rec.Time
		}
	}
	for deviceID, seen := range latest {
		if _, err := tx.ExecContext(ctx, `
			UPDATE devices
			SET last_seen_at = GREATEST(COALESCE(last_seen_at, to_timestamp(0)), $2),
			    status = 'ONLINE',
			    updated_at = now()
			WHERE device_id = $1 AND status <> 'DECOMMISSIONED'`, deviceID, seen); err != nil {
			return fmt.Errorf("touch device %s: %w", deviceID, err)
		}
	}
	return nil
}

// Quarantine persists one rejected ingest. Tenant-scoped like everything
// else; the caller decides whether a write failure is tolerable.
func (r *Repository) Quarantine(ctx context.Context, ev models.QuarantineEvent) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	return r.db.WithTenant(ctx, ev.TenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO quarantine_events (time, tenant_id, device_id, topic, reason_code, payload, envelope_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.Time, ev.TenantID, ev.DeviceID, ev.Topic, ev.ReasonCode, ev.Payload, ev.EnvelopeVersion)
		return err
	})
}

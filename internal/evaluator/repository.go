package evaluator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pulsegrid/pulse/internal/database"
	"github.com/pulsegrid/pulse/internal/models"
)

// Repository implements Store over Postgres. Every method runs one
// tenant-scoped transaction; ListTenants alone runs with operator scope
// because the roster spans row security boundaries.
type Repository struct {
	db *database.DB
}

// NewRepository builds the evaluator repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// alertColumns is the full column list shared by every query returning a
// whole alert row.
const alertColumns = `tenant_id, alert_id, device_id, site_id, alert_type, fingerprint,
	status, severity, confidence, summary, details, rule_id,
	escalation_level, next_escalation_at, opened_at, closed_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var a models.Alert
	err := row.Scan(&a.TenantID, &a.AlertID, &a.DeviceID, &a.SiteID, &a.AlertType,
		&a.Fingerprint, &a.Status, &a.Severity, &a.Confidence, &a.Summary,
		&a.Details, &a.RuleID, &a.EscalationLevel, &a.NextEscalationAt,
		&a.OpenedAt, &a.ClosedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListTenants enumerates tenants that own at least one device.
func (r *Repository) ListTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := r.db.WithOperator(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT DISTINCT tenant_id FROM devices ORDER BY tenant_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t string
			if err := rows.Scan(&t); err != nil {
				return err
			}
			tenants = append(tenants, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return tenants, nil
}

// Devices returns every device of the tenant, decommissioned included; the
// engine filters by status.
func (r *Repository) Devices(ctx context.Context, tenantID string) ([]models.Device, error) {
	var devices []models.Device
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT tenant_id, device_id, site_id, status, last_seen_at
			FROM devices
			ORDER BY device_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d models.Device
			if err := rows.Scan(&d.TenantID, &d.DeviceID, &d.SiteID, &d.Status, &d.LastSeenAt); err != nil {
				return err
			}
			devices = append(devices, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	return devices, nil
}

// SetDeviceStatus records a liveness transition.
func (r *Repository) SetDeviceStatus(ctx context.Context, tenantID, deviceID string, status models.DeviceStatus) error {
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE devices SET status = $2, updated_at = now()
			WHERE device_id = $1`, deviceID, string(status))
		return err
	})
	if err != nil {
		return fmt.Errorf("set device %s status: %w", deviceID, err)
	}
	return nil
}

// EnabledRules loads the tenant's active threshold rules.
func (r *Repository) EnabledRules(ctx context.Context, tenantID string) ([]models.AlertRule, error) {
	var rules []models.AlertRule
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT tenant_id, rule_id, name, metric_name, operator, threshold,
			       severity, duration_seconds, site_ids, escalation_policy_id
			FROM alert_rules
			WHERE enabled
			ORDER BY rule_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var rule models.AlertRule
			err := rows.Scan(&rule.TenantID, &rule.RuleID, &rule.Name, &rule.MetricName,
				&rule.Operator, &rule.Threshold, &rule.Severity, &rule.DurationSeconds,
				&rule.SiteIDs, &rule.EscalationPolicyID)
			if err != nil {
				return err
			}
			rule.Enabled = true
			rules = append(rules, rule)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return rules, nil
}

// metricValue coerces one JSONB metric to a float: numbers pass through,
// booleans map to 1/0, anything else becomes NULL and drops out of the
// aggregate.
func metricValue(param string) string {
	return fmt.Sprintf(`CASE jsonb_typeof(metrics->%[1]s)
		WHEN 'number' THEN (metrics->>%[1]s)::double precision
		WHEN 'boolean' THEN CASE WHEN (metrics->>%[1]s)::boolean THEN 1.0 ELSE 0.0 END
		END`, param)
}

// LatestValues returns, per device, the newest sample of the metric since
// the cutoff. Devices without a usable sample are absent from the map.
func (r *Repository) LatestValues(ctx context.Context, tenantID, metric string, since time.Time) (map[string]float64, error) {
	values := make(map[string]float64)
	query := fmt.Sprintf(`
		SELECT device_id, value FROM (
			SELECT DISTINCT ON (device_id) device_id, %s AS value
			FROM telemetry
			WHERE time > $2 AND metrics ? $1
			ORDER BY device_id, time DESC
		) latest
		WHERE value IS NOT NULL`, metricValue("$1"))

	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, metric, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var deviceID string
			var value float64
			if err := rows.Scan(&deviceID, &value); err != nil {
				return err
			}
			values[deviceID] = value
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("latest %s: %w", metric, err)
	}
	return values, nil
}

// WindowCounts returns, per device, how many samples of the rule's metric
// fell inside the window and how many of them do NOT breach. Devices with
// no samples are absent from the map.
func (r *Repository) WindowCounts(ctx context.Context, tenantID string, rule models.AlertRule, since time.Time) (map[string]WindowCount, error) {
	counts := make(map[string]WindowCount)
	query := fmt.Sprintf(`
		SELECT device_id,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE value %s $3) AS failing,
		       (array_agg(value ORDER BY time DESC))[1] AS last_value
		FROM (
			SELECT device_id, time, %s AS value
			FROM telemetry
			WHERE time > $2 AND metrics ? $1
		) samples
		WHERE value IS NOT NULL
		GROUP BY device_id`, rule.Operator.SQLPredicate(true), metricValue("$1"))

	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, rule.MetricName, since, rule.Threshold)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var deviceID string
			var c WindowCount
			if err := rows.Scan(&deviceID, &c.Total, &c.Failing, &c.Last); err != nil {
				return err
			}
			counts[deviceID] = c
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("window counts for rule %s: %w", rule.RuleID, err)
	}
	return counts, nil
}

// PolicyLevels returns the escalation ladder ordered by level.
func (r *Repository) PolicyLevels(ctx context.Context, tenantID, policyID string) ([]models.EscalationLevel, error) {
	var levels []models.EscalationLevel
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT tenant_id, policy_id, level, delay_minutes, targets
			FROM escalation_levels
			WHERE policy_id = $1
			ORDER BY level`, policyID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var l models.EscalationLevel
			if err := rows.Scan(&l.TenantID, &l.PolicyID, &l.Level, &l.DelayMinutes, &l.Targets); err != nil {
				return err
			}
			levels = append(levels, l)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", policyID, err)
	}
	return levels, nil
}

// OpenOrUpdate inserts a new OPEN alert or refreshes the live one behind the
// same fingerprint. The partial unique index on (tenant_id, fingerprint)
// makes concurrent opens converge on a single row; (xmax = 0) tells an
// insert from an update. Escalation fields are written on insert only, so a
// refresh never resets the escalation clock.
func (r *Repository) OpenOrUpdate(ctx context.Context, tenantID string, change AlertChange) (*models.Alert, bool, error) {
	alert := &models.Alert{
		TenantID:    tenantID,
		DeviceID:    change.DeviceID,
		SiteID:      change.SiteID,
		AlertType:   change.AlertType,
		Fingerprint: change.Fingerprint,
		Severity:    change.Severity,
		Confidence:  change.Confidence,
		Summary:     change.Summary,
		Details:     change.Details,
		RuleID:      change.RuleID,
	}
	inserted := false
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO alerts (tenant_id, alert_id, device_id, site_id, alert_type,
			                    fingerprint, status, severity, confidence, summary,
			                    details, rule_id, escalation_level, next_escalation_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'OPEN', $7, $8, $9, $10, $11, 0, $12)
			ON CONFLICT (tenant_id, fingerprint) WHERE status IN ('OPEN','ACKNOWLEDGED')
			DO UPDATE SET severity   = EXCLUDED.severity,
			              confidence = EXCLUDED.confidence,
			              summary    = EXCLUDED.summary,
			              details    = EXCLUDED.details,
			              updated_at = now()
			RETURNING alert_id, status, escalation_level, next_escalation_at,
			          opened_at, updated_at, (xmax = 0) AS inserted`,
			tenantID, uuid.NewString(), change.DeviceID, change.SiteID, string(change.AlertType),
			change.Fingerprint, change.Severity, change.Confidence, change.Summary,
			change.Details, change.RuleID, change.NextEscalationAt)
		return row.Scan(&alert.AlertID, &alert.Status, &alert.EscalationLevel,
			&alert.NextEscalationAt, &alert.OpenedAt, &alert.UpdatedAt, &inserted)
	})
	if err != nil {
		return nil, false, fmt.Errorf("open alert %s: %w", change.Fingerprint, err)
	}
	return alert, inserted, nil
}

// CloseByFingerprint closes the live alert behind a fingerprint. Returns
// false when nothing was open.
func (r *Repository) CloseByFingerprint(ctx context.Context, tenantID, fingerprint string) (*models.Alert, bool, error) {
	return r.closeWhere(ctx, tenantID, `fingerprint = $1`, fingerprint)
}

// CloseByID closes one alert by id, regardless of fingerprint.
func (r *Repository) CloseByID(ctx context.Context, tenantID, alertID string) (*models.Alert, bool, error) {
	return r.closeWhere(ctx, tenantID, `alert_id = $1`, alertID)
}

func (r *Repository) closeWhere(ctx context.Context, tenantID, cond string, arg interface{}) (*models.Alert, bool, error) {
	var alert *models.Alert
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`
			UPDATE alerts
			SET status = 'CLOSED', closed_at = now(), updated_at = now(),
			    next_escalation_at = NULL
			WHERE %s AND status IN ('OPEN','ACKNOWLEDGED')
			RETURNING `+alertColumns, cond), arg)
		a, err := scanAlert(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		alert = a
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("close alert: %w", err)
	}
	return alert, alert != nil, nil
}

// DueEscalations finds live alerts whose escalation deadline passed and
// whose rule names a policy.
func (r *Repository) DueEscalations(ctx context.Context, tenantID string, now time.Time) ([]DueEscalation, error) {
	var due []DueEscalation
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT a.tenant_id, a.alert_id, a.device_id, a.site_id, a.alert_type,
			       a.fingerprint, a.status, a.severity, a.confidence, a.summary,
			       a.rule_id, a.escalation_level, a.next_escalation_at, a.opened_at,
			       r.escalation_policy_id
			FROM alerts a
			JOIN alert_rules r ON r.tenant_id = a.tenant_id AND r.rule_id = a.rule_id
			WHERE a.status IN ('OPEN','ACKNOWLEDGED')
			  AND a.next_escalation_at IS NOT NULL
			  AND a.next_escalation_at <= $1
			  AND r.escalation_policy_id IS NOT NULL
			ORDER BY a.next_escalation_at`, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d DueEscalation
			a := &d.Alert
			err := rows.Scan(&a.TenantID, &a.AlertID, &a.DeviceID, &a.SiteID, &a.AlertType,
				&a.Fingerprint, &a.Status, &a.Severity, &a.Confidence, &a.Summary,
				&a.RuleID, &a.EscalationLevel, &a.NextEscalationAt, &a.OpenedAt,
				&d.PolicyID)
			if err != nil {
				return err
			}
			due = append(due, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("scan escalations: %w", err)
	}
	return due, nil
}

// AdvanceEscalation moves a live alert to the given level and re-arms or
// clears its deadline.
func (r *Repository) AdvanceEscalation(ctx context.Context, tenantID, alertID string, level int, nextAt *time.Time) error {
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE alerts
			SET escalation_level = $2, next_escalation_at = $3, updated_at = now()
			WHERE alert_id = $1 AND status IN ('OPEN','ACKNOWLEDGED')`,
			alertID, level, nextAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("advance alert %s: %w", alertID, err)
	}
	return nil
}

// ListAlerts returns the tenant's alerts in the given statuses, newest
// first.
func (r *Repository) ListAlerts(ctx context.Context, tenantID string, statuses []models.AlertStatus, limit int) ([]models.Alert, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	var alerts []models.Alert
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+alertColumns+`
			FROM alerts
			WHERE status = ANY($1)
			ORDER BY opened_at DESC
			LIMIT $2`, pq.Array(names), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAlert(rows)
			if err != nil {
				return err
			}
			alerts = append(alerts, *a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

// Alert fetches one alert by id.
func (r *Repository) Alert(ctx context.Context, tenantID, alertID string) (*models.Alert, error) {
	var alert *models.Alert
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+alertColumns+`
			FROM alerts
			WHERE alert_id = $1`, alertID)
		a, err := scanAlert(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		alert = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load alert %s: %w", alertID, err)
	}
	return alert, nil
}

// Acknowledge moves an OPEN alert to ACKNOWLEDGED. Returns false when the
// alert is not currently OPEN.
func (r *Repository) Acknowledge(ctx context.Context, tenantID, alertID string) (*models.Alert, bool, error) {
	var alert *models.Alert
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE alerts
			SET status = 'ACKNOWLEDGED', updated_at = now()
			WHERE alert_id = $1 AND status = 'OPEN'
			RETURNING `+alertColumns, alertID)
		a, err := scanAlert(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		alert = a
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("acknowledge alert %s: %w", alertID, err)
	}
	return alert, alert != nil, nil
}

package router

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pulsegrid/pulse/internal/database"
	"github.com/pulsegrid/pulse/internal/models"
)

// Repository is the router's Postgres access: routing rules, channels, the
// idempotent job insert, and the on-call graph behind escalation targets.
type Repository struct {
	db *database.DB
}

// NewRepository builds the router repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// RoutingRules loads the tenant's enabled rules in evaluation order.
func (r *Repository) RoutingRules(ctx context.Context, tenantID string) ([]models.NotificationRoutingRule, error) {
	var rules []models.NotificationRoutingRule
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT tenant_id, rule_id, name, min_severity, alert_type, site_ids,
			       device_prefixes, deliver_on, priority, channel_id, created_at
			FROM notification_routing_rules
			WHERE enabled
			ORDER BY priority ASC, created_at ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var rule models.NotificationRoutingRule
			err := rows.Scan(&rule.TenantID, &rule.RuleID, &rule.Name, &rule.MinSeverity,
				&rule.AlertType, &rule.SiteIDs, &rule.DevicePrefixes, &rule.DeliverOn,
				&rule.Priority, &rule.ChannelID, &rule.CreatedAt)
			if err != nil {
				return err
			}
			rule.Enabled = true
			rules = append(rules, rule)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("load routing rules: %w", err)
	}
	return rules, nil
}

// Channel returns the channel when it exists and is enabled, nil otherwise.
func (r *Repository) Channel(ctx context.Context, tenantID, channelID string) (*models.NotificationChannel, error) {
	var channel *models.NotificationChannel
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT tenant_id, channel_id, name, channel_type, config, is_enabled, created_at
			FROM notification_channels
			WHERE channel_id = $1 AND is_enabled`, channelID)
		var ch models.NotificationChannel
		err := row.Scan(&ch.TenantID, &ch.ChannelID, &ch.Name, &ch.ChannelType,
			&ch.Config, &ch.IsEnabled, &ch.CreatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		channel = &ch
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load channel %s: %w", channelID, err)
	}
	return channel, nil
}

// CreateJob stages one delivery job. The unique index on
// (alert_id, channel_id, deliver_on_event) absorbs event replays: a
// duplicate reports created=false and is not an error.
func (r *Repository) CreateJob(ctx context.Context, tenantID string, job *models.NotificationJob) (bool, error) {
	created := false
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO notification_jobs
				(tenant_id, job_id, alert_id, channel_id, deliver_on_event, status, payload)
			VALUES ($1, $2, $3, $4, $5, 'PENDING', $6)
			ON CONFLICT (alert_id, channel_id, deliver_on_event) DO NOTHING
			RETURNING job_id`,
			tenantID, job.JobID, job.AlertID, job.ChannelID,
			string(job.DeliverOnEvent), job.Payload)
		err := row.Scan(&job.JobID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("stage job for alert %s: %w", job.AlertID, err)
	}
	return created, nil
}

// EscalationTargets returns the targets of the level the alert's rule
// escalated to, nil when the rule or level has none.
func (r *Repository) EscalationTargets(ctx context.Context, tenantID, ruleID string, level int) (models.EscalationTargets, error) {
	var targets models.EscalationTargets
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT l.targets
			FROM alert_rules r
			JOIN escalation_levels l
			  ON l.tenant_id = r.tenant_id AND l.policy_id = r.escalation_policy_id
			WHERE r.rule_id = $1 AND l.level = $2`, ruleID, level)
		err := row.Scan(&targets)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load escalation targets for rule %s: %w", ruleID, err)
	}
	return targets, nil
}

// Schedule loads one on-call schedule with its layers (by position) and
// overrides. A missing schedule returns nil without error.
func (r *Repository) Schedule(ctx context.Context, tenantID, scheduleID string) (*models.OnCallSchedule, []models.OnCallLayer, []models.OnCallOverride, error) {
	var (
		sched     *models.OnCallSchedule
		layers    []models.OnCallLayer
		overrides []models.OnCallOverride
	)
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT tenant_id, schedule_id, name, timezone, created_at
			FROM oncall_schedules
			WHERE schedule_id = $1`, scheduleID)
		var s models.OnCallSchedule
		err := row.Scan(&s.TenantID, &s.ScheduleID, &s.Name, &s.Timezone, &s.CreatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		sched = &s

		rows, err := tx.QueryContext(ctx, `
			SELECT tenant_id, schedule_id, position, responders, rotation_hours, rotation_start
			FROM oncall_layers
			WHERE schedule_id = $1
			ORDER BY position`, scheduleID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var l models.OnCallLayer
			err := rows.Scan(&l.TenantID, &l.ScheduleID, &l.Position,
				&l.Responders, &l.RotationHours, &l.RotationStart)
			if err != nil {
				return err
			}
			layers = append(layers, l)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		orows, err := tx.QueryContext(ctx, `
			SELECT tenant_id, override_id, schedule_id, responder, starts_at, ends_at, created_at
			FROM oncall_overrides
			WHERE schedule_id = $1`, scheduleID)
		if err != nil {
			return err
		}
		defer orows.Close()
		for orows.Next() {
			var o models.OnCallOverride
			err := orows.Scan(&o.TenantID, &o.OverrideID, &o.ScheduleID,
				&o.Responder, &o.StartsAt, &o.EndsAt, &o.CreatedAt)
			if err != nil {
				return err
			}
			overrides = append(overrides, o)
		}
		return orows.Err()
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load schedule %s: %w", scheduleID, err)
	}
	return sched, layers, overrides, nil
}

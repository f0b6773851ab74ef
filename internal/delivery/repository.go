package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pulsegrid/pulse/internal/database"
	"github.com/pulsegrid/pulse/internal/models"
)

// Repository is the delivery worker's storage access. Job rows are the
// source of truth for delivery state; the Redis queue only schedules.
type Repository struct {
	db *database.DB
}

// NewRepository builds a repository over the shared database handle.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

const jobColumns = `tenant_id, job_id, alert_id, channel_id, deliver_on_event,
	status, attempts, last_error, next_attempt_at, payload, created_at, updated_at`

func scanJob(row *sql.Row) (*models.NotificationJob, error) {
	var job models.NotificationJob
	err := row.Scan(
		&job.TenantID, &job.JobID, &job.AlertID, &job.ChannelID, &job.DeliverOnEvent,
		&job.Status, &job.Attempts, &job.LastError, &job.NextAttemptAt,
		&job.Payload, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob loads a job and its channel in one transaction. A missing job
// returns (nil, nil, nil); a job whose channel was deleted returns the job
// with a nil channel so the caller can fail it permanently.
func (r *Repository) GetJob(ctx context.Context, tenantID, jobID string) (*models.NotificationJob, *models.NotificationChannel, error) {
	var (
		job     *models.NotificationJob
		channel *models.NotificationChannel
	)
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT %s FROM notification_jobs WHERE job_id = $1`, jobColumns), jobID)
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load job %s: %w", jobID, err)
		}
		job = j

		var ch models.NotificationChannel
		err = tx.QueryRowContext(ctx, `
			SELECT tenant_id, channel_id, name, channel_type, config, is_enabled, created_at
			FROM notification_channels
			WHERE channel_id = $1`, job.ChannelID).Scan(
			&ch.TenantID, &ch.ChannelID, &ch.Name, &ch.ChannelType,
			&ch.Config, &ch.IsEnabled, &ch.CreatedAt,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load channel %s: %w", job.ChannelID, err)
		}
		channel = &ch
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return job, channel, nil
}

// MarkProcessing claims a job with a compare-and-set on PENDING. A false
// return means another worker already claimed it or the job is finished.
func (r *Repository) MarkProcessing(ctx context.Context, tenantID, jobID string) (bool, error) {
	var claimed bool
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE notification_jobs
			SET status = 'PROCESSING', updated_at = now()
			WHERE job_id = $1 AND status = 'PENDING'`, jobID)
		if err != nil {
			return fmt.Errorf("claim job %s: %w", jobID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// AppendAttempt records one dispatch try. The attempt log is append-only
// evidence and is written whether the try succeeded or not.
func (r *Repository) AppendAttempt(ctx context.Context, tenantID string, attempt models.NotificationAttempt) error {
	return r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notification_attempts
				(tenant_id, job_id, attempt_no, ok, transport_status, latency_ms, error, attempted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			tenantID, attempt.JobID, attempt.AttemptNo, attempt.OK,
			attempt.TransportStatus, attempt.LatencyMs, attempt.Error, attempt.AttemptedAt,
		)
		if err != nil {
			return fmt.Errorf("append attempt %d for job %s: %w", attempt.AttemptNo, attempt.JobID, err)
		}
		return nil
	})
}

// MarkCompleted finishes a job after a successful attempt.
func (r *Repository) MarkCompleted(ctx context.Context, tenantID, jobID string, attempts int) error {
	return r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE notification_jobs
			SET status = 'COMPLETED', attempts = $2, last_error = NULL,
			    next_attempt_at = NULL, updated_at = now()
			WHERE job_id = $1`, jobID, attempts)
		if err != nil {
			return fmt.Errorf("complete job %s: %w", jobID, err)
		}
		return nil
	})
}

// MarkRetry returns a job to PENDING with its next attempt time set, so the
// DLQ sweep can re-stage it even if the delayed set entry is lost.
func (r *Repository) MarkRetry(ctx context.Context, tenantID, jobID string, attempts int, lastError string, nextAttemptAt time.Time) error {
	return r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE notification_jobs
			SET status = 'PENDING', attempts = $2, last_error = $3,
			    next_attempt_at = $4, updated_at = now()
			WHERE job_id = $1`, jobID, attempts, lastError, nextAttemptAt)
		if err != nil {
			return fmt.Errorf("schedule retry for job %s: %w", jobID, err)
		}
		return nil
	})
}

// MarkFailed finishes a job permanently and writes its dead letter in the
// same transaction, so every FAILED job has a replayable record.
func (r *Repository) MarkFailed(ctx context.Context, tenantID, jobID string, attempts int, reason string) error {
	return r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE notification_jobs
			SET status = 'FAILED', attempts = $2, last_error = $3,
			    next_attempt_at = NULL, updated_at = now()
			WHERE job_id = $1`, jobID, attempts, reason)
		if err != nil {
			return fmt.Errorf("fail job %s: %w", jobID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dead_letters (tenant_id, letter_id, job_id, reason)
			VALUES ($1, $2, $3, $4)`,
			tenantID, uuid.NewString(), jobID, reason)
		if err != nil {
			return fmt.Errorf("write dead letter for job %s: %w", jobID, err)
		}
		return nil
	})
}

// Replay resets a FAILED job to PENDING with a fresh attempt budget and
// stamps its dead letters as replayed. Returns false when the job is not
// FAILED, so a letter already replayed once is not replayed again.
func (r *Repository) Replay(ctx context.Context, tenantID, jobID string) (bool, error) {
	var replayed bool
	err := r.db.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE notification_jobs
			SET status = 'PENDING', attempts = 0, last_error = NULL,
			    next_attempt_at = NULL, updated_at = now()
			WHERE job_id = $1 AND status = 'FAILED'`, jobID)
		if err != nil {
			return fmt.Errorf("replay job %s: %w", jobID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		replayed = true

		_, err = tx.ExecContext(ctx, `
			UPDATE dead_letters
			SET replayed_at = now()
			WHERE job_id = $1 AND replayed_at IS NULL`, jobID)
		if err != nil {
			return fmt.Errorf("stamp dead letters for job %s: %w", jobID, err)
		}
		return nil
	})
	return replayed, err
}

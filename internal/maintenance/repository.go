package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pulsegrid/pulse/internal/database"
	"github.com/pulsegrid/pulse/internal/delivery"
)

// Repository runs the cross-tenant housekeeping queries. Everything here
// executes under operator scope: purges and sweeps see all tenants.
type Repository struct {
	db *database.DB
}

// NewRepository builds a repository over the shared database handle.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// PurgeTelemetry deletes telemetry older than the cutoff in bounded batches
// and returns the number of rows removed.
func (r *Repository) PurgeTelemetry(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return r.purgeBatches(ctx, "telemetry", cutoff, batchSize)
}

// PurgeQuarantine deletes quarantine records older than the cutoff in
// bounded batches and returns the number of rows removed.
func (r *Repository) PurgeQuarantine(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return r.purgeBatches(ctx, "quarantine_events", cutoff, batchSize)
}

// purgeBatches deletes batchSize rows at a time, each batch in its own
// transaction, so the purge never holds a long lock over live ingestion.
// (tableoid, ctid) identifies a row uniquely across a partition tree, which
// plain ctid does not.
func (r *Repository) purgeBatches(ctx context.Context, table string, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 10000
	}
	query := fmt.Sprintf(`
		DELETE FROM %[1]s t
		WHERE (t.tableoid, t.ctid) IN (
			SELECT tableoid, ctid FROM %[1]s WHERE time < $1 LIMIT $2
		)`, table)

	var total int64
	for {
		var deleted int64
		err := r.db.WithOperator(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, query, cutoff, batchSize)
			if err != nil {
				return fmt.Errorf("purge %s batch: %w", table, err)
			}
			deleted, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < int64(batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// ReclaimStaleJobs returns PROCESSING jobs untouched since the cutoff to
// PENDING and reports their refs for re-staging. These are jobs whose worker
// died between the claim and the outcome write.
func (r *Repository) ReclaimStaleJobs(ctx context.Context, cutoff time.Time) ([]delivery.JobRef, error) {
	var refs []delivery.JobRef
	err := r.db.WithOperator(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE notification_jobs
			SET status = 'PENDING', updated_at = now()
			WHERE status = 'PROCESSING' AND updated_at < $1
			RETURNING tenant_id, job_id`, cutoff)
		if err != nil {
			return fmt.Errorf("reclaim stale jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var ref delivery.JobRef
			if err := rows.Scan(&ref.TenantID, &ref.JobID); err != nil {
				return err
			}
			refs = append(refs, ref)
		}
		return rows.Err()
	})
	return refs, err
}

// DueJobRefs lists PENDING jobs that should be on the pending set: retries
// whose attempt time has passed, and fresh jobs that were never staged
// (their route publish or staging was lost before stalledBefore).
func (r *Repository) DueJobRefs(ctx context.Context, dueBefore, stalledBefore time.Time) ([]delivery.JobRef, error) {
	var refs []delivery.JobRef
	err := r.db.WithOperator(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT tenant_id, job_id
			FROM notification_jobs
			WHERE status = 'PENDING'
			  AND ((next_attempt_at IS NOT NULL AND next_attempt_at <= $1)
			    OR (next_attempt_at IS NULL AND updated_at < $2))
			ORDER BY updated_at
			LIMIT 1000`, dueBefore, stalledBefore)
		if err != nil {
			return fmt.Errorf("list due jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var ref delivery.JobRef
			if err := rows.Scan(&ref.TenantID, &ref.JobID); err != nil {
				return err
			}
			refs = append(refs, ref)
		}
		return rows.Err()
	})
	return refs, err
}

// ReplayableLetters lists dead letters eligible for the automatic replay:
// not yet replayed, younger than since, and their job still FAILED.
func (r *Repository) ReplayableLetters(ctx context.Context, since time.Time) ([]delivery.JobRef, error) {
	var refs []delivery.JobRef
	err := r.db.WithOperator(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT DISTINCT l.tenant_id, l.job_id
			FROM dead_letters l
			JOIN notification_jobs j ON j.tenant_id = l.tenant_id AND j.job_id = l.job_id
			WHERE l.replayed_at IS NULL
			  AND l.created_at >= $1
			  AND j.status = 'FAILED'`, since)
		if err != nil {
			return fmt.Errorf("list replayable letters: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var ref delivery.JobRef
			if err := rows.Scan(&ref.TenantID, &ref.JobID); err != nil {
				return err
			}
			refs = append(refs, ref)
		}
		return rows.Err()
	})
	return refs, err
}

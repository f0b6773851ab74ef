package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pulsegrid/pulse/internal/logging"
)

// ErrNoTenant is returned when a tenant-scoped transaction is requested with
// an empty tenant id. Under the app role an unset app.tenant_id would make
// reads return nothing and writes fail the policy; failing fast here keeps
// that from looking like missing data.
var ErrNoTenant = errors.New("database: tenant id required for tenant-scoped transaction")

// TxFunc runs inside a transaction whose connection carries the role and
// tenant context. The *sql.Tx must not escape fn.
type TxFunc func(tx *sql.Tx) error

// WithTenant runs fn inside one transaction under the row-level-security
// role with app.tenant_id set to tenantID. SET LOCAL scope ends with the
// transaction, so the pooled connection returns clean.
func (db *DB) WithTenant(ctx context.Context, tenantID string, fn TxFunc) error {
	if tenantID == "" {
		return ErrNoTenant
	}
	return db.runTx(ctx, "pulse_app", tenantID, fn)
}

// WithOperator runs fn under the policy-bypassing operator role. Callers are
// the explicit administrative paths only: tenant enumeration for the
// evaluator, retention purges, and schema management.
func (db *DB) WithOperator(ctx context.Context, fn TxFunc) error {
	return db.runTx(ctx, "pulse_operator", "", fn)
}

func (db *DB) runTx(ctx context.Context, role, tenantID string, fn TxFunc) (err error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"operation": "tenant_transaction",
		"role":      role,
	})
	if tenantID != "" {
		logger = logger.WithField("tenant_id", tenantID)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		logger.WithError(err).Error("Failed to begin transaction")
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			logger.WithField("panic", p).Error("Transaction panicked, rolling back")
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if err = tx.Commit(); err != nil {
			logger.WithError(err).Error("Failed to commit transaction")
			err = fmt.Errorf("commit tx: %w", err)
		}
	}()

	// Role names are fixed constants; they cannot be bound as parameters.
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL ROLE %s", role)); err != nil {
		return fmt.Errorf("set role %s: %w", role, err)
	}
	if tenantID != "" {
		if _, err = tx.ExecContext(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
			return fmt.Errorf("set tenant context: %w", err)
		}
	}

	err = fn(tx)
	return err
}

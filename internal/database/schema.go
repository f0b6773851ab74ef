package database

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// InitSchema applies the embedded schema. Idempotent; runs as the connecting
// owner role, not through the tenant substrate.
func InitSchema(ctx context.Context, db *DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

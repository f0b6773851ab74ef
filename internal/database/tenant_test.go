package database

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTenantRejectsEmptyTenant(t *testing.T) {
	db := &DB{}

	err := db.WithTenant(context.Background(), "", func(tx *sql.Tx) error {
		t.Fatal("callback must not run without a tenant")
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoTenant)
}

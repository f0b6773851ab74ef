// Package database owns the relational connection and the tenant isolation
// substrate. Every tenant-scoped access goes through WithTenant; operator
// paths that legitimately cross tenants use WithOperator.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/pulsegrid/pulse/internal/config"
	"github.com/pulsegrid/pulse/internal/logging"
)

type DB struct {
	*sql.DB
}

// Connect opens an instrumented connection pool and verifies it with a ping.
func Connect(cfg config.DatabaseConfig) (*DB, error) {
	ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"host":      cfg.Host,
		"port":      cfg.Port,
		"database":  cfg.DBName,
		"ssl_mode":  cfg.SSLMode,
		"operation": "database_connection",
	})

	logger.Info("Establishing database connection")

	db, err := otelsql.Open("postgres", cfg.DSN(),
		otelsql.WithAttributes(
			semconv.DBSystemPostgreSQL,
			semconv.DBName(cfg.DBName),
			semconv.NetPeerName(cfg.Host),
			semconv.NetPeerPort(cfg.Port),
		),
	)
	if err != nil {
		logger.WithError(err).Error("Failed to open database connection")
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.WithError(err).Error("Failed to ping database")
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := otelsql.RegisterDBStatsMetrics(db,
		otelsql.WithAttributes(
			semconv.DBSystemPostgreSQL,
			semconv.DBName(cfg.DBName),
		),
	); err != nil {
		logger.WithError(err).Warn("Failed to register database stats")
	}

	logger.Info("Database connection established successfully")
	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// Health pings the database with a short deadline.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

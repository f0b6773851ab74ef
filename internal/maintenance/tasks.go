package maintenance

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pulsegrid/pulse/internal/config"
	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/metrics"
)

// Task type identifiers.
const (
	TypeTelemetryPurge  = "telemetry:purge"
	TypeQuarantinePurge = "quarantine:purge"
	TypeDLQSweep        = "delivery:dlq_sweep"
)

// PurgeStore deletes aged rows in batches.
type PurgeStore interface {
	PurgeTelemetry(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	PurgeQuarantine(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// TelemetryPurger removes telemetry rows past their retention.
type TelemetryPurger struct {
	store PurgeStore
	cfg   config.MaintenanceConfig
	met   *metrics.Metrics
}

// NewTelemetryPurger builds the telemetry retention handler.
func NewTelemetryPurger(store PurgeStore, cfg config.MaintenanceConfig, met *metrics.Metrics) *TelemetryPurger {
	return &TelemetryPurger{store: store, cfg: cfg, met: met}
}

// ProcessTask implements asynq.Handler.
func (p *TelemetryPurger) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	cutoff := time.Now().Add(-p.cfg.TelemetryRetention)
	logger := logging.FromContext(ctx).WithComponent("maintenance").WithFields(map[string]interface{}{
		"task":   TypeTelemetryPurge,
		"cutoff": cutoff.Format(time.RFC3339),
	})

	n, err := p.store.PurgeTelemetry(ctx, cutoff, p.cfg.PurgeBatchSize)
	if n > 0 {
		p.met.MaintenanceRowsPurged.WithLabelValues("telemetry").Add(float64(n))
	}
	if err != nil {
		logger.WithError(err).WithField("rows", n).Error("Telemetry purge failed")
		return err
	}
	if n > 0 {
		logger.WithField("rows", n).Info("Telemetry purged")
	}
	return nil
}

// QuarantinePurger removes quarantine records past their retention.
type QuarantinePurger struct {
	store PurgeStore
	cfg   config.MaintenanceConfig
	met   *metrics.Metrics
}

// NewQuarantinePurger builds the quarantine retention handler.
func NewQuarantinePurger(store PurgeStore, cfg config.MaintenanceConfig, met *metrics.Metrics) *QuarantinePurger {
	return &QuarantinePurger{store: store, cfg: cfg, met: met}
}

// ProcessTask implements asynq.Handler.
func (p *QuarantinePurger) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	cutoff := time.Now().Add(-p.cfg.QuarantineRetention)
	logger := logging.FromContext(ctx).WithComponent("maintenance").WithFields(map[string]interface{}{
		"task":   TypeQuarantinePurge,
		"cutoff": cutoff.Format(time.RFC3339),
	})

	n, err := p.store.PurgeQuarantine(ctx, cutoff, p.cfg.PurgeBatchSize)
	if n > 0 {
		p.met.MaintenanceRowsPurged.WithLabelValues("quarantine_events").Add(float64(n))
	}
	if err != nil {
		logger.WithError(err).WithField("rows", n).Error("Quarantine purge failed")
		return err
	}
	if n > 0 {
		logger.WithField("rows", n).Info("Quarantine purged")
	}
	return nil
}

// SweepTask adapts the sweeper to asynq.Handler.
type SweepTask struct {
	sweeper *Sweeper
}

// NewSweepTask wraps a sweeper for scheduled execution.
func NewSweepTask(sweeper *Sweeper) *SweepTask {
	return &SweepTask{sweeper: sweeper}
}

// ProcessTask implements asynq.Handler.
func (t *SweepTask) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	return t.sweeper.Sweep(ctx, time.Now())
}

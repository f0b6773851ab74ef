// Package maintenance runs the scheduled housekeeping jobs: telemetry and
// quarantine retention purges and the delivery queue sweep. asynq provides
// the cron scheduling and task execution over the shared Redis.
package maintenance

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pulsegrid/pulse/internal/config"
)

// redisOpt translates the platform Redis settings for asynq.
func redisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// Scheduler enqueues the periodic maintenance tasks on their cron specs.
// Specs run in UTC so retention cutoffs do not shift with the host zone.
type Scheduler struct {
	scheduler *asynq.Scheduler
}

// NewScheduler registers the maintenance tasks with their configured specs.
func NewScheduler(rcfg config.RedisConfig, mcfg config.MaintenanceConfig) (*Scheduler, error) {
	scheduler := asynq.NewScheduler(redisOpt(rcfg), &asynq.SchedulerOpts{
		Location: time.UTC,
	})

	entries := []struct {
		spec     string
		taskType string
	}{
		{mcfg.TelemetryPurgeSpec, TypeTelemetryPurge},
		{mcfg.QuarantinePurgeSpec, TypeQuarantinePurge},
		{mcfg.DLQSweepSpec, TypeDLQSweep},
	}
	for _, e := range entries {
		if _, err := scheduler.Register(e.spec, asynq.NewTask(e.taskType, nil)); err != nil {
			return nil, fmt.Errorf("register %s (%q): %w", e.taskType, e.spec, err)
		}
	}

	return &Scheduler{scheduler: scheduler}, nil
}

// Run starts the scheduler and blocks until Shutdown.
func (s *Scheduler) Run() error {
	return s.scheduler.Run()
}

// Shutdown stops enqueuing new tasks.
func (s *Scheduler) Shutdown() {
	s.scheduler.Shutdown()
}

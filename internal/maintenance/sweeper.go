package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/pulsegrid/pulse/internal/delivery"
	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/metrics"
)

const (
	// staleProcessingAge is how long a job may sit in PROCESSING before the
	// sweep assumes its worker died and returns it to PENDING.
	staleProcessingAge = 10 * time.Minute

	// stagingGrace is how long a fresh PENDING job may go unstaged before
	// the sweep re-stages it. Covers lost route publishes and staging writes.
	stagingGrace = 5 * time.Minute

	// replayWindow bounds the automatic dead-letter replay. Letters older
	// than this stay down unless an operator replays them by hand.
	replayWindow = 24 * time.Hour
)

// SweepStore lists the jobs and letters the sweep acts on.
type SweepStore interface {
	ReclaimStaleJobs(ctx context.Context, cutoff time.Time) ([]delivery.JobRef, error)
	DueJobRefs(ctx context.Context, dueBefore, stalledBefore time.Time) ([]delivery.JobRef, error)
	ReplayableLetters(ctx context.Context, since time.Time) ([]delivery.JobRef, error)
}

// Replayer returns a dead-lettered job to PENDING.
type Replayer interface {
	Replay(ctx context.Context, tenantID, jobID string) (bool, error)
}

// Stager puts a job ref on the pending set.
type Stager interface {
	Enqueue(ctx context.Context, ref delivery.JobRef, priority int) error
}

// Sweeper repairs the delivery pipeline: it returns orphaned PROCESSING jobs
// to PENDING, re-stages PENDING jobs that fell off the queue, and gives
// recent dead letters one automatic second life.
type Sweeper struct {
	store SweepStore
	jobs  Replayer
	queue Stager
	met   *metrics.Metrics
}

// NewSweeper wires a sweeper over the maintenance store, the delivery job
// repository, and the delivery queue.
func NewSweeper(store SweepStore, jobs Replayer, queue Stager, met *metrics.Metrics) *Sweeper {
	return &Sweeper{store: store, jobs: jobs, queue: queue, met: met}
}

// Sweep runs the three repair phases. Each phase runs even when an earlier
// one failed; the first error is reported so the scheduler retries the task.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) error {
	logger := logging.FromContext(ctx).WithComponent("maintenance")

	var firstErr error
	keep := func(err error) {
		if firstErr == nil && err != nil {
			firstErr = err
		}
	}

	reclaimed, err := s.store.ReclaimStaleJobs(ctx, now.Add(-staleProcessingAge))
	if err != nil {
		logger.WithError(err).Error("Stale job reclaim failed")
		keep(err)
	} else {
		keep(s.stage(ctx, logger, reclaimed, "reclaimed"))
	}

	due, err := s.store.DueJobRefs(ctx, now, now.Add(-stagingGrace))
	if err != nil {
		logger.WithError(err).Error("Due job listing failed")
		keep(err)
	} else {
		keep(s.stage(ctx, logger, due, "due"))
	}

	keep(s.replayLetters(ctx, logger, now.Add(-replayWindow)))

	if firstErr != nil {
		return fmt.Errorf("dlq sweep: %w", firstErr)
	}
	return nil
}

// stage re-adds refs to the pending set at top priority. A due retry or a
// reclaimed job has already waited; it should not queue behind new work.
func (s *Sweeper) stage(ctx context.Context, logger *logging.ContextualLogger, refs []delivery.JobRef, kind string) error {
	var firstErr error
	staged := 0
	for _, ref := range refs {
		if err := s.queue.Enqueue(ctx, ref, 0); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logger.WithError(err).WithFields(map[string]interface{}{
				"tenant_id": ref.TenantID,
				"job_id":    ref.JobID,
			}).Error("Job re-staging failed")
			continue
		}
		staged++
	}
	if staged > 0 {
		s.met.MaintenanceRestaged.WithLabelValues(kind).Add(float64(staged))
		logger.WithFields(map[string]interface{}{
			"kind":  kind,
			"count": staged,
		}).Info("Jobs re-staged")
	}
	return firstErr
}

// replayLetters gives each replayable dead letter one automatic retry cycle.
// Replay stamps the letter, so a job that dead-letters again stays down.
func (s *Sweeper) replayLetters(ctx context.Context, logger *logging.ContextualLogger, since time.Time) error {
	letters, err := s.store.ReplayableLetters(ctx, since)
	if err != nil {
		logger.WithError(err).Error("Replayable letter listing failed")
		return err
	}

	var firstErr error
	replayed := 0
	for _, ref := range letters {
		fields := map[string]interface{}{
			"tenant_id": ref.TenantID,
			"job_id":    ref.JobID,
		}
		ok, err := s.jobs.Replay(ctx, ref.TenantID, ref.JobID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logger.WithError(err).WithFields(fields).Error("Dead letter replay failed")
			continue
		}
		if !ok {
			// The job left FAILED between the listing and the replay.
			continue
		}
		if err := s.queue.Enqueue(ctx, ref, 0); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			// The row is PENDING with no staged ref; the next sweep's
			// due-job phase picks it up.
			logger.WithError(err).WithFields(fields).Error("Replayed job staging failed")
			continue
		}
		replayed++
	}
	if replayed > 0 {
		s.met.MaintenanceRestaged.WithLabelValues("replayed").Add(float64(replayed))
		logger.WithField("count", replayed).Info("Dead letters replayed")
	}
	return firstErr
}

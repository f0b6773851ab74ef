// Package delivery executes notification jobs staged by the router. The
// job row in Postgres is the source of truth for delivery state; Redis
// sorted sets schedule the work and fence concurrent workers. Every dispatch
// try lands in the attempt log, failures back off exponentially, and a job
// that exhausts its attempts is dead-lettered for replay.
package delivery

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pulsegrid/pulse/internal/config"
	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/metrics"
	"github.com/pulsegrid/pulse/internal/models"
)

// JobStore is the slice of Repository the state machine needs.
type JobStore interface {
	GetJob(ctx context.Context, tenantID, jobID string) (*models.NotificationJob, *models.NotificationChannel, error)
	MarkProcessing(ctx context.Context, tenantID, jobID string) (bool, error)
	AppendAttempt(ctx context.Context, tenantID string, attempt models.NotificationAttempt) error
	MarkCompleted(ctx context.Context, tenantID, jobID string, attempts int) error
	MarkRetry(ctx context.Context, tenantID, jobID string, attempts int, lastError string, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, tenantID, jobID string, attempts int, reason string) error
}

// JobScheduler is the slice of Queue the state machine needs: locks and
// terminal/retry moves. Fetching is the worker loop's concern.
type JobScheduler interface {
	Delay(ctx context.Context, ref JobRef, nextAttemptAt time.Time) error
	Remove(ctx context.Context, ref JobRef) error
	AcquireLock(ctx context.Context, ref JobRef, workerID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, ref JobRef, workerID string) error
}

// Service runs one notification job through claim, dispatch, and outcome.
type Service struct {
	store    JobStore
	sched    JobScheduler
	senders  *Registry
	met      *metrics.Metrics
	cfg      config.DeliveryConfig
	workerID string
}

// NewService builds the state machine. The worker id distinguishes this
// process in Redis lock values.
func NewService(store JobStore, sched JobScheduler, senders *Registry, met *metrics.Metrics, cfg config.DeliveryConfig) *Service {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "delivery"
	}
	return &Service{
		store:    store,
		sched:    sched,
		senders:  senders,
		met:      met,
		cfg:      cfg,
		workerID: host + "-" + uuid.NewString()[:8],
	}
}

// Process takes a staged ref through one delivery attempt. Locks and the
// PENDING->PROCESSING compare-and-set make it safe to call concurrently for
// the same ref from any number of workers.
func (s *Service) Process(ctx context.Context, ref JobRef) {
	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "delivery",
		"tenant_id": ref.TenantID,
		"job_id":    ref.JobID,
	})

	locked, err := s.sched.AcquireLock(ctx, ref, s.workerID, s.cfg.LockTTL)
	if err != nil {
		logger.WithError(err).Warn("Job lock unavailable, leaving ref staged")
		return
	}
	if !locked {
		return
	}
	defer func() {
		if err := s.sched.ReleaseLock(ctx, ref, s.workerID); err != nil {
			logger.WithError(err).Warn("Job lock release failed, TTL will expire it")
		}
	}()

	claimed, err := s.store.MarkProcessing(ctx, ref.TenantID, ref.JobID)
	if err != nil {
		logger.WithError(err).Error("Job claim failed, leaving ref staged")
		return
	}
	if !claimed {
		// Not PENDING: finished, failed, or waiting on a future attempt
		// time that the promoter will restage.
		if err := s.sched.Remove(ctx, ref); err != nil {
			logger.WithError(err).Warn("Stale ref removal failed")
		}
		return
	}

	s.met.DeliveryJobsInflight.Inc()
	defer s.met.DeliveryJobsInflight.Dec()

	job, channel, err := s.store.GetJob(ctx, ref.TenantID, ref.JobID)
	if err != nil {
		// Row is stuck in PROCESSING until the maintenance sweep returns it.
		logger.WithError(err).Error("Job load failed after claim")
		return
	}
	if job == nil {
		logger.Warn("Staged ref points at no job row, dropping")
		if err := s.sched.Remove(ctx, ref); err != nil {
			logger.WithError(err).Warn("Stale ref removal failed")
		}
		return
	}

	attemptNo := job.Attempts + 1
	status, latency, sendErr := s.dispatch(ctx, job, channel)

	attempt := models.NotificationAttempt{
		JobID:           job.JobID,
		AttemptNo:       attemptNo,
		OK:              sendErr == nil,
		TransportStatus: status,
		LatencyMs:       latency.Milliseconds(),
		AttemptedAt:     time.Now().UTC(),
	}
	if sendErr != nil {
		attempt.Error = models.Ptr(sendErr.Error())
	}
	if err := s.store.AppendAttempt(ctx, ref.TenantID, attempt); err != nil {
		// The attempt record is evidence; losing it must not change the
		// job's outcome.
		logger.WithError(err).Error("Attempt record write failed")
	}

	s.settle(ctx, logger, ref, job, channel, attemptNo, status, sendErr)
}

// dispatch resolves the sender and runs one timed send. Configuration gaps
// (missing channel, disabled channel, unknown transport) come back as
// permanent delivery errors so the job dead-letters instead of spinning.
func (s *Service) dispatch(ctx context.Context, job *models.NotificationJob, channel *models.NotificationChannel) (string, time.Duration, error) {
	switch {
	case channel == nil:
		return "channel_missing", 0, apperrors.NewDeliveryError("none", false,
			fmt.Errorf("channel %s no longer exists", job.ChannelID))
	case !channel.IsEnabled:
		return "channel_disabled", 0, apperrors.NewDeliveryError(string(channel.ChannelType), false,
			fmt.Errorf("channel %s is disabled", job.ChannelID))
	}

	sender, ok := s.senders.Sender(channel.ChannelType)
	if !ok {
		return "transport_unknown", 0, apperrors.NewDeliveryError(string(channel.ChannelType), false,
			fmt.Errorf("no sender registered for %s", channel.ChannelType))
	}

	timer := prometheus.NewTimer(s.met.DeliveryAttemptTimer.WithLabelValues(string(channel.ChannelType)))
	start := time.Now()
	status, err := sender.Send(ctx, channel, &job.Payload)
	timer.ObserveDuration()
	return status, time.Since(start), err
}

// settle writes the attempt's outcome: complete, schedule a retry, or
// dead-letter. Outcome writes that fail leave the row PROCESSING for the
// maintenance sweep; the ref stays staged either way.
func (s *Service) settle(ctx context.Context, logger *logging.ContextualLogger, ref JobRef, job *models.NotificationJob, channel *models.NotificationChannel, attemptNo int, status string, sendErr error) {
	channelType := "none"
	if channel != nil {
		channelType = string(channel.ChannelType)
	}
	logger = logger.WithFields(map[string]interface{}{
		"channel_id":       job.ChannelID,
		"channel_type":     channelType,
		"attempt":          attemptNo,
		"transport_status": status,
	})

	switch {
	case sendErr == nil:
		if err := s.store.MarkCompleted(ctx, ref.TenantID, ref.JobID, attemptNo); err != nil {
			logger.WithError(err).Error("Completion write failed")
			return
		}
		s.met.DeliveryJobsCompleted.WithLabelValues(ref.TenantID, channelType).Inc()
		if err := s.sched.Remove(ctx, ref); err != nil {
			logger.WithError(err).Warn("Completed ref removal failed")
		}
		logger.Info("Notification delivered")

	case apperrors.IsRetryableDelivery(sendErr) && attemptNo < s.cfg.MaxAttempts:
		nextAt := time.Now().Add(s.backoff(attemptNo))
		if err := s.store.MarkRetry(ctx, ref.TenantID, ref.JobID, attemptNo, sendErr.Error(), nextAt); err != nil {
			logger.WithError(err).Error("Retry write failed")
			return
		}
		if err := s.sched.Delay(ctx, ref, nextAt); err != nil {
			// The row carries next_attempt_at; the sweep restages it.
			logger.WithError(err).Warn("Retry staging failed, sweep will recover")
		}
		logger.WithError(sendErr).WithField("next_attempt_at", nextAt.UTC().Format(time.RFC3339)).
			Warn("Delivery attempt failed, retry scheduled")

	default:
		reason := sendErr.Error()
		if err := s.store.MarkFailed(ctx, ref.TenantID, ref.JobID, attemptNo, reason); err != nil {
			logger.WithError(err).Error("Dead-letter write failed")
			return
		}
		s.met.DeliveryJobsFailed.WithLabelValues(ref.TenantID).Inc()
		s.met.DeliveryDLQ.Inc()
		if err := s.sched.Remove(ctx, ref); err != nil {
			logger.WithError(err).Warn("Failed ref removal failed")
		}
		logger.WithError(sendErr).Error("Delivery failed permanently, job dead-lettered")
	}
}

// backoff returns base*2^(attempt-1) capped at the configured maximum, with
// the configured jitter fraction applied in both directions.
func (s *Service) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			d = s.cfg.BackoffMax
			break
		}
	}
	if d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	jitter := 1 + (rand.Float64()*2-1)*s.cfg.JitterFraction
	return time.Duration(float64(d) * jitter)
}

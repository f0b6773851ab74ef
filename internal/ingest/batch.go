package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pulsegrid/pulse/internal/bus"
	"github.com/pulsegrid/pulse/internal/config"
	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/metrics"
	"github.com/pulsegrid/pulse/internal/models"
)

// BatchStore is the storage surface the writer needs.
type BatchStore interface {
	InsertBatch(ctx context.Context, tenantID string, records []models.TelemetryRecord) error
	Quarantine(ctx context.Context, ev models.QuarantineEvent) error
}

// Publisher is the bus surface the writer needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, v interface{}) error
}

// BatchWriter groups accepted records per tenant and flushes each group in
// one tenant transaction when it reaches the size cap or the age cap.
// A batch that exhausts its flush retries is quarantined rather than lost;
// canonical records are published to the bus only after their flush commits.
type BatchWriter struct {
	store BatchStore
	pub   Publisher
	met   *metrics.Metrics
	cfg   config.IngestConfig

	mu      sync.Mutex
	buffers map[string]*tenantBuffer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool
}

type tenantBuffer struct {
	records []models.TelemetryRecord
	oldest  time.Time
}

// NewBatchWriter wires the writer to its store and publisher.
func NewBatchWriter(store BatchStore, pub Publisher, met *metrics.Metrics, cfg config.IngestConfig) *BatchWriter {
	return &BatchWriter{
		store:   store,
		pub:     pub,
		met:     met,
		cfg:     cfg,
		buffers: make(map[string]*tenantBuffer),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the age-based flush loop.
func (w *BatchWriter) Start() {
	w.running.Store(true)
	w.wg.Add(1)
	go w.ageLoop()
}

// Running reports whether the writer accepts records; readiness depends on it.
func (w *BatchWriter) Running() bool {
	return w.running.Load()
}

// Enqueue stages one record. When the tenant's buffer reaches the size cap
// the flush happens on the calling goroutine, which is the backpressure.
func (w *BatchWriter) Enqueue(ctx context.Context, rec models.TelemetryRecord) error {
	if !w.running.Load() {
		return apperrors.NewInternalError("batch writer is not running", nil)
	}

	var due []models.TelemetryRecord
	w.mu.Lock()
	buf, ok := w.buffers[rec.TenantID]
	if !ok {
		buf = &tenantBuffer{records: make([]models.TelemetryRecord, 0, w.cfg.BatchMaxSize)}
		w.buffers[rec.TenantID] = buf
	}
	if len(buf.records) == 0 {
		buf.oldest = time.Now()
	}
	buf.records = append(buf.records, rec)
	if len(buf.records) >= w.cfg.BatchMaxSize {
		due = buf.records
		buf.records = make([]models.TelemetryRecord, 0, w.cfg.BatchMaxSize)
	}
	w.mu.Unlock()

	if due != nil {
		w.flush(rec.TenantID, due)
	}
	return nil
}

func (w *BatchWriter) ageLoop() {
	defer w.wg.Done()

	interval := w.cfg.BatchMaxAge / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for tenantID, records := range w.takeDue(time.Now()) {
				w.flush(tenantID, records)
			}
		case <-w.stopCh:
			return
		}
	}
}

// takeDue swaps out every buffer older than the age cap.
func (w *BatchWriter) takeDue(now time.Time) map[string][]models.TelemetryRecord {
	due := make(map[string][]models.TelemetryRecord)
	w.mu.Lock()
	for tenantID, buf := range w.buffers {
		if len(buf.records) == 0 {
			continue
		}
		if now.Sub(buf.oldest) >= w.cfg.BatchMaxAge {
			due[tenantID] = buf.records
			buf.records = make([]models.TelemetryRecord, 0, w.cfg.BatchMaxSize)
		}
	}
	w.mu.Unlock()
	return due
}

// flush commits one tenant's batch, retrying transient failures. Records
// whose flush ultimately fails are quarantined, not dropped.
func (w *BatchWriter) flush(tenantID string, records []models.TelemetryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"operation": "batch_flush",
		"tenant_id": tenantID,
		"records":   len(records),
	})

	start := time.Now()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	err := backoff.Retry(func() error {
		return w.store.InsertBatch(ctx, tenantID, records)
	}, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(w.cfg.FlushTries-1)))
	w.met.IngestBatchWriteSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		logger.WithError(err).Error("Batch flush exhausted retries, quarantining records")
		w.quarantineBatch(ctx, records)
		return
	}

	w.publishBatch(ctx, records)
}

// publishBatch fans the committed records out on the bus. Publication is
// best-effort: downstream consumers also poll the store, so a failure is
// counted and logged, never retried here.
func (w *BatchWriter) publishBatch(ctx context.Context, records []models.TelemetryRecord) {
	for i := range records {
		rec := &records[i]
		if err := w.pub.Publish(ctx, bus.TelemetrySubject(rec.TenantID, rec.DeviceID), rec); err != nil {
			w.met.IngestPublishFailures.Inc()
			logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"operation": "record_publish",
				"tenant_id": rec.TenantID,
				"device_id": rec.DeviceID,
			}).Warn("Failed to publish canonical record")
		}
	}
}

func (w *BatchWriter) quarantineBatch(ctx context.Context, records []models.TelemetryRecord) {
	for i := range records {
		rec := &records[i]
		payload, _ := json.Marshal(rec)
		ev := models.QuarantineEvent{
			Time:            time.Now().UTC(),
			TenantID:        rec.TenantID,
			DeviceID:        rec.DeviceID,
			ReasonCode:      apperrors.ReasonPersistenceFailed,
			Payload:         payload,
			EnvelopeVersion: rec.EnvelopeVersion,
		}
		if err := w.store.Quarantine(ctx, ev); err != nil {
			logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"operation": "quarantine_write",
				"tenant_id": rec.TenantID,
				"device_id": rec.DeviceID,
			}).Error("Quarantine write failed, record lost")
		}
	}
}

// Stop flushes every remaining buffer and halts the writer.
func (w *BatchWriter) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.running.Store(false)

	w.mu.Lock()
	remaining := w.buffers
	w.buffers = make(map[string]*tenantBuffer)
	w.mu.Unlock()

	for tenantID, buf := range remaining {
		if len(buf.records) > 0 {
			w.flush(tenantID, buf.records)
		}
	}
}

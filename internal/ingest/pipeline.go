package ingest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsegrid/pulse/internal/config"
	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/metrics"
	"github.com/pulsegrid/pulse/internal/models"
)

// DeviceSource is the registry surface the pipeline validates against. The
// quarantine sink lives on the same store so a rejection and its evidence
// share one home.
type DeviceSource interface {
	Device(ctx context.Context, tenantID, deviceID string) (*models.Device, error)
	Quarantine(ctx context.Context, ev models.QuarantineEvent) error
}

// SeqClaimer is the duplicate-suppression surface.
type SeqClaimer interface {
	Claim(ctx context.Context, tenantID, deviceID string, seq *int64) bool
}

// RecordSink receives accepted records; the batch writer implements it.
type RecordSink interface {
	Enqueue(ctx context.Context, rec models.TelemetryRecord) error
	Running() bool
}

// Pipeline runs the shared validation chain for every ingest front (HTTP,
// bus consumer) and stages accepted records on a bounded queue drained by a
// worker pool into the batch writer. A full queue blocks the caller, which
// is the backpressure the fronts rely on.
type Pipeline struct {
	devices DeviceSource
	dedup   SeqClaimer
	limits  *RateLimiterRegistry
	sink    RecordSink
	met     *metrics.Metrics
	cfg     config.IngestConfig

	queue chan models.TelemetryRecord

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewPipeline wires the validation chain to its dependencies.
func NewPipeline(devices DeviceSource, dedup SeqClaimer, limits *RateLimiterRegistry, sink RecordSink, met *metrics.Metrics, cfg config.IngestConfig) *Pipeline {
	return &Pipeline{
		devices: devices,
		dedup:   dedup,
		limits:  limits,
		sink:    sink,
		met:     met,
		cfg:     cfg,
		queue:   make(chan models.TelemetryRecord, cfg.QueueCapacity),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the queue workers.
func (p *Pipeline) Start() {
	p.running.Store(true)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Running reports whether the pipeline accepts envelopes.
func (p *Pipeline) Running() bool {
	return p.running.Load() && p.sink.Running()
}

// Accept runs one envelope through the full validation chain and stages the
// record on success. Rejections are quarantined with their stable reason,
// counted, and returned; the caller only maps them to a transport response.
// A non-rejection error (store outage, shutdown) is returned without a
// quarantine row so bus fronts can redeliver.
func (p *Pipeline) Accept(ctx context.Context, tenantID, deviceID string, payload []byte, source string) *apperrors.AppError {
	env, appErr := ParseEnvelope(payload, int(p.cfg.MaxPayloadBytes))
	if appErr != nil {
		return p.reject(ctx, tenantID, deviceID, source, payload, "", appErr)
	}
	if appErr := env.CheckIdentity(deviceID); appErr != nil {
		return p.reject(ctx, tenantID, deviceID, source, payload, env.Version, appErr)
	}
	if appErr := env.CheckClock(time.Now(), p.cfg.SkewTolerance, p.cfg.AllowSkewBypass); appErr != nil {
		return p.reject(ctx, tenantID, deviceID, source, payload, env.Version, appErr)
	}

	if !p.limits.Allow(tenantID, deviceID) {
		return p.reject(ctx, tenantID, deviceID, source, payload, env.Version,
			apperrors.NewRateLimitError(tenantID, deviceID))
	}

	dev, err := p.devices.Device(ctx, tenantID, deviceID)
	if err != nil {
		return apperrors.NewDatabaseError("device_lookup", err)
	}
	if dev == nil || dev.Status == models.DeviceDecommissioned {
		return p.reject(ctx, tenantID, deviceID, source, payload, env.Version,
			apperrors.NewRejectionError(apperrors.ReasonUnknownDevice,
				"Device is not provisioned for this tenant"))
	}

	if !p.dedup.Claim(ctx, tenantID, deviceID, env.Seq) {
		return p.reject(ctx, tenantID, deviceID, source, payload, env.Version,
			apperrors.NewRejectionError(apperrors.ReasonDuplicateSeq,
				"Sequence number already seen inside the dedup window"))
	}

	if err := p.submit(ctx, env.Record(tenantID, dev.SiteID)); err != nil {
		return err
	}
	p.met.IngestMessages.WithLabelValues(tenantID, "accepted").Inc()
	return nil
}

// submit blocks until the record is staged, the context ends, or the
// pipeline stops.
func (p *Pipeline) submit(ctx context.Context, rec models.TelemetryRecord) *apperrors.AppError {
	if !p.running.Load() {
		return apperrors.NewInternalError("ingest pipeline is not running", nil)
	}
	select {
	case p.queue <- rec:
		p.met.IngestQueueDepth.Inc()
		return nil
	case <-ctx.Done():
		return apperrors.NewTimeoutError("ingest_queue", p.cfg.BatchMaxAge)
	case <-p.stopCh:
		return apperrors.NewInternalError("ingest pipeline is shutting down", nil)
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case rec := <-p.queue:
			p.met.IngestQueueDepth.Dec()
			p.stage(rec)
		case <-p.stopCh:
			// Drain whatever was staged before the stop.
			for {
				select {
				case rec := <-p.queue:
					p.met.IngestQueueDepth.Dec()
					p.stage(rec)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) stage(rec models.TelemetryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.sink.Enqueue(ctx, rec); err != nil {
		logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"operation": "pipeline_stage",
			"tenant_id": rec.TenantID,
			"device_id": rec.DeviceID,
		}).Error("Failed to stage accepted record")
	}
}

// reject counts and quarantines one rejected envelope. The quarantine write
// is best-effort: losing the evidence row must not turn a rejection into a
// retry storm.
func (p *Pipeline) reject(ctx context.Context, tenantID, deviceID, source string, payload []byte, version string, appErr *apperrors.AppError) *apperrors.AppError {
	p.met.IngestMessages.WithLabelValues(tenantID, resultLabel(appErr.Code)).Inc()

	ev := models.QuarantineEvent{
		Time:            time.Now().UTC(),
		TenantID:        tenantID,
		DeviceID:        deviceID,
		Topic:           source,
		ReasonCode:      appErr.Code,
		Payload:         payload,
		EnvelopeVersion: version,
	}
	if err := p.devices.Quarantine(ctx, ev); err != nil {
		logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"operation":   "quarantine_write",
			"tenant_id":   tenantID,
			"device_id":   deviceID,
			"reason_code": appErr.Code,
		}).Error("Quarantine write failed for rejected envelope")
	}
	return appErr
}

// resultLabel normalizes a reason code for the metric label. Versioned
// rejections carry the offending version after a colon; the label keeps the
// stable prefix only so cardinality stays bounded.
func resultLabel(code string) string {
	if i := strings.IndexByte(code, ':'); i >= 0 {
		return code[:i]
	}
	return code
}

// Stop drains the queue and halts the workers. The batch writer is stopped
// by the caller afterwards so drained records still reach a flush.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.running.Store(false)
}

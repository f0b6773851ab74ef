package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegrid/pulse/internal/config"
	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/metrics"
	"github.com/pulsegrid/pulse/internal/models"
)

type fakeDeviceSource struct {
	mu          sync.Mutex
	devices     map[string]*models.Device
	quarantined []models.QuarantineEvent
	lookupErr   error
}

func newFakeDeviceSource(devices ...*models.Device) *fakeDeviceSource {
	f := &fakeDeviceSource{devices: make(map[string]*models.Device)}
	for _, d := range devices {
		f.devices[d.TenantID+"/"+d.DeviceID] = d
	}
	return f
}

func (f *fakeDeviceSource) Device(_ context.Context, tenantID, deviceID string) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.devices[tenantID+"/"+deviceID], nil
}

func (f *fakeDeviceSource) Quarantine(_ context.Context, ev models.QuarantineEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quarantined = append(f.quarantined, ev)
	return nil
}

func (f *fakeDeviceSource) quarantineReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	reasons := make([]string, len(f.quarantined))
	for i, ev := range f.quarantined {
		reasons[i] = ev.ReasonCode
	}
	return reasons
}

type fakeClaimer struct{ duplicate bool }

func (f *fakeClaimer) Claim(context.Context, string, string, *int64) bool {
	return !f.duplicate
}

type fakeSink struct {
	mu      sync.Mutex
	records []models.TelemetryRecord
	err     error
}

func (f *fakeSink) Enqueue(_ context.Context, rec models.TelemetryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeSink) Running() bool { return true }

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func provisionedDevice(tenantID, deviceID string) *models.Device {
	return &models.Device{
		TenantID: tenantID,
		DeviceID: deviceID,
		SiteID:   models.Ptr("site-a"),
		Status:   models.DeviceOnline,
	}
}

func newTestPipeline(t *testing.T, devices *fakeDeviceSource, dedup SeqClaimer) (*Pipeline, *fakeSink) {
	t.Helper()
	cfg := config.DefaultIngestConfig()
	cfg.Workers = 1
	cfg.QueueCapacity = 16

	sink := &fakeSink{}
	limits := NewRateLimiterRegistry(cfg.RatePerSecond, cfg.RateBurst)
	t.Cleanup(limits.Stop)

	p := NewPipeline(devices, dedup, limits, sink, metrics.New(), cfg)
	p.Start()
	t.Cleanup(p.Stop)
	return p, sink
}

func TestPipeline_AcceptStagesRecord(t *testing.T) {
	devices := newFakeDeviceSource(provisionedDevice("t-1", "d-1"))
	p, sink := newTestPipeline(t, devices, &fakeClaimer{})

	appErr := p.Accept(context.Background(), "t-1", "d-1", envelopeBody(t, nil), "test")
	require.Nil(t, appErr)

	assert.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, devices.quarantineReasons())

	sink.mu.Lock()
	rec := sink.records[0]
	sink.mu.Unlock()
	assert.Equal(t, "t-1", rec.TenantID)
	require.NotNil(t, rec.SiteID)
	assert.Equal(t, "site-a", *rec.SiteID, "site comes from the registry")
}

func TestPipeline_UnknownDeviceQuarantines(t *testing.T) {
	devices := newFakeDeviceSource()
	p, sink := newTestPipeline(t, devices, &fakeClaimer{})

	appErr := p.Accept(context.Background(), "t-1", "d-404", envelopeBody(t, func(m map[string]interface{}) {
		m["device_id"] = "d-404"
	}), "test")

	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ReasonUnknownDevice, appErr.Code)
	assert.Equal(t, []string{apperrors.ReasonUnknownDevice}, devices.quarantineReasons())
	assert.Equal(t, 0, sink.count())
}

func TestPipeline_DecommissionedDeviceRejected(t *testing.T) {
	dev := provisionedDevice("t-1", "d-1")
	dev.Status = models.DeviceDecommissioned
	devices := newFakeDeviceSource(dev)
	p, _ := newTestPipeline(t, devices, &fakeClaimer{})

	appErr := p.Accept(context.Background(), "t-1", "d-1", envelopeBody(t, nil), "test")
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ReasonUnknownDevice, appErr.Code)
}

func TestPipeline_DuplicateSeqRejected(t *testing.T) {
	devices := newFakeDeviceSource(provisionedDevice("t-1", "d-1"))
	p, sink := newTestPipeline(t, devices, &fakeClaimer{duplicate: true})

	appErr := p.Accept(context.Background(), "t-1", "d-1", envelopeBody(t, nil), "test")
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ReasonDuplicateSeq, appErr.Code)
	assert.Equal(t, []string{apperrors.ReasonDuplicateSeq}, devices.quarantineReasons())
	assert.Equal(t, 0, sink.count())
}

func TestPipeline_RateLimitQuarantinesAndRejects(t *testing.T) {
	devices := newFakeDeviceSource(provisionedDevice("t-1", "d-1"))

	cfg := config.DefaultIngestConfig()
	cfg.Workers = 1
	sink := &fakeSink{}
	limits := NewRateLimiterRegistry(0.0001, 1)
	defer limits.Stop()
	p := NewPipeline(devices, &fakeClaimer{}, limits, sink, metrics.New(), cfg)
	p.Start()
	defer p.Stop()

	require.Nil(t, p.Accept(context.Background(), "t-1", "d-1", envelopeBody(t, nil), "test"))

	appErr := p.Accept(context.Background(), "t-1", "d-1", envelopeBody(t, nil), "test")
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ReasonRateLimited, appErr.Code)
	assert.Equal(t, 429, appErr.HTTPStatus)
	assert.Contains(t, devices.quarantineReasons(), apperrors.ReasonRateLimited)
}

func TestPipeline_StoreOutageIsNotARejection(t *testing.T) {
	devices := newFakeDeviceSource()
	devices.lookupErr = errors.New("connection refused")
	p, _ := newTestPipeline(t, devices, &fakeClaimer{})

	appErr := p.Accept(context.Background(), "t-1", "d-1", envelopeBody(t, nil), "test")
	require.NotNil(t, appErr)
	assert.Equal(t, "", apperrors.RejectionReason(appErr), "outages must not read as rejections")
	assert.Empty(t, devices.quarantineReasons(), "no quarantine evidence for transient failures")
}

func TestPipeline_SchemaRejectQuarantinesRawPayload(t *testing.T) {
	devices := newFakeDeviceSource(provisionedDevice("t-1", "d-1"))
	p, _ := newTestPipeline(t, devices, &fakeClaimer{})

	appErr := p.Accept(context.Background(), "t-1", "d-1", []byte("not json"), "mqtt-topic")
	require.NotNil(t, appErr)

	devices.mu.Lock()
	defer devices.mu.Unlock()
	require.Len(t, devices.quarantined, 1)
	assert.Equal(t, []byte("not json"), devices.quarantined[0].Payload)
	assert.Equal(t, "mqtt-topic", devices.quarantined[0].Topic)
}

func TestSplitIngestSubject(t *testing.T) {
	tenant, device, ok := splitIngestSubject("ingest.t-1.d-9")
	require.True(t, ok)
	assert.Equal(t, "t-1", tenant)
	assert.Equal(t, "d-9", device)

	_, _, ok = splitIngestSubject("telemetry.t-1.d-9")
	assert.False(t, ok)
	_, _, ok = splitIngestSubject("ingest.t-1")
	assert.False(t, ok)
}

func TestSplitDeviceTopic(t *testing.T) {
	tenant, device, ok := splitDeviceTopic("telemetry/t-1/d-9/heartbeat")
	require.True(t, ok)
	assert.Equal(t, "t-1", tenant)
	assert.Equal(t, "d-9", device)

	_, _, ok = splitDeviceTopic("telemetry/t-1/d-9")
	assert.False(t, ok)
	_, _, ok = splitDeviceTopic("commands/t-1/d-9/telemetry")
	assert.False(t, ok)
}

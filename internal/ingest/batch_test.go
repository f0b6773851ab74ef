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

type fakeBatchStore struct {
	mu          sync.Mutex
	batches     map[string][][]models.TelemetryRecord
	quarantined []models.QuarantineEvent
	insertErr   error
}

func newFakeBatchStore() *fakeBatchStore {
	return &fakeBatchStore{batches: make(map[string][][]models.TelemetryRecord)}
}

func (f *fakeBatchStore) InsertBatch(_ context.Context, tenantID string, records []models.TelemetryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.batches[tenantID] = append(f.batches[tenantID], records)
	return nil
}

func (f *fakeBatchStore) Quarantine(_ context.Context, ev models.QuarantineEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quarantined = append(f.quarantined, ev)
	return nil
}

func (f *fakeBatchStore) batchCount(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches[tenantID])
}

func (f *fakeBatchStore) quarantineCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.quarantined)
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	return nil
}

func (f *fakePublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subjects...)
}

func batchConfig() config.IngestConfig {
	cfg := config.DefaultIngestConfig()
	cfg.BatchMaxSize = 3
	cfg.BatchMaxAge = 50 * time.Millisecond
	cfg.FlushTries = 2
	return cfg
}

func record(tenantID, deviceID string) models.TelemetryRecord {
	return models.TelemetryRecord{
		Time:            time.Now().UTC(),
		TenantID:        tenantID,
		DeviceID:        deviceID,
		Metrics:         models.MetricsMap{"temp_c": 21.5},
		MsgType:         models.MsgTelemetry,
		EnvelopeVersion: "1",
	}
}

func TestBatchWriter_SizeCapFlushesOnCaller(t *testing.T) {
	store := newFakeBatchStore()
	pub := &fakePublisher{}
	w := NewBatchWriter(store, pub, metrics.New(), batchConfig())
	w.Start()
	defer w.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Enqueue(ctx, record("t-1", "d-1")))
	}

	// The third enqueue hit the size cap, so the flush already happened on
	// this goroutine.
	assert.Equal(t, 1, store.batchCount("t-1"))
	assert.Len(t, pub.published(), 3)
	assert.Equal(t, "telemetry.t-1.d-1", pub.published()[0])
}

func TestBatchWriter_AgeFlush(t *testing.T) {
	store := newFakeBatchStore()
	w := NewBatchWriter(store, &fakePublisher{}, metrics.New(), batchConfig())
	w.Start()
	defer w.Stop()

	require.NoError(t, w.Enqueue(context.Background(), record("t-1", "d-1")))

	assert.Eventually(t, func() bool {
		return store.batchCount("t-1") == 1
	}, 2*time.Second, 20*time.Millisecond, "a lone record flushes on age")
}

func TestBatchWriter_TenantsFlushSeparately(t *testing.T) {
	store := newFakeBatchStore()
	w := NewBatchWriter(store, &fakePublisher{}, metrics.New(), batchConfig())
	w.Start()

	ctx := context.Background()
	require.NoError(t, w.Enqueue(ctx, record("t-1", "d-1")))
	require.NoError(t, w.Enqueue(ctx, record("t-2", "d-9")))
	w.Stop()

	assert.Equal(t, 1, store.batchCount("t-1"))
	assert.Equal(t, 1, store.batchCount("t-2"))
}

func TestBatchWriter_ExhaustedRetriesQuarantine(t *testing.T) {
	store := newFakeBatchStore()
	store.insertErr = errors.New("connection refused")
	pub := &fakePublisher{}
	w := NewBatchWriter(store, pub, metrics.New(), batchConfig())
	w.Start()
	defer w.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Enqueue(ctx, record("t-1", "d-1")))
	}

	require.Equal(t, 3, store.quarantineCount(), "every record of the failed batch is quarantined")
	assert.Equal(t, apperrors.ReasonPersistenceFailed, store.quarantined[0].ReasonCode)
	assert.Empty(t, pub.published(), "nothing publishes without a commit")
}

func TestBatchWriter_StopDrainsBuffers(t *testing.T) {
	store := newFakeBatchStore()
	w := NewBatchWriter(store, &fakePublisher{}, metrics.New(), batchConfig())
	w.Start()

	require.NoError(t, w.Enqueue(context.Background(), record("t-1", "d-1")))
	w.Stop()

	assert.Equal(t, 1, store.batchCount("t-1"))
	assert.False(t, w.Running())

	err := w.Enqueue(context.Background(), record("t-1", "d-2"))
	assert.Error(t, err, "a stopped writer refuses records")
}

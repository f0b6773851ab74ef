package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegrid/pulse/internal/delivery"
	"github.com/pulsegrid/pulse/internal/metrics"
)

type fakeSweepStore struct {
	stale   []delivery.JobRef
	due     []delivery.JobRef
	letters []delivery.JobRef

	staleErr   error
	dueErr     error
	lettersErr error

	reclaimCutoff time.Time
	dueBefore     time.Time
	stalledBefore time.Time
	lettersSince  time.Time
}

func (f *fakeSweepStore) ReclaimStaleJobs(_ context.Context, cutoff time.Time) ([]delivery.JobRef, error) {
	f.reclaimCutoff = cutoff
	return f.stale, f.staleErr
}

func (f *fakeSweepStore) DueJobRefs(_ context.Context, dueBefore, stalledBefore time.Time) ([]delivery.JobRef, error) {
	f.dueBefore = dueBefore
	f.stalledBefore = stalledBefore
	return f.due, f.dueErr
}

func (f *fakeSweepStore) ReplayableLetters(_ context.Context, since time.Time) ([]delivery.JobRef, error) {
	f.lettersSince = since
	return f.letters, f.lettersErr
}

type fakeReplayer struct {
	replayed []string
	ok       bool
	err      error
}

func (f *fakeReplayer) Replay(_ context.Context, tenantID, jobID string) (bool, error) {
	f.replayed = append(f.replayed, tenantID+"/"+jobID)
	return f.ok, f.err
}

type fakeRefStager struct {
	staged  []delivery.JobRef
	failFor map[string]error
}

func (f *fakeRefStager) Enqueue(_ context.Context, ref delivery.JobRef, priority int) error {
	if priority != 0 {
		return errors.New("sweep must stage at top priority")
	}
	if err, found := f.failFor[ref.String()]; found {
		return err
	}
	f.staged = append(f.staged, ref)
	return nil
}

func newSweepHarness() (*Sweeper, *fakeSweepStore, *fakeReplayer, *fakeRefStager) {
	store := &fakeSweepStore{}
	replayer := &fakeReplayer{ok: true}
	stager := &fakeRefStager{}
	sw := NewSweeper(store, replayer, stager, metrics.New())
	return sw, store, replayer, stager
}

func TestSweepRestagesReclaimedAndDueJobs(t *testing.T) {
	sw, store, replayer, stager := newSweepHarness()
	store.stale = []delivery.JobRef{{TenantID: "t-1", JobID: "j-1"}}
	store.due = []delivery.JobRef{{TenantID: "t-2", JobID: "j-2"}}

	now := time.Now()
	require.NoError(t, sw.Sweep(context.Background(), now))

	require.Len(t, stager.staged, 2)
	assert.Equal(t, "t-1/j-1", stager.staged[0].String())
	assert.Equal(t, "t-2/j-2", stager.staged[1].String())
	assert.Empty(t, replayer.replayed)
}

func TestSweepUsesConfiguredWindows(t *testing.T) {
	sw, store, _, _ := newSweepHarness()

	now := time.Now()
	require.NoError(t, sw.Sweep(context.Background(), now))

	assert.Equal(t, now.Add(-10*time.Minute), store.reclaimCutoff)
	assert.Equal(t, now, store.dueBefore)
	assert.Equal(t, now.Add(-5*time.Minute), store.stalledBefore)
	assert.Equal(t, now.Add(-24*time.Hour), store.lettersSince)
}

func TestSweepReplaysRecentDeadLetters(t *testing.T) {
	sw, store, replayer, stager := newSweepHarness()
	store.letters = []delivery.JobRef{{TenantID: "t-1", JobID: "j-9"}}

	require.NoError(t, sw.Sweep(context.Background(), time.Now()))

	require.Equal(t, []string{"t-1/j-9"}, replayer.replayed)
	require.Len(t, stager.staged, 1)
	assert.Equal(t, "t-1/j-9", stager.staged[0].String())
}

func TestSweepSkipsLettersNoLongerFailed(t *testing.T) {
	sw, store, replayer, stager := newSweepHarness()
	store.letters = []delivery.JobRef{{TenantID: "t-1", JobID: "j-9"}}
	replayer.ok = false

	require.NoError(t, sw.Sweep(context.Background(), time.Now()))

	// The replay was attempted, but a job that already left FAILED must not
	// be staged again.
	assert.Equal(t, []string{"t-1/j-9"}, replayer.replayed)
	assert.Empty(t, stager.staged)
}

func TestSweepContinuesPastPhaseFailure(t *testing.T) {
	sw, store, replayer, stager := newSweepHarness()
	store.staleErr = errors.New("db down")
	store.due = []delivery.JobRef{{TenantID: "t-2", JobID: "j-2"}}
	store.letters = []delivery.JobRef{{TenantID: "t-3", JobID: "j-3"}}

	err := sw.Sweep(context.Background(), time.Now())

	require.Error(t, err)
	assert.ErrorContains(t, err, "db down")
	// Later phases ran despite the reclaim failure.
	assert.Len(t, stager.staged, 2)
	assert.Equal(t, []string{"t-3/j-3"}, replayer.replayed)
}

func TestSweepReportsStagingFailureAndKeepsGoing(t *testing.T) {
	sw, store, _, stager := newSweepHarness()
	store.due = []delivery.JobRef{
		{TenantID: "t-1", JobID: "j-1"},
		{TenantID: "t-2", JobID: "j-2"},
	}
	stager.failFor = map[string]error{"t-1/j-1": errors.New("redis gone")}

	err := sw.Sweep(context.Background(), time.Now())

	require.Error(t, err)
	// The second ref was still staged.
	require.Len(t, stager.staged, 1)
	assert.Equal(t, "t-2/j-2", stager.staged[0].String())
}

func TestSweepReplayErrorDoesNotStageJob(t *testing.T) {
	sw, store, replayer, stager := newSweepHarness()
	store.letters = []delivery.JobRef{{TenantID: "t-1", JobID: "j-9"}}
	replayer.err = errors.New("update failed")

	err := sw.Sweep(context.Background(), time.Now())

	require.Error(t, err)
	assert.Empty(t, stager.staged)
}

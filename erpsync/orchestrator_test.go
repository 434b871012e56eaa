package erpsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// recordingFamily remembers what every run was handed.
type recordingFamily struct {
	name string
	err  error

	mu    sync.Mutex
	runs  []Run
	items int
}

func (f *recordingFamily) Name() string { return f.name }

func (f *recordingFamily) Run(ctx context.Context, run *Run) error {
	for i := 0; i < f.items; i++ {
		run.Count(OutcomeCreated)
	}
	f.mu.Lock()
	f.runs = append(f.runs, *run)
	f.mu.Unlock()
	return f.err
}

func (f *recordingFamily) recorded() []Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Run(nil), f.runs...)
}

type panicFamily struct{}

func (panicFamily) Name() string { return "panicky" }

func (panicFamily) Run(ctx context.Context, run *Run) error { panic("mapping exploded") }

type blockingFamily struct {
	started chan struct{}
	release chan struct{}
}

func (f *blockingFamily) Name() string { return "blocking" }

func (f *blockingFamily) Run(ctx context.Context, run *Run) error {
	close(f.started)
	<-f.release
	return nil
}

type tombstoneRecorder struct {
	recordingFamily
	calls int
}

func (f *tombstoneRecorder) Tombstone(ctx context.Context, db *gorm.DB, run *Run) (int64, error) {
	f.calls++
	return 3, nil
}

func TestRunJob_UnknownFamily(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.RunJob(context.Background(), "nope", models.JobKindFull, models.SyncTriggeredManual)
	assert.ErrorIs(t, err, ErrUnknownFamily)
}

func TestRunJob_IncrementalUsesLastSnapshotAsWatermark(t *testing.T) {
	h := newHarness(t)
	f := &recordingFamily{name: "rec", items: 2}
	h.orch.Register(f, testSettings())
	ctx := context.Background()

	first := h.now()
	report, err := h.orch.RunJob(ctx, "rec", models.JobKindIncremental, models.SyncTriggeredManual)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusSuccess, report.Status)
	assert.Equal(t, 2, report.Stats.Created)

	h.advance(time.Hour)
	_, err = h.orch.RunJob(ctx, "rec", models.JobKindIncremental, models.SyncTriggeredManual)
	require.NoError(t, err)

	runs := f.recorded()
	require.Len(t, runs, 2)
	require.NotNil(t, runs[0].Since)
	assert.True(t, runs[0].Since.Equal(first.Add(-30*24*time.Hour)), "no watermark yet: initial lookback")
	require.NotNil(t, runs[1].Since)
	assert.True(t, runs[1].Since.Equal(first), "second run starts at the first run's snapshot")

	st := h.state("rec")
	require.NotNil(t, st.LastRunAt)
	assert.True(t, st.LastRunAt.Equal(h.now()))
	assert.EqualValues(t, 2, st.RunCount)
	assert.Equal(t, 2, st.LastCreated)
}

func TestRunJob_FullRunHasNoSinceAndSetsFullWatermark(t *testing.T) {
	h := newHarness(t)
	f := &recordingFamily{name: "rec"}
	h.orch.Register(f, testSettings())

	_, err := h.orch.RunJob(context.Background(), "rec", models.JobKindFull, models.SyncTriggeredManual)
	require.NoError(t, err)

	runs := f.recorded()
	require.Len(t, runs, 1)
	assert.Nil(t, runs[0].Since)
	st := h.state("rec")
	require.NotNil(t, st.LastFullRunAt)
	assert.True(t, st.LastFullRunAt.Equal(h.now()))
}

func TestRunJob_FailureKeepsWatermark(t *testing.T) {
	h := newHarness(t)
	f := &recordingFamily{name: "rec"}
	h.orch.Register(f, testSettings())
	ctx := context.Background()

	_, err := h.orch.RunJob(ctx, "rec", models.JobKindIncremental, models.SyncTriggeredManual)
	require.NoError(t, err)
	watermark := h.now()

	h.advance(time.Hour)
	f.err = errors.New("upstream down")
	report, err := h.orch.RunJob(ctx, "rec", models.JobKindIncremental, models.SyncTriggeredSchedule)
	require.Error(t, err)
	assert.Equal(t, models.SyncRunStatusFailed, report.Status)

	st := h.state("rec")
	require.NotNil(t, st.LastRunAt)
	assert.True(t, st.LastRunAt.Equal(watermark))
	assert.Equal(t, models.SyncRunStatusFailed, st.LastStatus)
	assert.Contains(t, st.LastError, "upstream down")

	state, err := h.orch.State("rec")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateIdle, state)

	runs, err := models.ListSyncRuns(ctx, h.db, "rec", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, models.SyncRunStatusFailed, runs[0].Status)
	assert.Equal(t, models.SyncRunStatusSuccess, runs[1].Status)
}

func TestRunJob_RecoversPanic(t *testing.T) {
	h := newHarness(t)
	h.orch.Register(panicFamily{}, testSettings())

	report, err := h.orch.RunJob(context.Background(), "panicky", models.JobKindFull, models.SyncTriggeredManual)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapping exploded")
	assert.Equal(t, models.SyncRunStatusFailed, report.Status)
	assert.Nil(t, h.state("panicky").LastRunAt)
}

func TestRunJob_RejectsOverlappingRun(t *testing.T) {
	h := newHarness(t)
	f := &blockingFamily{started: make(chan struct{}), release: make(chan struct{})}
	h.orch.Register(f, testSettings())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.RunJob(ctx, "blocking", models.JobKindFull, models.SyncTriggeredManual)
		done <- err
	}()
	<-f.started

	state, err := h.orch.State("blocking")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, state)

	_, err = h.orch.RunJob(ctx, "blocking", models.JobKindIncremental, models.SyncTriggeredManual)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(f.release)
	require.NoError(t, <-done)
}

func TestRunJob_TombstonesOnlyCompleteFullRuns(t *testing.T) {
	h := newHarness(t)
	f := &tombstoneRecorder{recordingFamily: recordingFamily{name: "tomb"}}
	h.orch.Register(f, testSettings())
	ctx := context.Background()

	_, err := h.orch.RunJob(ctx, "tomb", models.JobKindIncremental, models.SyncTriggeredManual)
	require.NoError(t, err)
	assert.Equal(t, 0, f.calls)

	report, err := h.orch.RunJob(ctx, "tomb", models.JobKindFull, models.SyncTriggeredManual)
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls)
	assert.EqualValues(t, 3, report.Tombstoned)
}

func TestRunJob_NotifiesObserversAndChains(t *testing.T) {
	h := newHarness(t)
	first := &recordingFamily{name: "first"}
	second := &recordingFamily{name: "second"}
	h.orch.Register(first, testSettings())
	h.orch.Register(second, testSettings())
	require.NoError(t, h.orch.AddObserver("first", ChainTo(h.orch, "second", models.JobKindIncremental)))

	var events []Event
	require.NoError(t, h.orch.AddObserver("", ObserverFunc(func(ctx context.Context, e Event) {
		events = append(events, e)
	})))
	ctx := context.Background()

	_, err := h.orch.RunJob(ctx, "first", models.JobKindIncremental, models.SyncTriggeredSchedule)
	require.NoError(t, err)

	require.Len(t, second.recorded(), 1)
	assert.Equal(t, models.SyncTriggeredChained, second.recorded()[0].TriggeredBy)
	// The chained run finishes inside the first run's notification.
	require.Len(t, events, 2)
	assert.Equal(t, "second", events[0].Family)
	assert.Equal(t, "first", events[1].Family)

	first.err = errors.New("boom")
	_, err = h.orch.RunJob(ctx, "first", models.JobKindIncremental, models.SyncTriggeredSchedule)
	require.Error(t, err)
	assert.Len(t, second.recorded(), 1, "failed runs do not chain")
}

func TestRunJob_RecordsMetrics(t *testing.T) {
	h := newHarness(t)
	h.orch.Register(&recordingFamily{name: "rec", items: 4}, testSettings())

	_, err := h.orch.RunJob(context.Background(), "rec", models.JobKindFull, models.SyncTriggeredManual)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.runsCompleted.WithLabelValues("rec", "full", models.SyncRunStatusSuccess)))
	assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.items.WithLabelValues("rec", "created")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.activeRuns.WithLabelValues("rec")))
}

package audit_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/genecura/go-audit/internal/audit"
)

func TestBestEffortRecordsInBackground(t *testing.T) {
	store := audit.NewMemoryStore()
	rec := audit.NewRecorder(store, nil, nil, audit.DefaultRecorderConfig(), nil)

	d, err := audit.NewBestEffort(rec, nil, audit.DefaultBestEffortConfig(), nil)
	require.NoError(t, err)
	d.Start()

	for range 25 {
		d.Dispatch(context.Background(), geneInput(audit.ActionUpdate, `{}`, `{}`))
	}
	require.NoError(t, d.Stop())

	assert.Equal(t, 25, store.Len())
	assert.Equal(t, int64(25), d.Stats().TasksCompleted)
}

func TestBestEffortSurvivesCancelledRequestContext(t *testing.T) {
	store := audit.NewMemoryStore()
	rec := audit.NewRecorder(store, nil, nil, audit.DefaultRecorderConfig(), nil)
	d, err := audit.NewBestEffort(rec, nil, audit.DefaultBestEffortConfig(), nil)
	require.NoError(t, err)
	d.Start()

	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, geneInput(audit.ActionCreate, "", `{}`))
	cancel()

	require.NoError(t, d.Stop())
	assert.Equal(t, 1, store.Len())
}

func TestBestEffortSwallowsAndLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	failing := audit.EventRecorderFunc(func(context.Context, audit.Input) error {
		return &audit.StoreError{Op: "append", Err: errors.New("db down")}
	})

	d, err := audit.NewBestEffort(failing, nil, audit.DefaultBestEffortConfig(), zap.New(core))
	require.NoError(t, err)
	d.Start()

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), geneInput(audit.ActionCreate, "", `{}`))
	})
	require.NoError(t, d.Stop())

	require.Equal(t, 1, logs.FilterMessage("audit log failed").Len())
	assert.Equal(t, int64(1), d.Stats().TasksFailed)
}

func TestBestEffortDropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	blocking := audit.EventRecorderFunc(func(context.Context, audit.Input) error {
		calls.Add(1)
		<-release
		return nil
	})

	core, logs := observer.New(zap.WarnLevel)
	d, err := audit.NewBestEffort(blocking, nil, audit.BestEffortConfig{
		Workers:         1,
		QueueSize:       1,
		WriteTimeout:    time.Second,
		ShutdownTimeout: 5 * time.Second,
	}, zap.New(core))
	require.NoError(t, err)
	d.Start()

	d.Dispatch(context.Background(), geneInput(audit.ActionCreate, "", `{}`))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	d.Dispatch(context.Background(), geneInput(audit.ActionCreate, "", `{}`))
	start := time.Now()
	d.Dispatch(context.Background(), geneInput(audit.ActionCreate, "", `{}`))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "dispatch must not block")

	assert.Equal(t, 1, logs.FilterMessage("audit event dropped").Len())

	close(release)
	require.NoError(t, d.Stop())
	assert.Equal(t, int64(2), calls.Load())
}

func TestNewBestEffortRequiresRecorder(t *testing.T) {
	_, err := audit.NewBestEffort(nil, nil, audit.DefaultBestEffortConfig(), nil)
	assert.Error(t, err)
}

func TestBestEffortStampsAtDispatch(t *testing.T) {
	store := audit.NewMemoryStore()
	rec := audit.NewRecorder(store, nil, nil, audit.RecorderConfig{
		Clock: func() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) },
	}, nil)

	dispatchedAt := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	cfg := audit.DefaultBestEffortConfig()
	cfg.Clock = func() time.Time { return dispatchedAt }
	d, err := audit.NewBestEffort(rec, nil, cfg, nil)
	require.NoError(t, err)
	d.Start()

	d.Dispatch(context.Background(), geneInput(audit.ActionCreate, "", `{}`))
	require.NoError(t, d.Stop())

	events, err := store.List(context.Background(), audit.Filter{EntityType: audit.EntityGene})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, dispatchedAt.Equal(events[0].CreatedAt))
	assert.NotEmpty(t, events[0].ID)
}

func TestBestEffortKeepsDispatchOrderWhenWorkersLag(t *testing.T) {
	store := audit.NewMemoryStore()
	rec := audit.NewRecorder(store, nil, nil, audit.DefaultRecorderConfig(), nil)

	// The worker holding the create is held back until the update is written.
	updateWritten := make(chan struct{})
	lagging := audit.EventRecorderFunc(func(ctx context.Context, in audit.Input) error {
		if in.Action == audit.ActionCreate {
			<-updateWritten
			return rec.Record(ctx, in)
		}
		defer close(updateWritten)
		return rec.Record(ctx, in)
	})

	cfg := audit.DefaultBestEffortConfig()
	cfg.Workers = 2
	d, err := audit.NewBestEffort(lagging, nil, cfg, nil)
	require.NoError(t, err)
	d.Start()

	d.Dispatch(context.Background(), geneInput(audit.ActionCreate, "", `{"gene_id":"GENE001"}`))
	time.Sleep(time.Millisecond)
	d.Dispatch(context.Background(), geneInput(audit.ActionUpdate, `{"gene_id":"GENE001"}`, `{"gene_id":"GENE001"}`))
	require.NoError(t, d.Stop())

	history, err := audit.NewProjector(store, nil, nil).GetHistory(context.Background(), audit.EntityGene, "GENE001")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, audit.ActionUpdate, history[0].Action)
	assert.Equal(t, audit.ActionCreate, history[1].Action)
	assert.True(t, history[1].Timestamp.Before(history[0].Timestamp))
}

func TestBestEffortReadyReportsSaturation(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	blocking := audit.EventRecorderFunc(func(context.Context, audit.Input) error {
		calls.Add(1)
		<-release
		return nil
	})

	d, err := audit.NewBestEffort(blocking, nil, audit.BestEffortConfig{
		Workers:         1,
		QueueSize:       1,
		WriteTimeout:    time.Second,
		ShutdownTimeout: 5 * time.Second,
	}, nil)
	require.NoError(t, err)
	d.Start()
	require.NoError(t, d.Ready(context.Background()))

	d.Dispatch(context.Background(), geneInput(audit.ActionCreate, "", `{}`))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	d.Dispatch(context.Background(), geneInput(audit.ActionCreate, "", `{}`))

	assert.ErrorIs(t, d.Ready(context.Background()), audit.ErrSaturated)

	close(release)
	require.NoError(t, d.Stop())
	assert.NoError(t, d.Ready(context.Background()))
}

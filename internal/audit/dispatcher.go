package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/observability/metrics"
	"github.com/genecura/go-audit/pkg/workerpool"
)

// Dispatcher hands an input off for recording. Dispatch never blocks on the
// store and never reports failure to the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, in Input)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, in Input)

func (f DispatchFunc) Dispatch(ctx context.Context, in Input) { f(ctx, in) }

// EventRecorder is the write side the dispatcher feeds. *Recorder satisfies it.
type EventRecorder interface {
	Record(ctx context.Context, in Input) error
}

// EventRecorderFunc adapts a function to EventRecorder.
type EventRecorderFunc func(ctx context.Context, in Input) error

func (f EventRecorderFunc) Record(ctx context.Context, in Input) error { return f(ctx, in) }

// BestEffortConfig sizes the background writer.
type BestEffortConfig struct {
	Workers         int
	QueueSize       int
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// Clock stamps ObservedAt at dispatch. Defaults to time.Now.
	Clock func() time.Time
}

func DefaultBestEffortConfig() BestEffortConfig {
	return BestEffortConfig{
		Workers:         4,
		QueueSize:       4096,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Clock:           time.Now,
	}
}

// BestEffort records inputs on a bounded worker pool. A full queue drops the
// input and a failed write is logged and counted; neither reaches the caller.
type BestEffort struct {
	pool     *workerpool.Pool
	recorder EventRecorder
	timeout  time.Duration
	clock    func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewBestEffort(recorder EventRecorder, m *metrics.Metrics, cfg BestEffortConfig, logger *zap.Logger) (*BestEffort, error) {
	if recorder == nil {
		return nil, errors.New("audit recorder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultBestEffortConfig().WriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	b := &BestEffort{
		recorder: recorder,
		timeout:  cfg.WriteTimeout,
		clock:    cfg.Clock,
		metrics:  m,
		logger:   logger,
	}

	pool, err := workerpool.New(workerpool.Config{
		Name:                    "audit-writer",
		Workers:                 cfg.Workers,
		QueueSize:               cfg.QueueSize,
		MaxRetries:              0,
		GracefulShutdownTimeout: cfg.ShutdownTimeout,
	}, b.write, logger)
	if err != nil {
		return nil, err
	}
	b.pool = pool
	return b, nil
}

func (b *BestEffort) Start() { b.pool.Start() }

// Stop drains queued inputs before returning.
func (b *BestEffort) Stop() error { return b.pool.Stop() }

// ErrSaturated means the dispatch queue is close to dropping events.
var ErrSaturated = errors.New("audit dispatch queue saturated")

// Ready fails while the queue is at or above 90% of its capacity.
func (b *BestEffort) Ready(context.Context) error {
	if !b.pool.IsHealthy() {
		return ErrSaturated
	}
	return nil
}

// Stats exposes the underlying pool counters.
func (b *BestEffort) Stats() workerpool.Stats { return b.pool.Stats() }

// Dispatch stamps in with its event id and observation time, then enqueues
// it. Workers may pick tasks up out of order, so the timestamp is taken here
// rather than at write time. The write runs under a context detached from
// ctx's cancellation so a finished request does not abort its own audit event.
func (b *BestEffort) Dispatch(ctx context.Context, in Input) {
	if in.ObservedAt.IsZero() {
		in.ObservedAt = b.clock()
	}
	if in.EventID == "" {
		in.EventID = newEventID()
	}
	task := &workerpool.Task{
		ID:      string(in.EntityType) + "/" + in.EntityID,
		Payload: in,
		Context: context.WithoutCancel(ctx),
	}
	if err := b.pool.Submit(task); err != nil {
		b.metrics.Dropped()
		b.logger.Warn("audit event dropped",
			zap.String("entity_type", string(in.EntityType)),
			zap.String("entity_id", in.EntityID),
			zap.String("action", string(in.Action)),
			zap.Error(err))
	}
}

func (b *BestEffort) write(ctx context.Context, task *workerpool.Task) error {
	in, ok := task.Payload.(Input)
	if !ok {
		return errors.New("unexpected audit task payload")
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.recorder.Record(ctx, in); err != nil {
		b.logger.Error("audit log failed",
			zap.String("entity_type", string(in.EntityType)),
			zap.String("entity_id", in.EntityID),
			zap.String("action", string(in.Action)),
			zap.Error(err))
		return err
	}
	return nil
}

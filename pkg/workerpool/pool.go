// Package workerpool provides a bounded worker pool for background work that
// must never block the submitting goroutine.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the task queue has no free slot.
	ErrQueueFull = errors.New("task queue is full")
	// ErrPoolStopped is returned by Submit after Stop has been called.
	ErrPoolStopped = errors.New("pool is shutting down")
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context
}

// WorkerFunc processes one task.
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	// Name labels log lines from this pool
	Name string
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the delay between retries
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued tasks
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for audit writes.
func DefaultConfig() Config {
	return Config{
		Name:                    "workerpool",
		Workers:                 8,
		QueueSize:               4096,
		MaxRetries:              0,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 10 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan chan *Task
	wg       sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	tasksRejected  int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger.With(zap.String("pool", cfg.Name)),
		taskChan:   make(chan *Task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		atomic.AddInt64(&p.tasksRejected, 1)
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		atomic.AddInt64(&p.tasksRejected, 1)
		return ErrQueueFull
	}
}

// Stop refuses new tasks, lets workers drain the queue and waits for them up
// to the graceful shutdown timeout.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool", zap.Int64("queued", atomic.LoadInt64(&p.queueDepth)))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out",
			zap.Int64("abandoned", atomic.LoadInt64(&p.queueDepth)))
		return fmt.Errorf("worker pool %s: shutdown timed out", p.config.Name)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		p.processTask(id, task)
	}
}

// processTask runs a task, retrying up to MaxRetries times with linear backoff.
func (p *Pool) processTask(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			break
		}

		if err = p.run(ctx, task); err == nil {
			atomic.AddInt64(&p.tasksCompleted, 1)
			return
		}

		if attempt < p.config.MaxRetries {
			atomic.AddInt64(&p.tasksRetried, 1)
			p.logger.Debug("retrying task",
				zap.String("task_id", task.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))

			select {
			case <-ctx.Done():
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}

	atomic.AddInt64(&p.tasksFailed, 1)
	p.logger.Debug("task failed",
		zap.String("task_id", task.ID),
		zap.Int("worker_id", workerID),
		zap.Error(err))
}

// run isolates a panicking task so one bad payload cannot kill a worker.
func (p *Pool) run(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.String("task_id", task.ID), zap.Any("panic", r))
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return p.workerFunc(ctx, task)
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	TasksRejected  int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		TasksRejected:  atomic.LoadInt64(&p.tasksRejected),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true while the queue is below 90% capacity.
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}

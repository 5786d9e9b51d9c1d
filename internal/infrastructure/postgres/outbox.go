// Package postgres provides the PostgreSQL audit store, the transactional
// outbox that streams appended events to Redpanda, and the schema both use.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/observability/metrics"
)

// OutboxEntry is one audit event waiting to be published.
type OutboxEntry struct {
	ID          int64
	EntityType  string
	EntityID    string
	EventID     string
	Payload     json.RawMessage
	Topic       string
	Key         string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	RetryCount  int
	LastError   *string
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	// BatchSize is the number of entries to publish per poll
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
	// StatsInterval is how often the pending gauge is refreshed
	StatsInterval time.Duration
	// CleanupInterval is how often published entries are purged
	CleanupInterval time.Duration
	// Retention is how long published entries are kept
	Retention time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "audit.dead-letter",
		StatsInterval:   15 * time.Second,
		CleanupInterval: time.Hour,
		Retention:       7 * 24 * time.Hour,
	}
}

// OutboxPublisher publishes one message. The relay's Kafka producer satisfies it.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays committed outbox rows to the broker.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox relay
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, m *metrics.Metrics, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultOutboxConfig().DeadLetterTopic
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultOutboxConfig().StatsInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultOutboxConfig().CleanupInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultOutboxConfig().Retention
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry inserts an outbox row inside tx, the same transaction that
// appends the audit event it carries.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (entity_type, entity_id, event_id, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.EntityType,
		entry.EntityID,
		entry.EventID,
		entry.Payload,
		entry.Topic,
		entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}

	return nil
}

// Start begins polling and publishing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the relay
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()
	statsTicker := time.NewTicker(o.config.StatsInterval)
	defer statsTicker.Stop()
	cleanupTicker := time.NewTicker(o.config.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessOnce(o.ctx); err != nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-statsTicker.C:
			o.refreshStats(o.ctx)
		case <-cleanupTicker.C:
			if n, err := o.CleanupProcessed(o.ctx, o.config.Retention); err != nil {
				o.logger.Warn("outbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				o.logger.Info("outbox entries purged", zap.Int64("count", n))
			}
		}
	}
}

// ProcessOnce publishes one batch. Rows are locked with SKIP LOCKED for the
// life of the transaction so several relays can run side by side. Once an
// entry fails, later entries with the same key wait for the next batch so a
// key's events reach the topic in order. It returns how many entries were
// published.
func (o *Outbox) ProcessOnce(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entries, err := o.fetchUnprocessed(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	blocked := make(map[string]bool)
	for _, entry := range entries {
		if blocked[entry.Key] {
			continue
		}
		if err := o.processEntry(ctx, tx, entry); err != nil {
			blocked[entry.Key] = true
			o.logger.Error("failed to publish outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_id", entry.EventID),
				zap.Error(err))
			continue
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return published, nil
}

func (o *Outbox) fetchUnprocessed(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	query := `
		SELECT id, entity_type, entity_id, event_id, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]*OutboxEntry, error) {
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.EntityType, &entry.EntityID, &entry.EventID,
			&entry.Payload, &entry.Topic, &entry.Key,
			&entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_id", entry.EventID),
			attribute.String("entity_type", entry.EntityType),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		updateQuery := `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`
		if _, updateErr := tx.Exec(ctx, updateQuery, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	o.metrics.Produced()

	o.logger.Debug("outbox entry published",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.Topic))
	return nil
}

// CleanupProcessed removes published entries older than olderThan.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`

	result, err := o.pool.Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}

	return result.RowsAffected(), nil
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, entity_type, entity_id, event_id, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range entries {
		dlPayload, err := json.Marshal(map[string]any{
			"original_topic": entry.Topic,
			"event_id":       entry.EventID,
			"entity_type":    entry.EntityType,
			"entity_id":      entry.EntityID,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})
		if err != nil {
			continue
		}

		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.Key, dlPayload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.String("event_id", entry.EventID), zap.Error(err))
			continue
		}
		if _, err := tx.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
			o.logger.Error("failed to mark dead-lettered entry", zap.Error(err))
			continue
		}
		count++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

// OutboxStats summarizes the outbox table.
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}

	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at IS NOT NULL AND processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`, o.config.MaxRetries).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}

func (o *Outbox) refreshStats(ctx context.Context) {
	stats, err := o.GetStats(ctx)
	if err != nil {
		o.logger.Warn("outbox stats unavailable", zap.Error(err))
		return
	}
	o.metrics.SetOutboxPending(stats.Pending)
	if stats.Failed > 0 {
		if moved, err := o.MoveToDeadLetter(ctx); err != nil {
			o.logger.Error("dead letter sweep failed", zap.Error(err))
		} else if moved > 0 {
			o.logger.Warn("outbox entries dead-lettered", zap.Int64("count", moved))
		}
	}
}

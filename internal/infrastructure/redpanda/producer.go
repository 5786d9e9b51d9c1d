// Package redpanda streams audit events over the Kafka protocol with franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds configuration for the audit producer.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// BatchMaxBytes caps a produce batch per partition.
	BatchMaxBytes int32
	// LingerMS is how long the client waits to fill a batch.
	LingerMS int
	// RequiredAcks is -1 (all ISR), 0 or 1.
	RequiredAcks int16
	// Compression is one of none, gzip, snappy, lz4 or zstd.
	Compression string
	// ProduceTimeout bounds a single synchronous publish.
	ProduceTimeout time.Duration
}

// DefaultProducerConfig favors durability over throughput: audit events are
// low volume and must not be lost between the outbox and the archive.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:        []string{"localhost:9092"},
		ClientID:       "audit-outbox-relay",
		BatchMaxBytes:  1 << 20,
		LingerMS:       5,
		RequiredAcks:   -1,
		Compression:    "zstd",
		ProduceTimeout: 10 * time.Second,
	}
}

// Producer publishes audit events. It satisfies the outbox publisher contract.
type Producer struct {
	client *kgo.Client
	config ProducerConfig
	logger *zap.Logger
	tracer trace.Tracer

	mu           sync.Mutex
	messagesSent int64
	bytesSent    int64
	errorCount   int64
}

// NewProducer creates a producer with idempotent writes enabled.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.ProduceTimeout <= 0 {
		cfg.ProduceTimeout = DefaultProducerConfig().ProduceTimeout
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS) * time.Millisecond),
	}

	switch cfg.RequiredAcks {
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	switch cfg.Compression {
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	default:
		opts = append(opts, kgo.ProducerBatchCompression(kgo.NoCompression()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// Publish produces one record and waits for the broker acknowledgement.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.kafka.message.key", key),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.config.ProduceTimeout)
	defer cancel()

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	injectTraceContext(ctx, record)

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		span.RecordError(err)
		p.mu.Lock()
		p.errorCount++
		p.mu.Unlock()
		p.logger.Error("failed to produce audit record",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	span.SetAttributes(
		attribute.Int64("messaging.kafka.partition", int64(record.Partition)),
		attribute.Int64("messaging.kafka.offset", record.Offset),
	)
	p.mu.Lock()
	p.messagesSent++
	p.bytesSent += int64(len(value))
	p.mu.Unlock()
	return nil
}

// Flush waits for buffered records to be delivered.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes and closes the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close failed", zap.Error(err))
	}
	p.client.Close()
}

// ProducerStats holds producer counters.
type ProducerStats struct {
	MessagesSent int64
	BytesSent    int64
	ErrorCount   int64
}

func (p *Producer) Stats() ProducerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProducerStats{
		MessagesSent: p.messagesSent,
		BytesSent:    p.bytesSent,
		ErrorCount:   p.errorCount,
	}
}

package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Topic: TopicAuditTrail}
	injectTraceContext(ctx, record)

	carrier := headerCarrier{record: record}
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", carrier.Get("traceparent"))

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestHeaderCarrierOverwrites(t *testing.T) {
	record := &kgo.Record{}
	c := headerCarrier{record: record}

	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	c.Set("baggage", "k=v")

	assert.Len(t, record.Headers, 2)
	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent", "baggage"}, c.Keys())
}

func TestConsumedMessageID(t *testing.T) {
	msg := &ConsumedMessage{Topic: TopicAuditTrail, Partition: 3, Offset: 42}
	assert.Equal(t, "audit.trail/3/42", msg.ID())
}

func TestNewConsumerValidates(t *testing.T) {
	_, err := NewConsumer(DefaultConsumerConfig(), nil, nil)
	assert.Error(t, err)

	cfg := DefaultConsumerConfig()
	cfg.Topics = nil
	_, err = NewConsumer(cfg, func(context.Context, *ConsumedMessage) error { return nil }, nil)
	assert.Error(t, err)
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	cfg := DefaultProducerConfig()
	cfg.Brokers = nil
	_, err := NewProducer(cfg, nil)
	assert.Error(t, err)
}

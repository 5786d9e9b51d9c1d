// Package metrics provides Prometheus metrics for the audit trail.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	AuditEventsRecorded   *prometheus.CounterVec
	AuditEventsSkipped    *prometheus.CounterVec
	AuditEventsFailed     *prometheus.CounterVec
	AuditEventsDropped    prometheus.Counter
	PairingViolations     *prometheus.CounterVec
	AuditWriteDuration    prometheus.Histogram
	HistoryQueries        *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	EventsArchived        prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates all metrics and registers them on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		AuditEventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_recorded_total",
			Help: "Audit events appended to the store",
		}, []string{"entity_type", "action"}),
		AuditEventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_skipped_total",
			Help: "Mutating requests that produced no audit event",
		}, []string{"reason"}),
		AuditEventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_failed_total",
			Help: "Audit events rejected or lost after dispatch",
		}, []string{"stage"}),
		AuditEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Audit events dropped because the dispatch queue was full",
		}),
		PairingViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_pairing_violations_total",
			Help: "Events whose before/after snapshots contradict the action",
		}, []string{"entity_type", "action"}),
		AuditWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_write_duration_seconds",
			Help:    "Audit store append duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		HistoryQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_history_queries_total",
			Help: "Timeline queries served",
		}, []string{"entity_type"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		EventsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_archived_total",
			Help: "Audit events written to the archive bucket",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.AuditEventsRecorded,
		m.AuditEventsSkipped,
		m.AuditEventsFailed,
		m.AuditEventsDropped,
		m.PairingViolations,
		m.AuditWriteDuration,
		m.HistoryQueries,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.EventsArchived,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Recorded(entityType, action string) {
	if m == nil {
		return
	}
	m.AuditEventsRecorded.WithLabelValues(entityType, action).Inc()
}

func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.AuditEventsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Failed(stage string) {
	if m == nil {
		return
	}
	m.AuditEventsFailed.WithLabelValues(stage).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.AuditEventsDropped.Inc()
}

func (m *Metrics) PairingViolation(entityType, action string) {
	if m == nil {
		return
	}
	m.PairingViolations.WithLabelValues(entityType, action).Inc()
}

func (m *Metrics) ObserveWrite(d time.Duration) {
	if m == nil {
		return
	}
	m.AuditWriteDuration.Observe(d.Seconds())
}

func (m *Metrics) HistoryQuery(entityType string) {
	if m == nil {
		return
	}
	m.HistoryQueries.WithLabelValues(entityType).Inc()
}

func (m *Metrics) Produced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

func (m *Metrics) Consumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

func (m *Metrics) Archived() {
	if m == nil {
		return
	}
	m.EventsArchived.Inc()
}

func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState records 0 for closed, 1 for open and 2 for half-open.
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/observability/metrics"
)

// PairingPolicy decides what happens to an event whose snapshots contradict
// its action: a create carrying a before snapshot or a delete carrying an after.
type PairingPolicy int

const (
	// PairingLax records the event as-is and reports the violation.
	PairingLax PairingPolicy = iota
	// PairingStrict rejects the event as invalid input.
	PairingStrict
)

// Breaker guards store writes. *circuitbreaker.CircuitBreaker satisfies it.
type Breaker interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// RecorderConfig holds recorder settings.
type RecorderConfig struct {
	Pairing PairingPolicy
	// Clock stamps CreatedAt for inputs without ObservedAt. Defaults to time.Now.
	Clock func() time.Time
	// NewID generates event ids. Defaults to UUIDv7.
	NewID func() string
}

func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Pairing: PairingLax,
		Clock:   time.Now,
		NewID:   newEventID,
	}
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Recorder validates inputs and appends them to the store, one event per call.
type Recorder struct {
	store   Store
	breaker Breaker
	cfg     RecorderConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewRecorder builds a recorder. breaker and m may be nil.
func NewRecorder(store Store, breaker Breaker, m *metrics.Metrics, cfg RecorderConfig, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRecorderConfig()
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.NewID == nil {
		cfg.NewID = def.NewID
	}
	return &Recorder{
		store:   store,
		breaker: breaker,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("audit-recorder"),
	}
}

// Record appends one event built from in.
//
// Invalid input is rejected with a *ValidationError before the store is
// touched. Store failures come back as *StoreError.
func (r *Recorder) Record(ctx context.Context, in Input) error {
	ctx, span := r.tracer.Start(ctx, "audit_record",
		trace.WithAttributes(
			attribute.String("entity_type", string(in.EntityType)),
			attribute.String("entity_id", in.EntityID),
			attribute.String("action", string(in.Action)),
		))
	defer span.End()

	in.Before = normalize(in.Before)
	in.After = normalize(in.After)

	if err := in.Validate(); err != nil {
		r.metrics.Failed("validation")
		span.RecordError(err)
		return err
	}

	if field := in.pairingViolation(); field != "" {
		if r.cfg.Pairing == PairingStrict {
			err := invalid(field, "must be absent for action "+string(in.Action))
			r.metrics.Failed("validation")
			span.RecordError(err)
			return err
		}
		r.metrics.PairingViolation(string(in.EntityType), string(in.Action))
		r.logger.Warn("audit snapshot contradicts action",
			zap.String("entity_type", string(in.EntityType)),
			zap.String("entity_id", in.EntityID),
			zap.String("action", string(in.Action)),
			zap.String("field", field))
	}

	if in.EventID == "" {
		in.EventID = r.cfg.NewID()
	}
	if in.ObservedAt.IsZero() {
		in.ObservedAt = r.cfg.Clock()
	}

	event := &Event{
		ID:            in.EventID,
		EntityType:    in.EntityType,
		EntityID:      in.EntityID,
		ActorRole:     in.Actor.Role,
		ActorID:       in.Actor.ID,
		Action:        in.Action,
		Before:        in.Before,
		After:         in.After,
		CorrelationID: in.CorrelationID,
		CreatedAt:     in.ObservedAt.UTC(),
	}

	start := time.Now()
	err := r.append(ctx, event)
	r.metrics.ObserveWrite(time.Since(start))
	if err != nil {
		r.metrics.Failed("store")
		span.RecordError(err)
		return &StoreError{Op: "append", Err: err}
	}

	r.metrics.Recorded(string(event.EntityType), string(event.Action))
	span.SetAttributes(attribute.String("event_id", event.ID))
	r.logger.Debug("audit event recorded",
		zap.String("event_id", event.ID),
		zap.String("entity_type", string(event.EntityType)),
		zap.String("entity_id", event.EntityID),
		zap.String("action", string(event.Action)))
	return nil
}

func (r *Recorder) append(ctx context.Context, event *Event) error {
	if r.breaker == nil {
		return r.store.Append(ctx, event)
	}
	return r.breaker.Run(ctx, func(ctx context.Context) error {
		return r.store.Append(ctx, event)
	})
}

package audit

import (
	"context"
	"encoding/json"
	"iter"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/observability/metrics"
)

// Changes is the before/after pair of one timeline entry. Absent snapshots
// serialize as JSON null.
type Changes struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
}

// TimelineEntry is the read-side view of one event.
type TimelineEntry struct {
	Timestamp     time.Time  `json:"timestamp"`
	Action        Action     `json:"action"`
	Actor         Actor      `json:"actor"`
	Changes       Changes    `json:"changes"`
	CorrelationID *string    `json:"correlationId"`
	EntityType    EntityType `json:"entityType"`
	EntityID      string     `json:"entityId"`
}

// EntryFromEvent projects a stored event.
func EntryFromEvent(e *Event) TimelineEntry {
	return TimelineEntry{
		Timestamp:     e.CreatedAt,
		Action:        e.Action,
		Actor:         e.Actor(),
		Changes:       Changes{Before: normalize(e.Before), After: normalize(e.After)},
		CorrelationID: e.CorrelationID,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
	}
}

// Projector answers timeline queries from the store the recorder writes to.
type Projector struct {
	store   Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

func NewProjector(store Store, m *metrics.Metrics, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{
		store:   store,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("audit-history"),
	}
}

// GetHistory returns the timeline of one entity, or of every entity of the
// type when entityID is empty, newest first.
func (p *Projector) GetHistory(ctx context.Context, entityType EntityType, entityID string) ([]TimelineEntry, error) {
	ctx, span := p.tracer.Start(ctx, "audit_history",
		trace.WithAttributes(
			attribute.String("entity_type", string(entityType)),
			attribute.String("entity_id", entityID),
		))
	defer span.End()

	if !entityType.Valid() {
		return nil, invalid("entityType", "unknown entity type "+string(entityType))
	}

	events, err := p.store.List(ctx, Filter{EntityType: entityType, EntityID: entityID})
	if err != nil {
		span.RecordError(err)
		return nil, &StoreError{Op: "list", Err: err}
	}
	p.metrics.HistoryQuery(string(entityType))

	entries := make([]TimelineEntry, 0, len(events))
	for _, e := range events {
		entries = append(entries, EntryFromEvent(e))
	}
	span.SetAttributes(attribute.Int("entries", len(entries)))
	return entries, nil
}

// Transitions returns the same entries as GetHistory, oldest first, which is
// the order needed to rebuild an entity's state step by step.
func (p *Projector) Transitions(ctx context.Context, entityType EntityType, entityID string) ([]TimelineEntry, error) {
	entries, err := p.GetHistory(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

// Replay yields transitions lazily. Each iteration re-reads the store, so the
// sequence can be ranged over more than once.
func (p *Projector) Replay(ctx context.Context, entityType EntityType, entityID string) iter.Seq2[TimelineEntry, error] {
	return func(yield func(TimelineEntry, error) bool) {
		entries, err := p.Transitions(ctx, entityType, entityID)
		if err != nil {
			yield(TimelineEntry{}, err)
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// ActorActivity lists the most recent events authored by one actor across all
// entity types.
func (p *Projector) ActorActivity(ctx context.Context, actor Actor, limit int) ([]TimelineEntry, error) {
	if !actor.Role.Valid() {
		return nil, invalid("actorRole", "unknown actor role "+string(actor.Role))
	}
	events, err := p.store.List(ctx, Filter{ActorRole: actor.Role, ActorID: actor.ID, Limit: limit})
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	entries := make([]TimelineEntry, 0, len(events))
	for _, e := range events {
		entries = append(entries, EntryFromEvent(e))
	}
	return entries, nil
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/audit"
)

// AuditStoreConfig controls whether appends are streamed through the outbox.
type AuditStoreConfig struct {
	OutboxEnabled bool
	Topic         string
}

// DefaultAuditStoreConfig streams every event to the audit.trail topic.
func DefaultAuditStoreConfig() AuditStoreConfig {
	return AuditStoreConfig{OutboxEnabled: true, Topic: "audit.trail"}
}

// AuditStore is the PostgreSQL audit.Store. The table only ever sees
// INSERT and SELECT; a trigger rejects UPDATE and DELETE.
type AuditStore struct {
	pool   *pgxpool.Pool
	config AuditStoreConfig
	logger *zap.Logger
	tracer trace.Tracer
}

func NewAuditStore(pool *pgxpool.Pool, cfg AuditStoreConfig, logger *zap.Logger) *AuditStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultAuditStoreConfig().Topic
	}
	return &AuditStore{pool: pool, config: cfg, logger: logger, tracer: otel.Tracer("audit-store")}
}

// Append inserts event and, when enabled, its outbox row in one transaction.
func (s *AuditStore) Append(ctx context.Context, event *audit.Event) error {
	ctx, span := s.tracer.Start(ctx, "audit_store_append",
		trace.WithAttributes(
			attribute.String("event_id", event.ID),
			attribute.String("entity_type", string(event.EntityType)),
		))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events
		(id, entity_type, entity_id, actor_role, actor_id, action, before, after, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		event.ID,
		string(event.EntityType),
		event.EntityID,
		string(event.ActorRole),
		event.ActorID,
		string(event.Action),
		jsonbArg(event.Before),
		jsonbArg(event.After),
		event.CorrelationID,
		event.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert audit event: %w", err)
	}

	if s.config.OutboxEnabled {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		if err := WriteEntry(ctx, tx, &OutboxEntry{
			EntityType: string(event.EntityType),
			EntityID:   event.EntityID,
			EventID:    event.ID,
			Payload:    payload,
			Topic:      s.config.Topic,
			Key:        string(event.EntityType) + "/" + event.EntityID,
		}); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns matching events newest first.
func (s *AuditStore) List(ctx context.Context, f audit.Filter) ([]*audit.Event, error) {
	ctx, span := s.tracer.Start(ctx, "audit_store_list",
		trace.WithAttributes(attribute.String("entity_type", string(f.EntityType))))
	defer span.End()

	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("entity_type", string(f.EntityType))
	add("entity_id", f.EntityID)
	add("actor_role", string(f.ActorRole))
	add("actor_id", f.ActorID)

	query := `
		SELECT id, entity_type, entity_id, actor_role, actor_id, action,
		       before, after, correlation_id, created_at
		FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scan audit events: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.CollectableRow) (*audit.Event, error) {
	var (
		e             audit.Event
		before, after []byte
	)
	err := row.Scan(
		&e.ID, &e.EntityType, &e.EntityID, &e.ActorRole, &e.ActorID, &e.Action,
		&before, &after, &e.CorrelationID, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(before) > 0 {
		e.Before = json.RawMessage(before)
	}
	if len(after) > 0 {
		e.After = json.RawMessage(after)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// jsonbArg binds an absent snapshot as SQL NULL rather than JSON null.
func jsonbArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

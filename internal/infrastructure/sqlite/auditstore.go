// Package sqlite keeps audit events in a local SQLite file for
// single-node deployments and development.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/genecura/go-audit/internal/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id             TEXT PRIMARY KEY,
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	actor_role     TEXT NOT NULL,
	actor_id       TEXT NOT NULL,
	action         TEXT NOT NULL,
	before         TEXT,
	after          TEXT,
	correlation_id TEXT,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_entity ON audit_events (entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events (actor_role, actor_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_created ON audit_events (created_at DESC);
CREATE TRIGGER IF NOT EXISTS audit_events_no_update BEFORE UPDATE ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'audit events are append-only');
END;
CREATE TRIGGER IF NOT EXISTS audit_events_no_delete BEFORE DELETE ON audit_events
BEGIN
	SELECT RAISE(ABORT, 'audit events are append-only');
END;
`

// AuditStore implements audit.Store on SQLite. created_at holds Unix nanoseconds.
type AuditStore struct {
	db     *sql.DB
	logger *zap.Logger
	tracer trace.Tracer
}

var _ audit.Store = (*AuditStore)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*AuditStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = "audit.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	logger.Info("sqlite audit store ready", zap.String("path", path))
	return &AuditStore{db: db, logger: logger, tracer: otel.Tracer("sqlite-auditstore")}, nil
}

// Close closes the database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *AuditStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append inserts one event.
func (s *AuditStore) Append(ctx context.Context, e *audit.Event) error {
	ctx, span := s.tracer.Start(ctx, "sqlite_audit_append",
		trace.WithAttributes(attribute.String("entity_type", string(e.EntityType))))
	defer span.End()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, entity_type, entity_id, actor_role, actor_id, action, before, after, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.EntityType), e.EntityID, string(e.ActorRole), e.ActorID, string(e.Action),
		textArg(e.Before), textArg(e.After), e.CorrelationID, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List returns matching events newest first, ties broken by id descending.
func (s *AuditStore) List(ctx context.Context, f audit.Filter) ([]*audit.Event, error) {
	ctx, span := s.tracer.Start(ctx, "sqlite_audit_list")
	defer span.End()

	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	add("entity_type", string(f.EntityType))
	add("entity_id", f.EntityID)
	add("actor_role", string(f.ActorRole))
	add("actor_id", f.ActorID)

	q := `SELECT id, entity_type, entity_id, actor_role, actor_id, action, before, after, correlation_id, created_at
		FROM audit_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*audit.Event
	for rows.Next() {
		var (
			e             audit.Event
			before, after sql.NullString
			correlation   sql.NullString
			createdAt     int64
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.ActorRole, &e.ActorID, &e.Action,
			&before, &after, &correlation, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if before.Valid {
			e.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			e.After = json.RawMessage(after.String)
		}
		if correlation.Valid {
			id := correlation.String
			e.CorrelationID = &id
		}
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func textArg(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

// Package archive copies each audit event from the audit.trail topic to
// long-term object storage, once per event.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/audit"
	"github.com/genecura/go-audit/internal/infrastructure/redpanda"
	"github.com/genecura/go-audit/internal/observability/metrics"
	"github.com/genecura/go-audit/pkg/idempotency"
)

// HandlerName names the archiver in the idempotency inbox.
const HandlerName = "audit-archiver"

// Sink is the object store events are archived to. *s3.Sink satisfies it.
type Sink interface {
	audit.BlobSink
	Exists(ctx context.Context, key string) (bool, error)
}

// Inbox deduplicates redelivered messages. *idempotency.Inbox satisfies it.
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Archiver handles consumed audit records.
type Archiver struct {
	sink    Sink
	breaker audit.Breaker
	inbox   Inbox
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New builds an archiver. breaker, inbox and m may be nil; without an inbox
// the sink itself is checked for an existing object before writing.
func New(sink Sink, breaker audit.Breaker, inbox Inbox, m *metrics.Metrics, logger *zap.Logger) (*Archiver, error) {
	if sink == nil {
		return nil, errors.New("archive sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{sink: sink, breaker: breaker, inbox: inbox, metrics: m, logger: logger}, nil
}

// Handle archives one consumed event. Undecodable records are logged and
// skipped so they do not block the partition.
func (a *Archiver) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	a.metrics.Consumed()

	var event audit.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil || event.ID == "" {
		a.metrics.Failed("archive_decode")
		a.logger.Error("skipping undecodable audit record",
			zap.String("message", msg.ID()),
			zap.Error(err))
		return nil
	}

	if a.inbox == nil {
		return a.archive(ctx, &event, msg.Value)
	}

	res, err := a.inbox.Process(ctx, idempotency.GenerateKey(HandlerName, event.ID), HandlerName, msg.Value,
		func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			if err := a.archive(ctx, &event, payload); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"key": audit.ArchiveKey(&event)})
		})
	switch {
	case errors.Is(err, idempotency.ErrMessageInProgress), errors.Is(err, idempotency.ErrDuplicateMessage):
		// Another replica owns it.
		return nil
	case errors.Is(err, idempotency.ErrTerminal):
		a.logger.Error("audit event permanently failed to archive",
			zap.String("event_id", event.ID), zap.Error(err))
		return nil
	case err != nil:
		return err
	}
	if !res.IsNew && !res.WasRecovered {
		a.logger.Debug("audit event already archived", zap.String("event_id", event.ID))
	}
	return nil
}

func (a *Archiver) archive(ctx context.Context, event *audit.Event, payload []byte) error {
	key := audit.ArchiveKey(event)
	written := false
	put := func(ctx context.Context) error {
		if a.inbox == nil {
			exists, err := a.sink.Exists(ctx, key)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
		}
		if err := a.sink.Put(ctx, key, bytes.NewReader(payload), "application/json"); err != nil {
			return err
		}
		written = true
		return nil
	}

	var err error
	if a.breaker != nil {
		err = a.breaker.Run(ctx, put)
	} else {
		err = put(ctx)
	}
	if err != nil {
		a.metrics.Failed("archive_put")
		return fmt.Errorf("archive %s: %w", key, err)
	}

	if !written {
		return nil
	}
	a.metrics.Archived()
	a.logger.Debug("audit event archived",
		zap.String("event_id", event.ID),
		zap.String("key", key))
	return nil
}

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// BlobSink stores opaque objects by key.
type BlobSink interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

// ExportResult describes one written export object.
type ExportResult struct {
	Key     string `json:"key"`
	Entries int    `json:"entries"`
}

// Exporter writes timelines to a blob sink as newline-delimited JSON.
type Exporter struct {
	projector *Projector
	sink      BlobSink
	clock     func() time.Time
	logger    *zap.Logger
}

func NewExporter(projector *Projector, sink BlobSink, logger *zap.Logger) (*Exporter, error) {
	if projector == nil || sink == nil {
		return nil, errors.New("exporter needs a projector and a sink")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{projector: projector, sink: sink, clock: time.Now, logger: logger}, nil
}

// Export writes the timeline of entityType (optionally narrowed to entityID),
// newest first, one entry per line.
func (e *Exporter) Export(ctx context.Context, entityType EntityType, entityID string) (*ExportResult, error) {
	entries, err := e.projector.GetHistory(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return nil, fmt.Errorf("encode entry: %w", err)
		}
	}

	key := ExportKey(entityType, entityID, e.clock())
	if err := e.sink.Put(ctx, key, bytes.NewReader(buf.Bytes()), "application/x-ndjson"); err != nil {
		return nil, fmt.Errorf("put export %s: %w", key, err)
	}

	e.logger.Info("audit export written",
		zap.String("key", key),
		zap.Int("entries", len(entries)))
	return &ExportResult{Key: key, Entries: len(entries)}, nil
}

// ExportKey is exports/<type>[/<id>]/<utc timestamp>.ndjson.
func ExportKey(entityType EntityType, entityID string, at time.Time) string {
	stamp := at.UTC().Format("20060102T150405.000Z")
	if entityID == "" {
		return fmt.Sprintf("exports/%s/%s.ndjson", entityType, stamp)
	}
	return fmt.Sprintf("exports/%s/%s/%s.ndjson", entityType, entityID, stamp)
}

// ArchiveKey is the object key of a single archived event.
func ArchiveKey(e *Event) string {
	return fmt.Sprintf("archive/%s/%s/%s.json", e.EntityType, e.EntityID, e.ID)
}

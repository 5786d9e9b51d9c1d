package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/audit"
	"github.com/genecura/go-audit/internal/observability/metrics"
)

const defaultMaxCapture = 1 << 20

type auditOptions struct {
	maxCapture int
	metrics    *metrics.Metrics
}

// AuditOption configures AuditTrail.
type AuditOption func(*auditOptions)

// WithMaxCapture bounds how much of a response body is buffered for the
// after snapshot. Larger bodies still stream to the client in full.
func WithMaxCapture(n int) AuditOption {
	return func(o *auditOptions) {
		if n > 0 {
			o.maxCapture = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) AuditOption {
	return func(o *auditOptions) { o.metrics = m }
}

// AuditTrail records successful mutations of entity. It must run after
// Authenticate so the actor is already on the request context.
//
// The handler's response is observed, never altered: the status and body pass
// through unchanged and the audit input is handed to d after the handler
// returns.
func AuditTrail(entity audit.EntityType, d audit.Dispatcher, logger *zap.Logger, opts ...AuditOption) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := auditOptions{maxCapture: defaultMaxCapture}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isMutation(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			ctx, capture := audit.WithCapture(r.Context())
			cw := &captureWriter{ResponseWriter: w, limit: o.maxCapture}
			next.ServeHTTP(cw, r.WithContext(ctx))

			action, ok := inferAction(r.Method, cw.Status())
			if !ok {
				o.metrics.Skipped("status")
				return
			}
			if override := capture.Action(); override != "" {
				action = override
			}

			actor, ok := ActorFromContext(r.Context())
			if !ok {
				o.metrics.Skipped("no_actor")
				return
			}

			data, after := splitBody(cw.buf.Bytes())
			if cw.truncated {
				logger.Warn("response exceeded audit capture limit, after snapshot omitted",
					zap.String("entity_type", string(entity)),
					zap.Int("limit", o.maxCapture))
				data, after = nil, nil
			}
			if action == audit.ActionDelete {
				after = nil
			}

			in := audit.Input{
				EntityType: entity,
				EntityID:   resolveEntityID(r, entity, data),
				Actor:      actor,
				Action:     action,
				Before:     capture.Before(),
				After:      after,
			}
			if cid := GetCorrelationID(r.Context()); cid != "" {
				in.CorrelationID = &cid
			}
			d.Dispatch(r.Context(), in)
		})
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// inferAction maps a method and final status to an action. Only 2xx
// responses to mutating methods produce one.
func inferAction(method string, status int) (audit.Action, bool) {
	if status < 200 || status > 299 {
		return "", false
	}
	switch method {
	case http.MethodPost:
		return audit.ActionCreate, true
	case http.MethodPut, http.MethodPatch:
		return audit.ActionUpdate, true
	case http.MethodDelete:
		return audit.ActionDelete, true
	}
	return "", false
}

// splitBody returns the fields of the envelope's data object, if it is one,
// and the snapshot to store as after: data when present, else the whole body.
func splitBody(body []byte) (map[string]json.RawMessage, json.RawMessage) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || !json.Valid(body) {
		return nil, nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	after := json.RawMessage(body)
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		after = envelope.Data
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(after, &fields); err != nil {
		fields = nil
	}
	return fields, after
}

// resolveEntityID prefers the {id} path parameter, then the entity's natural
// key or "id" in the response data.
func resolveEntityID(r *http.Request, entity audit.EntityType, data map[string]json.RawMessage) string {
	if id := chi.URLParam(r, "id"); id != "" {
		return id
	}
	for _, key := range []string{entity.KeyField(), "id"} {
		raw, ok := data[key]
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		switch id := v.(type) {
		case string:
			if id != "" {
				return id
			}
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64)
		}
	}
	return "unknown"
}

// captureWriter tees the response body into buf up to limit bytes.
type captureWriter struct {
	http.ResponseWriter
	status    int
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *captureWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if !w.truncated {
		if w.buf.Len()+len(p) > w.limit {
			w.truncated = true
			w.buf.Reset()
		} else {
			w.buf.Write(p)
		}
	}
	return w.ResponseWriter.Write(p)
}

// Status is the status sent to the client; 200 when the handler wrote
// nothing explicit.
func (w *captureWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *captureWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

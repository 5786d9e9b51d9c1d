// Package handlers provides HTTP handlers for the records API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/api/middleware"
	"github.com/genecura/go-audit/internal/audit"
	"github.com/genecura/go-audit/internal/domain/records"
)

// RecordsHandler serves CRUD for one collection. Mutating handlers hand the
// pre-mutation document to the audit trail before changing anything.
type RecordsHandler struct {
	repo       records.Repository
	collection audit.EntityType
	logger     *zap.Logger
	now        func() time.Time
}

// NewRecordsHandler creates a new handler
func NewRecordsHandler(repo records.Repository, collection audit.EntityType, logger *zap.Logger) *RecordsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordsHandler{repo: repo, collection: collection, logger: logger, now: time.Now}
}

// Mount registers the collection routes on r.
func (h *RecordsHandler) Mount(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
}

// List handles GET /{collection}
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 10
	}

	opts := records.ListOptions{
		Search: q.Get("search"),
		Limit:  limit,
		Offset: (page - 1) * limit,
		Equals: map[string]string{},
	}
	for key, values := range q {
		switch key {
		case "page", "limit", "search":
		default:
			opts.Equals[key] = values[0]
		}
	}

	recs, total, err := h.repo.List(r.Context(), h.collection, opts)
	if err != nil {
		h.fail(w, r, "list", err)
		return
	}

	docs := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		docs = append(docs, rec.Snapshot())
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(docs),
		"pagination": map[string]int{
			"page":  page,
			"limit": limit,
			"total": total,
			"pages": (total + limit - 1) / limit,
		},
		"data": docs,
	})
}

// Get handles GET /{collection}/{id}
func (h *RecordsHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.Get(r.Context(), h.collection, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": rec.Snapshot()})
}

// Create handles POST /{collection}
func (h *RecordsHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("records-handler").Start(r.Context(), "create_record")
	defer span.End()

	fields, ok := h.decode(w, r)
	if !ok {
		return
	}

	rec, err := records.New(h.collection, fields, h.now())
	if err != nil {
		h.fail(w, r, "create", err)
		return
	}
	span.SetAttributes(attribute.String("entity_type", string(h.collection)), attribute.String("entity_id", rec.Key))

	if err := h.repo.Create(ctx, rec); err != nil {
		h.fail(w, r, "create", err)
		return
	}

	h.logger.Info("record created",
		zap.String("entity_type", string(h.collection)),
		zap.String("entity_id", rec.Key),
		zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
	)
	middleware.WriteJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": string(h.collection) + " created successfully",
		"data":    rec.Snapshot(),
	})
}

// Update handles PUT and PATCH /{collection}/{id}
func (h *RecordsHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("records-handler").Start(r.Context(), "update_record")
	defer span.End()

	key := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("entity_type", string(h.collection)), attribute.String("entity_id", key))

	fields, ok := h.decode(w, r)
	if !ok {
		return
	}
	patch, err := records.Patch(h.collection, fields)
	if err != nil {
		h.fail(w, r, "update", err)
		return
	}

	existing, err := h.repo.Get(ctx, h.collection, key)
	if err != nil {
		h.fail(w, r, "update", err)
		return
	}
	h.captureBefore(r, existing)

	rec, err := h.repo.Update(ctx, h.collection, key, patch)
	if err != nil {
		h.fail(w, r, "update", err)
		return
	}

	h.logger.Info("record updated",
		zap.String("entity_type", string(h.collection)),
		zap.String("entity_id", key),
		zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
	)
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": string(h.collection) + " updated successfully",
		"data":    rec.Snapshot(),
	})
}

// Delete handles DELETE /{collection}/{id}
func (h *RecordsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("records-handler").Start(r.Context(), "delete_record")
	defer span.End()

	key := chi.URLParam(r, "id")
	existing, err := h.repo.Get(ctx, h.collection, key)
	if err != nil {
		h.fail(w, r, "delete", err)
		return
	}
	h.captureBefore(r, existing)

	if _, err := h.repo.Delete(ctx, h.collection, key); err != nil {
		h.fail(w, r, "delete", err)
		return
	}

	h.logger.Info("record deleted",
		zap.String("entity_type", string(h.collection)),
		zap.String("entity_id", key),
		zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
	)
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": string(h.collection) + " deleted successfully",
		"data":    map[string]any{},
	})
}

func (h *RecordsHandler) captureBefore(r *http.Request, rec *records.Record) {
	if err := audit.SetBefore(r.Context(), rec.Snapshot()); err != nil {
		h.logger.Warn("before snapshot not captured",
			zap.String("entity_type", string(h.collection)),
			zap.String("entity_id", rec.Key),
			zap.Error(err))
	}
}

func (h *RecordsHandler) decode(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	return fields, true
}

func (h *RecordsHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	writeRecordError(w, h.collection, err)
	if status := recordErrorStatus(err); status >= http.StatusInternalServerError {
		h.logger.Error(op+" record failed",
			zap.String("entity_type", string(h.collection)),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err))
	}
}

func recordErrorStatus(err error) int {
	switch {
	case errors.Is(err, records.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, records.ErrAlreadyExists), errors.Is(err, records.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeRecordError(w http.ResponseWriter, collection audit.EntityType, err error) {
	switch status := recordErrorStatus(err); status {
	case http.StatusNotFound:
		middleware.WriteError(w, status, string(collection)+" not found")
	case http.StatusBadRequest:
		middleware.WriteJSON(w, status, map[string]any{
			"success": false,
			"message": "Validation failed",
			"errors":  []string{err.Error()},
		})
	default:
		middleware.WriteError(w, status, "Server error")
	}
}

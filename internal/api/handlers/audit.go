package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/api/middleware"
	"github.com/genecura/go-audit/internal/audit"
	"github.com/genecura/go-audit/internal/domain/records"
)

// AuditHandler exposes entity timelines, the medicine variation report and
// NDJSON exports.
type AuditHandler struct {
	projector *audit.Projector
	exporter  *audit.Exporter
	repo      records.Repository
	logger    *zap.Logger
}

// NewAuditHandler creates a new handler. exporter may be nil when no blob
// sink is configured.
func NewAuditHandler(projector *audit.Projector, exporter *audit.Exporter, repo records.Repository, logger *zap.Logger) *AuditHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHandler{projector: projector, exporter: exporter, repo: repo, logger: logger}
}

// History handles GET /audit/{entityType} and /audit/{entityType}/{entityId}
func (h *AuditHandler) History(w http.ResponseWriter, r *http.Request) {
	entityType, err := audit.ParseEntityType(chi.URLParam(r, "entityType"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Unknown entity type")
		return
	}
	entityID := chi.URLParam(r, "entityId")

	entries, err := h.projector.GetHistory(r.Context(), entityType, entityID)
	if err != nil {
		h.serverError(w, r, "history query failed", err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(entries),
		"data":    entries,
	})
}

// ActorActivity handles GET /audit/actors/{role}/{actorId}. Admins may read
// any actor; everyone else only their own activity.
func (h *AuditHandler) ActorActivity(w http.ResponseWriter, r *http.Request) {
	target := audit.Actor{
		Role: audit.ActorRole(chi.URLParam(r, "role")),
		ID:   chi.URLParam(r, "actorId"),
	}
	if !target.Role.Valid() {
		middleware.WriteError(w, http.StatusBadRequest, "Unknown role")
		return
	}
	caller, _ := middleware.ActorFromContext(r.Context())
	if caller.Role != audit.RoleAdmin && caller != target {
		middleware.WriteError(w, http.StatusForbidden, "Access denied")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	entries, err := h.projector.ActorActivity(r.Context(), target, limit)
	if err != nil {
		h.serverError(w, r, "actor activity query failed", err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(entries),
		"data":    entries,
	})
}

// Variation handles GET /medicines/{id}/variation
func (h *AuditHandler) Variation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "id")

	medicine, err := h.repo.Get(ctx, audit.EntityMedicine, key)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "Medicine not found")
			return
		}
		h.serverError(w, r, "medicine lookup failed", err)
		return
	}

	variations, err := h.projector.GetHistory(ctx, audit.EntityMedicine, key)
	if err != nil {
		h.serverError(w, r, "variation query failed", err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"medicine":        medicine.Snapshot(),
			"variations":      variations,
			"totalVariations": len(variations),
		},
	})
}

// Export handles POST /audit/{entityType}/exports
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Export sink not configured")
		return
	}
	entityType, err := audit.ParseEntityType(chi.URLParam(r, "entityType"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Unknown entity type")
		return
	}

	res, err := h.exporter.Export(r.Context(), entityType, r.URL.Query().Get("entityId"))
	if err != nil {
		h.serverError(w, r, "export failed", err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, map[string]any{"success": true, "data": res})
}

func (h *AuditHandler) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		zap.Error(err))
	middleware.WriteError(w, http.StatusInternalServerError, "Server error")
}

package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/api/middleware"
	"github.com/genecura/go-audit/internal/audit"
	"github.com/genecura/go-audit/internal/domain/records"
)

// DecisionRequest is the body of an admin decision on a report.
type DecisionRequest struct {
	FinalDecision string `json:"final_decision"`
	Approved      *bool  `json:"approved"`
}

// ReportsHandler serves the admin decision on a report.
type ReportsHandler struct {
	repo   records.Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewReportsHandler(repo records.Repository, logger *zap.Logger) *ReportsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportsHandler{repo: repo, logger: logger, now: time.Now}
}

// Decision handles POST /reports/{id}/decision. The audit action is approve
// or reject rather than update.
func (h *ReportsHandler) Decision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "id")

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decision := strings.TrimSpace(req.FinalDecision)
	if decision == "" || len(decision) > 1000 || req.Approved == nil {
		middleware.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "Validation failed",
			"errors":  []string{"final_decision (1-1000 chars) and approved are required"},
		})
		return
	}

	existing, err := h.repo.Get(ctx, audit.EntityReport, key)
	if err != nil {
		writeRecordError(w, audit.EntityReport, err)
		return
	}
	if err := audit.SetBefore(ctx, existing.Snapshot()); err != nil {
		h.logger.Warn("before snapshot not captured", zap.String("report_id", key), zap.Error(err))
	}

	actor, _ := middleware.ActorFromContext(ctx)
	rec, err := h.repo.Update(ctx, audit.EntityReport, key, map[string]any{
		"final_decision": decision,
		"approved":       *req.Approved,
		"decided_by":     actor.ID,
		"decided_at":     h.now().UTC(),
	})
	if err != nil {
		writeRecordError(w, audit.EntityReport, err)
		return
	}

	outcome := "rejected"
	audit.OverrideAction(ctx, audit.ActionReject)
	if *req.Approved {
		outcome = "approved"
		audit.OverrideAction(ctx, audit.ActionApprove)
	}

	h.logger.Info("report decision made",
		zap.String("report_id", key),
		zap.String("decision", outcome),
		zap.String("actor_id", actor.ID),
		zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
	)
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Report " + outcome + " successfully",
		"data":    rec.Snapshot(),
	})
}

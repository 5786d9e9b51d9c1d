package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/api/middleware"
	"github.com/genecura/go-audit/internal/domain/records"
)

// AnalysisHandler serves variation analysis notes on medicines.
type AnalysisHandler struct {
	repo   records.AnalysisRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewAnalysisHandler(repo records.AnalysisRepository, logger *zap.Logger) *AnalysisHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisHandler{repo: repo, logger: logger, now: time.Now}
}

// Create handles POST /variation-analysis
func (h *AnalysisHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MedicineID  string `json:"medicine_id"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	analysis, err := records.NewAnalysis(req.MedicineID, req.Description, h.now())
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "medicine_id and description are required.")
		return
	}
	if err := h.repo.CreateAnalysis(r.Context(), analysis); err != nil {
		h.logger.Error("create variation analysis failed",
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "Server error")
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    map[string]any{"report": analysis},
	})
}

// List handles GET /variation-analysis, optionally filtered by ?medicine_id=
func (h *AnalysisHandler) List(w http.ResponseWriter, r *http.Request) {
	analyses, err := h.repo.ListAnalyses(r.Context(), r.URL.Query().Get("medicine_id"))
	if err != nil {
		h.logger.Error("list variation analyses failed",
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "Server error")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]any{"reports": analyses},
	})
}

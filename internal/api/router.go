// Package api assembles the records API: routing, authentication, role
// checks and the audit trail around every mutating route.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/api/handlers"
	"github.com/genecura/go-audit/internal/api/middleware"
	"github.com/genecura/go-audit/internal/audit"
	"github.com/genecura/go-audit/internal/domain/records"
	"github.com/genecura/go-audit/internal/observability/metrics"
)

// Collection binds a URL path to an audited entity type and the roles that
// may use it. No roles means any authenticated actor.
type Collection struct {
	Path   string
	Entity audit.EntityType
	Roles  []audit.ActorRole
}

// Collections is the route table of the records API.
var Collections = []Collection{
	{Path: "patients", Entity: audit.EntityPatient, Roles: []audit.ActorRole{audit.RoleDoctor}},
	{Path: "genes", Entity: audit.EntityGene, Roles: []audit.ActorRole{audit.RoleGeneticist}},
	{Path: "medicines", Entity: audit.EntityMedicine, Roles: []audit.ActorRole{audit.RolePharmacologist}},
	{Path: "prescriptions", Entity: audit.EntityPrescription, Roles: []audit.ActorRole{audit.RoleDoctor}},
	{Path: "reports", Entity: audit.EntityReport},
	{Path: "metabolizers", Entity: audit.EntityMetabolizerDetail, Roles: []audit.ActorRole{audit.RoleGeneticist}},
	{Path: "treatment-cases", Entity: audit.EntityTreatmentCase},
}

// Deps are the collaborators the router wires together.
type Deps struct {
	ServiceName string
	Records     records.Repository
	// Analyses backs the variation analysis notes. Nil disables the route.
	Analyses    records.AnalysisRepository
	Dispatcher  audit.Dispatcher
	Projector   *audit.Projector
	Exporter    *audit.Exporter
	Tokens      middleware.TokenValidator
	Actors      middleware.ActorResolver
	Metrics     *metrics.Metrics
	Logger      *zap.Logger

	MaxCaptureBytes int
	CORSOrigins     []string
	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

// NewRouter builds the HTTP handler for the records API.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.ServiceName == "" {
		d.ServiceName = "records-api"
	}

	recordsHandlers := func(entity audit.EntityType) *handlers.RecordsHandler {
		return handlers.NewRecordsHandler(d.Records, entity, logger)
	}
	auditHandler := handlers.NewAuditHandler(d.Projector, d.Exporter, d.Records, logger)
	reportsHandler := handlers.NewReportsHandler(d.Records, logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.CORS(d.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.ServiceName))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": d.ServiceName,
			"version": "1.0.0",
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(d.Tokens, d.Actors, logger))

		for _, c := range Collections {
			r.Route("/"+c.Path, func(r chi.Router) {
				if len(c.Roles) > 0 {
					r.Use(middleware.RequireRole(c.Roles...))
				}
				r.Use(middleware.AuditTrail(c.Entity, d.Dispatcher, logger,
					middleware.WithMaxCapture(d.MaxCaptureBytes),
					middleware.WithMetrics(d.Metrics)))

				recordsHandlers(c.Entity).Mount(r)

				switch c.Entity {
				case audit.EntityReport:
					r.With(middleware.RequireRole(audit.RoleAdmin)).Post("/{id}/decision", reportsHandler.Decision)
				case audit.EntityMedicine:
					r.Get("/{id}/variation", auditHandler.Variation)
				}
			})
		}

		if d.Analyses != nil {
			analysisHandler := handlers.NewAnalysisHandler(d.Analyses, logger)
			r.Route("/variation-analysis", func(r chi.Router) {
				r.Use(middleware.RequireRole(audit.RolePharmacologist))
				r.Post("/", analysisHandler.Create)
				r.Get("/", analysisHandler.List)
			})
		}

		r.Route("/audit", func(r chi.Router) {
			r.Get("/{entityType}", auditHandler.History)
			r.Get("/{entityType}/{entityId}", auditHandler.History)
			r.Get("/actors/{role}/{actorId}", auditHandler.ActorActivity)
			r.With(middleware.RequireRole(audit.RoleAdmin)).Post("/{entityType}/exports", auditHandler.Export)
		})
	})

	return r
}

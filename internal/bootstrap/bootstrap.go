// Package bootstrap builds the shared components every binary needs from a
// loaded config: stores, the recorder and its breaker, and the blob sink.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/audit"
	"github.com/genecura/go-audit/internal/auth"
	"github.com/genecura/go-audit/internal/config"
	"github.com/genecura/go-audit/internal/domain/records"
	"github.com/genecura/go-audit/internal/infrastructure/postgres"
	"github.com/genecura/go-audit/internal/infrastructure/s3"
	"github.com/genecura/go-audit/internal/infrastructure/sqlite"
	"github.com/genecura/go-audit/internal/observability/metrics"
	"github.com/genecura/go-audit/pkg/circuitbreaker"
)

// Stores holds the backends selected by STORE_DRIVER.
type Stores struct {
	Audit    audit.Store
	Records  records.Repository
	Analyses records.AnalysisRepository
	// Pool is set only for the postgres driver.
	Pool *pgxpool.Pool

	ping    func(ctx context.Context) error
	closers []func()
}

// Ping reports whether the backing database answers. The memory driver is always ready.
func (s *Stores) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

// Close releases database handles in reverse order of opening.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// OpenStores connects the audit store and the records and analysis
// repositories. Only the postgres driver persists records and analyses;
// sqlite and memory keep them in process.
func OpenStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		storeCfg := postgres.DefaultAuditStoreConfig()
		storeCfg.OutboxEnabled = cfg.AuditOutboxEnabled
		logger.Info("connected to database", zap.String("driver", cfg.StoreDriver))
		return &Stores{
			Audit:    postgres.NewAuditStore(pool, storeCfg, logger),
			Records:  records.NewPostgresRepository(pool, logger),
			Analyses: records.NewPostgresAnalyses(pool),
			Pool:     pool,
			ping:     pool.Ping,
			closers:  []func(){pool.Close},
		}, nil

	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Audit:    store,
			Records:  records.NewMemoryRepository(),
			Analyses: records.NewMemoryAnalyses(),
			ping:     store.Ping,
			closers:  []func(){func() { _ = store.Close() }},
		}, nil

	case config.DriverMemory:
		logger.Warn("using in-memory stores; audit events will not survive a restart")
		return &Stores{
			Audit:    audit.NewMemoryStore(),
			Records:  records.NewMemoryRepository(),
			Analyses: records.NewMemoryAnalyses(),
		}, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}

// OpenPool connects to Postgres and verifies the connection.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewBreaker builds a breaker whose state is exported on circuit_breaker_state.
// Caller cancellations do not count as failures.
func NewBreaker(name string, m *metrics.Metrics, logger *zap.Logger) (*circuitbreaker.CircuitBreaker, error) {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, context.Canceled)
	}
	cfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	}
	cb, err := circuitbreaker.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	m.SetBreakerState(name, circuitbreaker.StateClosed.Gauge())
	return cb, nil
}

// NewRecorder wires the recorder to store behind an "audit-store" breaker.
func NewRecorder(cfg *config.Config, store audit.Store, m *metrics.Metrics, logger *zap.Logger) (*audit.Recorder, error) {
	breaker, err := NewBreaker("audit-store", m, logger)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}
	rc := audit.DefaultRecorderConfig()
	if cfg.AuditStrictPairing {
		rc.Pairing = audit.PairingStrict
	}
	return audit.NewRecorder(store, breaker, m, rc, logger), nil
}

// NewDispatcher wraps recorder in the background best-effort writer. The
// caller starts and stops it.
func NewDispatcher(cfg *config.Config, recorder audit.EventRecorder, m *metrics.Metrics, logger *zap.Logger) (*audit.BestEffort, error) {
	bc := audit.DefaultBestEffortConfig()
	bc.Workers = cfg.AuditWorkers
	bc.QueueSize = cfg.AuditQueueSize
	if cfg.AuditWriteTimeout > 0 {
		bc.WriteTimeout = cfg.AuditWriteTimeout
	}
	return audit.NewBestEffort(recorder, m, bc, logger)
}

// NewSink returns the S3 sink, or nil when S3_BUCKET is unset.
func NewSink(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*s3.Sink, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	return s3.New(ctx, s3.Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
	}, logger)
}

// NewExporter returns an exporter over sink, or nil when there is no sink.
func NewExporter(projector *audit.Projector, sink *s3.Sink, logger *zap.Logger) (*audit.Exporter, error) {
	if sink == nil {
		return nil, nil
	}
	return audit.NewExporter(projector, sink, logger)
}

// NewAuth returns the token service and the role directory.
func NewAuth(cfg *config.Config) (*auth.TokenService, *auth.Directory) {
	return auth.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer), auth.DefaultDirectory()
}

// Readiness combines checks into one; the first failure is returned.
func Readiness(checks ...func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// OpsHandler serves /metrics and /ready for the background workers.
func OpsHandler(m *metrics.Metrics, ready func(context.Context) error, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ready"))
	})
	return r
}

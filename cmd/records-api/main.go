// Package main provides the records API entry point. Every successful
// mutation it serves is recorded in the audit trail.
package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/api"
	"github.com/genecura/go-audit/internal/audit"
	"github.com/genecura/go-audit/internal/bootstrap"
	"github.com/genecura/go-audit/internal/config"
	"github.com/genecura/go-audit/internal/observability/logging"
	"github.com/genecura/go-audit/internal/observability/metrics"
	"github.com/genecura/go-audit/internal/observability/tracing"
)

const serviceName = "records-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("load config", zap.Error(err))
	}

	logger, err := logging.New(serviceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		zap.L().Fatal("build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open stores", zap.Error(err))
	}
	defer stores.Close()

	m := metrics.New()

	recorder, err := bootstrap.NewRecorder(cfg, stores.Audit, m, logger)
	if err != nil {
		logger.Fatal("create recorder", zap.Error(err))
	}
	dispatcher, err := bootstrap.NewDispatcher(cfg, recorder, m, logger)
	if err != nil {
		logger.Fatal("create dispatcher", zap.Error(err))
	}
	dispatcher.Start()

	projector := audit.NewProjector(stores.Audit, m, logger)
	sink, err := bootstrap.NewSink(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("create export sink", zap.Error(err))
	}
	exporter, err := bootstrap.NewExporter(projector, sink, logger)
	if err != nil {
		logger.Fatal("create exporter", zap.Error(err))
	}

	tokens, directory := bootstrap.NewAuth(cfg)

	router := api.NewRouter(api.Deps{
		ServiceName:     serviceName,
		Records:         stores.Records,
		Analyses:        stores.Analyses,
		Dispatcher:      dispatcher,
		Projector:       projector,
		Exporter:        exporter,
		Tokens:          tokens,
		Actors:          directory,
		Metrics:         m,
		Logger:          logger,
		MaxCaptureBytes: cfg.AuditMaxCaptureBytes,
		CORSOrigins:     cfg.CORSOrigins,
		Ready:           bootstrap.Readiness(stores.Ping, dispatcher.Ready),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting records API",
		zap.String("port", cfg.Port),
		zap.String("store_driver", cfg.StoreDriver))
	if err := serve(sigCtx, server, ln, dispatcher.Stop, logger); err != nil {
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// Package main provides the audit archiver entry point.
// Consumes audit.trail and writes each event once to the archive bucket.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/archive"
	"github.com/genecura/go-audit/internal/bootstrap"
	"github.com/genecura/go-audit/internal/config"
	"github.com/genecura/go-audit/internal/infrastructure/redpanda"
	"github.com/genecura/go-audit/internal/observability/logging"
	"github.com/genecura/go-audit/internal/observability/metrics"
	"github.com/genecura/go-audit/internal/observability/tracing"
	"github.com/genecura/go-audit/pkg/idempotency"
)

const serviceName = "audit-archiver"

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

	sink, err := bootstrap.NewSink(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("create archive sink", zap.Error(err))
	}
	if sink == nil {
		logger.Fatal("audit archiver requires S3_BUCKET")
	}

	m := metrics.New()
	breaker, err := bootstrap.NewBreaker("archive-sink", m, logger)
	if err != nil {
		logger.Fatal("create breaker", zap.Error(err))
	}

	// The inbox lives in Postgres; other drivers fall back to checking the bucket.
	var inbox *idempotency.Inbox
	if cfg.StoreDriver == config.DriverPostgres {
		pool, err := bootstrap.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pool.Close()
		inbox = idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
		inbox.StartCleanup()
		defer inbox.Stop()
	}

	var archiver *archive.Archiver
	if inbox != nil {
		archiver, err = archive.New(sink, breaker, inbox, m, logger)
	} else {
		archiver, err = archive.New(sink, breaker, nil, m, logger)
	}
	if err != nil {
		logger.Fatal("create archiver", zap.Error(err))
	}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumer, err := redpanda.NewConsumer(consumerCfg, archiver.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	ready := func(ctx context.Context) error {
		return redpanda.HealthCheck(ctx, cfg.KafkaBrokers)
	}
	metricsServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           bootstrap.OpsHandler(m, ready, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	consumer.Start()
	logger.Info("audit archiver started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("bucket", cfg.S3Bucket))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("audit archiver stopped", zap.Int64("messages", consumer.Stats().MessagesRead))
}

// Package main provides the outbox relay entry point. It publishes audit
// events written to the Postgres outbox onto the audit.trail topic.
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

	"github.com/genecura/go-audit/internal/bootstrap"
	"github.com/genecura/go-audit/internal/config"
	"github.com/genecura/go-audit/internal/infrastructure/postgres"
	"github.com/genecura/go-audit/internal/infrastructure/redpanda"
	"github.com/genecura/go-audit/internal/observability/logging"
	"github.com/genecura/go-audit/internal/observability/metrics"
	"github.com/genecura/go-audit/internal/observability/tracing"
)

const serviceName = "outbox-relay"

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

	if cfg.StoreDriver != config.DriverPostgres {
		logger.Fatal("outbox relay requires STORE_DRIVER=postgres", zap.String("store_driver", cfg.StoreDriver))
	}

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}

	pool, err := bootstrap.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New()
	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, m, logger)

	ready := bootstrap.Readiness(pool.Ping, func(ctx context.Context) error {
		return redpanda.HealthCheck(ctx, cfg.KafkaBrokers)
	})
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

	outbox.Start()
	logger.Info("outbox relay started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

// Package main provides auditctl, the operator CLI for the audit trail.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/config"
	"github.com/genecura/go-audit/internal/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	logger, err := logging.New("auditctl", cfg.Env, "warn")
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	if err := newRootCmd(newEnvironment(cfg, logger)).Execute(); err != nil {
		os.Exit(1)
	}
}

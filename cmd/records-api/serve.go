package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// serve runs server on ln until ctx is done. Shutdown waits for in-flight
// requests, and only then is drain called, so audit events dispatched by
// those requests are still accepted.
func serve(ctx context.Context, server *http.Server, ln net.Listener, drain func() error, logger *zap.Logger) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return errors.Join(err, drain())
	}
	<-done

	return drain()
}

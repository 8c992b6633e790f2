package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/common-nighthawk/go-figure"

	"storefront/internal/observability"
)

const shutdownTimeout = 10 * time.Second

// Banner prints the service name in large type before startup logging.
func Banner(name string) {
	figure.NewFigure(name, "cybermedium", true).Print()
	fmt.Println()
}

// Serve runs the runtime's handler on addr until ctx is cancelled or the
// listener fails, then drains in-flight requests and closes the runtime.
func Serve(ctx context.Context, addr string, rt *Runtime, logger *observability.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           rt.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server_start", map[string]any{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_requested", nil)
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("serve %s: %w", addr, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server_shutdown_incomplete", map[string]any{"error": err.Error()})
	}
	if err := rt.Close(); err != nil {
		logger.Warn("runtime_close_failed", map[string]any{"error": err.Error()})
	}
	logger.Info("server_stopped", nil)
	return runErr
}

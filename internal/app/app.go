// Package app provides application lifecycle management for the git server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tinyflake/git-server/internal/config"
)

// GitServerApp encapsulates all components needed to run the git HTTP server
// It provides lifecycle management and graceful shutdown capabilities
type GitServerApp struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server
	listener   net.Listener

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// Listen binds the configured address. Start calls it when it has not been
// called yet; calling it first lets callers learn an ephemeral port.
func (app *GitServerApp) Listen() (net.Addr, error) {
	if app.listener != nil {
		return app.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln
	return ln.Addr(), nil
}

// Start serves HTTP until the server is stopped
// This method blocks until the HTTP server stops or encounters an error
func (app *GitServerApp) Start() error {
	addr, err := app.Listen()
	if err != nil {
		return err
	}

	slog.Info("Server listening", "address", addr.String())
	if err := app.httpServer.Serve(app.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Stop gracefully stops the application with the given timeout.
// In-flight git transfers are given until the timeout to finish, then queued
// operation records are flushed and the store and telemetry are closed.
func (app *GitServerApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}
	if app.listener != nil {
		// Serve closes it on shutdown unless Start was never called
		_ = app.listener.Close()
	}

	// stops the users file watcher
	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	c := app.components
	if c.Recorder != nil {
		if err := c.Recorder.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush operation log: %w", err))
		}
		if dropped := c.Recorder.Dropped(); dropped > 0 {
			slog.Warn("Operation records were dropped", "count", dropped)
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close operation log: %w", err))
		}
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown telemetry: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	slog.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *GitServerApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server
func (app *GitServerApp) GetHTTPServer() *http.Server {
	return app.httpServer
}

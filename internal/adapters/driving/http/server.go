package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driving"
	"github.com/custodia-labs/evergreen-sync/internal/runtime"
)

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *http.ServeMux
	version    string
	logger     *slog.Logger

	// Services
	syncService   driving.SyncService
	notifications driving.NotificationSink
	clientStates  driven.ClientStateIssuer

	// Infrastructure
	health        *runtime.Services
	operatorToken string
}

// Config holds server configuration
type Config struct {
	Host    string
	Port    int
	Version string

	// OperatorToken guards /api/v1. The operator API is not mounted when empty.
	OperatorToken string

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host:    "0.0.0.0",
		Port:    8080,
		Version: "dev",
	}
}

// NewServer creates a new HTTP server. syncService and clientStates may be
// nil, in which case the routes that need them are not mounted.
func NewServer(
	cfg Config,
	syncService driving.SyncService,
	notifications driving.NotificationSink,
	clientStates driven.ClientStateIssuer,
	health *runtime.Services,
) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if health == nil {
		health = runtime.NewServices(0)
	}

	s := &Server{
		router:        http.NewServeMux(),
		version:       cfg.Version,
		logger:        logger,
		syncService:   syncService,
		notifications: notifications,
		clientStates:  clientStates,
		health:        health,
		operatorToken: cfg.OperatorToken,
	}

	handler := NewRecoveryMiddleware(logger).Handler(
		NewLoggingMiddleware(logger).Handler(s.router))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health endpoints (no auth)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /ready", s.handleReady)
	s.router.HandleFunc("GET /version", s.handleVersion)

	// Provider webhooks are authenticated by their signed clientState
	if s.notifications != nil && s.clientStates != nil {
		s.router.HandleFunc("POST /webhooks/microsoft365", s.handleGraphNotification)
	}

	if s.syncService == nil || s.operatorToken == "" {
		return
	}
	auth := NewOperatorAuth(s.operatorToken)

	s.router.Handle("GET /api/v1/connections/{id}/status",
		auth.Authenticate(http.HandlerFunc(s.handleGetStatus)))
	s.router.Handle("POST /api/v1/connections/{id}/sync",
		auth.Authenticate(http.HandlerFunc(s.handleRequestSync)))
	s.router.Handle("POST /api/v1/connections/{id}/reset",
		auth.Authenticate(http.HandlerFunc(s.handleReset)))
	s.router.Handle("DELETE /api/v1/connections/{id}",
		auth.Authenticate(http.HandlerFunc(s.handleDisconnect)))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// Stop stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

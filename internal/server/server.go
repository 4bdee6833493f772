// Package server exposes the account API over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/server/handler"
	"github.com/alanyoungcy/marginbot/internal/server/middleware"
	"github.com/alanyoungcy/marginbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	CORSOrigins  []string
	APIKey       string // empty disables auth
	RateLimit    int    // command requests per window per client; 0 disables
	RateWindow   time.Duration
	WriteTimeout time.Duration // must cover a workflow's inclusion wait
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health   *handler.HealthHandler
	Account  *handler.AccountHandler
	Commands *handler.CommandHandler
}

// Server is the HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and the middleware chain. hub and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Account.GetStatus)
	mux.HandleFunc("GET /api/account", handlers.Account.GetAccount)
	mux.HandleFunc("GET /api/positions", handlers.Account.ListPositions)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Account.GetPosition)
	mux.HandleFunc("GET /api/operations", handlers.Account.ListOperations)
	mux.HandleFunc("PUT /api/session/account", handlers.Account.SetAccount)
	mux.HandleFunc("POST /api/sync", handlers.Account.Sync)

	mux.HandleFunc("POST /api/deposits", handlers.Commands.Deposit)
	mux.HandleFunc("POST /api/approvals", handlers.Commands.Approve)
	mux.HandleFunc("POST /api/positions", handlers.Commands.Open)
	mux.HandleFunc("POST /api/positions/{id}/close", handlers.Commands.Close)
	mux.HandleFunc("POST /api/positions/{id}/withdraw", handlers.Commands.Withdraw)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 6 * time.Minute
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start blocks until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

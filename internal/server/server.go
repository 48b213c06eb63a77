package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/server/handler"
	"github.com/alanyoungcy/flasharb/internal/server/middleware"
	"github.com/alanyoungcy/flasharb/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per minute per client; 0 disables limiting
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health        *handler.HealthHandler
	Status        *handler.StatusHandler
	Opportunities *handler.OpportunityHandler
	Scanner       *handler.ScannerHandler
	Execute       *handler.ExecuteHandler
	Risk          *handler.RiskHandler
	Retry         *handler.RetryHandler
	Breaker       *handler.BreakerHandler
}

// Server is the headless HTTP + WebSocket API server for the arbitrage
// pipeline.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (rate limiting, logging, CORS, auth) and attaches the
// WebSocket hub and Prometheus handler. limiter may be nil, in which case
// per-client rate limiting is disabled.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, metrics http.Handler, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Aggregate pipeline status.
	mux.HandleFunc("GET /api/status", handlers.Status.Get)

	// Open opportunities.
	mux.HandleFunc("GET /api/opportunities", handlers.Opportunities.List)

	// Scanner control.
	mux.HandleFunc("POST /api/scanner/start", handlers.Scanner.Start)
	mux.HandleFunc("POST /api/scanner/stop", handlers.Scanner.Stop)
	mux.HandleFunc("GET /api/scanner/status", handlers.Scanner.Status)

	// Manual execution. Absent in scan mode, which has no executor.
	if handlers.Execute != nil {
		mux.HandleFunc("POST /api/execute/{id}", handlers.Execute.Execute)
	}

	// Risk stats.
	mux.HandleFunc("GET /api/risk/stats", handlers.Risk.Stats)

	// Retry queue inspection. Absent in scan mode, which has no queue.
	if handlers.Retry != nil {
		mux.HandleFunc("GET /api/retry/queue", handlers.Retry.Queue)
		mux.HandleFunc("GET /api/retry/deadletters", handlers.Retry.DeadLetters)
	}

	// Circuit breaker state and control.
	mux.HandleFunc("GET /api/breaker", handlers.Breaker.Get)
	mux.HandleFunc("POST /api/breaker/trip", handlers.Breaker.Trip)
	mux.HandleFunc("POST /api/breaker/reset", handlers.Breaker.Reset)

	// Prometheus metrics (no auth required, meant for internal scrapers).
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply per-client rate limiting when a limiter is wired.
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute)(h)
	}

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

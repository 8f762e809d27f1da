package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alephtrade/crossarb/internal/crypto"
	"github.com/alephtrade/crossarb/internal/domain"
	"github.com/alephtrade/crossarb/internal/server/handler"
	"github.com/alephtrade/crossarb/internal/server/middleware"
	"github.com/alephtrade/crossarb/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// Auth holds the HMAC credentials for inbound requests. Nil disables
	// request authentication.
	Auth *crypto.HMACAuth
	// RateLimiter applies per-client request limiting. Nil disables it.
	RateLimiter domain.RateLimiter
}

// Per-client request budget for the rate limit middleware.
const (
	rateLimitRequests = 120
	rateLimitWindow   = time.Minute
)

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Orders    *handler.OrderHandler
	Callbacks *handler.CallbackHandler
	Admin     *handler.AdminHandler
	Audit     *handler.AuditHandler
	Archives  *handler.ArchiveHandler
	Status    *handler.StatusHandler
}

// Server is the HTTP + WebSocket API for the settlement engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth) and attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Order endpoints.
	mux.HandleFunc("POST /api/orders", handlers.Orders.CreateOrder)
	mux.HandleFunc("POST /api/orders/atomic", handlers.Orders.ExecuteAtomic)
	mux.HandleFunc("GET /api/orders", handlers.Orders.ListOrders)
	mux.HandleFunc("GET /api/orders/{key}", handlers.Orders.GetOrder)
	mux.HandleFunc("DELETE /api/orders/{key}", handlers.Orders.CancelOrder)

	// Keeper venue callbacks. Caller identity comes from the attestation
	// signature, not from request auth.
	mux.HandleFunc("POST /api/callbacks/executed", handlers.Callbacks.Executed)
	mux.HandleFunc("POST /api/callbacks/cancelled", handlers.Callbacks.Cancelled)
	mux.HandleFunc("POST /api/callbacks/frozen", handlers.Callbacks.Frozen)

	// Admin endpoints.
	mux.HandleFunc("PUT /api/admin/slippage", handlers.Admin.SetSlippage)
	mux.HandleFunc("PUT /api/admin/keepers", handlers.Admin.SetKeeper)
	mux.HandleFunc("POST /api/admin/rescue", handlers.Admin.Rescue)

	// Observability endpoints.
	mux.HandleFunc("GET /api/events", handlers.Audit.ListEvents)
	mux.HandleFunc("GET /api/events/stream", handlers.Audit.StreamEvents)
	mux.HandleFunc("GET /api/archives", handlers.Archives.List)
	mux.HandleFunc("GET /api/archives/download", handlers.Archives.Download)
	mux.HandleFunc("DELETE /api/archives", handlers.Archives.Delete)
	mux.HandleFunc("GET /api/status", handlers.Status.Status)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if Auth is nil).
	h = middleware.Auth(cfg.Auth)(h)

	// Apply per-client rate limiting when a limiter is wired.
	if cfg.RateLimiter != nil {
		h = middleware.RateLimit(cfg.RateLimiter, rateLimitRequests, rateLimitWindow)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

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

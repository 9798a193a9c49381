// Package server exposes the indexer's HTTP and WebSocket API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/observability"
	"github.com/alanyoungcy/predictindexer/internal/server/handler"
	"github.com/alanyoungcy/predictindexer/internal/server/middleware"
	"github.com/alanyoungcy/predictindexer/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string
	// APIKey guards /api/ when set. Intake, health and metrics stay open.
	APIKey string
	// IntakeLimit requests per IntakeWindow are allowed per client IP on the
	// index-tx endpoints.
	IntakeLimit  int
	IntakeWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Nil handlers
// leave their routes unregistered.
type Handlers struct {
	Health  *handler.HealthHandler
	Markets *handler.MarketHandler
	Users   *handler.UserHandler
	Events  *handler.EventHandler
	Intake  *handler.IntakeHandler
	Metrics http.Handler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain.
func NewServer(
	cfg Config,
	handlers Handlers,
	hub *ws.Hub,
	limiter domain.RateLimiter,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Server {
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if m := handlers.Markets; m != nil {
		mux.HandleFunc("GET /api/markets", m.ListMarkets)
		mux.HandleFunc("GET /api/markets/{id}", m.GetMarket)
		mux.HandleFunc("GET /api/markets/{id}/history", m.History)
		mux.HandleFunc("GET /api/markets/{id}/quote", m.Quote)
		mux.HandleFunc("GET /api/markets/{id}/payout", m.Payout)
	}
	if u := handlers.Users; u != nil {
		mux.HandleFunc("GET /api/leaderboard", u.Leaderboard)
		mux.HandleFunc("GET /api/users/{wallet}", u.Profile)
	}
	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.List)
	}
	if in := handlers.Intake; in != nil {
		limited := middleware.RateLimit(limiter, "index-tx", cfg.IntakeLimit, cfg.IntakeWindow, logger)
		indexTx := limited(http.HandlerFunc(in.IndexTx))
		mux.HandleFunc("POST /webhook", in.Webhook)
		mux.Handle("POST /index-tx", indexTx)
		mux.Handle("POST /api/markets/index-tx", indexTx)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	// Outermost first: request id, logging, CORS, auth.
	var h http.Handler = mux
	h = middleware.APIKey(cfg.APIKey, "/api/", "/api/health", "/api/markets/index-tx")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.Logging(logger, metrics)(h)
	h = middleware.RequestID()(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "http")),
	}
}

// Handler returns the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens and serves until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("listening", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Package server is the HTTP and websocket front of the service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/alanyoungcy/pricewatch/internal/server/handler"
	"github.com/alanyoungcy/pricewatch/internal/server/middleware"
	"github.com/alanyoungcy/pricewatch/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards every route except health and metrics. Empty disables
	// authentication.
	APIKey     string
	RateLimit  int
	RateWindow time.Duration
	// WriteTimeout must cover a synchronous product refresh.
	WriteTimeout time.Duration
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health   *handler.HealthHandler
	Products *handler.ProductHandler
	Refresh  *handler.RefreshHandler
	// Outcomes serves /api/outcomes when a signal bus is configured.
	Outcomes *handler.OutcomeHandler
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in the middleware chain. limiter
// and hub may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/products", handlers.Products.ListProducts)
	api.HandleFunc("POST /api/products/track", handlers.Products.Track)
	api.HandleFunc("GET /api/products/{id}", handlers.Products.GetProduct)
	api.HandleFunc("GET /api/products/{id}/comparison", handlers.Products.Compare)
	api.HandleFunc("POST /api/products/{id}/refresh", handlers.Products.RefreshProduct)
	api.HandleFunc("GET /api/listings/{id}/history", handlers.Products.History)
	api.HandleFunc("POST /api/refresh", handlers.Refresh.Trigger)
	if handlers.Outcomes != nil {
		api.HandleFunc("GET /api/outcomes", handlers.Outcomes.Recent)
	}
	if hub != nil {
		api.HandleFunc("GET /ws", hub.HandleWS)
	}

	var protected http.Handler = api
	protected = middleware.Auth(cfg.APIKey)(protected)
	if limiter != nil && cfg.RateLimit > 0 {
		protected = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(protected)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Metrics != nil {
		root.Handle("GET /metrics", handlers.Metrics)
	}
	root.Handle("/", protected)

	var h http.Handler = root
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: writeTimeout,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

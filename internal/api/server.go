// Package api exposes the session recorder and aggregator over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/sessionlog/internal/storage"
	"github.com/goodtune/sessionlog/internal/usage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr string
	// RateLimit is sustained requests per second per client; zero disables limiting.
	RateLimit      float64
	RateBurst      int
	TrustProxy     bool
	AllowedOrigins []string
}

// Server represents the API HTTP server.
type Server struct {
	config      Config
	store       storage.Store
	recorder    *usage.Recorder
	aggregator  *usage.Aggregator
	rateLimiter *RateLimiter
	router      *mux.Router
	server      *http.Server
	listener    net.Listener
	logger      zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, store storage.Store, recorder *usage.Recorder, aggregator *usage.Aggregator, logger zerolog.Logger) *Server {
	s := &Server{
		config:     cfg,
		store:      store,
		recorder:   recorder,
		aggregator: aggregator,
		router:     mux.NewRouter(),
		logger:     logger.With().Str("component", "api").Logger(),
	}

	if cfg.RateLimit > 0 {
		s.rateLimiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst, 10*time.Minute)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware)
	if s.rateLimiter != nil {
		s.router.Use(RateLimitMiddleware(s.rateLimiter, s.config.TrustProxy))
	}
	s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
	s.router.Use(NoCacheMiddleware)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, KindNotFound, "No such route")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, KindValidation, "Method not allowed")
	})

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Routes are also served under /api for agents built against the
	// original paths, where end was called stop.
	for _, prefix := range []string{"", "/api"} {
		r := s.router
		if prefix != "" {
			r = s.router.PathPrefix(prefix).Subrouter()
		}

		r.HandleFunc("/session/start", s.handleStart).Methods("POST", "OPTIONS")
		r.HandleFunc("/session/end", s.handleEnd).Methods("POST", "OPTIONS")
		r.HandleFunc("/session/stop", s.handleEnd).Methods("POST", "OPTIONS")
		r.HandleFunc("/session/heartbeat", s.handleHeartbeat).Methods("POST", "OPTIONS")

		r.HandleFunc("/devices", s.handleDevices).Methods("GET", "OPTIONS")
		r.HandleFunc("/devices/{id}/sessions", s.handleDeviceSessions).Methods("GET", "OPTIONS")
		r.HandleFunc("/devices/{id}/daily/{date}", s.handleDeviceDaily).Methods("GET", "OPTIONS")
		r.HandleFunc("/devices/{id}/history", s.handleDeviceHistory).Methods("GET", "OPTIONS")
		r.HandleFunc("/devices/{id}/export", s.handleExport).Methods("GET")

		r.HandleFunc("/history", s.handleHistory).Methods("GET", "OPTIONS")
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Serve runs the server until it is shut down. It returns nil after Stop.
func (s *Server) Serve() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	var err error
	if s.listener != nil {
		s.logger.Debug().Msg("Using systemd socket-activated API listener")
		err = s.server.Serve(s.listener)
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

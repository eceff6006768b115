package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionlog_session_events_total",
			Help: "Session boundary events recorded",
		},
		[]string{"event"},
	)

	OpenSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionlog_open_sessions",
			Help: "Number of sessions currently open",
		},
	)

	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessionlog_session_duration_seconds",
			Help:    "Duration of closed sessions in seconds",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400},
		},
	)

	// Storage metrics
	StorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionlog_storage_errors_total",
			Help: "Primary store failures by operation",
		},
		[]string{"operation"},
	)

	JournalErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionlog_journal_errors_total",
			Help: "CSV journal append failures",
		},
	)

	// Aggregation metrics
	AggregateCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionlog_aggregate_cache_hits_total",
			Help: "Daily aggregate cache hits",
		},
	)

	AggregateCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionlog_aggregate_cache_misses_total",
			Help: "Daily aggregate cache misses",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionlog_http_requests_total",
			Help: "Total API requests processed",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionlog_http_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"route"},
	)

	RateLimitedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionlog_rate_limited_requests_total",
			Help: "API requests rejected by the rate limiter",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionEvents,
		OpenSessions,
		SessionDuration,
		StorageErrors,
		JournalErrors,
		AggregateCacheHits,
		AggregateCacheMisses,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitedRequests,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler returns the metrics mux.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Shutdown(ctx)
}

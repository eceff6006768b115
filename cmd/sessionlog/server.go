package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/sessionlog/internal/api"
	"github.com/goodtune/sessionlog/internal/config"
	"github.com/goodtune/sessionlog/internal/database"
	"github.com/goodtune/sessionlog/internal/metrics"
	"github.com/goodtune/sessionlog/internal/storage"
	"github.com/goodtune/sessionlog/internal/storage/bolt"
	"github.com/goodtune/sessionlog/internal/storage/csvlog"
	"github.com/goodtune/sessionlog/internal/storage/redis"
	"github.com/goodtune/sessionlog/internal/systemd"
	"github.com/goodtune/sessionlog/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the sessionlog server",
	Long:  `Start the sessionlog API server, the stale session sweeper and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting sessionlog")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, journal, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Bool("csv_journal", journal != nil).
		Msg("Storage initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("storage is not reachable: %w", err)
	}

	recorder, aggregator, err := newUsage(cfg, store, journal, logger)
	if err != nil {
		return err
	}

	if err := recorder.SyncOpenSessions(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to count open sessions")
	}

	// Stale session sweeper
	var sweeper *usage.StaleSweeper
	if cfg.Sessions.StaleTimeout >= 0 {
		sweeper = usage.NewStaleSweeper(recorder, cfg.Sessions.SweepInterval, logger)
		sweeper.Start()
	} else {
		logger.Info().Msg("Stale session sweeper disabled")
	}

	// API server
	apiServer := api.NewServer(api.Config{
		ListenAddr:     cfg.Server.ListenAddr(),
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		TrustProxy:     cfg.Server.TrustProxy,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, store, recorder, aggregator, logger)
	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	// Metrics server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort != 0 || sdListeners.Metrics != nil {
		metricsServer = metrics.NewServer(cfg.Server.MetricsAddr(), logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(apiServer.Serve)

	g.Go(func() error {
		systemd.RunWatchdog(gctx, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutdown signal received, gracefully stopping...")

		// Notify systemd that we're stopping
		if err := systemd.NotifyStopping(); err != nil {
			logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping API server")
		}
		if sweeper != nil {
			sweeper.Stop()
		}
		if metricsServer != nil {
			if err := metricsServer.Stop(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Error stopping metrics server")
			}
		}
		return nil
	})

	logger.Info().
		Str("api", cfg.Server.ListenAddr()).
		Str("timezone", aggregator.Location().String()).
		Str("history_start", aggregator.HistoryStart().Format(usage.DateLayout)).
		Msg("sessionlog startup complete")

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	_ = systemd.NotifyStatus(fmt.Sprintf("Serving on %s", cfg.Server.ListenAddr()))

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info().Msg("sessionlog stopped")
	return nil
}

// openStorage opens the configured backend. The returned journal is non-nil
// when CSV mirroring is enabled for a backend other than csv.
func openStorage(cfg *config.Config) (storage.Store, usage.Journal, error) {
	var (
		store storage.Store
		err   error
	)

	switch cfg.Storage.Type {
	case config.StorageSQL, "":
		store, err = database.New(cfg.Storage.DatabaseURL)
	case config.StorageBolt:
		store, err = bolt.Open(cfg.Storage.Path)
	case config.StorageRedis:
		store, err = redis.Open(cfg.Redis)
	case config.StorageCSV:
		// The csv store writes the journal itself.
		s, err := csvlog.Open(cfg.CSV.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if err != nil {
		return nil, nil, err
	}

	if !cfg.CSV.Enabled {
		return store, nil, nil
	}

	journal, err := csvlog.NewJournal(cfg.CSV.Dir)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to open csv journal: %w", err)
	}
	return store, journal, nil
}

// newUsage builds the aggregator and the recorder that invalidates it.
func newUsage(cfg *config.Config, store storage.Store, journal usage.Journal, logger zerolog.Logger) (*usage.Recorder, *usage.Aggregator, error) {
	aggregator, err := newAggregator(cfg, store, logger)
	if err != nil {
		return nil, nil, err
	}

	recorder := usage.NewRecorder(store.Sessions(), usage.RecorderConfig{
		StaleTimeout: cfg.Sessions.StaleTimeout,
		Journal:      journal,
		Invalidator:  aggregator,
	}, logger)

	return recorder, aggregator, nil
}

func newAggregator(cfg *config.Config, store storage.Store, logger zerolog.Logger) (*usage.Aggregator, error) {
	loc, err := cfg.Sessions.Location()
	if err != nil {
		return nil, err
	}
	historyStart, err := cfg.Sessions.HistoryStartDate()
	if err != nil {
		return nil, err
	}

	return usage.NewAggregator(store.Sessions(), usage.AggregatorConfig{
		Location:     loc,
		HistoryStart: historyStart,
		CacheSize:    cfg.Sessions.CacheSize,
		CacheTTL:     cfg.Sessions.CacheTTL,
	}, logger), nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/sessionlog/internal/agent"
	"github.com/goodtune/sessionlog/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
	serverURL  string
	deviceID   string
	detector   string
	interval   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "sessionlog-agent",
	Short: "Report this device's running state to a sessionlog server",
	Long: `sessionlog-agent polls a busy detector and tells the sessionlog server when
the device starts and stops running. While the device stays busy it sends a
heartbeat every interval; on shutdown it closes the open session.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         runAgent,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/sessionlog/agent.yaml", "Path to configuration file")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "Server URL (overrides agent.server_url)")
	rootCmd.Flags().StringVar(&deviceID, "device", "", "Device id (overrides agent.device_id)")
	rootCmd.Flags().StringVar(&detector, "detector", "", "Busy detector: always, cpu or process")
	rootCmd.Flags().DurationVar(&interval, "interval", 0, "Poll interval (overrides agent.interval)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if serverURL != "" {
		cfg.Agent.ServerURL = serverURL
	}
	if deviceID != "" {
		cfg.Agent.DeviceID = deviceID
	}
	if detector != "" {
		cfg.Agent.Detector = detector
	}
	if interval > 0 {
		cfg.Agent.Interval = interval
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	lockPath := cfg.Agent.LockFile
	if lockPath == "" {
		lockPath = agent.DefaultLockPath(cfg.Agent.DeviceID)
	}
	lock, err := agent.AcquireLock(lockPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn().Err(err).Msg("Failed to release lock file")
		}
	}()

	busy, err := agent.NewDetector(cfg.Agent)
	if err != nil {
		return err
	}

	logger.Info().
		Str("version", version).
		Str("server", cfg.Agent.ServerURL).
		Str("device_id", cfg.Agent.DeviceID).
		Str("detector", cfg.Agent.Detector).
		Dur("interval", cfg.Agent.Interval).
		Msg("Starting sessionlog agent")

	client := agent.NewClient(agent.ClientConfig{
		ServerURL:      cfg.Agent.ServerURL,
		DeviceID:       cfg.Agent.DeviceID,
		RequestTimeout: cfg.Agent.RequestTimeout,
		MaxRetries:     cfg.Agent.MaxRetries,
	}, logger)

	poller := agent.NewPoller(client, busy, agent.PollerConfig{
		Interval:        cfg.Agent.Interval,
		MaxFailures:     cfg.Agent.MaxFailures,
		ShutdownTimeout: cfg.Agent.ShutdownTimeout,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := poller.Run(ctx); err != nil {
		if errors.Is(err, agent.ErrTooManyFailures) {
			logger.Error().Err(err).Msg("Giving up")
		}
		return err
	}
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

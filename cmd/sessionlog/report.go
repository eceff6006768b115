package main

import (
	"fmt"
	"os"

	"github.com/goodtune/sessionlog/internal/config"
	"github.com/goodtune/sessionlog/internal/storage"
	"github.com/goodtune/sessionlog/internal/usage"
	"github.com/rs/zerolog"
)

// openReport opens storage for the reporting commands. Warnings go to
// stderr so stdout stays a clean table.
func openReport() (storage.Store, *usage.Aggregator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	// Reports only read, so the mirror journal is not opened.
	cfg.CSV.Enabled = false
	store, _, err := openStorage(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}

	aggregator, err := newAggregator(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, aggregator, nil
}

package usage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often the sweeper looks for stale sessions.
const DefaultSweepInterval = time.Minute

// StaleSweeper periodically closes sessions that stopped sending heartbeats.
type StaleSweeper struct {
	recorder *Recorder
	interval time.Duration
	clock    Clock
	logger   zerolog.Logger
	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewStaleSweeper creates a new stale session sweeper
func NewStaleSweeper(recorder *Recorder, interval time.Duration, logger zerolog.Logger) *StaleSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	return &StaleSweeper{
		recorder: recorder,
		interval: interval,
		clock:    recorder.clock,
		logger:   logger.With().Str("component", "stale-sweeper").Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the sweeper
func (s *StaleSweeper) Start() {
	go s.run()
	s.logger.Info().
		Dur("interval", s.interval).
		Dur("stale_timeout", s.recorder.staleTimeout).
		Msg("Stale session sweeper started")
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
func (s *StaleSweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		<-s.done
		s.logger.Info().Msg("Stale session sweeper stopped")
	})
}

func (s *StaleSweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopChan:
			return
		}
	}
}

func (s *StaleSweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	if _, err := s.recorder.SweepStale(ctx, s.clock.Now()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to sweep stale sessions")
	}
}

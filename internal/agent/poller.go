package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval        = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	// maxPending bounds the transitions queued while the server is unreachable.
	maxPending = 64
)

// ErrTooManyFailures is returned by Run after MaxFailures consecutive
// failed ticks.
var ErrTooManyFailures = errors.New("too many consecutive failures")

// Reporter is the subset of Client the poller needs.
type Reporter interface {
	Start(ctx context.Context, at time.Time) (int64, error)
	End(ctx context.Context, at time.Time) error
	Heartbeat(ctx context.Context, at time.Time) error
}

// PollerConfig holds poller configuration
type PollerConfig struct {
	Interval time.Duration
	// MaxFailures of zero never gives up.
	MaxFailures     int
	ShutdownTimeout time.Duration
	Now             func() time.Time
}

type transitionKind string

const (
	transitionStart transitionKind = "start"
	transitionEnd   transitionKind = "end"
)

type transition struct {
	kind transitionKind
	at   time.Time
}

// Poller samples a Detector on a fixed interval and reports busy/idle
// transitions. A transition is committed only once the server has
// acknowledged it; until then it stays queued with its original timestamp.
type Poller struct {
	reporter Reporter
	detector Detector
	config   PollerConfig
	logger   zerolog.Logger

	busy      bool // last detected state
	sessionID int64
	pending   []transition
	failures  int
}

// NewPoller creates a new poller
func NewPoller(reporter Reporter, detector Detector, config PollerConfig, logger zerolog.Logger) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Poller{
		reporter: reporter,
		detector: detector,
		config:   config,
		logger:   logger.With().Str("component", "poller").Logger(),
	}
}

// Run polls until ctx is done, then closes any open session. It returns
// ErrTooManyFailures when MaxFailures consecutive ticks fail.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.config.Interval).Msg("Poller started")

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		if err := p.tick(ctx); err != nil && ctx.Err() == nil {
			p.failures++
			p.logger.Warn().Err(err).Int("consecutive_failures", p.failures).Msg("Poll failed")
			if p.config.MaxFailures > 0 && p.failures >= p.config.MaxFailures {
				p.shutdown()
				return fmt.Errorf("%w: %d", ErrTooManyFailures, p.failures)
			}
		} else if err == nil {
			p.failures = 0
		}

		select {
		case <-ctx.Done():
			p.shutdown()
			p.logger.Info().Msg("Poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Pending returns the number of unacknowledged transitions.
func (p *Poller) Pending() int { return len(p.pending) }

func (p *Poller) tick(ctx context.Context) error {
	busy, err := p.detector.Busy(ctx)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	now := p.config.Now()

	if busy != p.busy {
		kind := transitionEnd
		if busy {
			kind = transitionStart
		}
		p.enqueue(transition{kind: kind, at: now})
		p.busy = busy
	}

	if len(p.pending) > 0 {
		return p.flush(ctx)
	}
	if !busy {
		return nil
	}

	err = p.reporter.Heartbeat(ctx, now)
	if IsStatus(err, http.StatusNotFound) {
		// The server closed our session, typically as stale.
		p.logger.Info().Msg("Server has no open session, starting a new one")
		p.enqueue(transition{kind: transitionStart, at: now})
		return p.flush(ctx)
	}
	return err
}

func (p *Poller) enqueue(t transition) {
	if len(p.pending) >= maxPending {
		dropped := p.pending[0]
		p.pending = p.pending[1:]
		p.logger.Warn().
			Str("event", string(dropped.kind)).
			Time("at", dropped.at).
			Msg("Dropping unacknowledged transition")
	}
	p.pending = append(p.pending, t)
}

// flush sends queued transitions in order, stopping at the first failure.
func (p *Poller) flush(ctx context.Context) error {
	for len(p.pending) > 0 {
		t := p.pending[0]
		if err := p.send(ctx, t); err != nil {
			return err
		}
		p.pending = p.pending[1:]
	}
	return nil
}

func (p *Poller) send(ctx context.Context, t transition) error {
	log := p.logger.With().Str("event", string(t.kind)).Time("at", t.at).Logger()

	switch t.kind {
	case transitionStart:
		id, err := p.reporter.Start(ctx, t.at)
		if err != nil {
			if isClientError(err) {
				// Retrying a rejected start cannot succeed.
				log.Error().Err(err).Msg("Server rejected session start")
				return nil
			}
			return fmt.Errorf("start: %w", err)
		}
		p.sessionID = id
		log.Info().Int64("session_id", id).Msg("Session started")

	case transitionEnd:
		err := p.reporter.End(ctx, t.at)
		if IsStatus(err, http.StatusNotFound) {
			log.Info().Msg("Session was already closed by the server")
			p.sessionID = 0
			return nil
		}
		if err != nil {
			if isClientError(err) {
				log.Error().Err(err).Msg("Server rejected session end")
				return nil
			}
			return fmt.Errorf("end: %w", err)
		}
		log.Info().Int64("session_id", p.sessionID).Msg("Session ended")
		p.sessionID = 0
	}
	return nil
}

// shutdown closes the session if the device was busy and flushes what it can
// within ShutdownTimeout.
func (p *Poller) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.ShutdownTimeout)
	defer cancel()

	if p.busy {
		p.enqueue(transition{kind: transitionEnd, at: p.config.Now()})
		p.busy = false
	}
	if err := p.flush(ctx); err != nil {
		p.logger.Error().Err(err).Int("pending", len(p.pending)).Msg("Failed to report final state")
	}
}

// isClientError reports a 4xx the server will keep returning. A 429 is only
// throttling, so the transition stays queued.
func isClientError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && !statusErr.Temporary()
}

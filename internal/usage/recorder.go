package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/sessionlog/internal/metrics"
	"github.com/goodtune/sessionlog/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultStaleTimeout is how long an open session may go without a
	// heartbeat before the sweeper closes it.
	DefaultStaleTimeout = 2 * time.Minute
)

// RecorderConfig holds recorder configuration
type RecorderConfig struct {
	// StaleTimeout of zero uses DefaultStaleTimeout; negative disables sweeping.
	StaleTimeout time.Duration
	// Journal, when set, receives every boundary event after the primary store.
	Journal Journal
	// Invalidator is told about every device whose sessions changed.
	Invalidator Invalidator
	Clock       Clock
}

// Recorder writes session boundaries for devices. Operations on the same
// device are serialised; different devices proceed in parallel.
type Recorder struct {
	sessions     storage.SessionStore
	journal      Journal
	invalidator  Invalidator
	clock        Clock
	staleTimeout time.Duration
	locks        *deviceLocks
	logger       zerolog.Logger
}

// NewRecorder creates a new session recorder
func NewRecorder(sessions storage.SessionStore, config RecorderConfig, logger zerolog.Logger) *Recorder {
	if config.StaleTimeout == 0 {
		config.StaleTimeout = DefaultStaleTimeout
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}

	return &Recorder{
		sessions:     sessions,
		journal:      config.Journal,
		invalidator:  config.Invalidator,
		clock:        config.Clock,
		staleTimeout: config.StaleTimeout,
		locks:        newDeviceLocks(),
		logger:       logger.With().Str("component", "recorder").Logger(),
	}
}

// ValidateDeviceID trims and checks a device identifier.
func ValidateDeviceID(deviceID string) (string, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", fmt.Errorf("%w: device_id is required", ErrValidation)
	}
	if len(deviceID) > MaxDeviceIDLength {
		return "", fmt.Errorf("%w: device_id exceeds %d characters", ErrValidation, MaxDeviceIDLength)
	}
	return deviceID, nil
}

// Start opens a session for the device at the given time (now when zero).
// A session still open for the device is closed at the new start time.
func (r *Recorder) Start(ctx context.Context, deviceID string, at time.Time) (StartResult, error) {
	deviceID, err := ValidateDeviceID(deviceID)
	if err != nil {
		return StartResult{}, err
	}
	at = r.timestamp(at)

	unlock := r.locks.lock(deviceID)
	defer unlock()

	var result StartResult

	open, err := r.getOpen(ctx, deviceID)
	if err != nil {
		return StartResult{}, err
	}
	if open != nil {
		if at.Before(open.StartedAt) {
			return StartResult{}, fmt.Errorf("%w: start %s precedes open session started %s",
				ErrValidation, at.Format(time.RFC3339), open.StartedAt.Format(time.RFC3339))
		}
		closed, err := r.close(ctx, *open, at, "auto_close")
		if err != nil {
			return StartResult{}, err
		}
		result.Closed = &closed

		r.logger.Info().
			Int64("session_id", closed.ID).
			Str("device_id", deviceID).
			Msg("Closed previous open session on new start")
	}

	session := storage.Session{DeviceID: deviceID, StartedAt: at, LastSeen: at}
	if err := r.sessions.Create(ctx, &session); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return StartResult{}, fmt.Errorf("%w: device %s already has an open session", ErrValidation, deviceID)
		}
		return StartResult{}, unavailable("create", err)
	}
	result.Session = session

	metrics.SessionEvents.WithLabelValues("start").Inc()
	metrics.OpenSessions.Inc()
	r.mirror(ctx, session, false)
	r.invalidate(deviceID)

	r.logger.Info().
		Int64("session_id", session.ID).
		Str("device_id", deviceID).
		Time("start_time", session.StartedAt).
		Msg("Started session")

	return result, nil
}

// End closes the device's open session at the given time (now when zero).
func (r *Recorder) End(ctx context.Context, deviceID string, at time.Time) (*storage.Session, error) {
	deviceID, err := ValidateDeviceID(deviceID)
	if err != nil {
		return nil, err
	}
	at = r.timestamp(at)

	unlock := r.locks.lock(deviceID)
	defer unlock()

	open, err := r.getOpen(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, fmt.Errorf("%w for device %s", ErrNoOpenSession, deviceID)
	}
	if at.Before(open.StartedAt) {
		return nil, fmt.Errorf("%w: end %s precedes start %s",
			ErrValidation, at.Format(time.RFC3339), open.StartedAt.Format(time.RFC3339))
	}

	closed, err := r.close(ctx, *open, at, "end")
	if err != nil {
		return nil, err
	}

	d, _ := closed.Duration()
	r.logger.Info().
		Int64("session_id", closed.ID).
		Str("device_id", deviceID).
		Dur("duration", d).
		Msg("Ended session")

	return &closed, nil
}

// Heartbeat refreshes LastSeen on the device's open session.
func (r *Recorder) Heartbeat(ctx context.Context, deviceID string, at time.Time) (*storage.Session, error) {
	deviceID, err := ValidateDeviceID(deviceID)
	if err != nil {
		return nil, err
	}
	at = r.timestamp(at)

	unlock := r.locks.lock(deviceID)
	defer unlock()

	open, err := r.getOpen(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, fmt.Errorf("%w for device %s", ErrNoOpenSession, deviceID)
	}

	if at.After(open.LastSeen) {
		open.LastSeen = at
		if err := r.sessions.Update(ctx, *open); err != nil {
			return nil, unavailable("heartbeat", err)
		}
	}

	metrics.SessionEvents.WithLabelValues("heartbeat").Inc()

	r.logger.Debug().
		Int64("session_id", open.ID).
		Str("device_id", deviceID).
		Msg("Heartbeat recorded")

	return open, nil
}

// SweepStale closes open sessions whose last heartbeat is older than the
// stale timeout. Each is closed at its LastSeen time.
func (r *Recorder) SweepStale(ctx context.Context, now time.Time) (int, error) {
	if r.staleTimeout < 0 {
		return 0, nil
	}

	open, err := r.sessions.ListOpen(ctx)
	if err != nil {
		return 0, unavailable("list_open", err)
	}
	metrics.OpenSessions.Set(float64(len(open)))

	threshold := now.Add(-r.staleTimeout)
	closed := 0
	for _, candidate := range open {
		if !candidate.LastSeen.Before(threshold) {
			continue
		}

		ok, err := r.closeStale(ctx, candidate.DeviceID, candidate.ID, threshold)
		if err != nil {
			return closed, err
		}
		if ok {
			closed++
		}
	}

	if closed > 0 {
		r.logger.Info().Int("closed", closed).Msg("Closed stale sessions")
	}
	return closed, nil
}

func (r *Recorder) closeStale(ctx context.Context, deviceID string, id int64, threshold time.Time) (bool, error) {
	unlock := r.locks.lock(deviceID)
	defer unlock()

	// Re-read under the device lock: a heartbeat or end may have won.
	open, err := r.getOpen(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if open == nil || open.ID != id || !open.LastSeen.Before(threshold) {
		return false, nil
	}

	r.logger.Debug().
		Int64("session_id", open.ID).
		Str("device_id", deviceID).
		Time("last_seen", open.LastSeen).
		Msg("Closing stale session")

	if _, err := r.close(ctx, *open, open.LastSeen, "stale_close"); err != nil {
		return false, err
	}
	return true, nil
}

// SyncOpenSessions sets the open session gauge from the store.
func (r *Recorder) SyncOpenSessions(ctx context.Context) error {
	open, err := r.sessions.ListOpen(ctx)
	if err != nil {
		return unavailable("list_open", err)
	}
	metrics.OpenSessions.Set(float64(len(open)))
	return nil
}

// close must be called with the device lock held.
func (r *Recorder) close(ctx context.Context, open storage.Session, at time.Time, event string) (storage.Session, error) {
	closed := open
	closed.EndedAt = &at
	if at.After(closed.LastSeen) {
		closed.LastSeen = at
	}

	if err := r.sessions.Update(ctx, closed); err != nil {
		return storage.Session{}, unavailable(event, err)
	}

	metrics.SessionEvents.WithLabelValues(event).Inc()
	metrics.OpenSessions.Dec()
	if d, ok := closed.Duration(); ok {
		metrics.SessionDuration.Observe(d.Seconds())
	}
	r.mirror(ctx, closed, true)
	r.invalidate(closed.DeviceID)

	return closed, nil
}

func (r *Recorder) getOpen(ctx context.Context, deviceID string) (*storage.Session, error) {
	open, err := r.sessions.GetOpen(ctx, deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get_open", err)
	}
	return open, nil
}

// mirror writes to the journal; failures are logged and counted only.
func (r *Recorder) mirror(ctx context.Context, session storage.Session, ended bool) {
	if r.journal == nil {
		return
	}

	var err error
	if ended {
		err = r.journal.RecordEnd(ctx, session)
	} else {
		err = r.journal.RecordStart(ctx, session)
	}
	if err != nil {
		metrics.JournalErrors.Inc()
		r.logger.Error().
			Err(err).
			Int64("session_id", session.ID).
			Str("device_id", session.DeviceID).
			Msg("Failed to write session to CSV journal")
	}
}

func (r *Recorder) invalidate(deviceID string) {
	if r.invalidator != nil {
		r.invalidator.Invalidate(deviceID)
	}
}

func (r *Recorder) timestamp(at time.Time) time.Time {
	if at.IsZero() {
		at = r.clock.Now()
	}
	return storage.Normalize(at)
}

func unavailable(operation string, err error) error {
	metrics.StorageErrors.WithLabelValues(operation).Inc()
	return fmt.Errorf("%s: %w: %w", operation, ErrStorageUnavailable, err)
}

package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/sessionlog/internal/metrics"
	"github.com/goodtune/sessionlog/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 5 * time.Minute
)

// DefaultHistoryStart is the first date reported by history queries.
var DefaultHistoryStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// AggregatorConfig holds aggregator configuration
type AggregatorConfig struct {
	// Location decides where calendar days begin. Defaults to UTC.
	Location *time.Location
	// HistoryStart is the floor date; earlier dates are omitted.
	HistoryStart time.Time
	CacheSize    int
	CacheTTL     time.Duration
	Clock        Clock
}

// Aggregator turns stored sessions into per-day totals.
type Aggregator struct {
	sessions storage.SessionStore
	loc      *time.Location
	floor    civilDate
	cache    *expirable.LRU[string, []DailyTotal]
	clock    Clock
	logger   zerolog.Logger

	// generations counts invalidations per device. A result is only cached
	// when no invalidation happened between reading the store and filling.
	genMu       sync.Mutex
	generations map[string]uint64
}

// NewAggregator creates a new aggregator
func NewAggregator(sessions storage.SessionStore, config AggregatorConfig, logger zerolog.Logger) *Aggregator {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.HistoryStart.IsZero() {
		config.HistoryStart = DefaultHistoryStart
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}

	return &Aggregator{
		sessions:    sessions,
		loc:         config.Location,
		floor:       dateOf(config.HistoryStart),
		cache:       expirable.NewLRU[string, []DailyTotal](config.CacheSize, nil, config.CacheTTL),
		clock:       config.Clock,
		logger:      logger.With().Str("component", "aggregator").Logger(),
		generations: make(map[string]uint64),
	}
}

// Location returns the time zone days are computed in.
func (a *Aggregator) Location() *time.Location { return a.loc }

// HistoryStart returns the floor date at midnight in the aggregator's zone.
func (a *Aggregator) HistoryStart() time.Time { return a.floor.midnight(a.loc) }

// Today returns the current date at midnight in the aggregator's zone.
func (a *Aggregator) Today() time.Time {
	return dateOf(a.clock.Now().In(a.loc)).midnight(a.loc)
}

// ParseDate parses YYYY-MM-DD as midnight in the aggregator's zone.
func (a *Aggregator) ParseDate(value string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, value, a.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q, expected YYYY-MM-DD", ErrValidation, value)
	}
	return t, nil
}

// Aggregate returns one DailyTotal per date in [from, to], ascending. Only the
// calendar dates of from and to are used. Dates before the history floor are
// omitted; days with no sessions report zero.
func (a *Aggregator) Aggregate(ctx context.Context, deviceID string, from, to time.Time) ([]DailyTotal, error) {
	deviceID, err := ValidateDeviceID(deviceID)
	if err != nil {
		return nil, err
	}

	first, last := dateOf(from), dateOf(to)
	if last.before(first) {
		return nil, fmt.Errorf("%w: to precedes from", ErrValidation)
	}
	if first.daysUntil(last)+1 > MaxHistoryDays {
		return nil, fmt.Errorf("%w: range exceeds %d days", ErrValidation, MaxHistoryDays)
	}

	if first.before(a.floor) {
		first = a.floor
	}
	if last.before(first) {
		return []DailyTotal{}, nil
	}

	key := cacheKey(deviceID, first, last)
	if cached, ok := a.cache.Get(key); ok {
		metrics.AggregateCacheHits.Inc()
		return append([]DailyTotal(nil), cached...), nil
	}
	metrics.AggregateCacheMisses.Inc()

	gen := a.generation(deviceID)
	days := first.daysUntil(last) + 1
	windowStart := first.midnight(a.loc)
	windowEnd := last.addDays(1).midnight(a.loc)

	sessions, err := a.sessions.List(ctx, storage.SessionFilter{
		DeviceID: deviceID,
		From:     windowStart,
		To:       windowEnd,
	})
	if err != nil {
		return nil, unavailable("aggregate", err)
	}

	now := a.clock.Now()
	totals := make([]time.Duration, days)
	hasOpen := false

	for _, session := range sessions {
		if session.IsOpen() {
			hasOpen = true
		}

		start := session.StartedAt
		if start.Before(windowStart) {
			start = windowStart
		}
		for i := first.daysUntil(dateOf(start.In(a.loc))); i < days; i++ {
			day := first.addDays(i)
			dayStart, dayEnd := day.midnight(a.loc), day.addDays(1).midnight(a.loc)
			if session.IsOpen() && dayStart.After(now) {
				break
			}
			totals[i] += session.Overlap(dayStart, dayEnd, now)
			if session.EndedAt != nil && !session.EndedAt.After(dayEnd) {
				break
			}
		}
	}

	result := make([]DailyTotal, days)
	for i := range result {
		result[i] = DailyTotal{
			Date:    first.addDays(i).String(),
			Seconds: int64(totals[i] / time.Second),
		}
	}

	// Open sessions grow with the clock.
	if !hasOpen {
		a.fill(deviceID, gen, key, result)
	}

	a.logger.Debug().
		Str("device_id", deviceID).
		Str("from", first.String()).
		Str("to", last.String()).
		Int("sessions", len(sessions)).
		Msg("Aggregated daily totals")

	return append([]DailyTotal(nil), result...), nil
}

// Invalidate drops every cached aggregate for the device.
func (a *Aggregator) Invalidate(deviceID string) {
	a.genMu.Lock()
	defer a.genMu.Unlock()
	a.generations[deviceID]++

	prefix := deviceID + "|"
	for _, key := range a.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			a.cache.Remove(key)
		}
	}
}

func (a *Aggregator) generation(deviceID string) uint64 {
	a.genMu.Lock()
	defer a.genMu.Unlock()
	return a.generations[deviceID]
}

// fill caches result unless the device was invalidated since gen was read.
func (a *Aggregator) fill(deviceID string, gen uint64, key string, result []DailyTotal) {
	a.genMu.Lock()
	defer a.genMu.Unlock()
	if a.generations[deviceID] != gen {
		return
	}
	a.cache.Add(key, result)
}

// KnownDevice reports whether the device has ever recorded a session.
func (a *Aggregator) KnownDevice(ctx context.Context, deviceID string) (bool, error) {
	devices, err := a.sessions.ListDevices(ctx)
	if err != nil {
		return false, unavailable("list_devices", err)
	}
	i := sort.SearchStrings(devices, deviceID)
	return i < len(devices) && devices[i] == deviceID, nil
}

// DaySessions returns the device's sessions that overlap the given date.
func (a *Aggregator) DaySessions(ctx context.Context, deviceID string, date time.Time) ([]storage.Session, error) {
	day := dateOf(date)
	sessions, err := a.sessions.List(ctx, storage.SessionFilter{
		DeviceID: deviceID,
		From:     day.midnight(a.loc),
		To:       day.addDays(1).midnight(a.loc),
	})
	if err != nil {
		return nil, unavailable("list", err)
	}
	return sessions, nil
}

// Summaries returns one DeviceSummary per known device, running devices
// first, then by device id.
func (a *Aggregator) Summaries(ctx context.Context) ([]DeviceSummary, error) {
	devices, err := a.sessions.ListDevices(ctx)
	if err != nil {
		return nil, unavailable("list_devices", err)
	}

	open, err := a.sessions.ListOpen(ctx)
	if err != nil {
		return nil, unavailable("list_open", err)
	}
	openByDevice := make(map[string]storage.Session, len(open))
	for _, s := range open {
		openByDevice[s.DeviceID] = s
	}

	now := a.clock.Now()
	today := dateOf(now.In(a.loc))
	dayStart, dayEnd := today.midnight(a.loc), today.addDays(1).midnight(a.loc)

	summaries := make([]DeviceSummary, 0, len(devices))
	for _, deviceID := range devices {
		summary := DeviceSummary{DeviceID: deviceID, Status: StatusStopped}

		todays, err := a.sessions.List(ctx, storage.SessionFilter{DeviceID: deviceID, From: dayStart, To: dayEnd})
		if err != nil {
			return nil, unavailable("list", err)
		}
		var total time.Duration
		for _, s := range todays {
			total += s.Overlap(dayStart, dayEnd, now)
		}
		summary.TodaySeconds = int64(total / time.Second)
		summary.SessionCountToday = len(todays)

		if s, ok := openByDevice[deviceID]; ok {
			summary.Status = StatusRunning
			lastActive := s.LastSeen
			summary.LastActive = &lastActive
		} else {
			last, err := a.lastSession(ctx, deviceID)
			if err != nil {
				return nil, err
			}
			if last != nil {
				lastActive := last.LastSeen
				summary.LastActive = &lastActive
			}
		}

		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		ri, rj := summaries[i].Status == StatusRunning, summaries[j].Status == StatusRunning
		if ri != rj {
			return ri
		}
		return summaries[i].DeviceID < summaries[j].DeviceID
	})

	return summaries, nil
}

func (a *Aggregator) lastSession(ctx context.Context, deviceID string) (*storage.Session, error) {
	sessions, err := a.sessions.List(ctx, storage.SessionFilter{DeviceID: deviceID})
	if err != nil {
		return nil, unavailable("list", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	last := sessions[0]
	for _, s := range sessions[1:] {
		if s.LastSeen.After(last.LastSeen) {
			last = s
		}
	}
	return &last, nil
}

// IsNotFound reports whether err means the requested thing does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNoOpenSession) || errors.Is(err, ErrUnknownDevice) || errors.Is(err, storage.ErrNotFound)
}

func cacheKey(deviceID string, first, last civilDate) string {
	return deviceID + "|" + first.String() + "|" + last.String()
}

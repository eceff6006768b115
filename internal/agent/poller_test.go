package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/sessionlog/internal/api"
	"github.com/goodtune/sessionlog/internal/storage/bolt"
	"github.com/goodtune/sessionlog/internal/usage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	kind string
	at   time.Time
}

// fakeReporter records calls; fail[kind] > 0 makes that many calls fail.
type fakeReporter struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]int
	err   map[string]error
	id    int64
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{fail: map[string]int{}, err: map[string]error{}}
}

func (f *fakeReporter) record(kind string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind, at})
	if f.fail[kind] > 0 {
		f.fail[kind]--
		if err := f.err[kind]; err != nil {
			return err
		}
		return &StatusError{StatusCode: http.StatusInternalServerError}
	}
	return nil
}

func (f *fakeReporter) Start(_ context.Context, at time.Time) (int64, error) {
	if err := f.record("start", at); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id++
	return f.id, nil
}

func (f *fakeReporter) End(_ context.Context, at time.Time) error {
	return f.record("end", at)
}

func (f *fakeReporter) Heartbeat(_ context.Context, at time.Time) error {
	return f.record("heartbeat", at)
}

func (f *fakeReporter) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, len(f.calls))
	for i, c := range f.calls {
		kinds[i] = c.kind
	}
	return kinds
}

// scriptedDetector returns states in order, then repeats the last one.
type scriptedDetector struct {
	mu     sync.Mutex
	states []bool
	err    error
}

func (d *scriptedDetector) Busy(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	state := d.states[0]
	if len(d.states) > 1 {
		d.states = d.states[1:]
	}
	return state, nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(30 * time.Second)
	return now
}

var pollStart = time.Date(2026, 1, 3, 9, 0, 0, 0, time.UTC)

func newTestPoller(reporter Reporter, detector Detector) *Poller {
	clock := &stepClock{now: pollStart}
	return NewPoller(reporter, detector, PollerConfig{Interval: time.Millisecond, Now: clock.Now}, zerolog.Nop())
}

func TestPollerTransitions(t *testing.T) {
	reporter := newFakeReporter()
	detector := &scriptedDetector{states: []bool{false, true, true, false, false}}
	p := newTestPoller(reporter, detector)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.tick(ctx))
	}

	assert.Equal(t, []string{"start", "heartbeat", "end"}, reporter.kinds())
	// The end carries the time the device was first seen idle.
	assert.Equal(t, pollStart.Add(30*time.Second), reporter.calls[0].at)
	assert.Equal(t, pollStart.Add(90*time.Second), reporter.calls[2].at)
	assert.Equal(t, 0, p.Pending())
}

func TestPollerRetriesWithOriginalTimestamp(t *testing.T) {
	reporter := newFakeReporter()
	reporter.fail["start"] = 2
	detector := &scriptedDetector{states: []bool{true}}
	p := newTestPoller(reporter, detector)
	ctx := context.Background()

	assert.Error(t, p.tick(ctx))
	assert.Error(t, p.tick(ctx))
	require.NoError(t, p.tick(ctx))

	require.Len(t, reporter.calls, 3)
	for _, c := range reporter.calls {
		assert.Equal(t, "start", c.kind)
		assert.Equal(t, pollStart, c.at)
	}
	assert.Equal(t, 0, p.Pending())
	assert.Equal(t, int64(1), p.sessionID)
}

func TestPollerKeepsBoundariesInOrder(t *testing.T) {
	reporter := newFakeReporter()
	detector := &scriptedDetector{states: []bool{true, false, true}}
	p := newTestPoller(reporter, detector)
	ctx := context.Background()

	require.NoError(t, p.tick(ctx))

	reporter.fail["end"] = 1
	assert.Error(t, p.tick(ctx))
	assert.Equal(t, 1, p.Pending())

	// Busy again before the end was acknowledged: both boundaries are sent.
	require.NoError(t, p.tick(ctx))

	assert.Equal(t, []string{"start", "end", "end", "start"}, reporter.kinds())
	assert.Equal(t, pollStart.Add(30*time.Second), reporter.calls[2].at)
	assert.Equal(t, pollStart.Add(60*time.Second), reporter.calls[3].at)
}

func TestPollerTreatsMissingSessionOnEndAsClosed(t *testing.T) {
	reporter := newFakeReporter()
	reporter.fail["end"] = 1
	reporter.err["end"] = &StatusError{StatusCode: http.StatusNotFound}
	detector := &scriptedDetector{states: []bool{true, false}}
	p := newTestPoller(reporter, detector)
	ctx := context.Background()

	require.NoError(t, p.tick(ctx))
	require.NoError(t, p.tick(ctx))
	assert.Equal(t, 0, p.Pending())
}

func TestPollerKeepsRateLimitedEndQueued(t *testing.T) {
	reporter := newFakeReporter()
	reporter.fail["end"] = 1
	reporter.err["end"] = &StatusError{StatusCode: http.StatusTooManyRequests}
	detector := &scriptedDetector{states: []bool{true, false}}
	p := newTestPoller(reporter, detector)
	ctx := context.Background()

	require.NoError(t, p.tick(ctx))
	assert.Error(t, p.tick(ctx))
	assert.Equal(t, 1, p.Pending())

	require.NoError(t, p.tick(ctx))
	assert.Equal(t, 0, p.Pending())
	assert.Equal(t, []string{"start", "end", "end"}, reporter.kinds())
	assert.Equal(t, reporter.calls[1].at, reporter.calls[2].at)
}

func TestPollerRestartsAfterServerClosedSession(t *testing.T) {
	reporter := newFakeReporter()
	reporter.fail["heartbeat"] = 1
	reporter.err["heartbeat"] = &StatusError{StatusCode: http.StatusNotFound}
	detector := &scriptedDetector{states: []bool{true}}
	p := newTestPoller(reporter, detector)
	ctx := context.Background()

	require.NoError(t, p.tick(ctx))
	require.NoError(t, p.tick(ctx))

	assert.Equal(t, []string{"start", "heartbeat", "start"}, reporter.kinds())
	assert.Equal(t, int64(2), p.sessionID)
}

func TestPollerEndsSessionOnShutdown(t *testing.T) {
	reporter := newFakeReporter()
	detector := &scriptedDetector{states: []bool{true}}
	p := NewPoller(reporter, detector, PollerConfig{Interval: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(reporter.kinds()) >= 2
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}

	kinds := reporter.kinds()
	assert.Equal(t, "start", kinds[0])
	assert.Equal(t, "end", kinds[len(kinds)-1])
}

func TestPollerGivesUpAfterMaxFailures(t *testing.T) {
	reporter := newFakeReporter()
	detector := &scriptedDetector{err: errors.New("sensor offline")}
	p := NewPoller(reporter, detector, PollerConfig{Interval: time.Millisecond, MaxFailures: 3}, zerolog.Nop())

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrTooManyFailures)
	assert.Empty(t, reporter.kinds())
}

func TestPollerAgainstServer(t *testing.T) {
	store, err := bolt.Open(t.TempDir() + "/sessions.bolt")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := zerolog.Nop()
	aggregator := usage.NewAggregator(store.Sessions(), usage.AggregatorConfig{}, logger)
	recorder := usage.NewRecorder(store.Sessions(), usage.RecorderConfig{Invalidator: aggregator}, logger)
	server := api.NewServer(api.Config{}, store, recorder, aggregator, logger)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{ServerURL: srv.URL, DeviceID: "kiln-1", InitialBackoff: time.Millisecond}, logger)
	detector := &scriptedDetector{states: []bool{true, true, false}}
	p := newTestPoller(client, detector)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.tick(ctx))
	}

	assert.Equal(t, int64(0), p.sessionID)

	sessions, err := aggregator.DaySessions(ctx, "kiln-1", pollStart)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	d, ok := sessions[0].Duration()
	require.True(t, ok)
	assert.Equal(t, 60*time.Second, d)
}

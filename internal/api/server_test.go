package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/sessionlog/internal/storage"
	"github.com/goodtune/sessionlog/internal/storage/bolt"
	"github.com/goodtune/sessionlog/internal/usage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*Server
	store storage.Store
	clock *usage.ManualClock
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := usage.NewManualClock(time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC))
	agg := usage.NewAggregator(store.Sessions(), usage.AggregatorConfig{Clock: clock}, zerolog.Nop())
	rec := usage.NewRecorder(store.Sessions(), usage.RecorderConfig{Clock: clock, Invalidator: agg}, zerolog.Nop())

	srv := NewServer(cfg, store, rec, agg, zerolog.Nop())
	t.Cleanup(func() {
		if srv.rateLimiter != nil {
			srv.rateLimiter.Stop()
		}
	})

	return &testServer{Server: srv, store: store, clock: clock}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestStartAndEndSession(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(t, http.MethodPost, "/session/start", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-03T08:00:00Z"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode(t, rec)
	assert.Equal(t, float64(1), started["session_id"])
	assert.Nil(t, started["closed"])

	rec = ts.do(t, http.MethodPost, "/session/end", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-03T09:30:00Z"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	session := decode(t, rec)["session"].(map[string]interface{})
	assert.Equal(t, float64(5400), session["duration_seconds"])
	assert.Equal(t, "2026-01-03T09:30:00Z", session["end_time"])
}

func TestStartDefaultsToReceiptTime(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(t, http.MethodPost, "/session/start", SessionRequest{DeviceID: "pc-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	session := decode(t, rec)["session"].(map[string]interface{})
	assert.Equal(t, "2026-01-03T12:00:00Z", session["start_time"])
	assert.Nil(t, session["end_time"])
	assert.Nil(t, session["duration_seconds"])
}

func TestStartValidation(t *testing.T) {
	ts := newTestServer(t, Config{})

	tests := []struct {
		name string
		body string
	}{
		{name: "missing device", body: `{}`},
		{name: "blank device", body: `{"device_id":"   "}`},
		{name: "bad timestamp", body: `{"device_id":"pc","timestamp":"yesterday"}`},
		{name: "malformed json", body: `{"device_id":`},
		{name: "empty body", body: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/session/start", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			ts.Handler().ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, KindValidation, body["error"])
			assert.Equal(t, float64(400), body["code"])
		})
	}
}

func TestEndWithoutOpenSessionReturns404(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(t, http.MethodPost, "/session/end", SessionRequest{DeviceID: "ghost"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, KindNotFound, decode(t, rec)["error"])

	devices, err := ts.store.Sessions().ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestLegacyStopRoute(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(t, http.MethodPost, "/api/session/start", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-03T08:00:00Z"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/session/stop", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-03T08:10:00Z"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHeartbeat(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(t, http.MethodPost, "/session/heartbeat", SessionRequest{DeviceID: "pc-1"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	ts.do(t, http.MethodPost, "/session/start", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-03T08:00:00Z"})
	rec = ts.do(t, http.MethodPost, "/session/heartbeat", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-03T08:01:00Z"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-01-03T08:01:00Z", decode(t, rec)["last_seen"])
}

func TestHistorySplitsMidnightAndZeroFills(t *testing.T) {
	ts := newTestServer(t, Config{})

	ts.do(t, http.MethodPost, "/session/start", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-01T23:30:00Z"})
	ts.do(t, http.MethodPost, "/session/end", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-02T00:30:00Z"})

	rec := ts.do(t, http.MethodGet, "/history?device_id=pc-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "2026-01-01", body["from"])
	assert.Equal(t, "2026-01-03", body["to"])

	history := body["history"].([]interface{})
	require.Len(t, history, 3)
	want := []float64{1800, 1800, 0}
	for i, entry := range history {
		assert.Equal(t, want[i], entry.(map[string]interface{})["seconds"])
	}
	assert.Equal(t, 0.5, history[0].(map[string]interface{})["hours"])

	rec = ts.do(t, http.MethodGet, "/devices/pc-1/history?from=2026-01-02&to=2026-01-02", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["history"], 1)
}

func TestHistoryFromClampedToFloor(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.do(t, http.MethodPost, "/session/start", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-02T08:00:00Z"})

	rec := ts.do(t, http.MethodGet, "/history?device_id=pc-1&from=2025-12-30&to=2026-01-02", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "2026-01-01", body["from"])
	assert.Equal(t, "2026-01-02", body["to"])
	history := body["history"].([]interface{})
	require.Len(t, history, 2)
	assert.Equal(t, "2026-01-01", history[0].(map[string]interface{})["date"])
}

func TestHistoryErrors(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.do(t, http.MethodPost, "/session/start", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-02T08:00:00Z"})

	tests := []struct {
		path   string
		status int
		kind   string
	}{
		{path: "/history", status: http.StatusBadRequest, kind: KindValidation},
		{path: "/history?device_id=nobody", status: http.StatusNotFound, kind: KindNotFound},
		{path: "/history?device_id=pc-1&from=01-01-2026", status: http.StatusBadRequest, kind: KindValidation},
		{path: "/history?device_id=pc-1&from=2026-01-05&to=2026-01-02", status: http.StatusBadRequest, kind: KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.path, nil)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decode(t, rec)["error"])
		})
	}
}

func TestDevicesAndSessions(t *testing.T) {
	ts := newTestServer(t, Config{})

	ts.do(t, http.MethodPost, "/session/start", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-03T08:00:00Z"})
	ts.do(t, http.MethodPost, "/session/end", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-03T09:00:00Z"})
	ts.do(t, http.MethodPost, "/session/start", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-03T10:00:00Z"})
	ts.do(t, http.MethodPost, "/session/start", SessionRequest{DeviceID: "tv", Timestamp: "2026-01-02T10:00:00Z"})
	ts.do(t, http.MethodPost, "/session/end", SessionRequest{DeviceID: "tv", Timestamp: "2026-01-02T11:00:00Z"})

	rec := ts.do(t, http.MethodGet, "/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["count"])
	devices := body["devices"].([]interface{})
	first := devices[0].(map[string]interface{})
	assert.Equal(t, "pc-1", first["device_id"])
	assert.Equal(t, "running", first["status"])
	assert.Equal(t, float64(3600+7200), first["today_runtime_seconds"])

	rec = ts.do(t, http.MethodGet, "/devices/pc-1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decode(t, rec)["sessions"].([]interface{})
	require.Len(t, sessions, 2)
	assert.Equal(t, "2026-01-03T10:00:00Z", sessions[0].(map[string]interface{})["start_time"])

	rec = ts.do(t, http.MethodGet, "/devices/tv/sessions?date=2026-01-03", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["count"])

	rec = ts.do(t, http.MethodGet, "/devices/tv/daily/2026-01-02", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	daily := decode(t, rec)
	assert.Equal(t, float64(3600), daily["total_runtime_seconds"])
	assert.Equal(t, float64(1), daily["session_count"])

	rec = ts.do(t, http.MethodGet, "/devices/unknown/sessions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportCSV(t *testing.T) {
	ts := newTestServer(t, Config{})

	ts.do(t, http.MethodPost, "/session/start", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-03T08:00:00Z"})
	ts.do(t, http.MethodPost, "/session/end", SessionRequest{DeviceID: "pc-1", Timestamp: "2026-01-03T08:20:00Z"})

	rec := ts.do(t, http.MethodGet, "/devices/pc-1/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"1", "pc-1", "2026-01-03T08:00:00Z", "2026-01-03T08:20:00Z", "1200", "completed"}, rows[1])
}

func TestHealthAndHeaders(t *testing.T) {
	ts := newTestServer(t, Config{AllowedOrigins: []string{"https://dash.example"}})

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")

	req := httptest.NewRequest(http.MethodOptions, "/session/start", nil)
	req.Header.Set("Origin", "https://dash.example")
	out := httptest.NewRecorder()
	ts.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusNoContent, out.Code)
	assert.Equal(t, "https://dash.example", out.Header().Get("Access-Control-Allow-Origin"))

	rec = ts.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, KindNotFound, decode(t, rec)["error"])
}

func TestHealthReportsStorageFailure(t *testing.T) {
	ts := newTestServer(t, Config{})
	require.NoError(t, ts.store.Close())

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, KindStorageUnavailable, decode(t, rec)["error"])

	rec = ts.do(t, http.MethodPost, "/session/start", SessionRequest{DeviceID: "pc-1"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, KindStorageUnavailable, body["error"])
	assert.NotContains(t, body["message"], "bolt")
}

func TestErrorKindPrefersStorageFailure(t *testing.T) {
	err := fmt.Errorf("end: %w: %w", usage.ErrStorageUnavailable, storage.ErrNotFound)
	kind, status := errorKind(err)
	assert.Equal(t, KindStorageUnavailable, kind)
	assert.Equal(t, http.StatusInternalServerError, status)

	rec := httptest.NewRecorder()
	respondError(rec, zerolog.Nop(), err)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, KindStorageUnavailable, body["error"])
	assert.NotContains(t, body["message"], "record not found")

	kind, status = errorKind(fmt.Errorf("end: %w", usage.ErrNoOpenSession))
	assert.Equal(t, KindNotFound, kind)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: 1, RateBurst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, ts.do(t, http.MethodGet, "/health", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:4242"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "10.0.0.5", clientIP(req, false))
	assert.Equal(t, "203.0.113.9", clientIP(req, true))
}

package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/sessionlog/internal/config"
	"github.com/goodtune/sessionlog/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero.
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestOpen_InvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "127.0.0.1:0", DialTimeout: "soon"})
	if err == nil {
		t.Fatal("Expected error for invalid dial_timeout")
	}
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	start := time.Date(2026, 4, 10, 8, 30, 15, 999, time.UTC)

	session := &storage.Session{DeviceID: "laptop", StartedAt: start, LastSeen: start}
	if err := store.Sessions().Create(ctx, session); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if session.ID != 1 {
		t.Errorf("Expected ID 1, got %d", session.ID)
	}

	retrieved, err := store.Sessions().Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved.DeviceID != "laptop" {
		t.Errorf("Expected DeviceID laptop, got %s", retrieved.DeviceID)
	}
	if !retrieved.StartedAt.Equal(start.Truncate(time.Second)) {
		t.Errorf("Expected StartedAt %v, got %v", start.Truncate(time.Second), retrieved.StartedAt)
	}
	if !retrieved.IsOpen() {
		t.Error("Expected session to be open")
	}

	if got := mr.HGet("sessionlog:session:1", "device_id"); got != "laptop" {
		t.Errorf("Expected hash device_id laptop, got %q", got)
	}
	if ok, _ := mr.SIsMember("sessionlog:sessions:open", "1"); !ok {
		t.Error("Expected session in open set")
	}
}

func TestSessionStore_Conflict(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

	if err := store.Sessions().Create(ctx, &storage.Session{DeviceID: "laptop", StartedAt: now, LastSeen: now}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err := store.Sessions().Create(ctx, &storage.Session{DeviceID: "laptop", StartedAt: now, LastSeen: now})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}

	end := now.Add(time.Hour)
	closed := &storage.Session{DeviceID: "laptop", StartedAt: now.Add(-2 * time.Hour), EndedAt: &end, LastSeen: end}
	if err := store.Sessions().Create(ctx, closed); err != nil {
		t.Fatalf("Expected closed session to bypass open check: %v", err)
	}
}

func TestSessionStore_UpdateClosesSession(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

	session := &storage.Session{DeviceID: "laptop", StartedAt: now, LastSeen: now}
	if err := store.Sessions().Create(ctx, session); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	session.LastSeen = now.Add(time.Minute)
	if err := store.Sessions().Update(ctx, *session); err != nil {
		t.Fatalf("Heartbeat update failed: %v", err)
	}

	end := now.Add(45 * time.Minute)
	session.EndedAt = &end
	session.LastSeen = end
	if err := store.Sessions().Update(ctx, *session); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := store.Sessions().GetOpen(ctx, "laptop"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for open session, got %v", err)
	}
	if mr.Exists("sessionlog:device:laptop:open") {
		t.Error("Expected open key to be deleted")
	}

	open, err := store.Sessions().ListOpen(ctx)
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("Expected no open sessions, got %d", len(open))
	}

	err = store.Sessions().Update(ctx, storage.Session{ID: 99, LastSeen: now})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing session, got %v", err)
	}
}

func TestSessionStore_ListWindow(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	day := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	add := func(device string, start time.Time, length time.Duration) {
		end := start.Add(length)
		if err := store.Sessions().Create(ctx, &storage.Session{DeviceID: device, StartedAt: start, EndedAt: &end, LastSeen: end}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	add("tv", day.Add(-3*time.Hour), time.Hour)
	add("tv", day.Add(-time.Hour), 2*time.Hour)
	add("tv", day.Add(20*time.Hour), time.Hour)
	add("tv", day.Add(24*time.Hour), time.Hour)
	add("desktop", day.Add(6*time.Hour), time.Hour)

	sessions, err := store.Sessions().List(ctx, storage.SessionFilter{
		DeviceID: "tv",
		From:     day,
		To:       day.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}

	all, err := store.Sessions().List(ctx, storage.SessionFilter{From: day, To: day.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("List all failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 sessions, got %d", len(all))
	}
	if all[0].DeviceID != "tv" || all[1].DeviceID != "desktop" {
		t.Errorf("Expected sessions ordered by start, got %s then %s", all[0].DeviceID, all[1].DeviceID)
	}

	devices, err := store.Sessions().ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devices) != 2 || devices[0] != "desktop" {
		t.Errorf("Expected sorted devices, got %v", devices)
	}
}

func TestStore_Ping(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	mr.Close()
	if err := store.Ping(context.Background()); err == nil {
		t.Error("Expected Ping to fail after server shutdown")
	}
}

package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/sessionlog/internal/storage"
)

func TestSessionStoreLifecycle(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()
	start := time.Date(2026, 3, 1, 9, 0, 0, 500, time.UTC)

	session := &storage.Session{DeviceID: "pc-1", StartedAt: start, LastSeen: start}
	if err := sessions.Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ID != 1 {
		t.Fatalf("expected id 1, got %d", session.ID)
	}
	if !session.StartedAt.Equal(start.Truncate(time.Second)) {
		t.Fatalf("expected start to be truncated, got %v", session.StartedAt)
	}

	open, err := sessions.GetOpen(ctx, "pc-1")
	if err != nil {
		t.Fatalf("get open session: %v", err)
	}
	if open.ID != session.ID {
		t.Fatalf("expected open session %d, got %d", session.ID, open.ID)
	}

	end := start.Add(90 * time.Minute)
	open.EndedAt = &end
	open.LastSeen = end
	if err := sessions.Update(ctx, *open); err != nil {
		t.Fatalf("update session: %v", err)
	}

	if _, err := sessions.GetOpen(ctx, "pc-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no open session, got %v", err)
	}

	closed, err := sessions.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if d, ok := closed.Duration(); !ok || d != 90*time.Minute {
		t.Fatalf("expected 90m duration, got %v (%v)", d, ok)
	}
}

func TestSessionStoreRejectsSecondOpenSession(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := store.Sessions().Create(ctx, &storage.Session{DeviceID: "pc-1", StartedAt: now, LastSeen: now}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	err := store.Sessions().Create(ctx, &storage.Session{DeviceID: "pc-1", StartedAt: now.Add(time.Minute), LastSeen: now})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := store.Sessions().Create(ctx, &storage.Session{DeviceID: "pc-2", StartedAt: now, LastSeen: now}); err != nil {
		t.Fatalf("create session for other device: %v", err)
	}

	open, err := store.Sessions().ListOpen(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open sessions, got %d", len(open))
	}
}

func TestSessionStoreUpdateMissing(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	err := store.Sessions().Update(context.Background(), storage.Session{ID: 42})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSessionStoreListWindow(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	create := func(device string, start time.Time, length time.Duration) {
		t.Helper()
		end := start.Add(length)
		session := &storage.Session{DeviceID: device, StartedAt: start, EndedAt: &end, LastSeen: end}
		if err := store.Sessions().Create(ctx, session); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}

	create("pc-1", day.Add(-2*time.Hour), time.Hour)                         // before the window
	create("pc-1", day.Add(-30*time.Minute), time.Hour)                      // spans midnight
	create("pc-1", day.Add(10*time.Hour), time.Hour)                         // inside
	create("pc-1", day.Add(24*time.Hour), time.Hour)                         // after
	create("pc-2", day.Add(12*time.Hour), time.Hour)                         // other device
	create("pc-1", time.Date(1969, 12, 31, 0, 0, 0, 0, time.UTC), time.Hour) // pre-epoch

	filter := storage.SessionFilter{DeviceID: "pc-1", From: day, To: day.Add(24 * time.Hour)}
	sessions, err := store.Sessions().List(ctx, filter)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if !sessions[0].StartedAt.Before(sessions[1].StartedAt) {
		t.Fatalf("expected sessions oldest first")
	}

	all, err := store.Sessions().List(ctx, storage.SessionFilter{From: day, To: day.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("list all sessions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions across devices, got %d", len(all))
	}

	limited, err := store.Sessions().List(ctx, storage.SessionFilter{DeviceID: "pc-1", Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].StartedAt.Year() != 1969 {
		t.Fatalf("expected oldest session first, got %+v", limited)
	}

	devices, err := store.Sessions().ListDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 2 || devices[0] != "pc-1" || devices[1] != "pc-2" {
		t.Fatalf("unexpected devices: %v", devices)
	}
}

func TestStorePing(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessionlog.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

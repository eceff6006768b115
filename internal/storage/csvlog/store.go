package csvlog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/sessionlog/internal/storage"
)

// Store is a storage.Store backed only by the CSV journal. Files are replayed
// into memory on Open; every boundary change is appended to the journal.
// Heartbeats update LastSeen in memory only, so a session still open after
// replay is treated as seen at the moment the store was opened.
type Store struct {
	journal *Journal

	mu       sync.RWMutex
	nextID   int64
	sessions map[int64]*storage.Session
	open     map[string]int64
}

// Open replays every journal file in dir.
func Open(dir string) (*Store, error) {
	return openAt(dir, time.Now)
}

func openAt(dir string, now func() time.Time) (*Store, error) {
	journal, err := NewJournal(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		journal:  journal,
		sessions: make(map[int64]*storage.Session),
		open:     make(map[string]int64),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	s.refreshOpen(storage.Normalize(now()))
	return s, nil
}

// refreshOpen gives every replayed open session a fresh stale window. The
// journal has no heartbeat rows, so without this the sweeper would close a
// session at its own start and drop the time it actually ran.
func (s *Store) refreshOpen(at time.Time) {
	for _, id := range s.open {
		if session := s.sessions[id]; at.After(session.LastSeen) {
			session.LastSeen = at
		}
	}
}

// Journal exposes the underlying journal.
func (s *Store) Journal() *Journal { return s.journal }

// Ping checks that the journal directory is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(s.journal.dir)
	if err != nil {
		return fmt.Errorf("stat csv directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("csv path is not a directory")
	}
	return nil
}

// Close is a no-op; every write is flushed as it happens.
func (s *Store) Close() error { return nil }

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore { return s }

func (s *Store) replay() error {
	files, err := filepath.Glob(filepath.Join(s.journal.dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return err
	}
	// File names sort chronologically.
	sort.Strings(files)

	for _, path := range files {
		if err := s.replayFile(path); err != nil {
			return fmt.Errorf("replay %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func (s *Store) replayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(Header)

	line := 0
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line++
		if line == 1 && strings.EqualFold(record[0], Header[0]) {
			continue
		}
		if err := s.apply(record); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
}

// apply folds one journal row into the in-memory index. An end row closes
// the device's open session when the start times agree, otherwise it is a
// complete session on its own.
func (s *Store) apply(record []string) error {
	deviceID := record[0]
	start, err := time.Parse(time.RFC3339, record[1])
	if err != nil {
		return fmt.Errorf("parse start_time: %w", err)
	}
	start = start.UTC()

	if record[2] == "" {
		if id, ok := s.open[deviceID]; ok {
			// Two starts without an end: the earlier one is closed at the
			// later start, an out-of-order start is dropped.
			prev := s.sessions[id]
			if start.Before(prev.StartedAt) {
				return nil
			}
			closedAt := start
			prev.EndedAt = &closedAt
			prev.LastSeen = closedAt
			delete(s.open, deviceID)
		}
		s.insert(storage.Session{DeviceID: deviceID, StartedAt: start, LastSeen: start})
		return nil
	}

	end, err := time.Parse(time.RFC3339, record[2])
	if err != nil {
		return fmt.Errorf("parse end_time: %w", err)
	}
	end = end.UTC()

	if id, ok := s.open[deviceID]; ok && s.sessions[id].StartedAt.Equal(start) {
		s.sessions[id].EndedAt = &end
		s.sessions[id].LastSeen = end
		delete(s.open, deviceID)
		return nil
	}
	s.insert(storage.Session{DeviceID: deviceID, StartedAt: start, EndedAt: &end, LastSeen: end})
	return nil
}

func (s *Store) insert(session storage.Session) int64 {
	s.nextID++
	session.ID = s.nextID
	s.sessions[session.ID] = &session
	if session.IsOpen() {
		s.open[session.DeviceID] = session.ID
	}
	return session.ID
}

func normalized(session storage.Session) storage.Session {
	session.StartedAt = storage.Normalize(session.StartedAt)
	session.LastSeen = storage.Normalize(session.LastSeen)
	if session.EndedAt != nil {
		end := storage.Normalize(*session.EndedAt)
		session.EndedAt = &end
	}
	return session
}

func (s *Store) Create(ctx context.Context, session *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := normalized(*session)
	if stored.IsOpen() {
		if _, ok := s.open[stored.DeviceID]; ok {
			return storage.ErrConflict
		}
		if err := s.journal.RecordStart(ctx, stored); err != nil {
			return err
		}
	} else if err := s.journal.RecordEnd(ctx, stored); err != nil {
		return err
	}

	stored.ID = s.insert(stored)
	*session = stored
	return nil
}

func (s *Store) Update(ctx context.Context, session storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[session.ID]
	if !ok {
		return storage.ErrNotFound
	}

	update := normalized(session)
	if existing.IsOpen() && !update.IsOpen() {
		closed := *existing
		closed.EndedAt = update.EndedAt
		if err := s.journal.RecordEnd(ctx, closed); err != nil {
			return err
		}
		delete(s.open, existing.DeviceID)
	} else if !existing.IsOpen() && update.IsOpen() {
		return fmt.Errorf("csv store cannot reopen session %d", session.ID)
	}

	existing.EndedAt = update.EndedAt
	existing.LastSeen = update.LastSeen
	return nil
}

func (s *Store) Get(_ context.Context, id int64) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *session
	return &out, nil
}

func (s *Store) GetOpen(ctx context.Context, deviceID string) (*storage.Session, error) {
	s.mu.RLock()
	id, ok := s.open[deviceID]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *Store) ListOpen(_ context.Context) ([]storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]storage.Session, 0, len(s.open))
	for _, id := range s.open {
		sessions = append(sessions, *s.sessions[id])
	}
	storage.SortSessions(sessions)
	return sessions, nil
}

func (s *Store) List(_ context.Context, filter storage.SessionFilter) ([]storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]storage.Session, 0)
	for _, session := range s.sessions {
		if filter.Matches(*session) {
			sessions = append(sessions, *session)
		}
	}
	storage.SortSessions(sessions)
	return storage.ApplyLimit(sessions, filter.Limit), nil
}

func (s *Store) ListDevices(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	devices := make([]string, 0)
	for _, session := range s.sessions {
		if _, ok := seen[session.DeviceID]; ok {
			continue
		}
		seen[session.DeviceID] = struct{}{}
		devices = append(devices, session.DeviceID)
	}
	sort.Strings(devices)
	return devices, nil
}

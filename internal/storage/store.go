package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrConflict is returned when a write would leave a device with two open sessions.
var ErrConflict = errors.New("storage: device already has an open session")

// Store represents the root storage interface.
type Store interface {
	Ping(ctx context.Context) error
	Close() error
	Sessions() SessionStore
}

// SessionStore persists device sessions.
//
// Implementations must keep at most one open session per device and return
// ErrConflict from Create when that would be violated.
type SessionStore interface {
	// Create inserts a session and assigns its ID.
	Create(ctx context.Context, session *Session) error
	// Update replaces the end time and last-seen time of an existing session.
	Update(ctx context.Context, session Session) error
	Get(ctx context.Context, id int64) (*Session, error)
	// GetOpen returns the open session for a device, or ErrNotFound.
	GetOpen(ctx context.Context, deviceID string) (*Session, error)
	ListOpen(ctx context.Context) ([]Session, error)
	// List returns sessions intersecting the filter window, oldest first.
	List(ctx context.Context, filter SessionFilter) ([]Session, error)
	// ListDevices returns every device id observed, sorted.
	ListDevices(ctx context.Context) ([]string, error)
}

// SessionFilter defines criteria for querying sessions.
//
// A session matches when it started before To and is open or ended after
// From. Zero times leave that side of the window unbounded.
type SessionFilter struct {
	DeviceID string
	From     time.Time
	To       time.Time
	Limit    int
}

// Matches reports whether a session falls inside the filter.
func (f SessionFilter) Matches(s Session) bool {
	if f.DeviceID != "" && s.DeviceID != f.DeviceID {
		return false
	}
	if !f.To.IsZero() && !s.StartedAt.Before(f.To) {
		return false
	}
	if !f.From.IsZero() && s.EndedAt != nil && !s.EndedAt.After(f.From) {
		return false
	}
	return true
}

package storage

import (
	"time"
)

// Session represents one tracked interval during which a device was on.
type Session struct {
	ID        int64      `json:"session_id"`
	DeviceID  string     `json:"device_id"`
	StartedAt time.Time  `json:"start_time"`
	EndedAt   *time.Time `json:"end_time"`
	LastSeen  time.Time  `json:"last_seen"`
}

// IsOpen reports whether the session has not been ended yet.
func (s Session) IsOpen() bool {
	return s.EndedAt == nil
}

// Duration returns end minus start; ok is false while the session is open.
func (s Session) Duration() (d time.Duration, ok bool) {
	if s.EndedAt == nil {
		return 0, false
	}
	return s.EndedAt.Sub(s.StartedAt), true
}

// Overlap returns how much of [from, to) the session covers. Open sessions
// are treated as running until now.
func (s Session) Overlap(from, to, now time.Time) time.Duration {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	start := s.StartedAt
	if start.Before(from) {
		start = from
	}
	if end.After(to) {
		end = to
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// Normalize returns t in UTC truncated to whole seconds, the precision every
// backend stores.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// SortSessions orders sessions by start time then ID.
func SortSessions(sessions []Session) {
	sortSessions(sessions)
}

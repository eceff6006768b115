package storage

import (
	"os"
	"sort"
)

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

func sortSessions(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
}

// ApplyLimit truncates sessions to limit when limit is positive.
func ApplyLimit(sessions []Session, limit int) []Session {
	if limit > 0 && len(sessions) > limit {
		return sessions[:limit]
	}
	return sessions
}

package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/sessionlog/internal/storage"
)

func sessionKey(id int64) string {
	return fmt.Sprintf("%ssession:%d", keyPrefix, id)
}

func openKey(deviceID string) string {
	return fmt.Sprintf("%sdevice:%s:open", keyPrefix, deviceID)
}

func deviceSessionsKey(deviceID string) string {
	return fmt.Sprintf("%sdevice:%s:sessions", keyPrefix, deviceID)
}

const (
	seqKey     = keyPrefix + "seq"
	devicesKey = keyPrefix + "devices"
	openSetKey = keyPrefix + "sessions:open"
)

func formatTime(t time.Time) string {
	return storage.Normalize(t).Format(time.RFC3339)
}

func formatEnd(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// parseSession converts a Redis hash to Session
func parseSession(data map[string]string) (*storage.Session, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	id, err := strconv.ParseInt(data["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse id: %w", err)
	}

	startedAt, err := time.Parse(time.RFC3339, data["start_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}

	lastSeen, err := time.Parse(time.RFC3339, data["last_seen"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_seen: %w", err)
	}

	session := &storage.Session{
		ID:        id,
		DeviceID:  data["device_id"],
		StartedAt: startedAt.UTC(),
		LastSeen:  lastSeen.UTC(),
	}

	if raw := data["end_time"]; raw != "" {
		endedAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end_time: %w", err)
		}
		endedAt = endedAt.UTC()
		session.EndedAt = &endedAt
	}

	return session, nil
}

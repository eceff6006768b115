package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/goodtune/sessionlog/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client *redis.Client
	create *redis.Script
	update *redis.Script
}

func newSessionStore(client *redis.Client) *sessionStore {
	return &sessionStore{
		client: client,
		create: redis.NewScript(createSessionScript),
		update: redis.NewScript(updateSessionScript),
	}
}

// Create allocates an ID and writes the session with its indexes.
func (s *sessionStore) Create(ctx context.Context, session *storage.Session) error {
	if session.IsOpen() {
		if exists, err := s.client.Exists(ctx, openKey(session.DeviceID)).Result(); err != nil {
			return err
		} else if exists == 1 {
			return storage.ErrConflict
		}
	}

	id, err := s.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("allocate session id: %w", err)
	}

	stored := *session
	stored.ID = id
	stored.StartedAt = storage.Normalize(stored.StartedAt)
	stored.LastSeen = storage.Normalize(stored.LastSeen)
	if stored.EndedAt != nil {
		end := storage.Normalize(*stored.EndedAt)
		stored.EndedAt = &end
	}

	keys := []string{
		sessionKey(id),
		openKey(stored.DeviceID),
		deviceSessionsKey(stored.DeviceID),
		devicesKey,
		openSetKey,
	}
	args := []interface{}{
		id,
		stored.DeviceID,
		formatTime(stored.StartedAt),
		formatEnd(stored.EndedAt),
		formatTime(stored.LastSeen),
		stored.StartedAt.Unix(),
	}

	res, err := s.create.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return storage.ErrConflict
	}

	*session = stored
	return nil
}

// Update writes end_time and last_seen for an existing session.
func (s *sessionStore) Update(ctx context.Context, session storage.Session) error {
	keys := []string{sessionKey(session.ID), openSetKey}
	args := []interface{}{
		strconv.FormatInt(session.ID, 10),
		formatEnd(session.EndedAt),
		formatTime(session.LastSeen),
		keyPrefix,
	}

	res, err := s.update.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return storage.ErrNotFound
	case 0:
		return storage.ErrConflict
	}
	return nil
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, id int64) (*storage.Session, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseSession(data)
}

// GetOpen returns the open session for a device.
func (s *sessionStore) GetOpen(ctx context.Context, deviceID string) (*storage.Session, error) {
	raw, err := s.client.Get(ctx, openKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse open session id: %w", err)
	}
	return s.Get(ctx, id)
}

// ListOpen returns all open sessions
func (s *sessionStore) ListOpen(ctx context.Context) ([]storage.Session, error) {
	ids, err := s.client.SMembers(ctx, openSetKey).Result()
	if err != nil {
		return nil, err
	}
	sessions, err := s.fetch(ctx, ids, nil)
	if err != nil {
		return nil, err
	}
	storage.SortSessions(sessions)
	return sessions, nil
}

// List returns sessions intersecting the filter window.
func (s *sessionStore) List(ctx context.Context, filter storage.SessionFilter) ([]storage.Session, error) {
	devices := []string{filter.DeviceID}
	if filter.DeviceID == "" {
		var err error
		devices, err = s.ListDevices(ctx)
		if err != nil {
			return nil, err
		}
	}

	max := "+inf"
	if !filter.To.IsZero() {
		max = "(" + strconv.FormatInt(filter.To.Unix(), 10)
	}

	sessions := make([]storage.Session, 0)
	for _, device := range devices {
		ids, err := s.client.ZRangeByScore(ctx, deviceSessionsKey(device), &redis.ZRangeBy{
			Min: "-inf",
			Max: max,
		}).Result()
		if err != nil {
			return nil, err
		}

		matched, err := s.fetch(ctx, ids, filter.Matches)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, matched...)
	}

	storage.SortSessions(sessions)
	return storage.ApplyLimit(sessions, filter.Limit), nil
}

// ListDevices returns every device with at least one session.
func (s *sessionStore) ListDevices(ctx context.Context) ([]string, error) {
	devices, err := s.client.SMembers(ctx, devicesKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(devices)
	return devices, nil
}

// fetch loads sessions by ID in a single pipeline.
func (s *sessionStore) fetch(ctx context.Context, ids []string, keep func(storage.Session) bool) ([]storage.Session, error) {
	sessions := make([]storage.Session, 0, len(ids))
	if len(ids) == 0 {
		return sessions, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, keyPrefix+"session:"+id)
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		session, err := parseSession(data)
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(*session) {
			sessions = append(sessions, *session)
		}
	}
	return sessions, nil
}

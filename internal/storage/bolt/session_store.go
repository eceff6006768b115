package bolt

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goodtune/sessionlog/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

func (s *sessionStore) Create(ctx context.Context, session *storage.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		open := tx.Bucket([]byte(bucketOpen))
		if session.IsOpen() && open.Get([]byte(session.DeviceID)) != nil {
			return storage.ErrConflict
		}

		sessions := tx.Bucket([]byte(bucketSessions))
		seq, err := sessions.NextSequence()
		if err != nil {
			return fmt.Errorf("next session id: %w", err)
		}

		stored := *session
		stored.ID = int64(seq)
		stored.StartedAt = storage.Normalize(stored.StartedAt)
		stored.LastSeen = storage.Normalize(stored.LastSeen)
		if stored.EndedAt != nil {
			end := storage.Normalize(*stored.EndedAt)
			stored.EndedAt = &end
		}

		if err := putBucketValue(tx, bucketSessions, itob(stored.ID), stored); err != nil {
			return err
		}

		device, err := tx.Bucket([]byte(bucketDevices)).CreateBucketIfNotExists([]byte(stored.DeviceID))
		if err != nil {
			return fmt.Errorf("create device index: %w", err)
		}
		if err := device.Put(startKey(stored.StartedAt, stored.ID), itob(stored.ID)); err != nil {
			return err
		}

		if stored.IsOpen() {
			if err := open.Put([]byte(stored.DeviceID), itob(stored.ID)); err != nil {
				return err
			}
		}

		*session = stored
		return nil
	})
}

func (s *sessionStore) Update(ctx context.Context, session storage.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		existing, err := getBucketValue[storage.Session](tx, bucketSessions, itob(session.ID))
		if err != nil {
			return err
		}

		existing.LastSeen = storage.Normalize(session.LastSeen)
		existing.EndedAt = nil
		if session.EndedAt != nil {
			end := storage.Normalize(*session.EndedAt)
			existing.EndedAt = &end
		}

		open := tx.Bucket([]byte(bucketOpen))
		current := open.Get([]byte(existing.DeviceID))
		switch {
		case existing.IsOpen() && current != nil && btoi(current) != existing.ID:
			return storage.ErrConflict
		case existing.IsOpen():
			if err := open.Put([]byte(existing.DeviceID), itob(existing.ID)); err != nil {
				return err
			}
		case current != nil && btoi(current) == existing.ID:
			if err := open.Delete([]byte(existing.DeviceID)); err != nil {
				return err
			}
		}

		return putBucketValue(tx, bucketSessions, itob(existing.ID), existing)
	})
}

func (s *sessionStore) Get(ctx context.Context, id int64) (*storage.Session, error) {
	var session *storage.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		session, err = getBucketValue[storage.Session](tx, bucketSessions, itob(id))
		return err
	})
	return session, err
}

func (s *sessionStore) GetOpen(ctx context.Context, deviceID string) (*storage.Session, error) {
	var session *storage.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		id := tx.Bucket([]byte(bucketOpen)).Get([]byte(deviceID))
		if id == nil {
			return storage.ErrNotFound
		}
		var err error
		session, err = getBucketValue[storage.Session](tx, bucketSessions, id)
		return err
	})
	return session, err
}

func (s *sessionStore) ListOpen(ctx context.Context) ([]storage.Session, error) {
	sessions := make([]storage.Session, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketOpen)).ForEach(func(_, id []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			session, err := getBucketValue[storage.Session](tx, bucketSessions, id)
			if err != nil {
				return err
			}
			sessions = append(sessions, *session)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortSessions(sessions)
	return sessions, nil
}

func (s *sessionStore) List(ctx context.Context, filter storage.SessionFilter) ([]storage.Session, error) {
	var sessions []storage.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		if filter.DeviceID == "" {
			var err error
			sessions, err = listBucket(ctx, tx, bucketSessions, filter.Matches)
			return err
		}

		sessions = make([]storage.Session, 0)
		device := tx.Bucket([]byte(bucketDevices)).Bucket([]byte(filter.DeviceID))
		if device == nil {
			return nil
		}

		var upper []byte
		if !filter.To.IsZero() {
			upper = startKey(filter.To, 0)
		}

		c := device.Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if upper != nil && bytes.Compare(k, upper) >= 0 {
				break
			}
			session, err := getBucketValue[storage.Session](tx, bucketSessions, id)
			if err != nil {
				return err
			}
			if filter.Matches(*session) {
				sessions = append(sessions, *session)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	storage.SortSessions(sessions)
	return storage.ApplyLimit(sessions, filter.Limit), nil
}

func (s *sessionStore) ListDevices(ctx context.Context) ([]string, error) {
	devices := make([]string, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketDevices)).ForEachBucket(func(name []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			devices = append(devices, string(name))
			return nil
		})
	})
	return devices, err
}

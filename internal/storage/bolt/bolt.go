package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/sessionlog/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketSessions = "sessions"
	bucketOpen     = "open"    // device id -> open session id
	bucketDevices  = "devices" // device id -> bucket of start/id keys
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketSessions, bucketOpen, bucketDevices} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Ping reports whether the database is still open.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bucketSessions)) == nil {
			return fmt.Errorf("sessions bucket missing")
		}
		return ctx.Err()
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore { return &sessionStore{db: s.db} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// startKey orders a device's sessions by start time, then ID. Unix seconds
// are offset so that pre-1970 times still sort before later ones.
func startKey(start time.Time, id int64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(start.Unix())^(1<<63))
	binary.BigEndian.PutUint64(key[8:], uint64(id))
	return key
}

func getBucketValue[T any](tx *bbolt.Tx, bucket string, key []byte) (*T, error) {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return nil, storage.ErrNotFound
	}
	value := b.Get(key)
	if value == nil {
		return nil, storage.ErrNotFound
	}
	var result T
	if err := unmarshal(value, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func putBucketValue(tx *bbolt.Tx, bucket string, key []byte, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return fmt.Errorf("bucket missing: %s", bucket)
	}
	return b.Put(key, data)
}

func listBucket[T any](ctx context.Context, tx *bbolt.Tx, bucket string, keep func(T) bool) ([]T, error) {
	items := make([]T, 0)
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return items, nil
	}
	err := b.ForEach(func(_, v []byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var item T
		if err := unmarshal(v, &item); err != nil {
			return err
		}
		if keep == nil || keep(item) {
			items = append(items, item)
		}
		return nil
	})
	return items, err
}

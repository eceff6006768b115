package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/sessionlog/internal/storage"
)

const sqliteTimeLayout = "2006-01-02 15:04:05"

const sessionColumns = "id, device_id, start_time, end_time, last_seen"

type sessionStore struct {
	db *DB
}

// Create inserts a new session and assigns its ID.
func (s *sessionStore) Create(ctx context.Context, session *storage.Session) error {
	query := s.db.rebind(`
		INSERT INTO sessions (device_id, start_time, end_time, last_seen)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`)

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		session.DeviceID,
		s.timeArg(session.StartedAt),
		s.nullTimeArg(session.EndedAt),
		s.timeArg(session.LastSeen),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("failed to create session: %w", err)
	}

	session.ID = id
	return nil
}

// Update stores the end time and last-seen time of a session.
func (s *sessionStore) Update(ctx context.Context, session storage.Session) error {
	query := s.db.rebind(`UPDATE sessions SET end_time = ?, last_seen = ? WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query,
		s.nullTimeArg(session.EndedAt),
		s.timeArg(session.LastSeen),
		session.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, id int64) (*storage.Session, error) {
	query := s.db.rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`)
	return s.queryOne(ctx, query, id)
}

// GetOpen retrieves the open session of a device
func (s *sessionStore) GetOpen(ctx context.Context, deviceID string) (*storage.Session, error) {
	query := s.db.rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE device_id = ? AND end_time IS NULL`)
	return s.queryOne(ctx, query, deviceID)
}

// ListOpen returns every open session.
func (s *sessionStore) ListOpen(ctx context.Context) ([]storage.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE end_time IS NULL ORDER BY start_time, id`
	return s.queryMany(ctx, query)
}

// List returns sessions intersecting the filter window.
func (s *sessionStore) List(ctx context.Context, filter storage.SessionFilter) ([]storage.Session, error) {
	var (
		where []string
		args  []interface{}
	)

	if filter.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if !filter.To.IsZero() {
		where = append(where, "start_time < ?")
		args = append(args, s.timeArg(filter.To))
	}
	if !filter.From.IsZero() {
		where = append(where, "(end_time IS NULL OR end_time > ?)")
		args = append(args, s.timeArg(filter.From))
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryMany(ctx, s.db.rebind(query), args...)
}

// ListDevices returns the distinct device ids.
func (s *sessionStore) ListDevices(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT device_id FROM sessions ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, id)
	}
	return devices, rows.Err()
}

func (s *sessionStore) queryOne(ctx context.Context, query string, args ...interface{}) (*storage.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *sessionStore) queryMany(ctx context.Context, query string, args ...interface{}) ([]storage.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]storage.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*storage.Session, error) {
	var (
		session  storage.Session
		start    timeColumn
		end      timeColumn
		lastSeen timeColumn
	)
	if err := row.Scan(&session.ID, &session.DeviceID, &start, &end, &lastSeen); err != nil {
		return nil, err
	}

	session.StartedAt = start.Time
	if end.Valid {
		t := end.Time
		session.EndedAt = &t
	}
	session.LastSeen = session.StartedAt
	if lastSeen.Valid {
		session.LastSeen = lastSeen.Time
	}
	return &session, nil
}

// timeArg renders a timestamp for the active dialect. SQLite gets fixed-width
// UTC text so that comparisons in WHERE clauses order correctly.
func (s *sessionStore) timeArg(t time.Time) interface{} {
	t = storage.Normalize(t)
	if s.db.dialect == DialectSQLite {
		return t.Format(sqliteTimeLayout)
	}
	return t
}

func (s *sessionStore) nullTimeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return s.timeArg(*t)
}

// timeColumn scans timestamps returned either as time.Time or as text.
type timeColumn struct {
	Time  time.Time
	Valid bool
}

func (c *timeColumn) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		c.Time, c.Valid = time.Time{}, false
		return nil
	case time.Time:
		c.Time, c.Valid = v.UTC(), true
		return nil
	case string:
		return c.parse(v)
	case []byte:
		return c.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (c *timeColumn) parse(value string) error {
	layouts := []string{
		sqliteTimeLayout,
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05Z",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			c.Time, c.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", value)
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goodtune/sessionlog/internal/storage"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour behind a connection string.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB wraps a SQLite or PostgreSQL connection and implements storage.Store.
type DB struct {
	*sql.DB
	dialect  Dialect
	sessions *sessionStore
}

// ParseURL splits a connection string into its dialect and driver DSN.
// postgres:// and postgresql:// URLs select PostgreSQL; anything else is a
// SQLite path, with an optional sqlite:// prefix.
func ParseURL(url string) (Dialect, string, error) {
	switch {
	case url == "":
		return "", "", fmt.Errorf("empty database url")
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DialectPostgres, url, nil
	case strings.HasPrefix(url, "sqlite://"):
		// sqlite:///relative.db and sqlite:////absolute.db, as SQLAlchemy spells them
		path := strings.TrimPrefix(strings.TrimPrefix(url, "sqlite://"), "/")
		if path == "" {
			return "", "", fmt.Errorf("sqlite url has no path")
		}
		return DialectSQLite, path, nil
	default:
		return DialectSQLite, url, nil
	}
}

// New opens the database named by url and runs migrations.
func New(url string) (*DB, error) {
	dialect, dsn, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	if dialect == DialectSQLite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := storage.EnsureDir(dir); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1) // SQLite limitation
		db.SetMaxIdleConns(1)
	}

	if err := runMigrations(db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	d := &DB{DB: db, dialect: dialect}
	d.sessions = &sessionStore{db: d}
	return d, nil
}

// Dialect returns the SQL flavour in use.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Ping verifies the connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.PingContext(ctx)
}

// Sessions returns the session store.
func (d *DB) Sessions() storage.SessionStore {
	return d.sessions
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (d *DB) rebind(query string) string {
	return rebind(d.dialect, query)
}

func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// runMigrations applies all database migrations
func runMigrations(db *sql.DB, dialect Dialect) error {
	createMigrations := `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := db.Exec(createMigrations); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	migrations := getMigrations(dialect)
	versions := make([]int, 0, len(migrations))
	for version := range migrations {
		versions = append(versions, version)
	}
	sort.Ints(versions)

	for _, version := range versions {
		if version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		for _, stmt := range migrations[version] {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("failed to execute migration %d: %w", version, err)
			}
		}

		if _, err := tx.Exec(rebind(dialect, "INSERT INTO migrations (version) VALUES (?)"), version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

// getMigrations returns all database migrations, one statement per entry
// because lib/pq rejects multi-statement Exec inside prepared transactions.
func getMigrations(dialect Dialect) map[int][]string {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	timeType := "TIMESTAMP"
	if dialect == DialectPostgres {
		idColumn = "id BIGSERIAL PRIMARY KEY"
		timeType = "TIMESTAMPTZ"
	}

	return map[int][]string{
		1: {
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
	%s,
	device_id VARCHAR(100) NOT NULL,
	start_time %s NOT NULL,
	end_time %s
)`, idColumn, timeType, timeType),
			`CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id, start_time)`,
		},
		2: {
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open ON sessions(device_id) WHERE end_time IS NULL`,
		},
		3: {
			fmt.Sprintf(`ALTER TABLE sessions ADD COLUMN last_seen %s`, timeType),
			`UPDATE sessions SET last_seen = COALESCE(end_time, start_time) WHERE last_seen IS NULL`,
		},
	}
}

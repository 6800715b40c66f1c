package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         []string
}

// Timestamps are unix milliseconds so both drivers share one schema.
var migrations = []migration{
	{
		Version:     1,
		Description: "linked_sessions",
		SQL: []string{`
		CREATE TABLE IF NOT EXISTS linked_sessions (
			tenant_id   TEXT PRIMARY KEY,
			persistent  INTEGER NOT NULL DEFAULT 1,
			last_linked BIGINT,
			created_at  BIGINT NOT NULL,
			status      TEXT NOT NULL DEFAULT '',
			updated_at  BIGINT NOT NULL
		)`},
	},
	{
		Version:     2,
		Description: "status index for startup restore",
		SQL: []string{
			`CREATE INDEX IF NOT EXISTS idx_linked_sessions_status ON linked_sessions(status)`,
		},
	},
}

// runMigrations applies pending migrations, tracked in schema_version.
func runMigrations(db *sql.DB, d dialect, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range m.SQL {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d: %w", m.Version, err)
			}
		}
		if _, err := tx.Exec(
			d.rebind("INSERT INTO schema_version (version, description) VALUES (?, ?)"),
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"linkgate/internal/domain"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type dialect struct {
	name     string
	numbered bool // $1, $2 placeholders
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", numbered: true}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLStore implements domain.LinkStore on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

var _ domain.LinkStore = (*SQLStore)(nil)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newSQLStore(db, sqliteDialect, logger)
}

func NewPostgresStore(dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot reach postgres: %w", err)
	}

	return newSQLStore(db, postgresDialect, logger)
}

func newSQLStore(db *sql.DB, d dialect, logger *slog.Logger) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, logger: logger}
	if err := runMigrations(db, d, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

// Load returns all linked sessions. Rows that cannot be interpreted are
// skipped with a warning.
func (s *SQLStore) Load(ctx context.Context) (map[string]domain.LinkRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, persistent, last_linked, created_at, status FROM linked_sessions`)
	if err != nil {
		return nil, fmt.Errorf("query linked sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.LinkRecord)
	for rows.Next() {
		var (
			tenant     string
			persistent int
			lastLinked sql.NullInt64
			createdAt  int64
			status     string
		)
		if err := rows.Scan(&tenant, &persistent, &lastLinked, &createdAt, &status); err != nil {
			s.logger.Warn("skipping unreadable link record", "err", err)
			continue
		}
		rec, ok := s.decode(tenant, persistent, lastLinked, createdAt, status)
		if !ok {
			continue
		}
		out[rec.TenantID] = rec
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("iterate linked sessions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) decode(tenant string, persistent int, lastLinked sql.NullInt64, createdAt int64, status string) (domain.LinkRecord, bool) {
	if strings.TrimSpace(tenant) == "" {
		s.logger.Warn("skipping link record without tenant")
		return domain.LinkRecord{}, false
	}
	if !knownStatus(domain.Status(status)) {
		s.logger.Warn("skipping link record with unknown status", "tenant", tenant, "status", status)
		return domain.LinkRecord{}, false
	}
	rec := domain.LinkRecord{
		TenantID:   tenant,
		Persistent: persistent != 0,
		CreatedAt:  time.UnixMilli(createdAt),
		Status:     domain.Status(status),
	}
	if lastLinked.Valid {
		t := time.UnixMilli(lastLinked.Int64)
		rec.LastLinked = &t
	}
	return rec, true
}

// SaveAll replaces the table contents with records in one transaction.
// Records not marked persistent are not written.
func (s *SQLStore) SaveAll(ctx context.Context, records []domain.LinkRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM linked_sessions`); err != nil {
		return fmt.Errorf("clear linked sessions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(
		`INSERT INTO linked_sessions (tenant_id, persistent, last_linked, created_at, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, rec := range records {
		if !rec.Persistent {
			continue
		}
		var lastLinked sql.NullInt64
		if rec.LastLinked != nil {
			lastLinked = sql.NullInt64{Int64: rec.LastLinked.UnixMilli(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			rec.TenantID, 1, lastLinked, rec.CreatedAt.UnixMilli(), string(rec.Status), now,
		); err != nil {
			return fmt.Errorf("insert %s: %w", rec.TenantID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func knownStatus(st domain.Status) bool {
	switch st {
	case domain.StatusDisconnected, domain.StatusInitializing, domain.StatusQRReady,
		domain.StatusQRFailed, domain.StatusAuthenticated, domain.StatusReady,
		domain.StatusAuthFailed, domain.StatusResetting, domain.StatusManuallyDisconnected,
		domain.StatusMaxAttemptsReached:
		return true
	}
	return false
}

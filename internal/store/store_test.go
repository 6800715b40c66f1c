package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"linkgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "links.db"), testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_EmptyLoad(t *testing.T) {
	s := testSQLite(t)
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty mapping, got %d", len(got))
	}
}

func TestSQLiteStore_SaveAllRoundTrip(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()

	linked := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	created := linked.Add(-time.Hour)
	err := s.SaveAll(ctx, []domain.LinkRecord{
		{TenantID: "42", Persistent: true, LastLinked: &linked, CreatedAt: created, Status: domain.StatusReady},
		{TenantID: "7", Persistent: true, CreatedAt: created, Status: domain.StatusDisconnected},
		{TenantID: "9", Persistent: false, CreatedAt: created, Status: domain.StatusReady},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 persistent records, got %d", len(got))
	}
	rec := got["42"]
	if !rec.Persistent || rec.Status != domain.StatusReady {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.LastLinked == nil || !rec.LastLinked.Equal(linked) {
		t.Errorf("lastLinked = %v, want %v", rec.LastLinked, linked)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Errorf("createdAt = %v, want %v", rec.CreatedAt, created)
	}
	if got["7"].LastLinked != nil {
		t.Errorf("expected nil lastLinked for tenant 7")
	}
	if _, ok := got["9"]; ok {
		t.Error("non-persistent record must not be stored")
	}
}

func TestSQLiteStore_SaveAllOverwrites(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()
	now := time.Now()

	s.SaveAll(ctx, []domain.LinkRecord{
		{TenantID: "1", Persistent: true, CreatedAt: now, Status: domain.StatusReady},
		{TenantID: "2", Persistent: true, CreatedAt: now, Status: domain.StatusReady},
	})
	if err := s.SaveAll(ctx, []domain.LinkRecord{
		{TenantID: "2", Persistent: true, CreatedAt: now, Status: domain.StatusDisconnected},
	}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Load(ctx)
	if len(got) != 1 {
		t.Fatalf("expected 1 record after overwrite, got %d", len(got))
	}
	if got["2"].Status != domain.StatusDisconnected {
		t.Errorf("status = %q", got["2"].Status)
	}
}

func TestSQLiteStore_SkipsMalformedRows(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()

	if _, err := s.db.Exec(`INSERT INTO linked_sessions (tenant_id, persistent, created_at, status, updated_at)
		VALUES ('good', 1, 0, 'ready', 0), ('bad', 1, 0, 'exploded', 0), ('  ', 1, 0, 'ready', 0)`); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the valid row, got %v", got)
	}
	if _, ok := got["good"]; !ok {
		t.Fatal("valid row missing")
	}
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.SaveAll(ctx, []domain.LinkRecord{{TenantID: "5", Persistent: true, CreatedAt: time.Now(), Status: domain.StatusReady}})
	s.Close()

	s2, err := NewSQLiteStore(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, _ := s2.Load(ctx)
	if _, ok := got["5"]; !ok {
		t.Fatal("record lost across reopen")
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	s := testSQLite(t)
	if err := runMigrations(s.db, sqliteDialect, testLogger()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	v, err := currentVersion(s.db)
	if err != nil {
		t.Fatal(err)
	}
	if v != schemaVersion {
		t.Errorf("schema version = %d, want %d", v, schemaVersion)
	}
}

func TestDialect_Rebind(t *testing.T) {
	q := "INSERT INTO t (a, b, c) VALUES (?, ?, ?)"
	if got := sqliteDialect.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	want := "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)"
	if got := postgresDialect.rebind(q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestOpen_Drivers(t *testing.T) {
	s, err := Open(Options{Driver: "memory"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", s)
	}

	s, err = Open(Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	if _, err := Open(Options{Driver: "mongo"}, testLogger()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestMemoryStore_SaveAllFiltersAndCounts(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	m.SaveAll(ctx, []domain.LinkRecord{
		{TenantID: "b", Persistent: true},
		{TenantID: "a", Persistent: true},
		{TenantID: "c", Persistent: false},
	})
	if got := m.Tenants(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("tenants = %v", got)
	}
	if m.Saves() != 1 {
		t.Fatalf("saves = %d", m.Saves())
	}

	loaded, _ := m.Load(ctx)
	delete(loaded, "a")
	if len(m.Tenants()) != 2 {
		t.Fatal("Load must return a copy")
	}
}

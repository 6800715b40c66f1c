// Package store persists which tenants have a permanently linked device.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"linkgate/internal/domain"
)

// Options selects and configures a LinkStore driver.
type Options struct {
	Driver string // "sqlite" | "postgres" | "memory"
	Path   string // sqlite file
	DSN    string // postgres connection string
}

// Open returns the LinkStore for opts.Driver.
func Open(opts Options, logger *slog.Logger) (domain.LinkStore, error) {
	switch opts.Driver {
	case "", "sqlite":
		return NewSQLiteStore(opts.Path, logger)
	case "postgres":
		return NewPostgresStore(opts.DSN, logger)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// MemoryStore keeps link records in process memory only.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.LinkRecord
	saves   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.LinkRecord)}
}

func (m *MemoryStore) Load(ctx context.Context) (map[string]domain.LinkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.LinkRecord, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) SaveAll(ctx context.Context, records []domain.LinkRecord) error {
	next := make(map[string]domain.LinkRecord, len(records))
	for _, rec := range records {
		if rec.Persistent {
			next[rec.TenantID] = rec
		}
	}
	m.mu.Lock()
	m.records = next
	m.saves++
	m.mu.Unlock()
	return nil
}

// Saves returns how many times SaveAll has been called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Tenants returns the stored tenant IDs in sorted order.
func (m *MemoryStore) Tenants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *MemoryStore) Close() error { return nil }

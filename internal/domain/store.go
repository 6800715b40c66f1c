package domain

import "context"

// LinkStore keeps the set of tenants with a permanently linked device.
type LinkStore interface {
	// Load returns every stored record keyed by tenant ID.
	Load(ctx context.Context) (map[string]LinkRecord, error)
	// SaveAll replaces the stored set with records.
	SaveAll(ctx context.Context, records []LinkRecord) error
	Close() error
}

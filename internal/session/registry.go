package session

import (
	"sort"
	"sync"
	"time"

	"linkgate/internal/bus"
	"linkgate/internal/domain"
)

// Registry maps tenant IDs to sessions. Lookups for different tenants
// only contend on the map lock.
type Registry struct {
	prefix string
	bus    *bus.EventBus
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(tokenPrefix string, eb *bus.EventBus) *Registry {
	return &Registry{
		prefix:   tokenPrefix,
		bus:      eb,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) TokenPrefix() string { return r.prefix }

// Resolve maps a session token to its tenant's session, creating it on
// first use. Malformed tokens yield ErrSessionNotFound.
func (r *Registry) Resolve(token string) (*Session, error) {
	tenant, err := ParseToken(token, r.prefix)
	if err != nil {
		return nil, err
	}
	return r.GetOrCreate(tenant), nil
}

// GetOrCreate returns the tenant's session, creating a disconnected one on
// first use. It always refreshes lastActivity and never starts a connection.
func (r *Registry) GetOrCreate(tenantID string) *Session {
	now := r.now()

	r.mu.RLock()
	s, ok := r.sessions[tenantID]
	r.mu.RUnlock()
	if ok {
		s.touch(now)
		return s
	}

	r.mu.Lock()
	if s, ok = r.sessions[tenantID]; ok {
		r.mu.Unlock()
		s.touch(now)
		return s
	}
	s = newSession(tenantID, now)
	r.sessions[tenantID] = s
	r.mu.Unlock()

	r.bus.Emit(bus.Event{Type: bus.EventSessionCreated, Tenant: tenantID})
	return s
}

// Adopt installs a session for a persisted link record at startup. An
// existing session for the tenant is returned unchanged.
//
// The session keeps the record's creation time, so its age counts from the
// original link and not from the restart. A restored session that is
// disconnected and older than three timeouts is evicted by the next sweep,
// and the save that follows the eviction drops its link record.
func (r *Registry) Adopt(rec domain.LinkRecord) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[rec.TenantID]; ok {
		return s
	}
	s := newSession(rec.TenantID, r.now())
	if !rec.CreatedAt.IsZero() {
		s.createdAt = rec.CreatedAt
	}
	s.persistent = rec.Persistent
	if rec.LastLinked != nil {
		t := *rec.LastLinked
		s.lastLinked = &t
	}
	r.sessions[rec.TenantID] = s
	return s
}

// Lookup returns the tenant's session without creating one.
func (r *Registry) Lookup(tenantID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[tenantID]
	return s, ok
}

// Remove deletes the tenant's entry if it still points at s.
func (r *Registry) Remove(tenantID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[tenantID]; ok && cur == s {
		delete(r.sessions, tenantID)
		return true
	}
	return false
}

// List returns all sessions ordered by tenant ID.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].tenantID < out[j].tenantID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// current reports whether s is still the registered session for its tenant.
func (r *Registry) current(s *Session) bool {
	cur, ok := r.Lookup(s.tenantID)
	return ok && cur == s
}

// Package session runs one messaging-client session per tenant: the
// lifecycle state machine, the tenant registry, the outbound queue
// dispatcher and the heartbeat/reaper sweeps.
package session

import (
	"errors"
	"sync"
	"time"

	"linkgate/internal/domain"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrNotReady          = errors.New("session not ready")
	ErrAuthFailed        = errors.New("authentication failed, reset required")
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted, reset required")
)

// Session is the per-tenant connection state plus its outbound queue.
// Every field is guarded by mu; mu is never held across client or store I/O.
type Session struct {
	tenantID string

	mu                sync.Mutex
	client            domain.Client
	gen               uint64 // bumped whenever client is replaced or dropped
	status            domain.Status
	qr                string
	queue             []domain.QueuedMessage
	processing        bool
	lastActivity      time.Time
	createdAt         time.Time
	reconnectAttempts int
	persistent        bool
	lastLinked        *time.Time
	lastError         string
	timer             *time.Timer // pending reconnect or post-reset init
}

func newSession(tenantID string, now time.Time) *Session {
	return &Session{
		tenantID:     tenantID,
		status:       domain.StatusDisconnected,
		lastActivity: now,
		createdAt:    now,
	}
}

func (s *Session) TenantID() string { return s.tenantID }

func (s *Session) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Ready reports whether the client can send right now.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked()
}

func (s *Session) readyLocked() bool {
	return s.status == domain.StatusReady && s.client != nil
}

// QR returns the pending pairing payload, empty unless status is qr_ready.
func (s *Session) QR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr
}

func (s *Session) Info() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() domain.SessionInfo {
	info := domain.SessionInfo{
		TenantID:          s.tenantID,
		Status:            s.status,
		Ready:             s.readyLocked(),
		Persistent:        s.persistent,
		QRAvailable:       s.qr != "",
		QueueLength:       len(s.queue),
		Processing:        s.processing,
		ReconnectAttempts: s.reconnectAttempts,
		LastActivity:      s.lastActivity,
		CreatedAt:         s.createdAt,
		LastError:         s.lastError,
	}
	if s.lastLinked != nil {
		t := *s.lastLinked
		info.LastLinked = &t
	}
	return info
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) recordLocked() domain.LinkRecord {
	rec := domain.LinkRecord{
		TenantID:   s.tenantID,
		Persistent: s.persistent,
		CreatedAt:  s.createdAt,
		Status:     s.status,
	}
	if s.lastLinked != nil {
		t := *s.lastLinked
		rec.LastLinked = &t
	}
	return rec
}

// detachLocked drops the current client, invalidates its pending events
// and cancels any scheduled timer. The caller destroys the returned client
// after releasing mu.
func (s *Session) detachLocked() domain.Client {
	old := s.client
	s.client = nil
	s.gen++
	s.qr = ""
	s.stopTimerLocked()
	return old
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

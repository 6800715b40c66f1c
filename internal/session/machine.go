package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"linkgate/internal/bus"
	"linkgate/internal/domain"
)

// BackoffFunc returns the delay before reconnect attempt n (n >= 1).
type BackoffFunc func(persistent bool, attempts int) time.Duration

// DefaultBackoff waits 10s per attempt up to 60s for persistent sessions
// and 5s per attempt up to 30s otherwise.
func DefaultBackoff(persistent bool, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if persistent {
		return min(60*time.Second, time.Duration(attempts)*10*time.Second)
	}
	return min(30*time.Second, time.Duration(attempts)*5*time.Second)
}

// MachineConfig configures the session state machine.
type MachineConfig struct {
	Factory domain.ClientFactory
	Store   domain.LinkStore
	Bus     *bus.EventBus
	Logger  *slog.Logger

	MaxReconnectAttempts int
	// PersistLinks=false runs every session as non-persistent.
	PersistLinks  bool
	ResetDelay    time.Duration
	StoreTimeout  time.Duration
	LogoutTimeout time.Duration
	Backoff       BackoffFunc

	// OnReady runs after a session becomes ready, outside its lock.
	OnReady func(*Session)
}

// Machine drives each session's client through the lifecycle. Client
// events reach apply through one pump goroutine per client instance.
type Machine struct {
	cfg      MachineConfig
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	saveMu sync.Mutex
}

func NewMachine(cfg MachineConfig, registry *Registry) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxReconnectAttempts < 1 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		cfg:      cfg,
		registry: registry,
		logger:   cfg.Logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Initialize starts a new client for s. It is a no-op while a client
// exists, while another initialization is in flight, and in terminal
// states. Each call consumes one reconnect attempt; exceeding the budget
// parks the session in max_attempts_reached.
func (m *Machine) Initialize(s *Session) {
	if m.closed.Load() {
		return
	}

	s.mu.Lock()
	if s.client != nil || s.status == domain.StatusInitializing || s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	from := s.status
	if attempt > m.cfg.MaxReconnectAttempts {
		s.status = domain.StatusMaxAttemptsReached
		s.qr = ""
		s.mu.Unlock()

		m.logger.Warn("reconnect attempts exhausted", "tenant", s.tenantID, "attempts", attempt-1)
		m.emitStatus(s.tenantID, from, domain.StatusMaxAttemptsReached)
		m.cfg.Bus.Emit(bus.Event{Type: bus.EventSessionExhausted, Tenant: s.tenantID,
			Payload: map[string]any{"attempts": attempt - 1}})
		return
	}
	s.gen++
	gen := s.gen
	s.status = domain.StatusInitializing
	s.qr = ""
	s.mu.Unlock()

	m.logger.Info("initializing client", "tenant", s.tenantID, "attempt", attempt)
	m.emitStatus(s.tenantID, from, domain.StatusInitializing)

	client, err := m.cfg.Factory.NewClient(s.tenantID)
	if err != nil {
		m.logger.Error("client construction failed", "tenant", s.tenantID, "err", err)
		m.apply(s, gen, domain.ClientEvent{Kind: domain.EventDisconnected, Reason: domain.ReasonInitFailed, Err: err})
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.status != domain.StatusInitializing {
		// reset or unlinked while the client was being built
		s.mu.Unlock()
		m.destroy(s.tenantID, client)
		return
	}
	s.client = client
	s.mu.Unlock()

	go m.pump(s, gen, client)

	if err := client.Start(m.ctx); err != nil {
		m.logger.Error("client start failed", "tenant", s.tenantID, "err", err)
		m.apply(s, gen, domain.ClientEvent{Kind: domain.EventDisconnected, Reason: domain.ReasonInitFailed, Err: err})
	}
}

func (m *Machine) pump(s *Session, gen uint64, c domain.Client) {
	for ev := range c.Events() {
		m.apply(s, gen, ev)
	}
}

// effects are side effects of a transition, run after the session lock
// is released.
type effects struct {
	from, to  domain.Status
	destroy   domain.Client
	save      bool
	ready     bool
	reconnect time.Duration
	events    []bus.Event
}

// apply is the single transition function for client-originated events.
// Events from a client generation other than the current one are dropped.
func (m *Machine) apply(s *Session, gen uint64, ev domain.ClientEvent) {
	now := m.now()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		m.logger.Debug("dropping stale client event", "tenant", s.tenantID, "event", ev.Kind)
		return
	}

	fx := effects{from: s.status, reconnect: -1}
	switch ev.Kind {
	case domain.EventQR:
		if s.status == domain.StatusInitializing || s.status == domain.StatusQRReady {
			s.status = domain.StatusQRReady
			s.qr = ev.QR
		}

	case domain.EventQRFailed:
		fx.destroy = s.detachLocked()
		s.status = domain.StatusQRFailed
		s.lastError = errString(ev.Err, "pairing window expired")

	case domain.EventAuthenticated:
		s.status = domain.StatusAuthenticated
		s.qr = ""

	case domain.EventReady:
		s.status = domain.StatusReady
		s.qr = ""
		s.reconnectAttempts = 0
		s.lastActivity = now
		s.lastError = ""
		if m.cfg.PersistLinks {
			s.persistent = true
			linked := now
			s.lastLinked = &linked
			fx.save = true
		}
		fx.ready = true
		fx.events = append(fx.events, bus.Event{Type: bus.EventSessionReady, Tenant: s.tenantID})

	case domain.EventAuthFailure:
		fx.destroy = s.detachLocked()
		s.status = domain.StatusAuthFailed
		s.lastError = errString(ev.Err, "authentication failed")
		fx.events = append(fx.events, bus.Event{Type: bus.EventSessionAuthFailed, Tenant: s.tenantID,
			Payload: map[string]any{"error": s.lastError}})

	case domain.EventDisconnected:
		fx.destroy = s.detachLocked()
		s.status = domain.StatusDisconnected
		s.lastError = errString(ev.Err, ev.Reason)
		if delay, ok := m.reconnectDelay(s, ev.Reason); ok {
			fx.reconnect = delay
			s.timer = time.AfterFunc(delay, func() { m.reconnectFired(s) })
			fx.events = append(fx.events, bus.Event{Type: bus.EventReconnectScheduled, Tenant: s.tenantID,
				Payload: map[string]any{"delay": delay.String(), "attempts": s.reconnectAttempts}})
		}

	default:
		m.logger.Warn("unknown client event", "tenant", s.tenantID, "event", ev.Kind)
	}
	fx.to = s.status
	attempts := s.reconnectAttempts
	s.mu.Unlock()

	m.logTransition(s.tenantID, ev, fx, attempts)
	if fx.destroy != nil {
		m.destroy(s.tenantID, fx.destroy)
	}
	if fx.from != fx.to {
		m.emitStatus(s.tenantID, fx.from, fx.to)
	}
	for _, e := range fx.events {
		m.cfg.Bus.Emit(e)
	}
	if fx.save {
		m.SaveAll(context.Background())
	}
	if fx.ready && m.cfg.OnReady != nil {
		m.cfg.OnReady(s)
	}
}

// reconnectDelay decides whether a disconnect schedules a reconnect.
// Caller holds s.mu.
func (m *Machine) reconnectDelay(s *Session, reason string) (time.Duration, bool) {
	if m.closed.Load() {
		return 0, false
	}
	if s.persistent {
		return m.cfg.Backoff(true, s.reconnectAttempts), true
	}
	if reason == domain.ReasonLogout || reason == domain.ReasonNavigation {
		return 0, false
	}
	return m.cfg.Backoff(false, s.reconnectAttempts), true
}

// reconnectFired re-validates the session before reconnecting; a timer
// whose session was evicted, unlinked or re-armed does nothing.
func (m *Machine) reconnectFired(s *Session) {
	if m.closed.Load() || !m.registry.current(s) {
		return
	}
	s.mu.Lock()
	s.timer = nil
	st := s.status
	s.mu.Unlock()
	if st != domain.StatusDisconnected {
		m.logger.Debug("skipping reconnect", "tenant", s.tenantID, "status", st)
		return
	}
	m.Initialize(s)
}

// Reset drops the client and queue, re-arms the attempt budget (clearing
// terminal states) and initializes again after the reset delay.
func (m *Machine) Reset(s *Session) {
	s.mu.Lock()
	old := s.detachLocked()
	dropped := len(s.queue)
	s.queue = nil
	from := s.status
	s.status = domain.StatusResetting
	s.reconnectAttempts = 0
	s.lastError = ""
	s.timer = time.AfterFunc(m.cfg.ResetDelay, func() { m.resetFired(s) })
	s.mu.Unlock()

	m.logger.Info("session reset", "tenant", s.tenantID, "dropped_messages", dropped)
	m.destroy(s.tenantID, old)
	m.emitStatus(s.tenantID, from, domain.StatusResetting)
}

func (m *Machine) resetFired(s *Session) {
	if m.closed.Load() || !m.registry.current(s) {
		return
	}
	s.mu.Lock()
	s.timer = nil
	st := s.status
	s.mu.Unlock()
	if st != domain.StatusResetting {
		return
	}
	m.Initialize(s)
}

// Pair makes sure a pairing attempt is running for s. Sessions that were
// unlinked or whose QR expired are re-armed first; terminal sessions
// return an error and need Reset.
func (m *Machine) Pair(s *Session) error {
	s.mu.Lock()
	switch s.status {
	case domain.StatusAuthFailed:
		s.mu.Unlock()
		return ErrAuthFailed
	case domain.StatusMaxAttemptsReached:
		s.mu.Unlock()
		return ErrAttemptsExhausted
	case domain.StatusManuallyDisconnected, domain.StatusQRFailed:
		s.status = domain.StatusDisconnected
		s.reconnectAttempts = 0
	case domain.StatusDisconnected:
		// explicit request: don't wait for a pending backoff
		s.stopTimerLocked()
	}
	s.mu.Unlock()

	m.Initialize(s)
	return nil
}

// DisconnectPermanently unlinks the remote device and forgets the link.
// The session stays registered in manually_disconnected until re-armed.
func (m *Machine) DisconnectPermanently(ctx context.Context, s *Session) {
	s.mu.Lock()
	old := s.detachLocked()
	s.queue = nil
	s.persistent = false
	s.lastLinked = nil
	from := s.status
	s.status = domain.StatusManuallyDisconnected
	s.mu.Unlock()

	if old != nil {
		lctx, cancel := context.WithTimeout(ctx, m.cfg.LogoutTimeout)
		if err := old.Logout(lctx); err != nil {
			m.logger.Warn("logout failed", "tenant", s.tenantID, "err", err)
		}
		cancel()
		m.destroy(s.tenantID, old)
	}

	m.logger.Info("session unlinked", "tenant", s.tenantID)
	m.emitStatus(s.tenantID, from, domain.StatusManuallyDisconnected)
	m.cfg.Bus.Emit(bus.Event{Type: bus.EventSessionUnlinked, Tenant: s.tenantID})
	m.SaveAll(ctx)
}

// Evict removes s from the registry and destroys its client.
func (m *Machine) Evict(s *Session) {
	m.EvictIf(s, func(domain.SessionInfo) bool { return true })
}

// EvictIf evicts s when stale approves its current state. The check and
// the detach happen under one lock so a session cannot become ready in
// between.
func (m *Machine) EvictIf(s *Session, stale func(domain.SessionInfo) bool) (domain.SessionInfo, bool) {
	s.mu.Lock()
	info := s.infoLocked()
	if !stale(info) {
		s.mu.Unlock()
		return info, false
	}
	old := s.detachLocked()
	s.mu.Unlock()

	m.registry.Remove(s.tenantID, s)
	m.destroy(s.tenantID, old)
	return info, true
}

// SaveAll writes every persistent session to the store. Failures are
// logged and reported on the bus only.
func (m *Machine) SaveAll(ctx context.Context) {
	if m.cfg.Store == nil {
		return
	}
	var records []domain.LinkRecord
	for _, s := range m.registry.List() {
		s.mu.Lock()
		if s.persistent {
			records = append(records, s.recordLocked())
		}
		s.mu.Unlock()
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StoreTimeout)
	defer cancel()
	if err := m.cfg.Store.SaveAll(ctx, records); err != nil {
		m.logger.Warn("saving linked sessions failed", "count", len(records), "err", err)
		m.cfg.Bus.Emit(bus.Event{Type: bus.EventPersistenceFailed, Payload: map[string]any{"error": err.Error()}})
		return
	}
	m.logger.Debug("linked sessions saved", "count", len(records))
}

// Shutdown stops every timer and destroys every client. Status fields are
// left as they were so a final SaveAll reflects the last known state.
func (m *Machine) Shutdown() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.cancel()

	var wg sync.WaitGroup
	for _, s := range m.registry.List() {
		s.mu.Lock()
		s.stopTimerLocked()
		old := s.client
		s.client = nil
		s.gen++
		s.mu.Unlock()
		if old == nil {
			continue
		}
		wg.Add(1)
		go func(tenant string, c domain.Client) {
			defer wg.Done()
			m.destroy(tenant, c)
		}(s.tenantID, old)
	}
	wg.Wait()
}

// destroy releases a client; failures and panics are logged, never raised.
func (m *Machine) destroy(tenant string, c domain.Client) {
	if c == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("client destroy panic", "tenant", tenant, "panic", r)
		}
	}()
	if err := c.Destroy(); err != nil {
		m.logger.Warn("client destroy failed", "tenant", tenant, "err", err)
	}
}

func (m *Machine) emitStatus(tenant string, from, to domain.Status) {
	m.cfg.Bus.Emit(bus.Event{Type: bus.EventSessionStatus, Tenant: tenant,
		Payload: map[string]any{"from": string(from), "to": string(to)}})
}

func (m *Machine) logTransition(tenant string, ev domain.ClientEvent, fx effects, attempts int) {
	attrs := []any{"tenant", tenant, "event", ev.Kind, "from", fx.from, "to", fx.to}
	switch ev.Kind {
	case domain.EventQR:
		m.logger.Debug("qr received", attrs...)
	case domain.EventReady:
		m.logger.Info("session ready", attrs...)
	case domain.EventAuthFailure, domain.EventQRFailed:
		m.logger.Warn("session pairing failed", append(attrs, "err", ev.Err)...)
	case domain.EventDisconnected:
		attrs = append(attrs, "reason", ev.Reason, "attempts", attempts)
		if fx.reconnect >= 0 {
			attrs = append(attrs, "reconnect_in", fx.reconnect)
		}
		m.logger.Warn("session disconnected", attrs...)
	default:
		m.logger.Info("session event", attrs...)
	}
}

func errString(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

package session

import (
	"context"
	"log/slog"
	"time"

	"linkgate/internal/bus"
	"linkgate/internal/domain"
	"linkgate/internal/metrics"
)

// Reaper refreshes liveness of ready sessions and evicts stale ones.
type Reaper struct {
	registry *Registry
	machine  *Machine
	timeout  time.Duration
	bus      *bus.EventBus
	logger   *slog.Logger
	now      func() time.Time
}

func NewReaper(registry *Registry, machine *Machine, timeout time.Duration, eb *bus.EventBus, logger *slog.Logger) *Reaper {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		machine:  machine,
		timeout:  timeout,
		bus:      eb,
		logger:   logger,
		now:      time.Now,
	}
}

// Heartbeat touches lastActivity on every ready session and refreshes the
// session gauges. It does no network I/O.
func (r *Reaper) Heartbeat() int {
	now := r.now()
	touched, queued := 0, 0
	sessions := r.registry.List()
	for _, s := range sessions {
		s.mu.Lock()
		if s.readyLocked() {
			s.lastActivity = now
			touched++
		}
		queued += len(s.queue)
		s.mu.Unlock()
	}
	metrics.SessionsLive.Set(int64(len(sessions)))
	metrics.SessionsReady.Set(int64(touched))
	metrics.QueueDepth.Set(int64(queued))
	return touched
}

// Sweep evicts stale sessions and returns their tenant IDs. Ready sessions
// are never evicted. A persistent session is evicted only when it is
// disconnected and older than three timeouts.
func (r *Reaper) Sweep() []string {
	now := r.now()
	var evicted []string
	stale := func(info domain.SessionInfo) bool { return shouldEvict(info, now, r.timeout) }
	for _, s := range r.registry.List() {
		info, ok := r.machine.EvictIf(s, stale)
		if !ok {
			continue
		}
		evicted = append(evicted, s.tenantID)
		r.logger.Info("session evicted", "tenant", s.tenantID, "status", info.Status,
			"persistent", info.Persistent, "idle", now.Sub(info.LastActivity).Round(time.Second))
		r.bus.Emit(bus.Event{Type: bus.EventSessionEvicted, Tenant: s.tenantID,
			Payload: map[string]any{"status": string(info.Status), "persistent": info.Persistent}})
	}
	if len(evicted) > 0 {
		r.machine.SaveAll(context.Background())
	}
	return evicted
}

func shouldEvict(info domain.SessionInfo, now time.Time, timeout time.Duration) bool {
	if info.Ready || info.Status == domain.StatusReady {
		return false
	}
	idle := now.Sub(info.LastActivity)
	age := now.Sub(info.CreatedAt)
	if info.Persistent {
		return age > 3*timeout && info.Status == domain.StatusDisconnected
	}
	return idle > timeout || age > 3*timeout
}

package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"linkgate/internal/bus"
	"linkgate/internal/domain"
	"linkgate/internal/metrics"
	"linkgate/internal/phone"
)

// DispatcherConfig configures queue draining.
type DispatcherConfig struct {
	BatchSize         int
	Pace              time.Duration // wait between successful sends
	RateLimitCooldown time.Duration
	SendTimeout       time.Duration
	Phone             phone.Normalizer
	Bus               *bus.EventBus
	Logger            *slog.Logger
}

// Dispatcher owns the per-session FIFO queues and their drain loops.
// At most one drain runs per session; sessions drain independently.
type Dispatcher struct {
	cfg      DispatcherConfig
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // guards stopped and wg.Add against Stop
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, registry *Registry) *Dispatcher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.Phone.CountryCode == "" {
		cfg.Phone = phone.Normalizer{CountryCode: phone.DefaultCountryCode, LocalLength: phone.DefaultLocalLength}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		logger:   cfg.Logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue appends msg to the session queue and returns its ID. It always
// succeeds; a ready session starts draining immediately.
func (d *Dispatcher) Enqueue(s *Session, msg domain.QueuedMessage) string {
	return d.EnqueueAll(s, []domain.QueuedMessage{msg})[0]
}

// EnqueueAll appends msgs in order and triggers at most one drain.
func (d *Dispatcher) EnqueueAll(s *Session, msgs []domain.QueuedMessage) []string {
	if len(msgs) == 0 {
		return nil
	}
	now := d.now()
	ids := make([]string, len(msgs))
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
		if msgs[i].Kind == "" {
			msgs[i].Kind = domain.KindPlain
		}
		msgs[i].EnqueuedAt = now
		ids[i] = msgs[i].ID
	}

	s.mu.Lock()
	s.queue = append(s.queue, msgs...)
	s.lastActivity = now
	depth := len(s.queue)
	ready := s.readyLocked()
	s.mu.Unlock()

	for _, m := range msgs {
		d.cfg.Bus.Emit(bus.Event{Type: bus.EventMessageQueued, Tenant: s.tenantID,
			Payload: map[string]any{"id": m.ID, "kind": string(m.Kind)}})
	}
	d.logger.Debug("messages queued", "tenant", s.tenantID, "count", len(msgs), "depth", depth)

	if ready {
		d.Kick(s)
	}
	return ids
}

// Kick drains s in the background.
func (d *Dispatcher) Kick(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Drain(d.ctx, s)
	}()
}

// DrainAll kicks every ready session that has queued messages.
func (d *Dispatcher) DrainAll() int {
	n := 0
	for _, s := range d.registry.List() {
		s.mu.Lock()
		due := s.readyLocked() && len(s.queue) > 0 && !s.processing
		s.mu.Unlock()
		if due {
			d.Kick(s)
			n++
		}
	}
	return n
}

// Drain makes one bounded pass over the session queue and returns the
// number of messages delivered. It is a no-op unless the session is ready,
// has queued messages and no other drain is running for it.
func (d *Dispatcher) Drain(ctx context.Context, s *Session) int {
	s.mu.Lock()
	if s.processing || !s.readyLocked() || len(s.queue) == 0 {
		s.mu.Unlock()
		return 0
	}
	s.processing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}()

	sent := 0
	for i := 0; i < d.cfg.BatchSize; i++ {
		s.mu.Lock()
		if !s.readyLocked() || len(s.queue) == 0 {
			s.mu.Unlock()
			break
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		client := s.client
		s.mu.Unlock()

		dest := d.cfg.Phone.Normalize(msg.Destination)
		if dest == "" {
			d.dropped(s, msg, errors.New("destination has no digits"))
			continue
		}

		start := d.now()
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := client.Send(sendCtx, dest, msg.Body)
		cancel()
		metrics.SendLatency.Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			sent++
			s.touch(d.now())
			d.cfg.Bus.Emit(bus.Event{Type: bus.EventMessageSent, Tenant: s.tenantID,
				Payload: map[string]any{"id": msg.ID, "kind": string(msg.Kind)}})
			d.logger.Debug("message sent", "tenant", s.tenantID, "id", msg.ID, "to", dest)
			if i < d.cfg.BatchSize-1 && s.hasQueued() && !sleepCtx(ctx, d.cfg.Pace) {
				return sent
			}

		case ctx.Err() != nil:
			// shutting down: keep the message for the next run
			d.requeueFront(s, msg)
			return sent

		case IsRateLimited(err):
			d.requeueFront(s, msg)
			wait := d.cfg.RateLimitCooldown
			var rl *domain.RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter > wait {
				wait = rl.RetryAfter
			}
			d.logger.Warn("rate limited, pausing queue", "tenant", s.tenantID, "id", msg.ID, "cooldown", wait)
			d.cfg.Bus.Emit(bus.Event{Type: bus.EventMessageRateLimited, Tenant: s.tenantID,
				Payload: map[string]any{"id": msg.ID, "cooldown": wait.String()}})
			sleepCtx(ctx, wait)
			return sent

		default:
			d.dropped(s, msg, err)
		}
	}
	return sent
}

func (d *Dispatcher) dropped(s *Session, msg domain.QueuedMessage, err error) {
	d.logger.Warn("message dropped", "tenant", s.tenantID, "id", msg.ID, "to", msg.Destination, "err", err)
	d.cfg.Bus.Emit(bus.Event{Type: bus.EventMessageFailed, Tenant: s.tenantID,
		Payload: map[string]any{"id": msg.ID, "error": err.Error()}})
}

func (d *Dispatcher) requeueFront(s *Session, msg domain.QueuedMessage) {
	s.mu.Lock()
	s.queue = append([]domain.QueuedMessage{msg}, s.queue...)
	s.mu.Unlock()
}

// Queue returns a copy of the session queue, oldest first.
func (d *Dispatcher) Queue(s *Session) []domain.QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.QueuedMessage, len(s.queue))
	copy(out, s.queue)
	return out
}

// Clear empties the session queue and returns how many messages it held.
func (d *Dispatcher) Clear(s *Session) int {
	s.mu.Lock()
	n := len(s.queue)
	s.queue = nil
	s.mu.Unlock()
	return n
}

// Stop cancels running drains and waits for them to return. Kicks after
// Stop are ignored.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
}

func (s *Session) hasQueued() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// IsRateLimited classifies send errors caused by remote throttling.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// rateLimitMarkers are matched against error text from clients that do not
// wrap domain.ErrRateLimited. A bare status code is never enough: error text
// often carries phone numbers.
var rateLimitMarkers = []string{
	"rate limit",
	"rate-limit",
	"too many requests",
	"flood_wait",
	"status 429",
	"http 429",
}

// sleepCtx waits for d or until ctx is done; it reports whether the full
// wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

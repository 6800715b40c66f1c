// Package bus is an in-process publish/subscribe hub for session lifecycle
// events. Metrics and operator alerts subscribe to it.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string         // e.g. "session.ready", "message.sent"
	Tenant    string         // tenant the event concerns, empty for process-wide events
	Payload   map[string]any // event-specific data
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus fans events out to handlers registered per type or on "*".
// It keeps a bounded history for Replay.
type EventBus struct {
	handlers   map[string][]namedHandler
	seq        int
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 500,
	}
}

// On registers a handler for eventType ("*" for all) and returns its ID.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.seq++
	id := eventType + "-" + strconv.Itoa(eb.seq)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit calls every matching handler synchronously. A panicking handler is
// logged and does not affect the others.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns events of eventType ("*" for all) since the given time,
// optionally restricted to one tenant. The status endpoint uses it to show a
// tenant's recent lifecycle.
func (eb *EventBus) Replay(eventType, tenant string, since time.Time) []Event {
	if eb == nil {
		return nil
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if tenant != "" && e.Tenant != tenant {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

func (eb *EventBus) HistoryLen() int {
	if eb == nil {
		return 0
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

const (
	EventSessionCreated     = "session.created"
	EventSessionStatus      = "session.status"
	EventSessionReady       = "session.ready"
	EventSessionAuthFailed  = "session.auth_failed"
	EventSessionExhausted   = "session.max_attempts"
	EventSessionUnlinked    = "session.unlinked"
	EventSessionEvicted     = "session.evicted"
	EventReconnectScheduled = "session.reconnect_scheduled"
	EventMessageQueued      = "message.queued"
	EventMessageSent        = "message.sent"
	EventMessageFailed      = "message.failed"
	EventMessageRateLimited = "message.rate_limited"
	EventPersistenceFailed  = "persistence.failed"
)

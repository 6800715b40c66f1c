package metrics

import "linkgate/internal/bus"

const messagesName = "linkgate_messages_total"

// Gateway metrics.
var (
	MessagesQueued      = Collector.Counter(messagesName, "Messages by delivery outcome", "outcome", "queued")
	MessagesSent        = Collector.Counter(messagesName, "Messages by delivery outcome", "outcome", "sent")
	MessagesFailed      = Collector.Counter(messagesName, "Messages by delivery outcome", "outcome", "failed")
	MessagesRateLimited = Collector.Counter(messagesName, "Messages by delivery outcome", "outcome", "rate_limited")

	ReconnectsScheduled = Collector.Counter("linkgate_reconnects_scheduled_total", "Automatic reconnects scheduled")
	SessionsEvicted     = Collector.Counter("linkgate_sessions_evicted_total", "Sessions removed by the reaper")
	AuthFailures        = Collector.Counter("linkgate_auth_failures_total", "Sessions that failed authentication")
	PersistenceFailures = Collector.Counter("linkgate_persistence_failures_total", "Failed link-store writes")

	SessionsLive  = Collector.Gauge("linkgate_sessions", "Sessions held in the registry")
	SessionsReady = Collector.Gauge("linkgate_sessions_ready", "Sessions whose client is ready")
	QueueDepth    = Collector.Gauge("linkgate_queue_depth", "Messages waiting across all session queues")

	SendLatency = Collector.Histogram("linkgate_send_latency_seconds", "Latency of a single send through the client",
		[]float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30})
)

// Observe counts lifecycle events published on eb. It returns the handler
// ID so callers can detach it.
func Observe(eb *bus.EventBus) string {
	return eb.On("*", func(e bus.Event) {
		switch e.Type {
		case bus.EventMessageQueued:
			MessagesQueued.Inc()
		case bus.EventMessageSent:
			MessagesSent.Inc()
		case bus.EventMessageFailed:
			MessagesFailed.Inc()
		case bus.EventMessageRateLimited:
			MessagesRateLimited.Inc()
		case bus.EventReconnectScheduled:
			ReconnectsScheduled.Inc()
		case bus.EventSessionEvicted:
			SessionsEvicted.Inc()
		case bus.EventSessionAuthFailed:
			AuthFailures.Inc()
		case bus.EventPersistenceFailed:
			PersistenceFailures.Inc()
		}
	})
}

// BusHistory exposes the event bus history length, sampled per scrape.
func BusHistory(eb *bus.EventBus) {
	Collector.GaugeFunc("linkgate_bus_history_events", "Events retained in the bus history", func() float64 {
		return float64(eb.HistoryLen())
	})
}

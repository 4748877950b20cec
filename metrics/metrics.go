// Package metrics provides Prometheus metrics for the messaging server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks authenticated protocol connections.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmsim_active_sessions",
			Help: "Number of currently authenticated sessions",
		},
	)

	// ActiveSubscriptions tracks realtime topic subscriptions across all sessions.
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmsim_active_subscriptions",
			Help: "Number of conversation subscriptions held by connected sessions",
		},
	)

	ConversationsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsim_conversations_started_total",
			Help: "Total number of start-conversation calls that succeeded",
		},
	)

	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsim_messages_appended_total",
			Help: "Total number of messages persisted",
		},
	)

	MessagesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsim_messages_read_total",
			Help: "Total number of messages transitioned to read",
		},
	)

	// EventsDelivered counts realtime events enqueued to a subscriber, by kind.
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsim_realtime_events_delivered_total",
			Help: "Realtime events enqueued to subscribers",
		},
		[]string{"kind"},
	)

	// EventsDropped counts realtime events discarded because a subscriber queue was full.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsim_realtime_events_dropped_total",
			Help: "Realtime events dropped on full subscriber queues",
		},
		[]string{"kind"},
	)

	TypingThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsim_typing_throttled_total",
			Help: "Typing heartbeats suppressed by the server throttle",
		},
	)
)

func RecordDelivery(kind string, ok bool) {
	if ok {
		EventsDelivered.WithLabelValues(kind).Inc()
		return
	}
	EventsDropped.WithLabelValues(kind).Inc()
}

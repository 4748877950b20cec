// Package realtime fans conversation events out to connected sessions.
package realtime

import (
	"sync"

	"github.com/rs/zerolog"

	"dmsim/metrics"
	"dmsim/models"
)

type Kind string

const (
	// KindInsert is emitted after a message append commits. It is not
	// delivered back to the session that sent the message.
	KindInsert Kind = "insert"
	// KindRead is emitted after markRead transitions at least one message.
	KindRead Kind = "read"
	// KindTyping carries a presence signal. It is never delivered to the
	// typing user's own sessions.
	KindTyping Kind = "typing"
)

type Event struct {
	Kind           Kind                 `json:"kind"`
	ConversationID string               `json:"conversation_id"`
	Origin         string               `json:"origin,omitempty"`
	User           string               `json:"user,omitempty"`
	Message        *models.Message      `json:"message,omitempty"`
	Receipts       []models.ReadReceipt `json:"receipts,omitempty"`
	Typing         bool                 `json:"typing,omitempty"`
}

// Subscriber is one connected session. Deliver must not block; it returns
// false when the event could not be queued.
type Subscriber interface {
	ID() string
	User() string
	Deliver(Event) bool
}

type topic struct {
	mu   sync.Mutex
	subs map[string]Subscriber
}

// Hub holds per-conversation topics. Dispatch holds the topic lock while
// queueing to each subscriber, so every subscriber sees a topic's events
// in dispatch order.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
	log    zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]*topic),
		log:    log.With().Str("component", "hub").Logger(),
	}
}

// Subscribe adds sub to conv. Subscribing twice is a no-op.
func (h *Hub) Subscribe(conv string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[conv]
	if !ok {
		t = &topic{subs: make(map[string]Subscriber)}
		h.topics[conv] = t
	}

	t.mu.Lock()
	if _, exists := t.subs[sub.ID()]; !exists {
		t.subs[sub.ID()] = sub
		metrics.ActiveSubscriptions.Inc()
	}
	t.mu.Unlock()
}

// Unsubscribe removes the subscriber id from conv and reports whether it
// was subscribed.
func (h *Hub) Unsubscribe(conv, id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[conv]
	if !ok {
		return false
	}

	t.mu.Lock()
	_, existed := t.subs[id]
	delete(t.subs, id)
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if existed {
		metrics.ActiveSubscriptions.Dec()
	}
	if empty {
		delete(h.topics, conv)
	}
	return existed
}

// UnsubscribeAll removes id from every topic and returns how many
// subscriptions were dropped.
func (h *Hub) UnsubscribeAll(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for conv, t := range h.topics {
		t.mu.Lock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			removed++
		}
		empty := len(t.subs) == 0
		t.mu.Unlock()
		if empty {
			delete(h.topics, conv)
		}
	}
	metrics.ActiveSubscriptions.Sub(float64(removed))
	return removed
}

// Dispatch delivers ev to the subscribers of its conversation and returns
// the number of sessions that accepted it.
func (h *Hub) Dispatch(ev Event) int {
	h.mu.RLock()
	t, ok := h.topics[ev.ConversationID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	delivered := 0
	for id, sub := range t.subs {
		switch ev.Kind {
		case KindInsert:
			if ev.Origin != "" && id == ev.Origin {
				continue
			}
		case KindTyping:
			if sub.User() == ev.User {
				continue
			}
		}

		ok := sub.Deliver(ev)
		metrics.RecordDelivery(string(ev.Kind), ok)
		if !ok {
			h.log.Warn().
				Str("conversation", ev.ConversationID).
				Str("subscriber", id).
				Str("kind", string(ev.Kind)).
				Msg("subscriber queue full, event dropped")
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers returns the number of subscribers of conv.
func (h *Hub) Subscribers(conv string) int {
	h.mu.RLock()
	t, ok := h.topics[conv]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Topics returns the number of conversations with at least one subscriber.
func (h *Hub) Topics() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

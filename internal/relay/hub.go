package relay

import (
	"context"
	"log/slog"
	"sync"
)

const subscriberBuffer = 64

// Hub is the in-process Bus. Publish never blocks on a slow or vanished
// subscriber: the message is dropped for that subscriber only.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]Tab
	closed bool
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{subs: make(map[*Subscription]Tab), logger: logger}
}

// Subscribe registers tab. Unreachable tabs get a subscription that never
// receives anything.
func (h *Hub) Subscribe(tab Tab) *Subscription {
	sub := NewSubscription(subscriberBuffer, h.unsubscribe)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.Finish()
		return sub
	}
	h.subs[sub] = tab
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		sub.Finish()
	}
}

// Publish fans msg out to every reachable subscriber.
func (h *Hub) Publish(ctx context.Context, msg Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for sub, tab := range h.subs {
		if !tab.Reachable() {
			continue
		}
		if !sub.Deliver(msg) {
			h.logger.Debug("relay subscriber not receiving, dropped message",
				"tab", tab.ID, "kind", msg.Kind)
		}
	}
	return nil
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close finishes every subscription. Later publishes fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.Finish()
	}
}

// Package stream fans alert records out to consumers: in-process
// subscribers (logging, notification collaborators) and WebSocket
// clients. The hub never blocks the publisher; a slow consumer drops
// alerts from its own queue, not from anyone else's.
package stream

import (
	"sync"

	"github.com/rustyeddy/guardian/alerts"
)

const subscriberBuffer = 64

// Hub is the alert feed. Publish is called by the engine; Subscribe
// hands out a receive-only channel per consumer.
type Hub struct {
	mu   sync.Mutex
	subs map[chan alerts.Alert]struct{}

	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan alerts.Alert]struct{})}
}

// Subscribe registers a consumer. The returned cancel func must be
// called when the consumer is done; the channel is closed by it.
func (h *Hub) Subscribe() (<-chan alerts.Alert, func()) {
	ch := make(chan alerts.Alert, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers an alert to every subscriber. Full subscriber
// queues are skipped; the publisher never waits.
func (h *Hub) Publish(a alerts.Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- a:
		default:
			// Consumer is not keeping up; it misses this alert.
		}
	}
}

// Close shuts the hub down and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

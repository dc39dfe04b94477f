// Package events fans session changes out to live subscribers (the SSE
// stream) and keeps a short ring buffer so reconnecting clients can catch up.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by jobgate.
const (
	TypeSessionUpdated       = "session.updated"
	TypeSessionZombieSuspect = "session.zombie_suspect"
	TypeSubmissionDispatched = "submission.dispatched"
)

type Event struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(eventType, sessionID string, data any)
}

// Hub is an in-memory pub/sub. Slow subscribers miss events rather than
// blocking producers.
type Hub struct {
	now func() time.Time

	mu     sync.Mutex
	nextID int64
	ring   []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

type subscriber struct {
	ch        chan Event
	sessionID string
}

var _ Publisher = (*Hub)(nil)

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		now:  func() time.Time { return time.Now().UTC() },
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

func (h *Hub) Publish(eventType, sessionID string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	// IDs are assigned under mu so the ring and every subscriber see them
	// in increasing order.
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ev := Event{
		ID:        h.nextID,
		Type:      eventType,
		SessionID: sessionID,
		At:        h.now(),
		Data:      payload,
	}
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if sub.sessionID != "" && sub.sessionID != sessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of future events. A non-empty sessionID limits
// delivery to that session. cancel closes the channel.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = subscriber{ch: ch, sessionID: sessionID}

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest first,
// optionally limited to one session.
func (h *Hub) SnapshotSince(lastID int64, sessionID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID <= lastID {
			continue
		}
		if sessionID != "" && ev.SessionID != sessionID {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(string, string, any) {}

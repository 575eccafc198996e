package telemetry

import (
	"sync"
	"time"
)

// EventType identifies the kind of telemetry event.
type EventType string

const (
	EventSessionCreated EventType = "session.created"
	EventSessionExpired EventType = "session.expired"
	EventSessionDeleted EventType = "session.deleted"
	EventSessionPaused  EventType = "session.paused"
	EventSessionResumed EventType = "session.resumed"

	EventConnectionBound      EventType = "connection.bound"
	EventConnectionSuperseded EventType = "connection.superseded"
	EventConnectionLost       EventType = "connection.lost"
	EventHeartbeatMissed      EventType = "heartbeat.missed"

	EventCommandAccepted   EventType = "command.accepted"
	EventCommandDispatched EventType = "command.dispatched"
	EventCommandCompleted  EventType = "command.completed"
	EventCommandFailed     EventType = "command.failed"
	EventCommandTimeout    EventType = "command.timeout"
	EventCommandCancelled  EventType = "command.cancelled"
	EventCommandLateResult EventType = "command.late_result"
)

// Event describes broker activity that UIs and operational tooling can consume.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
	CommandID string         `json:"commandId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Hub fan-outs telemetry events to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
}

// NewHub constructs a telemetry hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

// Publish notifies all subscribers of an event. Non-blocking; drops if buffer full.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Drop if subscriber can't keep up; prevents blocking dispatch.
		}
	}
}

// Subscribe returns a channel that will receive future events and a cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, func() {}
	}
	ch := make(chan Event, 64)
	h.subscribers[ch] = struct{}{}
	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}

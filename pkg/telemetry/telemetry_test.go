package telemetry

import (
	"testing"
	"time"
)

func TestHubPublishSubscribe(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(Event{Type: EventCommandCompleted, SessionID: "sess-1", CommandID: "cmd-1"})

	select {
	case ev := <-ch:
		if ev.Type != EventCommandCompleted {
			t.Errorf("Type = %v, want %v", ev.Type, EventCommandCompleted)
		}
		if ev.SessionID != "sess-1" || ev.CommandID != "cmd-1" {
			t.Errorf("ids not carried: %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Error("Timestamp should be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe()
	defer cancel()

	// Overflow the 64-entry buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.Publish(Event{Type: EventCommandAccepted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	hub.Publish(Event{Type: EventSessionDeleted})
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	ch, _ := hub.Subscribe()
	hub.Close()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after hub close")
	}
	hub.Publish(Event{Type: EventSessionCreated}) // no-op
	if gotCh, _ := hub.Subscribe(); gotCh == nil {
		t.Error("Subscribe after close should return a closed channel, not nil")
	}
}

package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	b := NewBus(10)
	id, ch, recent := b.Subscribe()
	defer b.Unsubscribe(id)

	if len(recent) != 0 {
		t.Fatalf("expected no backlog on a fresh bus, got %d", len(recent))
	}

	b.Publish(Event{Type: EventCooling, Pool: "ssoBasic", Token: "tok-...a", Message: "rate limited"})

	select {
	case ev := <-ch:
		if ev.Type != EventCooling || ev.Pool != "ssoBasic" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Fatal("expected publish to stamp the event timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeReplaysRingBacklogInOrder(t *testing.T) {
	b := NewBus(3)
	for _, msg := range []string{"one", "two", "three", "four"} {
		b.Publish(Event{Type: EventRequest, Message: msg})
	}

	id, _, recent := b.Subscribe()
	defer b.Unsubscribe(id)

	// Ring holds the last 3; "one" was overwritten.
	if len(recent) != 3 {
		t.Fatalf("expected 3 backlog events, got %d", len(recent))
	}
	for i, want := range []string{"two", "three", "four"} {
		if recent[i].Message != want {
			t.Fatalf("backlog[%d]: expected %q, got %q", i, want, recent[i].Message)
		}
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := NewBus(10)
	id, _, _ := b.Subscribe() // never drained
	defer b.Unsubscribe(id)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(Event{Type: EventRequest, Message: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(10)
	id, ch, _ := b.Subscribe()

	b.Unsubscribe(id)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
}

package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ch := bus.Subscribe(EventTaskEnd)

	bus.Publish(NewEvent(EventWaveStart, "r1", nil)) // filtered out
	bus.Publish(NewEvent(EventTaskEnd, "r1", "t1"))

	select {
	case e := <-ch:
		if e.Type != EventTaskEnd {
			t.Errorf("got %s, want task.end", e.Type)
		}
		if e.Data != "t1" {
			t.Errorf("data = %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	bus.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Error("channel not closed on unsubscribe")
	}
	bus.Unsubscribe(ch) // repeated unsubscribe is a no-op
}

func TestSubscribeAll(t *testing.T) {
	bus := NewMemoryBus()
	ch := bus.Subscribe()

	bus.Publish(NewEvent(EventRunStart, "r1", nil))
	bus.Publish(NewEvent(EventRunDone, "r1", nil))

	for _, want := range []EventType{EventRunStart, EventRunDone} {
		select {
		case e := <-ch:
			if e.Type != want {
				t.Errorf("got %s, want %s", e.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
}

func TestHistoryScoping(t *testing.T) {
	bus := NewMemoryBus()
	bus.Publish(NewEvent(EventRunStart, "r1", nil))
	bus.Publish(NewEvent(EventRunStart, "r2", nil))
	bus.Publish(NewEvent(EventRunDone, "r1", nil))

	all := bus.History(time.Time{})
	if len(all) != 3 {
		t.Errorf("History = %d events, want 3", len(all))
	}

	r1 := bus.HistoryFor("r1", time.Time{})
	if len(r1) != 2 {
		t.Errorf("HistoryFor(r1) = %d events, want 2", len(r1))
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewMemoryBus()
	bus.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			bus.Publish(NewEvent(EventTaskEnd, "r1", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

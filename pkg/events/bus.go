// Package events provides the in-process publish/subscribe channel for
// coordinator lifecycle events. The CLI subscribes for progress output;
// the audit hook replays history for run summaries.
package events

import (
	"sync"
	"time"
)

// Bus is the publish/subscribe contract.
type Bus interface {
	Publish(event Event)
	Subscribe(filter ...EventType) <-chan Event
	Unsubscribe(ch <-chan Event)
	History(since time.Time) []Event
}

// subscription keeps one subscriber's channel and type filter. A nil
// filter receives every event.
type subscription struct {
	ch     chan Event
	filter map[EventType]bool
}

func (s subscription) wants(t EventType) bool {
	return s.filter == nil || s.filter[t]
}

// MemoryBus is an in-memory implementation of Bus. Subscriptions are
// keyed by their receive channel, which is also the unsubscribe handle.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]subscription
	history []Event
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:    make(map[<-chan Event]subscription),
		history: make([]Event, 0, 256),
	}
}

func (b *MemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.history = append(b.history, event)
	targets := make([]chan Event, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(event.Type) {
			targets = append(targets, sub.ch)
		}
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			// A slow subscriber loses events; the coordinator never blocks.
		}
	}
}

func (b *MemoryBus) Subscribe(filter ...EventType) <-chan Event {
	ch := make(chan Event, 64)
	var set map[EventType]bool
	if len(filter) > 0 {
		set = make(map[EventType]bool, len(filter))
		for _, f := range filter {
			set[f] = true
		}
	}

	b.mu.Lock()
	b.subs[ch] = subscription{ch: ch, filter: set}
	b.mu.Unlock()

	return ch
}

func (b *MemoryBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(sub.ch)
	}
}

// HistoryFor returns events at or after since, scoped to one run when
// runID is non-empty.
func (b *MemoryBus) HistoryFor(runID string, since time.Time) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, e := range b.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if runID != "" && e.RunID != runID {
			continue
		}
		result = append(result, e)
	}
	return result
}

// History returns all events at or after since.
func (b *MemoryBus) History(since time.Time) []Event {
	return b.HistoryFor("", since)
}

package events

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Subscription is one consumer of an EventBus. Events that do not fit in
// its buffer are skipped and counted rather than delaying the run.
type Subscription struct {
	ch      chan Event
	topics  []string // empty means every topic
	dropped atomic.Int64
}

// Events returns the channel events are delivered on. It is closed when
// the bus closes.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) wants(topic string) bool {
	return len(s.topics) == 0 || slices.Contains(s.topics, topic)
}

// EventBus is the in-process Sink that feeds local consumers such as the
// progress printer. Each event is routed by Topic to the matching
// subscriptions without ever blocking the publisher.
type EventBus struct {
	mu      sync.RWMutex
	subs    []*Subscription
	dropped atomic.Int64
	closed  bool
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a consumer for the given topics, or for every topic
// when none are given. bufSize defaults to 256 if <= 0.
func (b *EventBus) Subscribe(bufSize int, topics ...string) *Subscription {
	if bufSize <= 0 {
		bufSize = 256
	}
	sub := &Subscription{ch: make(chan Event, bufSize), topics: topics}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Emit delivers event to every subscription on its topic.
func (b *EventBus) Emit(event Event) {
	topic := Topic(event)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of deliveries skipped across all subscriptions.
func (b *EventBus) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscription channel. Safe to call more than once.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subs {
		close(sub.ch)
	}
}

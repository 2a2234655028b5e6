package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Sink consumes published events. Emit is called from the publisher's
// dispatch goroutine, one event at a time.
type Sink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(event Event)

func (f SinkFunc) Emit(event Event) { f(event) }

// Publisher fans events out to sinks without ever blocking the caller.
// Events that do not fit in the queue are dropped and counted.
type Publisher struct {
	queue   chan Event
	sinks   []Sink
	log     *zap.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewPublisher starts a publisher with a queue of bufSize events
// (defaults to 1024 if <= 0).
func NewPublisher(bufSize int, log *zap.Logger, sinks ...Sink) *Publisher {
	if bufSize <= 0 {
		bufSize = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}

	p := &Publisher{
		queue: make(chan Event, bufSize),
		sinks: sinks,
		log:   log,
		done:  make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Publish enqueues event for delivery. Safe on a nil Publisher.
func (p *Publisher) Publish(event Event) {
	if p == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.dropped.Add(1)
		return
	}

	select {
	case p.queue <- event:
	default:
		n := p.dropped.Add(1)
		// Log the first drop and then every 100th to avoid flooding
		if n == 1 || n%100 == 0 {
			p.log.Warn("Event queue full, dropping event",
				zap.String("type", event.EventType()),
				zap.Int64("dropped_total", n),
			)
		}
	}
}

// Dropped returns the number of events that were not delivered.
func (p *Publisher) Dropped() int64 {
	if p == nil {
		return 0
	}
	return p.dropped.Load()
}

// Close stops accepting events, delivers everything already queued and waits
// for the dispatcher to exit. Safe to call multiple times.
func (p *Publisher) Close() {
	if p == nil {
		return
	}

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	<-p.done
}

func (p *Publisher) dispatch() {
	defer close(p.done)

	for event := range p.queue {
		for _, sink := range p.sinks {
			p.emit(sink, event)
		}
	}
}

func (p *Publisher) emit(sink Sink, event Event) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Event sink panicked",
				zap.String("type", event.EventType()),
				zap.Any("panic", r),
			)
		}
	}()
	sink.Emit(event)
}

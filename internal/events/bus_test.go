package events

import (
	"fmt"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestEmitRoutesByTopic(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskSub := bus.Subscribe(10, TopicTask)
	batchSub := bus.Subscribe(10, TopicBatch)
	runOrBreaker := bus.Subscribe(10, TopicRun, TopicBreaker)
	allSub := bus.Subscribe(10)

	bus.Emit(TaskStartedEvent{RunID: "run-1", ID: "task-1", Service: "default", Timestamp: time.Now()})
	bus.Emit(BatchCompletedEvent{Index: 0, TaskIDs: []string{"A", "B"}})
	bus.Emit(BreakerStateEvent{Service: "svc", From: "closed", To: "open"})

	if e := receive(t, taskSub); e.TaskID() != "task-1" || e.EventType() != EventTypeTaskStarted {
		t.Errorf("task subscription got %s for %q", e.EventType(), e.TaskID())
	}
	if e := receive(t, batchSub); e.EventType() != EventTypeBatchCompleted {
		t.Errorf("batch subscription got %s", e.EventType())
	}
	if e := receive(t, runOrBreaker); e.EventType() != EventTypeBreakerState {
		t.Errorf("run/breaker subscription got %s", e.EventType())
	}
	for i := 0; i < 3; i++ {
		receive(t, allSub)
	}

	for name, sub := range map[string]*Subscription{"task": taskSub, "batch": batchSub, "run/breaker": runOrBreaker, "all": allSub} {
		select {
		case e := <-sub.Events():
			t.Errorf("%s subscription received unexpected %s", name, e.EventType())
		default:
		}
	}
}

// TestEmitCountsDrops verifies a full subscriber never blocks the caller and
// that every skipped delivery is counted against it.
func TestEmitCountsDrops(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	slow := bus.Subscribe(1, TopicTask)
	roomy := bus.Subscribe(20)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Emit(TaskStartedEvent{ID: fmt.Sprintf("task-%d", i), Timestamp: time.Now()})
		}
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Emit blocked on a full subscriber")
	}

	if got := slow.Dropped(); got != 9 {
		t.Errorf("slow.Dropped() = %d, want 9", got)
	}
	if got := roomy.Dropped(); got != 0 {
		t.Errorf("roomy.Dropped() = %d, want 0", got)
	}
	if got := bus.Dropped(); got != 9 {
		t.Errorf("bus.Dropped() = %d, want 9", got)
	}
	if e := receive(t, slow); e.TaskID() != "task-0" {
		t.Errorf("slow subscriber kept %q, want the first event", e.TaskID())
	}
}

func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	sub := bus.Subscribe(10)

	bus.Close()
	bus.Close() // idempotent

	received := 0
	for range sub.Events() {
		received++
	}
	if received != 0 {
		t.Errorf("expected 0 events after close, got %d", received)
	}

	// Emitting after close must not panic or count as a drop
	bus.Emit(TaskStartedEvent{ID: "late"})
	if bus.Dropped() != 0 {
		t.Errorf("Dropped() = %d after close, want 0", bus.Dropped())
	}

	late := bus.Subscribe(1)
	if _, ok := <-late.Events(); ok {
		t.Error("subscription on a closed bus should be closed")
	}
}

// TestBusAsPublisherSink verifies the bus receives everything a Publisher
// dispatches and closes cleanly after it.
func TestBusAsPublisherSink(t *testing.T) {
	bus := NewEventBus()
	sub := bus.Subscribe(10, TopicRun)

	pub := NewPublisher(10, nil, bus)
	pub.Publish(RunStartedEvent{RunID: "r1", Tasks: 2, Batches: 1})
	pub.Publish(TaskStartedEvent{RunID: "r1", ID: "A"})
	pub.Publish(RunFinishedEvent{RunID: "r1"})
	pub.Close()
	bus.Close()

	var got []string
	for e := range sub.Events() {
		got = append(got, e.EventType())
	}
	if len(got) != 2 || got[0] != EventTypeRunStarted || got[1] != EventTypeRunFinished {
		t.Errorf("run subscription received %v", got)
	}
}

func TestTopic(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{TaskRetryEvent{}, TopicTask},
		{BatchCompletedEvent{}, TopicBatch},
		{ProgressEvent{}, TopicRun},
		{RunFinishedEvent{}, TopicRun},
		{BreakerStateEvent{}, TopicBreaker},
	}

	for _, tt := range tests {
		if got := Topic(tt.event); got != tt.want {
			t.Errorf("Topic(%s) = %q, want %q", tt.event.EventType(), got, tt.want)
		}
	}
}

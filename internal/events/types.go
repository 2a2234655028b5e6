package events

import (
	"encoding/json"
	"strings"
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicRun     = "run"
	TopicTask    = "task"
	TopicBatch   = "batch"
	TopicBreaker = "breaker"
)

// Event type constants
const (
	EventTypeRunStarted     = "run.started"
	EventTypeRunFinished    = "run.finished"
	EventTypeRunProgress    = "run.progress"
	EventTypeTaskStarted    = "task.started"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskBlocked    = "task.blocked"
	EventTypeTaskCancelled  = "task.cancelled"
	EventTypeTaskRetry      = "task.retry"
	EventTypeBatchCompleted = "batch.completed"
	EventTypeBreakerState   = "breaker.state"
)

// Result sources reported by TaskCompletedEvent.
const (
	SourceExecuted = "executed"
	SourceCache    = "cache"
)

// Topic returns the topic an event belongs to: the prefix of its type.
func Topic(e Event) string {
	t := e.EventType()
	if i := strings.IndexByte(t, '.'); i >= 0 {
		return t[:i]
	}
	return t
}

// RunStartedEvent is published once the task graph has been accepted.
type RunStartedEvent struct {
	RunID     string    `json:"run_id"`
	Tasks     int       `json:"tasks"`
	Batches   int       `json:"batches"`
	Timestamp time.Time `json:"timestamp"`
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) TaskID() string    { return "" }

// RunFinishedEvent is published when Execute returns.
type RunFinishedEvent struct {
	RunID     string        `json:"run_id"`
	Counts    Counts        `json:"counts"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) TaskID() string    { return "" }

// Counts tallies tasks by terminal state.
type Counts struct {
	Succeeded int `json:"succeeded"`
	Cached    int `json:"cached"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Cancelled int `json:"cancelled"`
}

// Resolved returns the number of tasks that succeeded or were served from cache.
func (c Counts) Resolved() int { return c.Succeeded + c.Cached }

// Total returns the number of tasks in a terminal state.
func (c Counts) Total() int {
	return c.Succeeded + c.Cached + c.Failed + c.Blocked + c.Cancelled
}

// ProgressEvent is published after every batch resolves.
type ProgressEvent struct {
	RunID     string    `json:"run_id"`
	Total     int       `json:"total"`
	Counts    Counts    `json:"counts"`
	Pending   int       `json:"pending"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ProgressEvent) EventType() string { return EventTypeRunProgress }
func (e ProgressEvent) TaskID() string    { return "" }

// TaskStartedEvent is published when a task begins execution.
type TaskStartedEvent struct {
	RunID     string    `json:"run_id"`
	ID        string    `json:"task_id"`
	Service   string    `json:"service"`
	Batch     int       `json:"batch"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task succeeds or is served from cache.
type TaskCompletedEvent struct {
	RunID      string        `json:"run_id"`
	ID         string        `json:"task_id"`
	Source     string        `json:"source"`
	Attempts   int           `json:"attempts"`
	Similarity float64       `json:"similarity,omitempty"`
	Adapted    bool          `json:"adapted,omitempty"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	RunID     string
	ID        string
	Err       error
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// MarshalJSON renders Err as its message.
func (e TaskFailedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RunID     string        `json:"run_id"`
		ID        string        `json:"task_id"`
		Error     string        `json:"error"`
		Attempts  int           `json:"attempts"`
		Duration  time.Duration `json:"duration"`
		Timestamp time.Time     `json:"timestamp"`
	}{e.RunID, e.ID, errString(e.Err), e.Attempts, e.Duration, e.Timestamp})
}

// TaskBlockedEvent is published when a task is never dispatched because a
// dependency did not resolve.
type TaskBlockedEvent struct {
	RunID     string    `json:"run_id"`
	ID        string    `json:"task_id"`
	BlockedBy []string  `json:"blocked_by"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published for tasks skipped after the run was cancelled.
type TaskCancelledEvent struct {
	RunID     string    `json:"run_id"`
	ID        string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// TaskRetryEvent is published before every re-attempt of a task.
type TaskRetryEvent struct {
	RunID     string
	ID        string
	Service   string
	Attempt   int // The attempt that just failed, starting at 1
	Delay     time.Duration
	Err       error
	Timestamp time.Time
}

func (e TaskRetryEvent) EventType() string { return EventTypeTaskRetry }
func (e TaskRetryEvent) TaskID() string    { return e.ID }

// MarshalJSON renders Err as its message.
func (e TaskRetryEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RunID     string        `json:"run_id"`
		ID        string        `json:"task_id"`
		Service   string        `json:"service"`
		Attempt   int           `json:"attempt"`
		Delay     time.Duration `json:"delay"`
		Error     string        `json:"error"`
		Timestamp time.Time     `json:"timestamp"`
	}{e.RunID, e.ID, e.Service, e.Attempt, e.Delay, errString(e.Err), e.Timestamp})
}

// BatchCompletedEvent is published when every task of a batch is terminal.
type BatchCompletedEvent struct {
	RunID     string        `json:"run_id"`
	Index     int           `json:"index"`
	TaskIDs   []string      `json:"task_ids"`
	Counts    Counts        `json:"counts"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e BatchCompletedEvent) EventType() string { return EventTypeBatchCompleted }
func (e BatchCompletedEvent) TaskID() string    { return "" }

// BreakerStateEvent is published on every circuit breaker transition.
// Breakers outlive runs, so it carries no run id.
type BreakerStateEvent struct {
	Service             string        `json:"service"`
	From                string        `json:"from"`
	To                  string        `json:"to"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	Cooldown            time.Duration `json:"cooldown"`
	Timestamp           time.Time     `json:"timestamp"`
}

func (e BreakerStateEvent) EventType() string { return EventTypeBreakerState }
func (e BreakerStateEvent) TaskID() string    { return "" }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

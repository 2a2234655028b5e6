package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/taskengine/internal/events"
	"github.com/aristath/taskengine/internal/scheduler"
)

// Source records where a task's output came from.
type Source string

const (
	SourceNone     Source = ""
	SourceExecuted Source = events.SourceExecuted
	SourceCache    Source = events.SourceCache
)

// TaskResult represents the terminal outcome of one task.
type TaskResult struct {
	TaskID     string
	Output     string
	Status     scheduler.TaskStatus
	Duration   time.Duration
	Source     Source
	Attempts   int      // Executor invocations
	Similarity float64  // Cache similarity when Source is SourceCache
	Adapted    bool     // Output is an adapted near-hit
	Err        error    // Failure or cancellation cause
	BlockedBy  []string // Unresolved dependencies of a blocked task
}

// DurationMs returns the duration in milliseconds.
func (r TaskResult) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// Results maps task IDs to their outcome. Every submitted task is present.
type Results map[string]TaskResult

// Counts tallies results by terminal status.
func (r Results) Counts() events.Counts {
	var c events.Counts
	for _, res := range r {
		switch res.Status {
		case scheduler.TaskSucceeded:
			c.Succeeded++
		case scheduler.TaskCached:
			c.Cached++
		case scheduler.TaskFailed:
			c.Failed++
		case scheduler.TaskBlocked:
			c.Blocked++
		case scheduler.TaskCancelled:
			c.Cancelled++
		}
	}
	return c
}

// IDs returns the sorted IDs of tasks with the given status.
func (r Results) IDs(status scheduler.TaskStatus) []string {
	var ids []string
	for id, res := range r {
		if res.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// incomplete returns an *IncompleteError if any task did not resolve.
func (r Results) incomplete(cause error) error {
	failed := r.IDs(scheduler.TaskFailed)
	blocked := r.IDs(scheduler.TaskBlocked)
	cancelled := r.IDs(scheduler.TaskCancelled)
	if len(failed)+len(blocked)+len(cancelled) == 0 {
		return nil
	}
	return &IncompleteError{Failed: failed, Blocked: blocked, Cancelled: cancelled, Cause: cause}
}

// resultMap is the write-once result store shared by a run's workers.
type resultMap struct {
	mu sync.RWMutex
	m  map[string]TaskResult
}

func newResultMap(size int) *resultMap {
	return &resultMap{m: make(map[string]TaskResult, size)}
}

func (m *resultMap) record(res TaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.m[res.TaskID]; exists {
		return fmt.Errorf("%w: %q", ErrResultExists, res.TaskID)
	}
	m.m[res.TaskID] = res
	return nil
}

func (m *resultMap) get(taskID string) (TaskResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.m[taskID]
	return res, ok
}

func (m *resultMap) snapshot() Results {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(Results, len(m.m))
	for id, res := range m.m {
		out[id] = res
	}
	return out
}

package scheduler

import (
	"fmt"
	"strings"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for its batch
	TaskScheduled                   // Passed the cache, waiting for an execution slot
	TaskRunning                     // Currently executing
	TaskSucceeded                   // Finished successfully
	TaskFailed                      // Finished with error
	TaskCached                      // Resolved from the semantic cache
	TaskBlocked                     // A dependency did not resolve; never dispatched
	TaskCancelled                   // Run was cancelled before dispatch
)

var statusNames = map[TaskStatus]string{
	TaskPending:   "pending",
	TaskScheduled: "scheduled",
	TaskRunning:   "running",
	TaskSucceeded: "succeeded",
	TaskFailed:    "failed",
	TaskCached:    "cached",
	TaskBlocked:   "blocked",
	TaskCancelled: "cancelled",
}

func (s TaskStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transition can happen from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCached, TaskBlocked, TaskCancelled:
		return true
	}
	return false
}

// Resolved reports whether a task in this status satisfies its dependents.
func (s TaskStatus) Resolved() bool {
	return s == TaskSucceeded || s == TaskCached
}

// Complexity is the closed set of task complexity classes.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityMedium
	ComplexityComplex
	ComplexityMeta
)

var complexityNames = map[Complexity]string{
	ComplexitySimple:  "simple",
	ComplexityMedium:  "medium",
	ComplexityComplex: "complex",
	ComplexityMeta:    "meta",
}

func (c Complexity) String() string {
	if name, ok := complexityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("complexity(%d)", int(c))
}

// ParseComplexity converts a free-form complexity label into the closed enum.
func ParseComplexity(s string) (Complexity, error) {
	label := strings.ToLower(strings.TrimSpace(s))
	for c, name := range complexityNames {
		if name == label {
			return c, nil
		}
	}
	return ComplexitySimple, fmt.Errorf("unknown complexity %q", s)
}

// Category is an open set of task categories. Unknown categories are valid
// and receive neutral weights everywhere.
type Category string

const (
	CategorySecurity Category = "security"
	CategoryAuth     Category = "auth"
	CategoryDatabase Category = "database"
	CategoryAPI      Category = "api"
	CategoryTest     Category = "test"
	CategoryGeneric  Category = "generic"
	CategoryMeta     Category = "meta"
)

// NormalizeCategory lowercases and trims a category label. Empty labels map
// to CategoryGeneric.
func NormalizeCategory(s string) Category {
	label := strings.ToLower(strings.TrimSpace(s))
	if label == "" {
		return CategoryGeneric
	}
	return Category(label)
}

// FailureMode determines how a task's failure affects dependents.
type FailureMode int

const (
	FailHard FailureMode = iota // Block ALL dependents
	FailSoft                    // Dependents CAN still run
)

// Task represents a unit of work in the DAG.
type Task struct {
	ID          string     // Unique identifier, stable across retries
	Description string     // Opaque text used for cache similarity and dispatch
	DependsOn   []string   // Task IDs this task depends on
	Complexity  Complexity // Drives priority and timeout
	Category    Category   // Drives priority and timeout multipliers
	Service     string     // Downstream service name guarded by a circuit breaker
	RetryCount  int        // Incremented on each re-attempt
	Status      TaskStatus
	FailureMode FailureMode
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	return cloneTask(t)
}

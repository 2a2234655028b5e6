package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CyclicDependencyError is returned when no topological order exists.
// TaskIDs lists every task that could not be placed in a batch.
type CyclicDependencyError struct {
	TaskIDs []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle among tasks: %s", strings.Join(e.TaskIDs, ", "))
}

// UnknownDependencyError is returned when a task depends on an id that is not
// part of the submitted set.
type UnknownDependencyError struct {
	TaskID    string
	DependsOn string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on non-existent task %q", e.TaskID, e.DependsOn)
}

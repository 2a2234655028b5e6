package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gammazero/toposort"
)

// Batch is a set of tasks whose dependencies are all placed in earlier
// batches. Membership never changes after formation.
type Batch struct {
	Index   int
	TaskIDs []string // Sorted ascending
}

// DAG represents a directed acyclic graph of tasks.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// BuildBatches validates the task set and partitions it into ordered batches.
func BuildBatches(tasks []*Task) ([]Batch, error) {
	dag := NewDAG()
	for _, task := range tasks {
		if err := dag.AddTask(task); err != nil {
			return nil, err
		}
	}
	return dag.Batches()
}

// AddTask adds a copy of task to the DAG. Returns ErrDuplicateTask if the ID
// already exists. Duplicate entries in DependsOn are collapsed. The copy
// always starts pending; the DAG owns the lifecycle from here on.
func (d *DAG) AddTask(task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task must have a non-empty id")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, task.ID)
	}

	cp := cloneTask(task)
	cp.DependsOn = uniqueStrings(cp.DependsOn)
	cp.Status = TaskPending
	d.tasks[cp.ID] = cp

	// Build dependents map for efficient downstream lookup
	for _, depID := range cp.DependsOn {
		d.dependents[depID] = append(d.dependents[depID], cp.ID)
	}

	return nil
}

// Validate runs topological sort using gammazero/toposort.
// Returns ordered task IDs, an *UnknownDependencyError if a dependency is
// missing from the DAG, or a *CyclicDependencyError if a cycle exists.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.validateLocked()
}

func (d *DAG) validateLocked() ([]string, error) {
	ids := d.sortedIDsLocked()

	for _, taskID := range ids {
		for _, depID := range d.tasks[taskID].DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, &UnknownDependencyError{TaskID: taskID, DependsOn: depID}
			}
		}
	}

	// Edge (depID, taskID) means depID must come before taskID
	var edges []toposort.Edge
	for _, taskID := range ids {
		task := d.tasks[taskID]
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		_, unplaced := d.layerLocked()
		return nil, &CyclicDependencyError{TaskIDs: unplaced}
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Self-loops are caught here as well
	if _, unplaced := d.layerLocked(); len(order) != len(d.tasks) || len(unplaced) > 0 {
		return nil, &CyclicDependencyError{TaskIDs: unplaced}
	}

	return order, nil
}

// Batches partitions the DAG into layers: batch N holds every task whose
// dependencies all sit in batches < N. A task's batch index is therefore
// strictly greater than the index of each of its dependencies.
func (d *DAG) Batches() ([]Batch, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, err := d.validateLocked(); err != nil {
		return nil, err
	}

	batches, unplaced := d.layerLocked()
	if len(unplaced) > 0 {
		return nil, &CyclicDependencyError{TaskIDs: unplaced}
	}
	return batches, nil
}

// layerLocked runs layered Kahn batching. It returns the batches it could
// form and the IDs it could not place (non-empty only if the graph is cyclic
// or references unknown tasks).
func (d *DAG) layerLocked() ([]Batch, []string) {
	placed := make(map[string]bool, len(d.tasks))
	remaining := d.sortedIDsLocked()
	var batches []Batch

	for len(remaining) > 0 {
		var ready, rest []string
		for _, id := range remaining {
			if d.depsPlaced(id, placed) {
				ready = append(ready, id)
			} else {
				rest = append(rest, id)
			}
		}

		if len(ready) == 0 {
			return batches, rest
		}

		// Mark after the pass so tasks in the same layer never satisfy each other
		for _, id := range ready {
			placed[id] = true
		}
		batches = append(batches, Batch{Index: len(batches), TaskIDs: ready})
		remaining = rest
	}

	return batches, nil
}

func (d *DAG) depsPlaced(taskID string, placed map[string]bool) bool {
	for _, depID := range d.tasks[taskID].DependsOn {
		if !placed[depID] {
			return false
		}
	}
	return true
}

func (d *DAG) sortedIDsLocked() []string {
	ids := make([]string, 0, len(d.tasks))
	for id := range d.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DependentCount returns the number of tasks that directly depend on taskID.
func (d *DAG) DependentCount(taskID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.dependents[taskID])
}

// Dependents returns the IDs of tasks that directly depend on taskID.
func (d *DAG) Dependents(taskID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.dependents[taskID]...)
}

// UnresolvedDependencies returns the dependencies of taskID that do not allow
// it to run, sorted by ID. An empty result means the task may be dispatched.
func (d *DAG) UnresolvedDependencies(taskID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil
	}

	var unresolved []string
	for _, depID := range task.DependsOn {
		dep, ok := d.tasks[depID]
		if !ok || !isDependencyResolved(dep) {
			unresolved = append(unresolved, depID)
		}
	}
	sort.Strings(unresolved)
	return unresolved
}

// isDependencyResolved checks if a dependency task is resolved based on its status and failure mode.
func isDependencyResolved(dep *Task) bool {
	switch dep.Status {
	case TaskSucceeded, TaskCached:
		return true
	case TaskFailed:
		return dep.FailureMode == FailSoft
	}
	return false
}

// legalTransitions lists the allowed target statuses for each status.
var legalTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:   {TaskScheduled, TaskCached, TaskBlocked, TaskCancelled},
	TaskScheduled: {TaskRunning, TaskCancelled},
	TaskRunning:   {TaskSucceeded, TaskFailed},
}

// Transition moves a task to status to. Returns ErrInvalidTransition if the
// move is not part of the task lifecycle.
func (d *DAG) Transition(taskID string, to TaskStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}

	for _, allowed := range legalTransitions[task.Status] {
		if allowed == to {
			task.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: task %q %s -> %s", ErrInvalidTransition, taskID, task.Status, to)
}

// IncrementRetry bumps the task's retry counter and returns a copy of the
// updated task.
func (d *DAG) IncrementRetry(taskID string) (*Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	task.RetryCount++
	return cloneTask(task), nil
}

// Get returns task by ID.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns all tasks sorted by ID.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]*Task, 0, len(d.tasks))
	for _, id := range d.sortedIDsLocked() {
		tasks = append(tasks, cloneTask(d.tasks[id]))
	}
	return tasks
}

// Len returns the number of tasks in the DAG.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tasks)
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	return &cp
}

func uniqueStrings(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

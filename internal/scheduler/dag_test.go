package scheduler

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

// TestDAGValidate tests DAG validation with various graph structures.
func TestDAGValidate(t *testing.T) {
	tests := []struct {
		name        string
		setup       func() *DAG
		wantErr     bool
		errContains string
	}{
		{
			name: "valid linear chain",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", DependsOn: []string{}})
				dag.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
				dag.AddTask(&Task{ID: "C", DependsOn: []string{"B"}})
				return dag
			},
			wantErr: false,
		},
		{
			name: "valid parallel tasks",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", DependsOn: []string{}})
				dag.AddTask(&Task{ID: "B", DependsOn: []string{}})
				dag.AddTask(&Task{ID: "C", DependsOn: []string{"A", "B"}})
				return dag
			},
			wantErr: false,
		},
		{
			name: "direct cycle",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", DependsOn: []string{"B"}})
				dag.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
				return dag
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "transitive cycle",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", DependsOn: []string{"B"}})
				dag.AddTask(&Task{ID: "B", DependsOn: []string{"C"}})
				dag.AddTask(&Task{ID: "C", DependsOn: []string{"A"}})
				return dag
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "self-loop",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", DependsOn: []string{"A"}})
				return dag
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "missing dependency",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", DependsOn: []string{"nonexistent"}})
				return dag
			},
			wantErr:     true,
			errContains: "nonexistent",
		},
		{
			name: "disconnected components",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Task{ID: "A", DependsOn: []string{}})
				dag.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
				dag.AddTask(&Task{ID: "C", DependsOn: []string{}})
				dag.AddTask(&Task{ID: "D", DependsOn: []string{"C"}})
				return dag
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag := tt.setup()
			order, err := dag.Validate()

			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if err != nil && tt.errContains != "" {
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("Error message %q doesn't contain %q", err.Error(), tt.errContains)
				}
			}

			if err == nil && len(order) != dag.Len() {
				t.Errorf("Expected %d tasks in order, got %d: %v", dag.Len(), len(order), order)
			}
		})
	}
}

func TestDAGAddTask_Duplicate(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddTask(&Task{ID: "A"}); err != nil {
		t.Fatalf("first AddTask() error = %v", err)
	}
	err := dag.AddTask(&Task{ID: "A"})
	if !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("second AddTask() error = %v, want ErrDuplicateTask", err)
	}
}

func TestBuildBatches_ErrorTypes(t *testing.T) {
	t.Run("cycle yields CyclicDependencyError and no batches", func(t *testing.T) {
		batches, err := BuildBatches([]*Task{
			{ID: "root"},
			{ID: "A", DependsOn: []string{"root", "C"}},
			{ID: "B", DependsOn: []string{"A"}},
			{ID: "C", DependsOn: []string{"B"}},
		})
		var cycErr *CyclicDependencyError
		if !errors.As(err, &cycErr) {
			t.Fatalf("BuildBatches() error = %v, want *CyclicDependencyError", err)
		}
		if batches != nil {
			t.Errorf("expected no partial batch list, got %v", batches)
		}
		want := []string{"A", "B", "C"}
		if !reflect.DeepEqual(cycErr.TaskIDs, want) {
			t.Errorf("cycle tasks = %v, want %v", cycErr.TaskIDs, want)
		}
	})

	t.Run("unknown dependency yields UnknownDependencyError", func(t *testing.T) {
		_, err := BuildBatches([]*Task{
			{ID: "A"},
			{ID: "B", DependsOn: []string{"ghost"}},
		})
		var unkErr *UnknownDependencyError
		if !errors.As(err, &unkErr) {
			t.Fatalf("BuildBatches() error = %v, want *UnknownDependencyError", err)
		}
		if unkErr.TaskID != "B" || unkErr.DependsOn != "ghost" {
			t.Errorf("got %+v, want B -> ghost", unkErr)
		}
	})
}

func TestBuildBatches_Layers(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
		want  [][]string
	}{
		{
			name:  "empty set",
			tasks: nil,
			want:  nil,
		},
		{
			name: "two roots and a join",
			tasks: []*Task{
				{ID: "C", DependsOn: []string{"A", "B"}},
				{ID: "A"},
				{ID: "B"},
			},
			want: [][]string{{"A", "B"}, {"C"}},
		},
		{
			name: "diamond",
			tasks: []*Task{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"A"}},
				{ID: "D", DependsOn: []string{"B", "C"}},
			},
			want: [][]string{{"A"}, {"B", "C"}, {"D"}},
		},
		{
			name: "unrelated chains run together",
			tasks: []*Task{
				{ID: "a1"},
				{ID: "a2", DependsOn: []string{"a1"}},
				{ID: "a3", DependsOn: []string{"a2"}},
				{ID: "b1"},
			},
			want: [][]string{{"a1", "b1"}, {"a2"}, {"a3"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches, err := BuildBatches(tt.tasks)
			if err != nil {
				t.Fatalf("BuildBatches() error = %v", err)
			}

			var got [][]string
			for i, b := range batches {
				if b.Index != i {
					t.Errorf("batch %d has Index %d", i, b.Index)
				}
				got = append(got, b.TaskIDs)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("batches = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestBuildBatches_RandomDAGProperties checks that for random acyclic graphs
// every task appears exactly once and sits strictly after its dependencies.
func TestBuildBatches_RandomDAGProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(30)
		tasks := make([]*Task, n)
		for i := 0; i < n; i++ {
			task := &Task{ID: fmt.Sprintf("t%02d", i)}
			// Edges only point to lower indices, so the graph is acyclic
			for j := 0; j < i; j++ {
				if rng.Float64() < 0.15 {
					task.DependsOn = append(task.DependsOn, fmt.Sprintf("t%02d", j))
				}
			}
			tasks[i] = task
		}
		rng.Shuffle(len(tasks), func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })

		batches, err := BuildBatches(tasks)
		if err != nil {
			t.Fatalf("round %d: BuildBatches() error = %v", round, err)
		}

		index := make(map[string]int)
		for _, b := range batches {
			for _, id := range b.TaskIDs {
				if _, dup := index[id]; dup {
					t.Fatalf("round %d: task %s appears twice", round, id)
				}
				index[id] = b.Index
			}
		}
		if len(index) != n {
			t.Fatalf("round %d: %d tasks placed, want %d", round, len(index), n)
		}

		for _, task := range tasks {
			for _, dep := range task.DependsOn {
				if index[task.ID] <= index[dep] {
					t.Errorf("round %d: %s (batch %d) not after dependency %s (batch %d)",
						round, task.ID, index[task.ID], dep, index[dep])
				}
			}
		}
	}
}

// TestDAGTransitions tests the task lifecycle state machine.
func TestDAGTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []TaskStatus
		wantErr bool
	}{
		{name: "executed success", path: []TaskStatus{TaskScheduled, TaskRunning, TaskSucceeded}},
		{name: "executed failure", path: []TaskStatus{TaskScheduled, TaskRunning, TaskFailed}},
		{name: "cache hit bypasses running", path: []TaskStatus{TaskCached}},
		{name: "blocked", path: []TaskStatus{TaskBlocked}},
		{name: "cancelled while scheduled", path: []TaskStatus{TaskScheduled, TaskCancelled}},
		{name: "running from pending", path: []TaskStatus{TaskRunning}, wantErr: true},
		{name: "cached after scheduled", path: []TaskStatus{TaskScheduled, TaskCached}, wantErr: true},
		{name: "no transition out of terminal", path: []TaskStatus{TaskCached, TaskScheduled}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag := NewDAG()
			dag.AddTask(&Task{ID: "A"})

			var err error
			for _, to := range tt.path {
				if err = dag.Transition("A", to); err != nil {
					break
				}
			}

			if (err != nil) != tt.wantErr {
				t.Fatalf("Transition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error = %v, want ErrInvalidTransition", err)
			}
		})
	}

	t.Run("unknown task", func(t *testing.T) {
		dag := NewDAG()
		if err := dag.Transition("nonexistent", TaskScheduled); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("Transition() error = %v, want ErrTaskNotFound", err)
		}
	})
}

func TestDAGAddTask_StartsPending(t *testing.T) {
	dag := NewDAG()
	in := &Task{ID: "A", Status: TaskSucceeded, RetryCount: 2}
	if err := dag.AddTask(in); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}

	got, _ := dag.Get("A")
	if got.Status != TaskPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want caller value 2", got.RetryCount)
	}
	if in.Status != TaskSucceeded {
		t.Errorf("caller's task mutated: %s", in.Status)
	}
	if err := dag.Transition("A", TaskCached); err != nil {
		t.Errorf("Transition(cached) error = %v", err)
	}
}

func TestDAGUnresolvedDependencies(t *testing.T) {
	dag := NewDAG()
	dag.AddTask(&Task{ID: "ok"})
	dag.AddTask(&Task{ID: "hard", FailureMode: FailHard})
	dag.AddTask(&Task{ID: "soft", FailureMode: FailSoft})
	dag.AddTask(&Task{ID: "cached"})
	dag.AddTask(&Task{ID: "X", DependsOn: []string{"ok", "hard", "soft", "cached"}})

	mustTransition(t, dag, "ok", TaskScheduled, TaskRunning, TaskSucceeded)
	mustTransition(t, dag, "hard", TaskScheduled, TaskRunning, TaskFailed)
	mustTransition(t, dag, "soft", TaskScheduled, TaskRunning, TaskFailed)
	mustTransition(t, dag, "cached", TaskCached)

	got := dag.UnresolvedDependencies("X")
	if !reflect.DeepEqual(got, []string{"hard"}) {
		t.Errorf("UnresolvedDependencies() = %v, want [hard]", got)
	}
}

func TestDAGAccessors(t *testing.T) {
	dag := NewDAG()
	dag.AddTask(&Task{ID: "A", Description: "task A"})
	dag.AddTask(&Task{ID: "B", DependsOn: []string{"A", "A"}})
	dag.AddTask(&Task{ID: "C", DependsOn: []string{"A"}})

	task, exists := dag.Get("A")
	if !exists || task.Description != "task A" {
		t.Errorf("Get(A) = %+v, %v", task, exists)
	}
	if _, exists := dag.Get("nonexistent"); exists {
		t.Error("Get() exists = true for nonexistent task")
	}

	if got := dag.DependentCount("A"); got != 2 {
		t.Errorf("DependentCount(A) = %d, want 2 (duplicate edge collapsed)", got)
	}

	// Returned tasks are copies
	task.Description = "mutated"
	again, _ := dag.Get("A")
	if again.Description != "task A" {
		t.Error("Get() returned a shared pointer")
	}

	updated, err := dag.IncrementRetry("B")
	if err != nil || updated.RetryCount != 1 {
		t.Errorf("IncrementRetry() = %+v, %v", updated, err)
	}

	if got := len(dag.Tasks()); got != 3 {
		t.Errorf("Tasks() returned %d tasks, want 3", got)
	}
}

func mustTransition(t *testing.T, dag *DAG, id string, path ...TaskStatus) {
	t.Helper()
	for _, to := range path {
		if err := dag.Transition(id, to); err != nil {
			t.Fatalf("Transition(%s, %s) error = %v", id, to, err)
		}
	}
}

package scheduler

import "sort"

// PriorityWeights holds the tunable constants of the priority scorer.
type PriorityWeights struct {
	Complexity     map[Complexity]int
	Category       map[Category]int // Missing categories score 0
	MaxFanOutBonus int
}

// DefaultPriorityWeights returns the default scoring weights.
func DefaultPriorityWeights() PriorityWeights {
	return PriorityWeights{
		Complexity: map[Complexity]int{
			ComplexityMeta:    40,
			ComplexityComplex: 30,
			ComplexityMedium:  20,
			ComplexitySimple:  10,
		},
		Category: map[Category]int{
			CategorySecurity: 15,
			CategoryAuth:     15,
			CategoryDatabase: 12,
			CategoryAPI:      8,
			CategoryTest:     -5,
		},
		MaxFanOutBonus: 10,
	}
}

// Score assigns a priority using the default weights.
func Score(task *Task, dependentCount int) int {
	return DefaultPriorityWeights().Score(task, dependentCount)
}

// Score is pure: identical inputs always produce the identical output.
func (w PriorityWeights) Score(task *Task, dependentCount int) int {
	score := w.Complexity[task.Complexity]
	score += w.Category[task.Category]

	if dependentCount < 0 {
		dependentCount = 0
	}
	score += min(w.MaxFanOutBonus, dependentCount)

	return score
}

// Order sorts tasks in place by descending score, breaking ties by ID
// ascending. dependents returns the fan-out of a task ID.
func (w PriorityWeights) Order(tasks []*Task, dependents func(taskID string) int) {
	scores := make(map[string]int, len(tasks))
	for _, t := range tasks {
		scores[t.ID] = w.Score(t, dependents(t.ID))
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		si, sj := scores[tasks[i].ID], scores[tasks[j].ID]
		if si != sj {
			return si > sj
		}
		return tasks[i].ID < tasks[j].ID
	})
}

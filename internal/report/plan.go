package report

import (
	"fmt"
	"strings"

	"github.com/aristath/taskengine/internal/scheduler"
)

// PlanInput is what Plan needs to explain a run before it happens.
type PlanInput struct {
	Tasks    []*scheduler.Task
	Batches  []scheduler.Batch
	Weights  scheduler.PriorityWeights
	Timeouts scheduler.TimeoutPolicy
}

// Plan renders each batch with its tasks in dispatch order, their priority
// score and first-attempt timeout.
func Plan(in PlanInput) string {
	byID := make(map[string]*scheduler.Task, len(in.Tasks))
	dependents := make(map[string]int, len(in.Tasks))
	for _, t := range in.Tasks {
		byID[t.ID] = t
		for _, dep := range t.DependsOn {
			dependents[dep]++
		}
	}
	countDependents := func(id string) int { return dependents[id] }

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", StyleTitle.Render(fmt.Sprintf("%d tasks in %d batches", len(in.Tasks), len(in.Batches))))

	for _, batch := range in.Batches {
		tasks := make([]*scheduler.Task, 0, len(batch.TaskIDs))
		for _, id := range batch.TaskIDs {
			if t, ok := byID[id]; ok {
				tasks = append(tasks, t)
			}
		}
		in.Weights.Order(tasks, countDependents)

		fmt.Fprintf(&b, "\n%s\n", StyleHeader.Render(fmt.Sprintf("batch %d", batch.Index)))
		for _, t := range tasks {
			fmt.Fprintf(&b, "  %-24s score %3d  timeout %-8s %s\n",
				t.ID,
				in.Weights.Score(t, countDependents(t.ID)),
				in.Timeouts.Timeout(t),
				StyleMuted.Render(fmt.Sprintf("%s/%s", t.Complexity, t.Category)),
			)
		}
	}

	return StyleBox.Render(b.String())
}

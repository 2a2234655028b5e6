package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/taskengine/internal/config"
	"github.com/aristath/taskengine/internal/report"
	"github.com/aristath/taskengine/internal/scheduler"
)

func newPlanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <graph.yaml>",
		Short: "Validate a task graph and show its batches",
		Long: `Validate the graph (unknown dependencies, duplicate IDs, cycles) and
print the batches in execution order. Tasks within a batch are listed in
dispatch order with their priority score and first-attempt timeout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := config.LoadGraph(args[0])
			if err != nil {
				return err
			}

			batches, err := scheduler.BuildBatches(tasks)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), report.Plan(report.PlanInput{
				Tasks:    tasks,
				Batches:  batches,
				Weights:  a.cfg.PriorityWeights(),
				Timeouts: a.cfg.TimeoutPolicy(),
			}))
			return nil
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/taskengine/internal/persistence"
	"github.com/aristath/taskengine/internal/report"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled runs",
		Long: `List recent runs from the run journal, newest first. With --run, show
the outcome of every task in that run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := persistence.NewSQLiteStore(cmd.Context(), a.cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			out := cmd.OutOrStdout()

			if runID != "" {
				recs, err := store.TaskRecords(cmd.Context(), runID)
				if err != nil {
					return fmt.Errorf("list task records: %w", err)
				}
				fmt.Fprintln(out, report.TaskRecords(runID, recs))
				return nil
			}

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			fmt.Fprintln(out, report.Runs(runs))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show (0 for all)")
	cmd.Flags().StringVar(&runID, "run", "", "show task outcomes for this run ID")

	return cmd
}

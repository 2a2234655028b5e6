package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aristath/taskengine/internal/config"
	"github.com/aristath/taskengine/internal/logger"
)

// app carries state shared by every subcommand once the root pre-run has
// loaded configuration.
type app struct {
	configPath string
	logLevel   string

	v   *viper.Viper
	cfg *config.Config
	log *logger.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "taskengine",
		Short: "Dependency-aware task execution with retries, circuit breakers and a semantic result cache",
		Long: `taskengine runs a graph of tasks batch by batch. Tasks in a batch are
dispatched by priority under a concurrency limit, each with an adaptive
timeout. Failures are retried with jittered backoff behind per-service
circuit breakers, and results of similar earlier tasks are reused from a
semantic cache.

Configuration is read from ~/.taskengine/config.yaml and
.taskengine/config.yaml (project settings win), then from TASKENGINE_*
environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (replaces the global and project files)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logger.level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newPlanCmd(a))
	root.AddCommand(newHistoryCmd(a))
	root.AddCommand(newWatchCmd(a))
	root.AddCommand(newConfigCmd(a))

	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	globalPath, projectPath := "", a.configPath
	if a.configPath != "" {
		if _, err := os.Stat(a.configPath); err != nil {
			return fmt.Errorf("config file: %w", err)
		}
	} else {
		var err error
		globalPath, projectPath, err = config.DefaultPaths()
		if err != nil {
			return err
		}
	}

	v, err := config.NewViper(globalPath, projectPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		v.Set("logger.level", a.logLevel)
	}

	cfg, err := config.Decode(v)
	if err != nil {
		return err
	}

	log, err := logger.Build(cfg.Logger, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	// An explicit --log-level pins the level for the whole invocation.
	if a.logLevel == "" {
		log.WatchLevel(v)
	}

	a.v, a.cfg, a.log = v, cfg, log
	return nil
}

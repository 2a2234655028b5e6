// Package backend runs tasks as subprocesses.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskengine/internal/orchestrator"
	"github.com/aristath/taskengine/internal/scheduler"
)

// CommandConfig describes the command run for every task.
type CommandConfig struct {
	Command string
	Args    []string          // Placeholders {id}, {category}, {complexity} and {service} are expanded
	Env     map[string]string // Extra environment on top of the parent's
	WorkDir string

	// TerminalExitCodes mark failures that retrying cannot fix.
	TerminalExitCodes []int
}

// CommandExecutor runs a task by executing the configured command with the
// task description on stdin. Trimmed stdout is the task output.
//
// The subprocess sees TASK_ID, TASK_CATEGORY, TASK_COMPLEXITY, TASK_SERVICE,
// TASK_RETRY_COUNT, TASK_DEADLINE and TASK_MODE ("execute" or "adapt").
type CommandExecutor struct {
	cfg     CommandConfig
	procMgr *ProcessManager
	log     *zap.Logger
}

// NewCommandExecutor validates cfg and creates an executor. The
// ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewCommandExecutor(cfg CommandConfig, procMgr *ProcessManager, log *zap.Logger) (*CommandExecutor, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("executor command is required")
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("executor command %q: %w", cfg.Command, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandExecutor{cfg: cfg, procMgr: procMgr, log: log}, nil
}

// Run implements orchestrator.Executor.
func (e *CommandExecutor) Run(ctx context.Context, task *scheduler.Task, deadline time.Time) (string, error) {
	return e.invoke(ctx, task, deadline, "execute", nil)
}

// Adapt implements orchestrator.Adapter. The cached output is handed over in
// a temporary file named by TASK_CACHED_OUTPUT_FILE.
func (e *CommandExecutor) Adapt(ctx context.Context, task *scheduler.Task, cached string, similarity float64) (string, error) {
	f, err := os.CreateTemp("", "taskengine-cached-*")
	if err != nil {
		return "", fmt.Errorf("failed to create cached output file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString(cached); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write cached output: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write cached output: %w", err)
	}

	deadline, _ := ctx.Deadline()
	return e.invoke(ctx, task, deadline, "adapt", []string{
		"TASK_CACHED_OUTPUT_FILE=" + f.Name(),
		"TASK_SIMILARITY=" + strconv.FormatFloat(similarity, 'f', 4, 64),
	})
}

func (e *CommandExecutor) invoke(ctx context.Context, task *scheduler.Task, deadline time.Time, mode string, extraEnv []string) (string, error) {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	cmd := newCommand(ctx, e.cfg.Command, e.expandArgs(task)...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Stdin = strings.NewReader(task.Description)
	cmd.Env = append(e.environ(task, deadline, mode), extraEnv...)

	start := time.Now()
	stdout, _, err := executeCommand(ctx, cmd, e.procMgr)
	e.log.Debug("Task command finished",
		zap.String("task_id", task.ID),
		zap.String("mode", mode),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && slices.Contains(e.cfg.TerminalExitCodes, exitErr.ExitCode()) {
			return "", orchestrator.Terminal(err)
		}
		return "", err
	}

	return strings.TrimSpace(string(stdout)), nil
}

func (e *CommandExecutor) expandArgs(task *scheduler.Task) []string {
	r := strings.NewReplacer(
		"{id}", task.ID,
		"{category}", string(task.Category),
		"{complexity}", task.Complexity.String(),
		"{service}", task.Service,
	)
	args := make([]string, len(e.cfg.Args))
	for i, a := range e.cfg.Args {
		args[i] = r.Replace(a)
	}
	return args
}

func (e *CommandExecutor) environ(task *scheduler.Task, deadline time.Time, mode string) []string {
	env := os.Environ()
	for k, v := range e.cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"TASK_ID="+task.ID,
		"TASK_CATEGORY="+string(task.Category),
		"TASK_COMPLEXITY="+task.Complexity.String(),
		"TASK_SERVICE="+task.Service,
		"TASK_RETRY_COUNT="+strconv.Itoa(task.RetryCount),
		"TASK_MODE="+mode,
	)
	if !deadline.IsZero() {
		env = append(env, "TASK_DEADLINE="+deadline.UTC().Format(time.RFC3339))
	}
	return env
}

var (
	_ orchestrator.Executor = (*CommandExecutor)(nil)
	_ orchestrator.Adapter  = (*CommandExecutor)(nil)
)

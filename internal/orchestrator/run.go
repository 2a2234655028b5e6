package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskengine/internal/cache"
	"github.com/aristath/taskengine/internal/events"
	"github.com/aristath/taskengine/internal/scheduler"
)

// run holds the state of one Execute call.
type run struct {
	id      string
	engine  *Engine
	dag     *scheduler.DAG
	exec    Executor
	results *resultMap
	log     *zap.Logger
}

// runBatch resolves every task of batch before returning.
func (r *run) runBatch(ctx context.Context, batch scheduler.Batch) {
	start := time.Now()

	var ready []*scheduler.Task
	for _, id := range batch.TaskIDs {
		task, _ := r.dag.Get(id)

		if ctx.Err() != nil {
			r.cancel(ctx, task)
			continue
		}
		if unresolved := r.dag.UnresolvedDependencies(id); len(unresolved) > 0 {
			r.block(task, unresolved)
			continue
		}
		ready = append(ready, task)
	}

	r.engine.cfg.Priority.Order(ready, r.dag.DependentCount)

	misses := r.consultCache(ctx, ready)
	r.dispatch(ctx, batch.Index, misses)

	var counts events.Counts
	for _, id := range batch.TaskIDs {
		res, _ := r.results.get(id)
		switch res.Status {
		case scheduler.TaskSucceeded:
			counts.Succeeded++
		case scheduler.TaskCached:
			counts.Cached++
		case scheduler.TaskFailed:
			counts.Failed++
		case scheduler.TaskBlocked:
			counts.Blocked++
		case scheduler.TaskCancelled:
			counts.Cancelled++
		}
	}

	now := time.Now()
	r.engine.pub.Publish(events.BatchCompletedEvent{
		RunID:     r.id,
		Index:     batch.Index,
		TaskIDs:   batch.TaskIDs,
		Counts:    counts,
		Duration:  now.Sub(start),
		Timestamp: now,
	})

	overall := r.results.snapshot().Counts()
	r.engine.pub.Publish(events.ProgressEvent{
		RunID:     r.id,
		Total:     r.dag.Len(),
		Counts:    overall,
		Pending:   r.dag.Len() - overall.Total(),
		Timestamp: now,
	})

	r.log.Debug("Batch completed",
		zap.Int("batch", batch.Index),
		zap.Int("tasks", len(batch.TaskIDs)),
		zap.Int("resolved", counts.Resolved()),
		zap.Duration("duration", now.Sub(start)),
	)
}

// lookupOutcome is the cache verdict for one task.
type lookupOutcome struct {
	hit      cache.Hit
	output   string
	resolved bool
	elapsed  time.Duration
}

// consultCache serves tasks from the cache where possible and returns the
// remaining tasks in their original order.
func (r *run) consultCache(ctx context.Context, tasks []*scheduler.Task) []*scheduler.Task {
	c := r.engine.cfg.Cache
	if c == nil || len(tasks) == 0 {
		return tasks
	}

	outcomes := make([]lookupOutcome, len(tasks))
	g := new(errgroup.Group)
	g.SetLimit(r.engine.cfg.Concurrency)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			outcomes[i] = r.lookup(ctx, c, task)
			return nil
		})
	}
	g.Wait()

	var misses []*scheduler.Task
	for i, task := range tasks {
		o := outcomes[i]
		if !o.resolved {
			misses = append(misses, task)
			continue
		}
		r.completeFromCache(task, o)
	}
	return misses
}

func (r *run) lookup(ctx context.Context, c ResultCache, task *scheduler.Task) lookupOutcome {
	start := time.Now()
	hit, ok := c.Lookup(ctx, task)
	if !ok {
		return lookupOutcome{}
	}

	if !hit.NeedsAdaptation {
		return lookupOutcome{hit: hit, output: hit.Output, resolved: true, elapsed: time.Since(start)}
	}

	adapter := r.engine.cfg.Adapter
	if adapter == nil {
		return lookupOutcome{}
	}

	actx, cancel := context.WithTimeout(ctx, r.engine.cfg.Timeouts.Timeout(task))
	defer cancel()

	output, err := adapter.Adapt(actx, task, hit.Output, hit.Similarity)
	if err != nil {
		r.log.Info("Cache adaptation failed, executing task",
			zap.String("task_id", task.ID),
			zap.Float64("similarity", hit.Similarity),
			zap.Error(err),
		)
		return lookupOutcome{}
	}
	return lookupOutcome{hit: hit, output: output, resolved: true, elapsed: time.Since(start)}
}

func (r *run) completeFromCache(task *scheduler.Task, o lookupOutcome) {
	r.transition(task.ID, scheduler.TaskCached)
	r.record(TaskResult{
		TaskID:     task.ID,
		Output:     o.output,
		Status:     scheduler.TaskCached,
		Duration:   o.elapsed,
		Source:     SourceCache,
		Similarity: o.hit.Similarity,
		Adapted:    o.hit.NeedsAdaptation,
	})
	r.engine.pub.Publish(events.TaskCompletedEvent{
		RunID:      r.id,
		ID:         task.ID,
		Source:     events.SourceCache,
		Similarity: o.hit.Similarity,
		Adapted:    o.hit.NeedsAdaptation,
		Duration:   o.elapsed,
		Timestamp:  time.Now(),
	})
	r.log.Info("Task served from cache",
		zap.String("task_id", task.ID),
		zap.Float64("similarity", o.hit.Similarity),
		zap.Bool("adapted", o.hit.NeedsAdaptation),
	)
}

// dispatch runs tasks concurrently, bounded by the engine's concurrency
// limit, and waits for all of them. Slots are handed out in slice order.
func (r *run) dispatch(ctx context.Context, batchIndex int, tasks []*scheduler.Task) {
	for _, task := range tasks {
		r.transition(task.ID, scheduler.TaskScheduled)
	}

	g := new(errgroup.Group)
	g.SetLimit(r.engine.cfg.Concurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			r.runTask(ctx, batchIndex, task)
			return nil
		})
	}
	g.Wait()
}

func (r *run) runTask(ctx context.Context, batchIndex int, task *scheduler.Task) {
	if ctx.Err() != nil {
		r.cancel(ctx, task)
		return
	}

	r.transition(task.ID, scheduler.TaskRunning)

	service := task.Service
	if service == "" {
		service = r.engine.cfg.DefaultService
	}

	start := time.Now()
	r.engine.pub.Publish(events.TaskStartedEvent{
		RunID:     r.id,
		ID:        task.ID,
		Service:   service,
		Batch:     batchIndex,
		Timestamp: start,
	})
	r.log.Debug("Task started", zap.String("task_id", task.ID), zap.String("service", service))

	var output string
	attempts, err := callWithRetry(ctx, r.engine.cfg.Breakers.Get(service), r.engine.cfg.Retry,
		func(ctx context.Context, n int) error {
			current := task
			if n > 1 {
				if updated, err := r.dag.IncrementRetry(task.ID); err == nil {
					current = updated
				}
			}
			out, err := r.attempt(ctx, current)
			if err != nil {
				return err
			}
			output = out
			return nil
		},
		func(attempt int, err error, delay time.Duration) {
			r.log.Warn("Retrying task",
				zap.String("task_id", task.ID),
				zap.String("service", service),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			r.engine.pub.Publish(events.TaskRetryEvent{
				RunID:     r.id,
				ID:        task.ID,
				Service:   service,
				Attempt:   attempt,
				Delay:     delay,
				Err:       err,
				Timestamp: time.Now(),
			})
		},
	)
	duration := time.Since(start)

	if err != nil {
		r.fail(task, err, attempts, duration)
		return
	}

	r.transition(task.ID, scheduler.TaskSucceeded)
	r.record(TaskResult{
		TaskID:   task.ID,
		Output:   output,
		Status:   scheduler.TaskSucceeded,
		Duration: duration,
		Source:   SourceExecuted,
		Attempts: attempts,
	})
	r.engine.pub.Publish(events.TaskCompletedEvent{
		RunID:     r.id,
		ID:        task.ID,
		Source:    events.SourceExecuted,
		Attempts:  attempts,
		Duration:  duration,
		Timestamp: time.Now(),
	})
	r.log.Info("Task succeeded",
		zap.String("task_id", task.ID),
		zap.Int("attempts", attempts),
		zap.Duration("duration", duration),
	)

	if c := r.engine.cfg.Cache; c != nil {
		c.Store(ctx, task, output)
	}
}

type attemptOutcome struct {
	output string
	err    error
}

// attempt runs the executor once under the task's adaptive timeout. The
// deadline is enforced here as well, so an executor that ignores it is
// abandoned and reported as a *TimeoutError.
func (r *run) attempt(ctx context.Context, task *scheduler.Task) (string, error) {
	timeout := r.engine.cfg.Timeouts.Timeout(task)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := actx.Deadline()

	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- attemptOutcome{err: fmt.Errorf("executor panic: %v", p)}
			}
		}()
		out, err := r.exec.Run(actx, task, deadline)
		done <- attemptOutcome{output: out, err: err}
	}()

	var o attemptOutcome
	select {
	case o = <-done:
		if o.err == nil {
			return o.output, nil
		}
	case <-actx.Done():
		// A result that raced the deadline still counts
		select {
		case o = <-done:
			if o.err == nil {
				return o.output, nil
			}
		default:
		}
	}

	// Parent cancellation is not the task's fault
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		return "", &TimeoutError{TaskID: task.ID, Timeout: timeout}
	}
	return "", &ExecutorError{
		TaskID:    task.ID,
		Err:       o.err,
		Retryable: r.engine.cfg.Retry.retryable(o.err),
	}
}

func (r *run) fail(task *scheduler.Task, err error, attempts int, duration time.Duration) {
	r.transition(task.ID, scheduler.TaskFailed)

	source := SourceNone
	if attempts > 0 {
		source = SourceExecuted
	}
	r.record(TaskResult{
		TaskID:   task.ID,
		Status:   scheduler.TaskFailed,
		Duration: duration,
		Source:   source,
		Attempts: attempts,
		Err:      err,
	})
	r.engine.pub.Publish(events.TaskFailedEvent{
		RunID:     r.id,
		ID:        task.ID,
		Err:       err,
		Attempts:  attempts,
		Duration:  duration,
		Timestamp: time.Now(),
	})
	r.log.Warn("Task failed",
		zap.String("task_id", task.ID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}

func (r *run) block(task *scheduler.Task, unresolved []string) {
	r.transition(task.ID, scheduler.TaskBlocked)
	r.record(TaskResult{
		TaskID:    task.ID,
		Status:    scheduler.TaskBlocked,
		BlockedBy: unresolved,
	})
	r.engine.pub.Publish(events.TaskBlockedEvent{
		RunID:     r.id,
		ID:        task.ID,
		BlockedBy: unresolved,
		Timestamp: time.Now(),
	})
	r.log.Info("Task blocked", zap.String("task_id", task.ID), zap.Strings("blocked_by", unresolved))
}

func (r *run) cancel(ctx context.Context, task *scheduler.Task) {
	r.transition(task.ID, scheduler.TaskCancelled)
	r.record(TaskResult{
		TaskID: task.ID,
		Status: scheduler.TaskCancelled,
		Err:    ctx.Err(),
	})
	r.engine.pub.Publish(events.TaskCancelledEvent{
		RunID:     r.id,
		ID:        task.ID,
		Timestamp: time.Now(),
	})
}

// transition applies a lifecycle move, logging if the move is illegal.
func (r *run) transition(taskID string, to scheduler.TaskStatus) bool {
	if err := r.dag.Transition(taskID, to); err != nil {
		r.log.Error("Task status transition rejected", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	return true
}

func (r *run) record(res TaskResult) {
	if err := r.results.record(res); err != nil {
		r.log.Error("Task result rejected", zap.String("task_id", res.TaskID), zap.Error(err))
	}
}

package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/taskengine/internal/cache"
	"github.com/aristath/taskengine/internal/events"
	"github.com/aristath/taskengine/internal/scheduler"
)

// Executor performs the work of a single task. It must return by deadline;
// the engine abandons an attempt that overruns and reports a *TimeoutError.
type Executor interface {
	Run(ctx context.Context, task *scheduler.Task, deadline time.Time) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *scheduler.Task, deadline time.Time) (string, error)

func (f ExecutorFunc) Run(ctx context.Context, task *scheduler.Task, deadline time.Time) (string, error) {
	return f(ctx, task, deadline)
}

// Adapter turns a near-hit cached output into an output for task. A task
// served from a near hit only counts as resolved when Adapt succeeds.
type Adapter interface {
	Adapt(ctx context.Context, task *scheduler.Task, cached string, similarity float64) (string, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, task *scheduler.Task, cached string, similarity float64) (string, error)

func (f AdapterFunc) Adapt(ctx context.Context, task *scheduler.Task, cached string, similarity float64) (string, error) {
	return f(ctx, task, cached, similarity)
}

// ResultCache is consulted before dispatch and fed with executed outputs.
// Implemented by *cache.SemanticCache.
type ResultCache interface {
	Lookup(ctx context.Context, task *scheduler.Task) (cache.Hit, bool)
	Store(ctx context.Context, task *scheduler.Task, output string)
}

// EngineConfig configures the batch scheduler.
type EngineConfig struct {
	Concurrency    int                       // Max in-flight tasks per batch (default 5)
	DefaultService string                    // Breaker name for tasks without a Service (default "default")
	Priority       scheduler.PriorityWeights // Zero value uses the default weights
	Timeouts       scheduler.TimeoutPolicy   // Zero value uses the default policy
	Retry          RetryPolicy               // Zero MaxAttempts uses the default policy

	Breakers  *BreakerRegistry // Optional; shared breakers across engines
	Cache     ResultCache      // Optional (nil disables caching)
	Adapter   Adapter          // Optional (nil treats near hits as misses)
	Publisher EventPublisher   // Optional (nil disables events)
	Logger    *zap.Logger      // Optional
}

// Engine executes task graphs batch by batch.
type Engine struct {
	cfg EngineConfig
	log *zap.Logger
	pub EventPublisher
}

// NewEngine creates an engine, filling in defaults for zero config fields.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.DefaultService == "" {
		cfg.DefaultService = "default"
	}
	if cfg.Priority.Complexity == nil {
		cfg.Priority = scheduler.DefaultPriorityWeights()
	}
	if cfg.Timeouts.Base == nil {
		cfg.Timeouts = scheduler.DefaultTimeoutPolicy()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		retryable := cfg.Retry.Retryable
		cfg.Retry = DefaultRetryPolicy()
		cfg.Retry.Retryable = retryable
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = nopPublisher{}
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewBreakerRegistry(DefaultBreakerConfig(), cfg.Logger, cfg.Publisher)
	}

	return &Engine{
		cfg: cfg,
		log: cfg.Logger,
		pub: cfg.Publisher,
	}
}

// Breakers returns the engine's breaker registry.
func (e *Engine) Breakers() *BreakerRegistry {
	return e.cfg.Breakers
}

// Plan validates tasks and returns the batches Execute would run.
func (e *Engine) Plan(tasks []*scheduler.Task) ([]scheduler.Batch, error) {
	return scheduler.BuildBatches(tasks)
}

// Execute runs tasks to completion. Graph errors (cycles, unknown or
// duplicate IDs) are returned with nil Results. Otherwise every task appears
// in the Results; the error is an *IncompleteError if any task failed, was
// blocked or was cancelled.
func (e *Engine) Execute(ctx context.Context, tasks []*scheduler.Task, exec Executor) (Results, error) {
	dag := scheduler.NewDAG()
	for _, task := range tasks {
		if err := dag.AddTask(task); err != nil {
			return nil, err
		}
	}

	batches, err := dag.Batches()
	if err != nil {
		return nil, err
	}

	r := &run{
		id:      uuid.NewString(),
		engine:  e,
		dag:     dag,
		exec:    exec,
		results: newResultMap(dag.Len()),
		log:     e.log,
	}
	r.log = e.log.With(zap.String("run_id", r.id))

	start := time.Now()
	e.pub.Publish(events.RunStartedEvent{
		RunID:     r.id,
		Tasks:     dag.Len(),
		Batches:   len(batches),
		Timestamp: start,
	})
	r.log.Info("Run started", zap.Int("tasks", dag.Len()), zap.Int("batches", len(batches)))

	for _, batch := range batches {
		r.runBatch(ctx, batch)
	}

	results := r.results.snapshot()
	counts := results.Counts()
	duration := time.Since(start)

	e.pub.Publish(events.RunFinishedEvent{
		RunID:     r.id,
		Counts:    counts,
		Duration:  duration,
		Timestamp: time.Now(),
	})
	r.log.Info("Run finished",
		zap.Int("succeeded", counts.Succeeded),
		zap.Int("cached", counts.Cached),
		zap.Int("failed", counts.Failed),
		zap.Int("blocked", counts.Blocked),
		zap.Int("cancelled", counts.Cancelled),
		zap.Duration("duration", duration),
	)

	return results, results.incomplete(ctx.Err())
}

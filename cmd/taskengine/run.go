package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/taskengine/internal/backend"
	"github.com/aristath/taskengine/internal/cache"
	"github.com/aristath/taskengine/internal/config"
	"github.com/aristath/taskengine/internal/events"
	"github.com/aristath/taskengine/internal/metrics"
	"github.com/aristath/taskengine/internal/orchestrator"
	"github.com/aristath/taskengine/internal/persistence"
	"github.com/aristath/taskengine/internal/report"
	"github.com/aristath/taskengine/internal/transport/rabbitmq"
)

const (
	progressWidth       = 30
	pruneTimeout        = 30 * time.Second
	metricsShutdownWait = 5 * time.Second
)

type runOptions struct {
	concurrency int
	noCache     bool
	quiet       bool
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <graph.yaml>",
		Short: "Execute a task graph",
		Long: `Execute every task in the graph file with the configured executor
command. Progress is printed as tasks resolve and a summary table follows.

Exits with status 2 when any task failed, was blocked or was cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}

	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "j", 0, "override scheduler.concurrency")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "disable the semantic cache for this run")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "only print the summary")

	return cmd
}

func (a *app) run(ctx context.Context, out io.Writer, graphPath string, opts *runOptions) error {
	cfg := a.cfg
	log := a.log.Logger

	tasks, err := config.LoadGraph(graphPath)
	if err != nil {
		return err
	}
	if opts.concurrency > 0 {
		cfg.Scheduler.Concurrency = opts.concurrency
	}
	if opts.noCache {
		cfg.Cache.Enabled = false
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Kill anything still running once the run is interrupted
	pm := backend.NewProcessManager()
	stopKill := context.AfterFunc(ctx, func() {
		if err := pm.KillAll(); err != nil {
			log.Warn("Failed to kill task processes", zap.Error(err))
		}
	})
	defer stopKill()

	executor, err := backend.NewCommandExecutor(cfg.CommandConfig(), pm, log)
	if err != nil {
		return err
	}
	var adapter orchestrator.Adapter
	if cfg.Executor.Adapt {
		adapter = executor
	}

	var store *persistence.SQLiteStore
	if cfg.Storage.Journal || (cfg.Cache.Enabled && cfg.Cache.Backend == "sqlite") {
		store, err = persistence.NewSQLiteStore(ctx, cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	semCache, closeCache, err := openCache(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	defer closeCache()

	// Event fan-out: the bus feeds the progress printer, the other sinks
	// are optional.
	bus := events.NewEventBus()
	defer bus.Close()

	progressDone := make(chan struct{})
	if opts.quiet {
		close(progressDone)
	} else {
		sub := bus.Subscribe(cfg.Events.BufferSize)
		progress := report.NewProgress(out, progressWidth)
		go func() {
			defer close(progressDone)
			progress.Consume(sub.Events())
		}()
	}

	sinks := []events.Sink{bus}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		sinks = append(sinks, metrics.NewMetrics(reg))
		shutdown := serveMetrics(cfg.Metrics.Addr, reg, log)
		defer shutdown()
	}

	if store != nil && cfg.Storage.Journal {
		sinks = append(sinks, persistence.NewJournal(store, log))
	}

	if cfg.Events.AMQPURL != "" {
		amqpSink, err := rabbitmq.Dial(ctx, rabbitmq.Options{
			URL:      cfg.Events.AMQPURL,
			Exchange: cfg.Events.AMQPExchange,
		}, log)
		if err != nil {
			log.Warn("Event broker unavailable, continuing without it", zap.Error(err))
		} else {
			defer amqpSink.Close()
			sinks = append(sinks, amqpSink)
		}
	}

	pub := events.NewPublisher(cfg.Events.BufferSize, log, sinks...)
	defer pub.Close()

	engine := orchestrator.NewEngine(orchestrator.EngineConfig{
		Concurrency:    cfg.Scheduler.Concurrency,
		DefaultService: cfg.Scheduler.DefaultService,
		Priority:       cfg.PriorityWeights(),
		Timeouts:       cfg.TimeoutPolicy(),
		Retry:          cfg.RetryPolicy(),
		Breakers:       orchestrator.NewBreakerRegistry(cfg.BreakerConfig(), log, pub),
		Cache:          resultCache(semCache),
		Adapter:        adapter,
		Publisher:      pub,
		Logger:         log,
	})

	start := time.Now()
	results, runErr := engine.Execute(ctx, tasks, executor)
	elapsed := time.Since(start)

	if semCache != nil {
		semCache.Wait()
	}

	// Drain every sink before printing the summary below the progress lines
	pub.Close()
	bus.Close()
	<-progressDone

	if dropped := pub.Dropped(); dropped > 0 {
		log.Warn("Some events were dropped before reaching any sink", zap.Int64("dropped", dropped))
	}
	if skipped := bus.Dropped(); skipped > 0 {
		log.Warn("Progress output skipped events", zap.Int64("skipped", skipped))
	}

	if results == nil {
		return runErr
	}

	fmt.Fprintln(out, report.Summary(results, elapsed))

	if store != nil && semCache != nil && cfg.Cache.Backend == "sqlite" {
		pruneCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pruneTimeout)
		removed, err := store.Prune(pruneCtx, cfg.Cache.TTL, cfg.Cache.MaxEntries)
		cancel()
		if err != nil {
			log.Warn("Failed to prune cache", zap.Error(err))
		} else if removed > 0 {
			log.Info("Pruned cache entries", zap.Int64("removed", removed))
		}
	}

	return runErr
}

// openCache builds the semantic cache over the configured backend. It
// returns a nil cache when caching is disabled.
func openCache(ctx context.Context, cfg *config.Config, store *persistence.SQLiteStore, log *zap.Logger) (*cache.SemanticCache, func(), error) {
	noop := func() {}
	if !cfg.Cache.Enabled {
		return nil, noop, nil
	}

	var (
		backendStore cache.Store
		closeFn      = noop
	)

	switch cfg.Cache.Backend {
	case "memory":
		backendStore = cache.NewMemoryStore(cfg.Cache.TTL, cfg.Cache.MaxEntries)
	case "sqlite":
		backendStore = store
	case "redis":
		client, err := cache.DialRedis(ctx, cache.RedisOptions{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err != nil {
			return nil, noop, err
		}
		backendStore = cache.NewRedisStore(client, cfg.Cache.Redis.Prefix, cfg.Cache.TTL, log)
		closeFn = func() { closeRedis(client, log) }
	default:
		return nil, noop, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	c := cache.New(cache.NewHashEmbedder(cfg.Cache.Dimensions), backendStore, cfg.CacheConfig(), log)
	return c, closeFn, nil
}

func closeRedis(client redis.UniversalClient, log *zap.Logger) {
	if err := client.Close(); err != nil {
		log.Warn("Failed to close redis client", zap.Error(err))
	}
}

// resultCache keeps a nil *SemanticCache from becoming a non-nil interface.
func resultCache(c *cache.SemanticCache) orchestrator.ResultCache {
	if c == nil {
		return nil
	}
	return c
}

// serveMetrics exposes reg on addr/metrics until the returned function is
// called.
func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("Serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("Metrics server stopped", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownWait)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("Failed to shut down metrics server", zap.Error(err))
		}
	}
}

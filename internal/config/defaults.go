package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/aristath/taskengine/internal/cache"
	"github.com/aristath/taskengine/internal/orchestrator"
	"github.com/aristath/taskengine/internal/scheduler"
)

// DefaultConfig returns the default configuration. Scheduling defaults come
// from the engine packages so the two never drift.
func DefaultConfig() *Config {
	weights := scheduler.DefaultPriorityWeights()
	timeouts := scheduler.DefaultTimeoutPolicy()
	retry := orchestrator.DefaultRetryPolicy()
	breaker := orchestrator.DefaultBreakerConfig()
	cacheCfg := cache.DefaultConfig()

	cfg := &Config{
		Scheduler: SchedulerConfig{
			Concurrency:    5,
			DefaultService: "default",
		},
		Priority: PriorityConfig{
			Complexity:     make(map[string]int),
			Category:       make(map[string]int),
			MaxFanOutBonus: weights.MaxFanOutBonus,
		},
		Timeouts: TimeoutsConfig{
			Base:                make(map[string]time.Duration),
			CategoryMultipliers: make(map[string]float64),
			RetryPenalty:        timeouts.RetryPenalty,
			Ceiling:             timeouts.Ceiling,
		},
		Retry: RetryConfig{
			MaxAttempts:  retry.MaxAttempts,
			BaseDelay:    retry.BaseDelay,
			MaxDelay:     retry.MaxDelay,
			JitterFactor: retry.JitterFactor,
		},
		Breaker: BreakerConfig{
			FailureThreshold:   breaker.FailureThreshold,
			Cooldown:           breaker.Cooldown,
			CooldownMultiplier: breaker.CooldownMultiplier,
			MaxCooldown:        breaker.MaxCooldown,
		},
		Cache: CacheConfig{
			Enabled:        true,
			Backend:        "sqlite",
			ExactThreshold: cacheCfg.ExactThreshold,
			NearThreshold:  cacheCfg.NearThreshold,
			LookupTimeout:  cacheCfg.LookupTimeout,
			StoreTimeout:   cacheCfg.StoreTimeout,
			Candidates:     cacheCfg.Candidates,
			Dimensions:     256,
			TTL:            30 * 24 * time.Hour,
			MaxEntries:     10000,
			MinOutputBytes: 1,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "taskengine:cache:",
			},
		},
		Events: EventsConfig{
			BufferSize:   1024,
			AMQPExchange: "taskengine.events",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Logger: LoggerConfig{
			Level:    "info",
			Encoding: "console",
		},
		Storage: StorageConfig{
			Path:    ".taskengine/taskengine.db",
			Journal: true,
		},
	}

	for c, w := range weights.Complexity {
		cfg.Priority.Complexity[c.String()] = w
	}
	for c, w := range weights.Category {
		cfg.Priority.Category[string(c)] = w
	}
	for c, d := range timeouts.Base {
		cfg.Timeouts.Base[c.String()] = d
	}
	for c, m := range timeouts.CategoryMultipliers {
		cfg.Timeouts.CategoryMultipliers[string(c)] = m
	}

	return cfg
}

// setDefaults registers every default as a leaf key so that config files
// and environment variables override individual map entries instead of
// replacing whole maps.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("scheduler.concurrency", d.Scheduler.Concurrency)
	v.SetDefault("scheduler.default_service", d.Scheduler.DefaultService)

	for k, w := range d.Priority.Complexity {
		v.SetDefault("priority.complexity."+k, w)
	}
	for k, w := range d.Priority.Category {
		v.SetDefault("priority.category."+k, w)
	}
	v.SetDefault("priority.max_fan_out_bonus", d.Priority.MaxFanOutBonus)

	for k, b := range d.Timeouts.Base {
		v.SetDefault("timeouts.base."+k, b)
	}
	for k, m := range d.Timeouts.CategoryMultipliers {
		v.SetDefault("timeouts.category_multipliers."+k, m)
	}
	v.SetDefault("timeouts.retry_penalty", d.Timeouts.RetryPenalty)
	v.SetDefault("timeouts.ceiling", d.Timeouts.Ceiling)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.jitter_factor", d.Retry.JitterFactor)

	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.cooldown", d.Breaker.Cooldown)
	v.SetDefault("breaker.cooldown_multiplier", d.Breaker.CooldownMultiplier)
	v.SetDefault("breaker.max_cooldown", d.Breaker.MaxCooldown)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.exact_threshold", d.Cache.ExactThreshold)
	v.SetDefault("cache.near_threshold", d.Cache.NearThreshold)
	v.SetDefault("cache.lookup_timeout", d.Cache.LookupTimeout)
	v.SetDefault("cache.store_timeout", d.Cache.StoreTimeout)
	v.SetDefault("cache.candidates", d.Cache.Candidates)
	v.SetDefault("cache.dimensions", d.Cache.Dimensions)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	v.SetDefault("cache.min_output_bytes", d.Cache.MinOutputBytes)
	v.SetDefault("cache.redis.addr", d.Cache.Redis.Addr)
	v.SetDefault("cache.redis.password", d.Cache.Redis.Password)
	v.SetDefault("cache.redis.db", d.Cache.Redis.DB)
	v.SetDefault("cache.redis.prefix", d.Cache.Redis.Prefix)

	v.SetDefault("events.buffer_size", d.Events.BufferSize)
	v.SetDefault("events.amqp_url", d.Events.AMQPURL)
	v.SetDefault("events.amqp_exchange", d.Events.AMQPExchange)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.encoding", d.Logger.Encoding)
	v.SetDefault("logger.development", d.Logger.Development)

	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.journal", d.Storage.Journal)

	v.SetDefault("executor.command", d.Executor.Command)
	v.SetDefault("executor.work_dir", d.Executor.WorkDir)
	v.SetDefault("executor.adapt", d.Executor.Adapt)
}

package config

import "time"

// SchedulerConfig bounds batch execution.
type SchedulerConfig struct {
	Concurrency    int    `mapstructure:"concurrency" yaml:"concurrency"`
	DefaultService string `mapstructure:"default_service" yaml:"default_service"`
}

// PriorityConfig holds the scorer weights keyed by complexity and category label.
type PriorityConfig struct {
	Complexity     map[string]int `mapstructure:"complexity" yaml:"complexity"`
	Category       map[string]int `mapstructure:"category" yaml:"category"`
	MaxFanOutBonus int            `mapstructure:"max_fan_out_bonus" yaml:"max_fan_out_bonus"`
}

// TimeoutsConfig is the adaptive timeout table.
type TimeoutsConfig struct {
	Base                map[string]time.Duration `mapstructure:"base" yaml:"base"`
	CategoryMultipliers map[string]float64       `mapstructure:"category_multipliers" yaml:"category_multipliers"`
	RetryPenalty        float64                  `mapstructure:"retry_penalty" yaml:"retry_penalty"`
	Ceiling             time.Duration            `mapstructure:"ceiling" yaml:"ceiling"`
}

// RetryConfig is the per-task retry policy.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	JitterFactor float64       `mapstructure:"jitter_factor" yaml:"jitter_factor"`
}

// BreakerConfig tunes the per-service circuit breakers.
type BreakerConfig struct {
	FailureThreshold   uint32        `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Cooldown           time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	CooldownMultiplier float64       `mapstructure:"cooldown_multiplier" yaml:"cooldown_multiplier"`
	MaxCooldown        time.Duration `mapstructure:"max_cooldown" yaml:"max_cooldown"`
}

// RedisConfig locates the Redis cache backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// CacheConfig configures the semantic cache.
type CacheConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Backend        string        `mapstructure:"backend" yaml:"backend"` // memory, sqlite or redis
	ExactThreshold float64       `mapstructure:"exact_threshold" yaml:"exact_threshold"`
	NearThreshold  float64       `mapstructure:"near_threshold" yaml:"near_threshold"`
	LookupTimeout  time.Duration `mapstructure:"lookup_timeout" yaml:"lookup_timeout"`
	StoreTimeout   time.Duration `mapstructure:"store_timeout" yaml:"store_timeout"`
	Candidates     int           `mapstructure:"candidates" yaml:"candidates"`
	Dimensions     int           `mapstructure:"dimensions" yaml:"dimensions"`
	TTL            time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxEntries     int           `mapstructure:"max_entries" yaml:"max_entries"`
	MinOutputBytes int           `mapstructure:"min_output_bytes" yaml:"min_output_bytes"`
	Redis          RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

// EventsConfig configures the progress publisher and its remote sink.
type EventsConfig struct {
	BufferSize   int    `mapstructure:"buffer_size" yaml:"buffer_size"`
	AMQPURL      string `mapstructure:"amqp_url" yaml:"amqp_url,omitempty"`
	AMQPExchange string `mapstructure:"amqp_exchange" yaml:"amqp_exchange"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// LoggerConfig configures zap.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Encoding    string `mapstructure:"encoding" yaml:"encoding"` // json or console
	Development bool   `mapstructure:"development" yaml:"development"`
}

// StorageConfig locates the SQLite database holding the run journal and,
// with the sqlite cache backend, cache entries.
type StorageConfig struct {
	Path    string `mapstructure:"path" yaml:"path"`
	Journal bool   `mapstructure:"journal" yaml:"journal"`
}

// ExecutorConfig is the command run for every task.
type ExecutorConfig struct {
	Command           string            `mapstructure:"command" yaml:"command"`
	Args              []string          `mapstructure:"args" yaml:"args,omitempty"`
	Env               map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	WorkDir           string            `mapstructure:"work_dir" yaml:"work_dir,omitempty"`
	TerminalExitCodes []int             `mapstructure:"terminal_exit_codes" yaml:"terminal_exit_codes,omitempty"`
	Adapt             bool              `mapstructure:"adapt" yaml:"adapt"` // Use the command to adapt near cache hits
}

// Config is the top-level configuration.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Priority  PriorityConfig  `mapstructure:"priority" yaml:"priority"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts" yaml:"timeouts"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker" yaml:"breaker"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Executor  ExecutorConfig  `mapstructure:"executor" yaml:"executor"`
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskengine/internal/backend"
	"github.com/aristath/taskengine/internal/cache"
	"github.com/aristath/taskengine/internal/orchestrator"
	"github.com/aristath/taskengine/internal/scheduler"
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Scheduler.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("scheduler.concurrency must be at least 1, got %d", c.Scheduler.Concurrency))
	}
	for label := range c.Priority.Complexity {
		if _, err := scheduler.ParseComplexity(label); err != nil {
			errs = append(errs, fmt.Errorf("priority.complexity: %w", err))
		}
	}
	for label, d := range c.Timeouts.Base {
		if _, err := scheduler.ParseComplexity(label); err != nil {
			errs = append(errs, fmt.Errorf("timeouts.base: %w", err))
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.base.%s must be positive", label))
		}
	}
	if c.Timeouts.Ceiling <= 0 {
		errs = append(errs, errors.New("timeouts.ceiling must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter_factor must be within [0, 1], got %g", c.Retry.JitterFactor))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be at least 1"))
	}
	if c.Breaker.CooldownMultiplier < 1 {
		errs = append(errs, fmt.Errorf("breaker.cooldown_multiplier must be at least 1, got %g", c.Breaker.CooldownMultiplier))
	}
	if c.Cache.NearThreshold > c.Cache.ExactThreshold {
		errs = append(errs, fmt.Errorf("cache.near_threshold (%g) exceeds cache.exact_threshold (%g)", c.Cache.NearThreshold, c.Cache.ExactThreshold))
	}
	switch c.Cache.Backend {
	case "memory", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be memory, sqlite or redis, got %q", c.Cache.Backend))
	}
	switch c.Logger.Encoding {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logger.encoding must be json or console, got %q", c.Logger.Encoding))
	}

	return errors.Join(errs...)
}

// PriorityWeights converts the priority section. Call after Validate.
func (c *Config) PriorityWeights() scheduler.PriorityWeights {
	w := scheduler.PriorityWeights{
		Complexity:     make(map[scheduler.Complexity]int, len(c.Priority.Complexity)),
		Category:       make(map[scheduler.Category]int, len(c.Priority.Category)),
		MaxFanOutBonus: c.Priority.MaxFanOutBonus,
	}
	for label, v := range c.Priority.Complexity {
		if cx, err := scheduler.ParseComplexity(label); err == nil {
			w.Complexity[cx] = v
		}
	}
	for label, v := range c.Priority.Category {
		w.Category[scheduler.NormalizeCategory(label)] = v
	}
	return w
}

// TimeoutPolicy converts the timeouts section. Call after Validate.
func (c *Config) TimeoutPolicy() scheduler.TimeoutPolicy {
	p := scheduler.TimeoutPolicy{
		Base:                make(map[scheduler.Complexity]time.Duration, len(c.Timeouts.Base)),
		CategoryMultipliers: make(map[scheduler.Category]float64, len(c.Timeouts.CategoryMultipliers)),
		RetryPenalty:        c.Timeouts.RetryPenalty,
		Ceiling:             c.Timeouts.Ceiling,
	}
	for label, d := range c.Timeouts.Base {
		if cx, err := scheduler.ParseComplexity(label); err == nil {
			p.Base[cx] = d
		}
	}
	for label, m := range c.Timeouts.CategoryMultipliers {
		p.CategoryMultipliers[scheduler.NormalizeCategory(label)] = m
	}
	return p
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() orchestrator.RetryPolicy {
	return orchestrator.RetryPolicy{
		MaxAttempts:  c.Retry.MaxAttempts,
		BaseDelay:    c.Retry.BaseDelay,
		MaxDelay:     c.Retry.MaxDelay,
		JitterFactor: c.Retry.JitterFactor,
	}
}

// BreakerConfig converts the breaker section.
func (c *Config) BreakerConfig() orchestrator.BreakerConfig {
	return orchestrator.BreakerConfig{
		FailureThreshold:   c.Breaker.FailureThreshold,
		Cooldown:           c.Breaker.Cooldown,
		CooldownMultiplier: c.Breaker.CooldownMultiplier,
		MaxCooldown:        c.Breaker.MaxCooldown,
	}
}

// CacheConfig converts the cache section. Outputs shorter than
// MinOutputBytes after trimming are not cached.
func (c *Config) CacheConfig() cache.Config {
	minBytes := c.Cache.MinOutputBytes
	return cache.Config{
		ExactThreshold: c.Cache.ExactThreshold,
		NearThreshold:  c.Cache.NearThreshold,
		LookupTimeout:  c.Cache.LookupTimeout,
		StoreTimeout:   c.Cache.StoreTimeout,
		Candidates:     c.Cache.Candidates,
		Eligible: func(_ *scheduler.Task, output string) bool {
			return len(strings.TrimSpace(output)) >= minBytes
		},
	}
}

// CommandConfig converts the executor section.
func (c *Config) CommandConfig() backend.CommandConfig {
	return backend.CommandConfig{
		Command:           c.Executor.Command,
		Args:              c.Executor.Args,
		Env:               c.Executor.Env,
		WorkDir:           c.Executor.WorkDir,
		TerminalExitCodes: c.Executor.TerminalExitCodes,
	}
}

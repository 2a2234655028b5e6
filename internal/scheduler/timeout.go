package scheduler

import (
	"math"
	"time"
)

// TimeoutPolicy computes per-task execution deadlines.
//
// timeout = min(Ceiling, base*multiplier + base*RetryPenalty*retryCount)
type TimeoutPolicy struct {
	Base                map[Complexity]time.Duration
	CategoryMultipliers map[Category]float64 // Values below 1.0 are treated as 1.0
	RetryPenalty        float64              // Fraction of base added per prior retry
	Ceiling             time.Duration
}

// DefaultTimeoutPolicy returns the default base table, multipliers and ceiling.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Base: map[Complexity]time.Duration{
			ComplexitySimple:  5 * time.Minute,
			ComplexityMedium:  15 * time.Minute,
			ComplexityComplex: 45 * time.Minute,
			ComplexityMeta:    120 * time.Minute,
		},
		CategoryMultipliers: map[Category]float64{
			CategoryMeta:     1.0,
			CategorySecurity: 1.2,
			CategoryDatabase: 1.2,
		},
		RetryPenalty: 0.2,
		Ceiling:      3 * time.Hour,
	}
}

// Timeout computes the deadline for a task using the default policy.
func Timeout(task *Task) time.Duration {
	return DefaultTimeoutPolicy().Timeout(task)
}

// Timeout is pure and monotonically non-decreasing in task.RetryCount.
func (p TimeoutPolicy) Timeout(task *Task) time.Duration {
	base, ok := p.Base[task.Complexity]
	if !ok {
		base = p.Base[ComplexityMedium]
	}

	multiplier := 1.0
	if m, ok := p.CategoryMultipliers[task.Category]; ok && m > 1.0 {
		multiplier = m
	}

	retries := task.RetryCount
	if retries < 0 {
		retries = 0
	}

	penalty := p.RetryPenalty
	if penalty < 0 {
		penalty = 0
	}

	total := float64(base)*multiplier + float64(base)*penalty*float64(retries)
	if p.Ceiling > 0 && total > float64(p.Ceiling) {
		return p.Ceiling
	}
	return time.Duration(math.Round(total))
}

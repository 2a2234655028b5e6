package orchestrator

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/taskengine/internal/events"
)

// BreakerState is the externally visible state of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig configures every breaker created by a registry.
type BreakerConfig struct {
	FailureThreshold   uint32        // Consecutive failures that trip the breaker (default 5)
	Cooldown           time.Duration // First open period (default 30s)
	CooldownMultiplier float64       // Growth per failed trial (default 2.0)
	MaxCooldown        time.Duration // Cap on the open period (default 10m)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   5,
		Cooldown:           30 * time.Second,
		CooldownMultiplier: 2.0,
		MaxCooldown:        10 * time.Minute,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.CooldownMultiplier < 1 {
		c.CooldownMultiplier = d.CooldownMultiplier
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = max(c.Cooldown, d.MaxCooldown)
	}
	return c
}

// cooldownFor returns the open period after the given number of failed trials.
func (c BreakerConfig) cooldownFor(reopens int) time.Duration {
	d := float64(c.Cooldown) * math.Pow(c.CooldownMultiplier, float64(reopens))
	if d > float64(c.MaxCooldown) {
		return c.MaxCooldown
	}
	return time.Duration(d)
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Service             string
	State               BreakerState
	ConsecutiveFailures uint32
	OpenedAt            time.Time
	Cooldown            time.Duration
}

// EventPublisher receives progress and breaker events.
type EventPublisher interface {
	Publish(event events.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// Breaker guards calls to one downstream service. Half-open admits exactly
// one trial; each failed trial lengthens the next open period.
type Breaker struct {
	service string
	cfg     BreakerConfig
	log     *zap.Logger
	pub     EventPublisher

	// mu serializes every call into cb, so OnStateChange and ReadyToTrip
	// always run with mu held. The guarded call itself runs without it.
	mu           sync.Mutex
	cb           *gobreaker.TwoStepCircuitBreaker
	tripFailures uint32
	inTrial      bool
	reopens      int
	openedAt     time.Time
	openUntil    time.Time
	cooldown     time.Duration
}

func newBreaker(service string, cfg BreakerConfig, log *zap.Logger, pub EventPublisher) *Breaker {
	b := &Breaker{service: service, cfg: cfg, log: log, pub: pub, cooldown: cfg.Cooldown}

	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,            // Exactly one trial in half-open
		Interval:    0,            // Don't clear counts automatically
		Timeout:     cfg.Cooldown, // cb is never consulted before openUntil, so the escalated period wins
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				b.tripFailures = counts.ConsecutiveFailures
				return true
			}
			return false
		},
		OnStateChange: b.onStateChange,
	})

	return b
}

var errGuardedPanic = errors.New("guarded call panicked")

// breakerOutcome classifies a call result. Cancellation and errors that
// describe the request rather than the service are not counted either way.
func breakerOutcome(err error) (success, counted bool) {
	if err == nil {
		return true, true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, false
	}
	if IsTerminal(err) {
		return false, false
	}
	var ee *ExecutorError
	if errors.As(err, &ee) && !ee.Retryable {
		return false, false
	}
	return false, true
}

// onStateChange runs inside cb with mu held.
func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	now := time.Now()
	switch to {
	case gobreaker.StateOpen:
		if from == gobreaker.StateHalfOpen {
			b.reopens++
			b.tripFailures++
		} else {
			b.reopens = 0
		}
		b.cooldown = b.cfg.cooldownFor(b.reopens)
		b.openedAt = now
		b.openUntil = now.Add(b.cooldown)
	case gobreaker.StateClosed:
		b.reopens = 0
		b.cooldown = b.cfg.Cooldown
		b.openUntil = time.Time{}
		b.tripFailures = 0
	}

	b.log.Warn("Circuit breaker state change",
		zap.String("service", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Duration("cooldown", b.cooldown),
	)
	b.pub.Publish(events.BreakerStateEvent{
		Service:             name,
		From:                from.String(),
		To:                  to.String(),
		ConsecutiveFailures: b.tripFailures,
		Cooldown:            b.cooldown,
		Timestamp:           now,
	})
}

// Service returns the downstream service name this breaker guards.
func (b *Breaker) Service() string { return b.service }

// Execute runs fn unless the breaker is open. While open it returns a
// *CircuitOpenError without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	done, trial, err := b.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.settle(done, trial, errGuardedPanic)
			panic(r)
		}
	}()

	err = fn()
	b.settle(done, trial, err)
	return err
}

// admit decides whether a call may proceed. A half-open trial is tracked
// by Breaker and only reported to cb once its outcome counts.
func (b *Breaker) admit() (done func(bool), trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if time.Now().Before(b.openUntil) {
		return nil, false, &CircuitOpenError{Service: b.service, Until: b.openUntil}
	}

	if b.cb.State() == gobreaker.StateHalfOpen {
		if b.inTrial {
			return nil, false, &CircuitOpenError{Service: b.service}
		}
		b.inTrial = true
		return nil, true, nil
	}

	done, err = b.cb.Allow()
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return nil, false, &CircuitOpenError{Service: b.service, Until: b.openUntil}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, false, &CircuitOpenError{Service: b.service}
	}
	return done, false, err
}

func (b *Breaker) settle(done func(bool), trial bool, err error) {
	success, counted := breakerOutcome(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.inTrial = false
		if !counted {
			// Still half-open; the next call becomes the trial
			return
		}
		var aerr error
		if done, aerr = b.cb.Allow(); aerr != nil {
			return
		}
	}
	if counted && done != nil {
		done(success)
	}
}

// Snapshot returns the breaker's current state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		Service:  b.service,
		OpenedAt: b.openedAt,
		Cooldown: b.cooldown,
	}

	if time.Now().Before(b.openUntil) {
		snap.State = StateOpen
		snap.ConsecutiveFailures = b.tripFailures
		return snap
	}

	switch b.cb.State() {
	case gobreaker.StateOpen:
		snap.State = StateOpen
		snap.ConsecutiveFailures = b.tripFailures
	case gobreaker.StateHalfOpen:
		snap.State = StateHalfOpen
		snap.ConsecutiveFailures = b.tripFailures
	default:
		snap.State = StateClosed
		snap.ConsecutiveFailures = b.cb.Counts().ConsecutiveFailures
	}
	return snap
}

// BreakerRegistry manages one circuit breaker per downstream service name.
type BreakerRegistry struct {
	cfg BreakerConfig
	log *zap.Logger
	pub EventPublisher

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates a new circuit breaker registry. log and pub may be nil.
func NewBreakerRegistry(cfg BreakerConfig, log *zap.Logger, pub EventPublisher) *BreakerRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	return &BreakerRegistry{
		cfg:      cfg.withDefaults(),
		log:      log,
		pub:      pub,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the circuit breaker for the given service.
// Creates a new one if it doesn't exist.
func (r *BreakerRegistry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}

	b := newBreaker(service, r.cfg, r.log, r.pub)
	r.breakers[service] = b
	return b
}

// Snapshots returns the state of every breaker, sorted by service name.
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	snaps := make([]BreakerSnapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Service < snaps[j].Service })
	return snaps
}

// retryNotify is called before every re-attempt with the number of the
// attempt that just failed.
type retryNotify func(attempt int, err error, delay time.Duration)

// callWithRetry runs attempt under breaker protection with exponential backoff
// retry. It returns the number of attempts made and the final error.
func callWithRetry(ctx context.Context, br *Breaker, policy RetryPolicy, attempt func(ctx context.Context, n int) error, notify retryNotify) (int, error) {
	attempts := 0

	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		// Only attempts that reach the executor are counted
		err := br.Execute(func() error {
			attempts++
			return attempt(ctx, attempts)
		})
		if err == nil {
			return nil
		}

		// Circuit is open - don't retry
		var openErr *CircuitOpenError
		if errors.As(err, &openErr) {
			return backoff.Permanent(err)
		}

		// Context cancelled - stop retrying
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		// Attempt timeouts are always retried
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) {
			return err
		}

		var execErr *ExecutorError
		if errors.As(err, &execErr) {
			if !execErr.Retryable {
				return backoff.Permanent(err)
			}
			return err
		}

		if !policy.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.RetryNotify(operation, policy.backOff(ctx), func(err error, delay time.Duration) {
		if notify != nil {
			notify(attempts, err, delay)
		}
	})
	return attempts, err
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/taskengine/internal/events"
)

var errBackend = errors.New("backend unavailable")

func tripBreaker(t *testing.T, b *Breaker, failures int) {
	t.Helper()
	for i := 0; i < failures; i++ {
		if err := b.Execute(func() error { return errBackend }); !errors.Is(err, errBackend) {
			t.Fatalf("failure %d: Execute() error = %v, want errBackend", i+1, err)
		}
	}
}

// TestBreaker_OpensAfterThreshold verifies the breaker opens after the
// configured consecutive failures and then fails fast.
func TestBreaker_OpensAfterThreshold(t *testing.T) {
	pub := &recordingPublisher{}
	registry := NewBreakerRegistry(BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute}, nil, pub)
	b := registry.Get("model-api")

	tripBreaker(t, b, 4)
	if snap := b.Snapshot(); snap.State != StateClosed || snap.ConsecutiveFailures != 4 {
		t.Fatalf("after 4 failures: %+v, want closed with 4 failures", snap)
	}

	tripBreaker(t, b, 1)
	snap := b.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("after 5 failures: state = %s, want open", snap.State)
	}
	if snap.ConsecutiveFailures != 5 || snap.OpenedAt.IsZero() || snap.Cooldown != time.Minute {
		t.Errorf("snapshot = %+v", snap)
	}

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Execute() error = %v, want *CircuitOpenError", err)
	}
	if called {
		t.Error("underlying call was invoked while the breaker was open")
	}
	if openErr.Service != "model-api" {
		t.Errorf("CircuitOpenError.Service = %q", openErr.Service)
	}

	transitions := pub.ofType(events.EventTypeBreakerState)
	if len(transitions) != 1 {
		t.Fatalf("published %d breaker events, want 1", len(transitions))
	}
	if ev := transitions[0].(events.BreakerStateEvent); ev.From != "closed" || ev.To != "open" {
		t.Errorf("transition = %s -> %s", ev.From, ev.To)
	}
}

// TestBreaker_HalfOpenAllowsSingleTrial verifies that after cooldown exactly
// one call is let through while the others are rejected.
func TestBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	b := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, Cooldown: 30 * time.Millisecond}, nil, nil).Get("svc")
	tripBreaker(t, b, 2)

	time.Sleep(60 * time.Millisecond)
	if snap := b.Snapshot(); snap.State != StateHalfOpen {
		t.Fatalf("after cooldown: state = %s, want half-open", snap.State)
	}

	var trials atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	trialDone := make(chan error, 1)

	go func() {
		trialDone <- b.Execute(func() error {
			trials.Add(1)
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(func() error {
				trials.Add(1)
				return nil
			})
			var openErr *CircuitOpenError
			if errors.As(err, &openErr) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	close(release)
	if err := <-trialDone; err != nil {
		t.Fatalf("trial error = %v", err)
	}

	if trials.Load() != 1 {
		t.Errorf("%d calls reached the service in half-open, want 1", trials.Load())
	}
	if rejected.Load() != 5 {
		t.Errorf("%d concurrent calls rejected, want 5", rejected.Load())
	}

	snap := b.Snapshot()
	if snap.State != StateClosed || snap.ConsecutiveFailures != 0 {
		t.Errorf("after successful trial: %+v, want closed with 0 failures", snap)
	}
}

// TestBreaker_FailedTrialEscalatesCooldown verifies that a failed trial
// reopens the breaker for a longer period.
func TestBreaker_FailedTrialEscalatesCooldown(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold:   1,
		Cooldown:           20 * time.Millisecond,
		CooldownMultiplier: 3,
		MaxCooldown:        time.Second,
	}
	b := NewBreakerRegistry(cfg, nil, nil).Get("svc")

	tripBreaker(t, b, 1)
	time.Sleep(40 * time.Millisecond)

	// Trial fails
	if err := b.Execute(func() error { return errBackend }); !errors.Is(err, errBackend) {
		t.Fatalf("trial error = %v", err)
	}

	snap := b.Snapshot()
	if snap.State != StateOpen || snap.Cooldown != 60*time.Millisecond {
		t.Fatalf("after failed trial: %+v, want open with 60ms cooldown", snap)
	}

	// Past the first cooldown but inside the escalated one
	time.Sleep(30 * time.Millisecond)
	var openErr *CircuitOpenError
	if err := b.Execute(func() error { return nil }); !errors.As(err, &openErr) {
		t.Fatalf("Execute() inside escalated cooldown = %v, want *CircuitOpenError", err)
	}

	time.Sleep(60 * time.Millisecond)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("trial after escalated cooldown = %v", err)
	}
	if snap := b.Snapshot(); snap.State != StateClosed || snap.Cooldown != cfg.Cooldown {
		t.Errorf("after recovery: %+v, want closed with base cooldown", snap)
	}
}

func breakerTransitions(pub *recordingPublisher) []string {
	var out []string
	for _, e := range pub.ofType(events.EventTypeBreakerState) {
		ev := e.(events.BreakerStateEvent)
		out = append(out, ev.From+"->"+ev.To)
	}
	return out
}

// TestBreaker_EscalatedCooldownHoldsOpen verifies that nothing, including
// Snapshot, moves the breaker to half-open before the escalated period ends.
func TestBreaker_EscalatedCooldownHoldsOpen(t *testing.T) {
	pub := &recordingPublisher{}
	cfg := BreakerConfig{
		FailureThreshold:   1,
		Cooldown:           50 * time.Millisecond,
		CooldownMultiplier: 4,
		MaxCooldown:        time.Second,
	}
	b := NewBreakerRegistry(cfg, nil, pub).Get("svc")

	tripBreaker(t, b, 1)
	time.Sleep(70 * time.Millisecond)
	if err := b.Execute(func() error { return errBackend }); !errors.Is(err, errBackend) {
		t.Fatalf("trial error = %v", err)
	}

	// Past the base cooldown, well inside the escalated 200ms
	time.Sleep(80 * time.Millisecond)
	if snap := b.Snapshot(); snap.State != StateOpen || snap.Cooldown != 200*time.Millisecond {
		t.Errorf("inside escalated cooldown: %+v, want open with 200ms cooldown", snap)
	}
	var openErr *CircuitOpenError
	if err := b.Execute(func() error { return nil }); !errors.As(err, &openErr) {
		t.Errorf("Execute() inside escalated cooldown = %v, want *CircuitOpenError", err)
	}

	want := []string{"closed->open", "open->half-open", "half-open->open"}
	if got := breakerTransitions(pub); !reflect.DeepEqual(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}

	time.Sleep(150 * time.Millisecond)
	if snap := b.Snapshot(); snap.State != StateHalfOpen {
		t.Errorf("after escalated cooldown: state = %s, want half-open", snap.State)
	}
	want = append(want, "open->half-open")
	if got := breakerTransitions(pub); !reflect.DeepEqual(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

// TestBreaker_UncountedTrialStaysHalfOpen verifies a trial ending in
// cancellation or a request error neither closes nor reopens the breaker.
func TestBreaker_UncountedTrialStaysHalfOpen(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"cancelled", context.Canceled},
		{"deadline", fmt.Errorf("attempt: %w", context.DeadlineExceeded)},
		{"terminal", Terminal(errors.New("malformed input"))},
		{"non-retryable executor error", &ExecutorError{TaskID: "x", Err: errors.New("bad request")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			b := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: 20 * time.Millisecond}, nil, pub).Get("svc")

			tripBreaker(t, b, 1)
			time.Sleep(40 * time.Millisecond)

			if err := b.Execute(func() error { return tt.err }); !errors.Is(err, tt.err) {
				t.Fatalf("trial error = %v, want %v", err, tt.err)
			}
			if snap := b.Snapshot(); snap.State != StateHalfOpen {
				t.Fatalf("after uncounted trial: state = %s, want half-open", snap.State)
			}

			// The next call is admitted as the trial
			if err := b.Execute(func() error { return nil }); err != nil {
				t.Fatalf("second trial error = %v", err)
			}

			want := []string{"closed->open", "open->half-open", "half-open->closed"}
			if got := breakerTransitions(pub); !reflect.DeepEqual(got, want) {
				t.Errorf("transitions = %v, want %v", got, want)
			}
		})
	}
}

// TestBreaker_UncountedErrorsKeepFailureStreak verifies that cancellation
// between two failures neither resets nor extends the streak.
func TestBreaker_UncountedErrorsKeepFailureStreak(t *testing.T) {
	b := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, nil, nil).Get("svc")

	tripBreaker(t, b, 1)
	b.Execute(func() error { return context.Canceled })
	if snap := b.Snapshot(); snap.State != StateClosed || snap.ConsecutiveFailures != 1 {
		t.Fatalf("after cancellation: %+v, want closed with 1 failure", snap)
	}

	tripBreaker(t, b, 1)
	if snap := b.Snapshot(); snap.State != StateOpen {
		t.Errorf("state = %s, want open", snap.State)
	}
}

// TestBreaker_PanicCountsAsFailure verifies a panicking trial releases the
// half-open slot and reopens the breaker.
func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	b := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: 20 * time.Millisecond}, nil, nil).Get("svc")
	tripBreaker(t, b, 1)
	time.Sleep(40 * time.Millisecond)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic was swallowed")
			}
		}()
		b.Execute(func() error { panic("boom") })
	}()

	if snap := b.Snapshot(); snap.State != StateOpen {
		t.Errorf("after panicking trial: state = %s, want open", snap.State)
	}
}

func TestBreakerConfig_CooldownCapped(t *testing.T) {
	cfg := BreakerConfig{Cooldown: time.Second, CooldownMultiplier: 10, MaxCooldown: 5 * time.Second}.withDefaults()
	if got := cfg.cooldownFor(0); got != time.Second {
		t.Errorf("cooldownFor(0) = %v", got)
	}
	if got := cfg.cooldownFor(3); got != 5*time.Second {
		t.Errorf("cooldownFor(3) = %v, want cap 5s", got)
	}
}

// TestBreaker_IgnoresNonServiceFailures verifies cancellation and terminal
// errors do not trip the breaker.
func TestBreaker_IgnoresNonServiceFailures(t *testing.T) {
	b := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, nil, nil).Get("svc")

	for _, err := range []error{
		context.Canceled,
		fmt.Errorf("wrapped: %w", context.DeadlineExceeded),
		Terminal(errors.New("malformed input")),
		&ExecutorError{TaskID: "x", Err: errors.New("bad request"), Retryable: false},
	} {
		b.Execute(func() error { return err })
		b.Execute(func() error { return err })
	}

	if snap := b.Snapshot(); snap.State != StateClosed {
		t.Errorf("state = %s, want closed", snap.State)
	}

	// Timeouts do count
	timeout := &TimeoutError{TaskID: "x", Timeout: time.Second}
	b.Execute(func() error { return timeout })
	b.Execute(func() error { return timeout })
	if snap := b.Snapshot(); snap.State != StateOpen {
		t.Errorf("state after timeouts = %s, want open", snap.State)
	}
}

func TestBreakerRegistry_PerService(t *testing.T) {
	registry := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}, nil, nil)

	a1 := registry.Get("a")
	a2 := registry.Get("a")
	if a1 != a2 {
		t.Error("Get() returned different breakers for the same service")
	}

	tripBreaker(t, a1, 1)

	if err := registry.Get("b").Execute(func() error { return nil }); err != nil {
		t.Errorf("service b affected by service a: %v", err)
	}

	snaps := registry.Snapshots()
	if len(snaps) != 2 || snaps[0].Service != "a" || snaps[0].State != StateOpen || snaps[1].State != StateClosed {
		t.Errorf("Snapshots() = %+v", snaps)
	}
}

// TestCallWithRetry_TransientThenSuccess verifies transient failures are retried.
func TestCallWithRetry_TransientThenSuccess(t *testing.T) {
	b := NewBreakerRegistry(DefaultBreakerConfig(), nil, nil).Get("test")

	var notified []int
	attempts, err := callWithRetry(context.Background(), b, fastRetry(5),
		func(ctx context.Context, n int) error {
			if n < 3 {
				return fmt.Errorf("transient error %d", n)
			}
			return nil
		},
		func(attempt int, err error, delay time.Duration) {
			notified = append(notified, attempt)
		},
	)

	if err != nil {
		t.Fatalf("callWithRetry() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Errorf("retry notifications = %v, want [1 2]", notified)
	}
}

func TestCallWithRetry_StopConditions(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		policy       RetryPolicy
		wantAttempts int
	}{
		{
			name:         "retryable error exhausts attempts",
			err:          errors.New("flaky"),
			policy:       fastRetry(4),
			wantAttempts: 4,
		},
		{
			name:         "terminal error stops immediately",
			err:          Terminal(errors.New("malformed")),
			policy:       fastRetry(4),
			wantAttempts: 1,
		},
		{
			name:         "non-retryable executor error stops immediately",
			err:          &ExecutorError{TaskID: "t", Err: errors.New("bad"), Retryable: false},
			policy:       fastRetry(4),
			wantAttempts: 1,
		},
		{
			name:         "timeout is retried",
			err:          &TimeoutError{TaskID: "t", Timeout: time.Millisecond},
			policy:       fastRetry(3),
			wantAttempts: 3,
		},
		{
			name:         "single attempt policy",
			err:          errors.New("flaky"),
			policy:       fastRetry(1),
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBreakerRegistry(BreakerConfig{FailureThreshold: 100}, nil, nil).Get("svc")
			attempts, err := callWithRetry(context.Background(), b, tt.policy,
				func(ctx context.Context, n int) error { return tt.err }, nil)

			if !errors.Is(err, tt.err) {
				t.Errorf("error = %v, want %v", err, tt.err)
			}
			if attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts, tt.wantAttempts)
			}
		})
	}
}

// TestCallWithRetry_StopsWhenCircuitOpens verifies retries end once the
// breaker trips mid-sequence.
func TestCallWithRetry_StopsWhenCircuitOpens(t *testing.T) {
	b := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, nil, nil).Get("svc")

	attempts, err := callWithRetry(context.Background(), b, fastRetry(10),
		func(ctx context.Context, n int) error { return errBackend }, nil)

	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("error = %v, want *CircuitOpenError", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestCallWithRetry_ContextCancelled(t *testing.T) {
	b := NewBreakerRegistry(DefaultBreakerConfig(), nil, nil).Get("svc")

	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	done := make(chan struct{})
	var attempts int
	var err error
	go func() {
		defer close(done)
		attempts, err = callWithRetry(ctx, b, policy, func(ctx context.Context, n int) error {
			return errBackend
		}, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callWithRetry did not stop on cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestJitteredBackOff(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: 60 * time.Second, JitterFactor: 0.5}

	tests := []struct {
		attempt int
		random  float64
		want    time.Duration
	}{
		{attempt: 0, random: 0, want: time.Second},
		{attempt: 3, random: 0, want: 8 * time.Second},
		{attempt: 3, random: 1, want: 12 * time.Second},
		{attempt: 10, random: 0, want: 60 * time.Second},
		{attempt: 10, random: 1, want: 90 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d random %.0f", tt.attempt, tt.random), func(t *testing.T) {
			bo := &jitteredBackOff{policy: policy, rand: func() float64 { return tt.random }}
			if got := bo.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}

	bo := &jitteredBackOff{policy: policy, rand: func() float64 { return 0 }}
	first := bo.NextBackOff()
	bo.NextBackOff()
	bo.Reset()
	if again := bo.NextBackOff(); again != first {
		t.Errorf("after Reset() delay = %v, want %v", again, first)
	}
}

func TestErrorMessages(t *testing.T) {
	err := &IncompleteError{Failed: []string{"A"}, Blocked: []string{"C"}, Cause: context.Canceled}
	want := "run incomplete (failed: A; blocked: C): context canceled"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("IncompleteError does not unwrap its cause")
	}

	wrapped := &ExecutorError{TaskID: "A", Err: Terminal(errBackend)}
	if !errors.Is(wrapped, errBackend) || !IsTerminal(wrapped) {
		t.Error("ExecutorError does not unwrap to the terminal cause")
	}
	if Terminal(nil) != nil {
		t.Error("Terminal(nil) != nil")
	}
}

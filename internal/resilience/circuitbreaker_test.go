package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fail(context.Context) error    { return errTest }
func succeed(context.Context) error { return nil }

func trip(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := cb.Execute(context.Background(), fail); !errors.Is(err, errTest) {
			t.Fatalf("failure %d: err = %v, want errTest", i, err)
		}
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(Config{Name: "test"})
	if cb.cfg.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cb.cfg.FailureThreshold)
	}
	if cb.cfg.RecoveryTimeout != 30*time.Second {
		t.Errorf("RecoveryTimeout = %v, want 30s", cb.cfg.RecoveryTimeout)
	}
	if cb.cfg.SuccessThreshold != 2 {
		t.Errorf("SuccessThreshold = %d, want 2", cb.cfg.SuccessThreshold)
	}
	if cb.cfg.HalfOpenMaxCalls != 2 {
		t.Errorf("HalfOpenMaxCalls = %d, want 2", cb.cfg.HalfOpenMaxCalls)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedAllowsCalls(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(Config{Name: "test", FailureThreshold: 3})
	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestCircuitBreaker_FullCycle(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	var (
		mu          sync.Mutex
		transitions []State
	)
	cb := NewCircuitBreaker(Config{
		Name:             "fs",
		FailureThreshold: 3,
		RecoveryTimeout:  10 * time.Second,
		SuccessThreshold: 2,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	trip(t, cb, 3)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", cb.State())
	}

	// Rejected without invoking fn and with a retry-after hint.
	clock.Advance(4 * time.Second)
	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	var oerr *OpenError
	if !errors.As(err, &oerr) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want *OpenError matching ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("fn invoked while open")
	}
	if oerr.RetryAfter != 6*time.Second {
		t.Errorf("RetryAfter = %v, want 6s", oerr.RetryAfter)
	}
	if oerr.Name != "fs" {
		t.Errorf("Name = %q, want fs", oerr.Name)
	}

	clock.Advance(6 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after recovery timeout", cb.State())
	}

	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("first trial: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after one success", cb.State())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("second trial: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after two successes", cb.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(Config{Name: "test", FailureThreshold: 3})
	ctx := context.Background()

	// 2 failures, then a success: should not open.
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", cb.State())
	}

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateClosed {
		t.Fatal("should still be closed after 2 failures post-success")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	cb := NewCircuitBreaker(Config{
		Name:             "test",
		FailureThreshold: 2,
		RecoveryTimeout:  time.Second,
		Now:              clock.Now,
	})
	trip(t, cb, 2)
	clock.Advance(time.Second)

	if err := cb.Execute(context.Background(), fail); !errors.Is(err, errTest) {
		t.Fatalf("trial err = %v, want errTest", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", cb.State())
	}
	// The recovery timeout restarts from the trial failure.
	err := cb.Execute(context.Background(), succeed)
	var oerr *OpenError
	if !errors.As(err, &oerr) || oerr.RetryAfter != time.Second {
		t.Fatalf("err = %v, want open with full retry-after", err)
	}
}

func TestCircuitBreaker_HalfOpenLimitsConcurrentTrials(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	cb := NewCircuitBreaker(Config{
		Name:             "test",
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 1,
		HalfOpenMaxCalls: 1,
		Now:              clock.Now,
	})
	trip(t, cb, 1)
	clock.Advance(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := cb.Execute(context.Background(), succeed)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second trial err = %v, want ErrCircuitOpen", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first trial: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if got := cb.Stats().Rejections; got != 1 {
		t.Errorf("Rejections = %d, want 1", got)
	}
}

func TestCircuitBreaker_HalfOpenPanicReleasesTrial(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	cb := NewCircuitBreaker(Config{
		Name:             "test",
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 1,
		HalfOpenMaxCalls: 1,
		Now:              clock.Now,
	})
	trip(t, cb, 1)
	clock.Advance(time.Second)

	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Errorf("recovered %v, want the original panic", r)
			}
		}()
		_ = cb.Execute(context.Background(), func(context.Context) error { panic("kaboom") })
	}()

	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after panicking trial", cb.State())
	}
	clock.Advance(time.Second)
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("next trial err = %v, want nil", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedPanicCountsAsFailure(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(Config{Name: "test", FailureThreshold: 1, RecoveryTimeout: time.Minute})

	func() {
		defer func() { _ = recover() }()
		_ = cb.Execute(context.Background(), func(context.Context) error { panic("kaboom") })
	}()

	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_ExcludedAndUntrackedErrors(t *testing.T) {
	t.Parallel()
	errBadInput := errors.New("bad input")
	cb := NewCircuitBreaker(Config{
		Name:             "test",
		FailureThreshold: 2,
		IsExcluded:       func(err error) bool { return errors.Is(err, errBadInput) },
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return errBadInput })
		_ = cb.Execute(ctx, func(context.Context) error { return context.Canceled })
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed: excluded errors must not count", cb.State())
	}
	if got := cb.Stats().ConsecutiveFailures; got != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", got)
	}

	// An excluded error does not reset the failure streak either.
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, func(context.Context) error { return errBadInput })
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_DoneContextNotCounted(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(Config{Name: "test", FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return errTest })
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("err = %v called = %v, want context.Canceled without call", err, called)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(Config{
		Name:             "test",
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
	})
	trip(t, cb, 2)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if s := cb.Stats(); s.ConsecutiveFailures != 0 || !s.LastFailure.IsZero() {
		t.Errorf("stats after reset = %+v, want zeroed counters", s)
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestRegistry_OneBreakerPerName(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	a := reg.Get("mcp:a")
	if reg.Get("mcp:a") != a {
		t.Fatal("Get returned a different breaker for the same name")
	}
	b := reg.Get("mcp:b")
	if a == b {
		t.Fatal("distinct names share a breaker")
	}
	trip(t, a, 1)

	states := reg.States()
	if states["mcp:a"] != StateOpen || states["mcp:b"] != StateClosed {
		t.Errorf("States() = %v", states)
	}
	if names := reg.Names(); len(names) != 2 || names[0] != "mcp:a" {
		t.Errorf("Names() = %v", names)
	}
	if _, ok := reg.Lookup("mcp:c"); ok {
		t.Error("Lookup created a breaker")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

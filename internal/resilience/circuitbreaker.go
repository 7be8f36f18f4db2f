// Package resilience provides the circuit breaker that guards every call from
// the tool bridge to an external provider.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) that protects callers from cascading failures.
// [Registry] hands out exactly one breaker per dependency name for the life
// of the process.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is matched by the [*OpenError] returned from
// [CircuitBreaker.Execute] when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError reports a rejected call. RetryAfter is how long until the breaker
// will admit a trial call; it is zero when the breaker is half-open and its
// trial slots are taken.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrCircuitOpen) true.
func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state: all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the recovery timeout. A
	// limited number of concurrent trial calls are let through; enough
	// consecutive successes close the breaker and any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [CircuitBreaker].
type Config struct {
	// Name is a human-readable label used in log messages and errors.
	Name string

	// FailureThreshold is the number of consecutive tracked failures in the
	// closed state before the breaker opens. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open, measured from the
	// last failure, before admitting trial calls. Default: 30s.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive successful trial calls
	// in the half-open state needed to close the breaker. Default: 2.
	SuccessThreshold int

	// HalfOpenMaxCalls caps concurrent trial calls in the half-open state.
	// Default: SuccessThreshold.
	HalfOpenMaxCalls int

	// IsTracked decides whether an error counts as a failure. Default: every
	// error except context.Canceled.
	IsTracked func(error) bool

	// IsExcluded marks errors that are neither failures nor successes even
	// when IsTracked accepts them. Optional.
	IsExcluded func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	// Optional.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now in tests. Optional.
	Now func() time.Time
}

func (cfg Config) withDefaults() Config {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = cfg.SuccessThreshold
	}
	if cfg.IsTracked == nil {
		cfg.IsTracked = DefaultIsTracked
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// DefaultIsTracked counts every non-nil error except context.Canceled.
func DefaultIsTracked(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	HalfOpenInFlight     int
	LastFailure          time.Time
	Rejections           int64
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	generation      uint64
	consecutiveFail int
	consecutiveOK   int
	inFlight        int
	lastFailure     time.Time
	rejections      int64
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), state: StateClosed}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

type outcome int

const (
	outcomeIgnored outcome = iota
	outcomeSuccess
	outcomeFailure
)

func (cb *CircuitBreaker) classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case cb.cfg.IsExcluded != nil && cb.cfg.IsExcluded(err):
		return outcomeIgnored
	case cb.cfg.IsTracked(err):
		return outcomeFailure
	default:
		return outcomeIgnored
	}
}

// transition must be called with cb.mu held. It returns a function that fires
// the state change callback; callers run it after unlocking.
func (cb *CircuitBreaker) transition(to State) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	cb.generation++
	cb.inFlight = 0
	cb.consecutiveOK = 0
	if to == StateClosed {
		cb.consecutiveFail = 0
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from.String(), "consecutive_failures", cb.consecutiveFail)
	default:
		slog.Info("circuit breaker state change", "name", cb.cfg.Name, "from", from.String(), "to", to.String())
	}
	name, hook := cb.cfg.Name, cb.cfg.OnStateChange
	return func() {
		if hook != nil {
			hook(name, from, to)
		}
	}
}

// admit decides whether a call may proceed. It returns the generation the
// call belongs to, or an *OpenError.
func (cb *CircuitBreaker) admit() (uint64, func(), error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	notify := func() {}
	if cb.state == StateOpen {
		elapsed := cb.cfg.Now().Sub(cb.lastFailure)
		if elapsed < cb.cfg.RecoveryTimeout {
			cb.rejections++
			return 0, notify, &OpenError{Name: cb.cfg.Name, RetryAfter: cb.cfg.RecoveryTimeout - elapsed}
		}
		notify = cb.transition(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.inFlight >= cb.cfg.HalfOpenMaxCalls {
			cb.rejections++
			return 0, notify, &OpenError{Name: cb.cfg.Name}
		}
		cb.inFlight++
	}
	return cb.generation, notify, nil
}

// Execute runs fn if the breaker allows it. A rejected call returns an
// [*OpenError] without invoking fn and is not counted. A context that is
// already done is returned as is, also without counting. A panic in fn is
// recorded as a failure before it propagates.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gen, notify, err := cb.admit()
	notify()
	if err != nil {
		return err
	}

	returned := false
	defer func() {
		if !returned {
			cb.record(gen, outcomeFailure)
		}
	}()
	err = fn(ctx)
	returned = true
	cb.record(gen, cb.classify(err))
	return err
}

func (cb *CircuitBreaker) record(gen uint64, o outcome) {
	cb.mu.Lock()
	if gen != cb.generation {
		// The breaker changed state while the call ran; its result belongs
		// to a state that no longer exists.
		cb.mu.Unlock()
		return
	}
	notify := func() {}
	switch cb.state {
	case StateHalfOpen:
		cb.inFlight--
		switch o {
		case outcomeFailure:
			cb.lastFailure = cb.cfg.Now()
			cb.consecutiveFail++
			notify = cb.transition(StateOpen)
		case outcomeSuccess:
			cb.consecutiveOK++
			if cb.consecutiveOK >= cb.cfg.SuccessThreshold {
				notify = cb.transition(StateClosed)
			}
		}
	case StateClosed:
		switch o {
		case outcomeFailure:
			cb.lastFailure = cb.cfg.Now()
			cb.consecutiveFail++
			if cb.consecutiveFail >= cb.cfg.FailureThreshold {
				notify = cb.transition(StateOpen)
			}
		case outcomeSuccess:
			cb.consecutiveFail = 0
		}
	}
	cb.mu.Unlock()
	notify()
}

// State returns the current [State] of the breaker. If the breaker is open
// and the recovery timeout has elapsed, the returned state is
// [StateHalfOpen]; the actual transition happens on the next Execute call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() Stats {
	state := cb.State()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:                state,
		ConsecutiveFailures:  cb.consecutiveFail,
		ConsecutiveSuccesses: cb.consecutiveOK,
		HalfOpenInFlight:     cb.inFlight,
		LastFailure:          cb.lastFailure,
		Rejections:           cb.rejections,
	}
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// counters. Calls in flight at the time of the reset are not counted.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transition(StateClosed)
	cb.generation++
	cb.consecutiveFail = 0
	cb.consecutiveOK = 0
	cb.inFlight = 0
	cb.lastFailure = time.Time{}
	cb.mu.Unlock()
	notify()
	slog.Info("circuit breaker manually reset", "name", cb.cfg.Name)
}

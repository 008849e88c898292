// Package circuit isolates a flaky dependency behind a three-state breaker.
//
// One Breaker guards exactly one dependency. Consecutive failures trip it open;
// while open every call is rejected with an *OpenError without invoking the
// wrapped function. After the cool-down the next call is let through as a probe
// (half-open) and enough consecutive probe successes close it again.
//
//	breaker := circuit.New("transcription", circuit.WithFailureThreshold(5))
//
//	text, err := circuit.Run(ctx, breaker, func(ctx context.Context) (string, error) {
//	    return client.Transcribe(ctx, audio)
//	})
//	if circuit.IsOpen(err) {
//	    return fallback()
//	}
package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"radioguard/pkg/platform/sentinel"
)

// State is the breaker's position in its state machine.
type State int

const (
	StateClosed   State = iota // calls flow through, failures are counted
	StateOpen                  // calls are rejected until the cool-down elapses
	StateHalfOpen              // probe calls decide whether to close or reopen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is matched by every rejection a breaker produces.
var ErrOpen = fmt.Errorf("circuit open: %w", sentinel.ErrUnavailable)

// OpenError is returned when a call is rejected because the breaker is open.
type OpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Name, e.RetryAt.Format(time.RFC3339Nano))
}

func (e *OpenError) Unwrap() error {
	return ErrOpen
}

// IsOpen reports whether err is a circuit-open rejection.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultTimeout          = 60 * time.Second
)

// Breaker is a circuit breaker for a single dependency. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration

	state        State
	failureCount int
	successCount int
	nextAttempt  time.Time

	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets how many consecutive half-open successes close the circuit.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithTimeout sets the cool-down before an open circuit lets a probe through.
func WithTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(b *Breaker) {
		if c != nil {
			b.clock = c
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(b *Breaker) {
		b.metrics = m
	}
}

// New creates a closed breaker named after the dependency it guards.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: defaultFailureThreshold,
		successThreshold: defaultSuccessThreshold,
		timeout:          defaultTimeout,
		state:            StateClosed,
		clock:            clock.New(),
		logger:           slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.metrics.setState(b.name, StateClosed)
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn unless the circuit is open. fn's error is returned unchanged;
// a rejection returns *OpenError and fn is not called. A panic in fn is
// recorded as a failure and then propagated.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(ctx); err != nil {
		return err
	}
	completed := false
	defer func() {
		if completed {
			return
		}
		r := recover()
		b.record(ctx, fmt.Errorf("circuit %q: call panicked: %v", b.name, r))
		if r != nil {
			panic(r)
		}
	}()
	err := fn(ctx)
	completed = true
	b.record(ctx, err)
	return err
}

// Run is Execute for functions that produce a value.
func Run[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// admit decides, under the lock, whether a call may proceed.
func (b *Breaker) admit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	now := b.clock.Now()
	if now.Before(b.nextAttempt) {
		b.metrics.incRejected(b.name)
		b.logger.WarnContext(ctx, "circuit breaker rejected call",
			"breaker", b.name,
			"state", b.state.String(),
			"retry_at", b.nextAttempt,
		)
		return &OpenError{Name: b.name, RetryAt: b.nextAttempt}
	}

	b.successCount = 0
	b.transition(ctx, StateHalfOpen)
	return nil
}

func (b *Breaker) record(ctx context.Context, err error) {
	if err != nil && isCallerCancellation(ctx, err) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.onSuccess(ctx)
		return
	}
	b.onFailure(ctx, err)
}

// isCallerCancellation reports whether err stems from the caller abandoning the
// call rather than the dependency failing.
func isCallerCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) && ctx.Err() != nil
}

// Must be called while holding b.mu.
func (b *Breaker) onSuccess(ctx context.Context) {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.failureCount = 0
			b.successCount = 0
			b.transition(ctx, StateClosed)
		}
	case StateOpen:
		// A call admitted before a concurrent probe reopened the circuit.
	}
}

// Must be called while holding b.mu.
func (b *Breaker) onFailure(ctx context.Context, err error) {
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.open(ctx, err)
		}
	case StateHalfOpen:
		b.failureCount++
		b.open(ctx, err)
	case StateOpen:
	}
}

// Must be called while holding b.mu.
func (b *Breaker) open(ctx context.Context, cause error) {
	b.nextAttempt = b.clock.Now().Add(b.timeout)
	b.successCount = 0
	b.transition(ctx, StateOpen, "error", cause)
}

// Must be called while holding b.mu.
func (b *Breaker) transition(ctx context.Context, to State, attrs ...any) {
	from := b.state
	b.state = to
	b.metrics.setState(b.name, to)
	b.metrics.incTransition(b.name, to)

	args := []any{
		"breaker", b.name,
		"from", from.String(),
		"state", to.String(),
		"failure_count", b.failureCount,
		"success_count", b.successCount,
	}
	if to == StateOpen {
		args = append(args, "next_attempt", b.nextAttempt)
	}
	args = append(args, attrs...)

	switch to {
	case StateOpen:
		b.logger.WarnContext(ctx, "circuit breaker opened", args...)
	case StateHalfOpen:
		b.logger.InfoContext(ctx, "circuit breaker half-open", args...)
	default:
		b.logger.InfoContext(ctx, "circuit breaker closed", args...)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen reports whether the circuit is currently open.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Snapshot is a point-in-time view of a breaker for monitoring.
type Snapshot struct {
	Name         string     `json:"name"`
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	SuccessCount int        `json:"success_count"`
	NextAttempt  *time.Time `json:"next_attempt"`
}

// Metrics returns a snapshot of the breaker's counters. NextAttempt is nil
// unless the circuit is open.
func (b *Breaker) Metrics() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if b.state == StateOpen {
		next := b.nextAttempt
		s.NextAttempt = &next
	}
	return s
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.successCount = 0
	b.nextAttempt = time.Time{}
	if b.state != StateClosed {
		b.transition(context.Background(), StateClosed, "reason", "reset")
	}
}

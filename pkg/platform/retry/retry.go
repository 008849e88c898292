// Package retry re-runs failing dependency calls with exponential backoff.
//
// It sits inside the circuit breaker: a rejection from an open circuit is
// returned immediately instead of being retried.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"radioguard/pkg/platform/circuit"
)

const (
	defaultMaxRetries      = 2
	defaultInitialInterval = 2 * time.Second
	defaultMaxInterval     = 5 * time.Second
)

type config struct {
	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
	jitter          float64
	retryIf         func(error) bool
	logger          *slog.Logger
}

type Option func(*config)

// WithMaxRetries bounds the number of attempts after the first one.
func WithMaxRetries(n uint64) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

func WithInitialInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.initialInterval = d
		}
	}
}

func WithMaxInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.maxInterval = d
		}
	}
}

// WithJitter sets the randomization factor applied to each interval (0 disables it).
func WithJitter(f float64) Option {
	return func(c *config) {
		if f >= 0 && f < 1 {
			c.jitter = f
		}
	}
}

// WithRetryIf limits retries to errors for which fn returns true.
func WithRetryIf(fn func(error) bool) Option {
	return func(c *config) {
		if fn != nil {
			c.retryIf = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func newConfig(opts []Option) config {
	c := config{
		maxRetries:      defaultMaxRetries,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		multiplier:      2,
		jitter:          backoff.DefaultRandomizationFactor,
		retryIf:         func(error) bool { return true },
		logger:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	return c
}

func (c config) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval
	b.Multiplier = c.multiplier
	b.RandomizationFactor = c.jitter
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)
}

// Do runs fn until it succeeds, the retry budget is spent, ctx is done, or fn
// fails with an error that must not be retried. The last error from fn is
// returned unchanged.
func Do(ctx context.Context, fn func(ctx context.Context) error, opts ...Option) error {
	c := newConfig(opts)
	attempt := 0

	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(ctx, err, c.retryIf) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "retrying failed call",
			"attempt", attempt,
			"kind", Classify(err).String(),
			"retry_in_ms", wait.Milliseconds(),
			"error", err,
		)
	}
	return backoff.RetryNotify(op, c.backOff(ctx), notify)
}

// Run is Do for functions that produce a value.
func Run[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var result T
	err := Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	}, opts...)
	return result, err
}

func retryable(ctx context.Context, err error, retryIf func(error) bool) bool {
	if circuit.IsOpen(err) {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	return retryIf(err)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

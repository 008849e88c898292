// Package guard composes the resilience primitives in front of one external
// dependency. A call is admitted by the dependency's queue, passes its circuit
// breaker, and is retried with backoff before the breaker records the outcome.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"radioguard/internal/platform/config"
	"radioguard/pkg/platform/cache"
	"radioguard/pkg/platform/circuit"
	"radioguard/pkg/platform/queue"
	"radioguard/pkg/platform/retry"
	"radioguard/pkg/platform/sentinel"
)

const (
	defaultMarkerTTL = 2 * time.Minute
	defaultResultTTL = 5 * time.Minute
)

// ErrInProgress is returned by Cached when another instance already holds the
// in-progress marker for the key.
var ErrInProgress = fmt.Errorf("result is being computed elsewhere: %w", sentinel.ErrInvalidState)

// Guard protects one dependency.
type Guard struct {
	name    string
	queue   *queue.Queue
	breaker *circuit.Breaker
	retry   []retry.Option
	logger  *slog.Logger

	cache     cache.Store[cache.Slot]
	markerTTL time.Duration
	resultTTL time.Duration
	inflight  singleflight.Group
}

type Option func(*Guard)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRetry replaces the retry policy applied inside the breaker.
func WithRetry(opts ...retry.Option) Option {
	return func(g *Guard) {
		g.retry = opts
	}
}

// WithCache enables Cached. Results live for resultTTL, in-progress markers
// for markerTTL.
func WithCache(store cache.Store[cache.Slot], resultTTL, markerTTL time.Duration) Option {
	return func(g *Guard) {
		g.cache = store
		if resultTTL > 0 {
			g.resultTTL = resultTTL
		}
		if markerTTL > 0 {
			g.markerTTL = markerTTL
		}
	}
}

// New builds a guard around an existing queue and breaker. The guard owns the
// queue: Close destroys it.
func New(name string, q *queue.Queue, b *circuit.Breaker, opts ...Option) *Guard {
	g := &Guard{
		name:      name,
		queue:     q,
		breaker:   b,
		logger:    slog.New(slog.DiscardHandler),
		markerTTL: defaultMarkerTTL,
		resultTTL: defaultResultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Deps are the shared collaborators used by FromProfile.
type Deps struct {
	Logger *slog.Logger
	// Breakers, when set, owns the breaker so it is shared by name.
	Breakers       *circuit.Registry
	BreakerMetrics *circuit.Metrics
	QueueMetrics   *queue.Metrics
	Cache          cache.Store[cache.Slot]
}

// FromProfile builds the queue, breaker and retry policy described by p.
func FromProfile(name string, p config.Profile, deps Deps) *Guard {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	breakerOpts := []circuit.Option{
		circuit.WithFailureThreshold(p.Breaker.FailureThreshold),
		circuit.WithSuccessThreshold(p.Breaker.SuccessThreshold),
		circuit.WithTimeout(p.Breaker.Timeout),
		circuit.WithLogger(logger),
		circuit.WithMetrics(deps.BreakerMetrics),
	}
	var b *circuit.Breaker
	if deps.Breakers != nil {
		b = deps.Breakers.Register(name, breakerOpts...)
	} else {
		b = circuit.New(name, breakerOpts...)
	}
	queueOpts := []queue.Option{
		queue.WithLogger(logger),
		queue.WithMetrics(deps.QueueMetrics),
	}
	if p.Queue.AdaptiveConcurrency {
		queueOpts = append(queueOpts, queue.WithAdaptiveConcurrency(retry.IsRateLimit, p.Queue.RecoverAfter))
	}
	q := queue.New(name, queue.Config{
		MaxConcurrent:        p.Queue.MaxConcurrent,
		MaxRequestsPerWindow: p.Queue.MaxRequestsPerWindow,
		Window:               p.Queue.Window,
	}, queueOpts...)
	opts := []Option{
		WithLogger(logger),
		WithRetry(
			retry.WithMaxRetries(p.Retry.MaxRetries),
			retry.WithInitialInterval(p.Retry.InitialInterval),
			retry.WithMaxInterval(p.Retry.MaxInterval),
			retry.WithRetryIf(retry.Transient),
			retry.WithLogger(logger),
		),
	}
	if deps.Cache != nil {
		opts = append(opts, WithCache(deps.Cache, p.CacheTTL, 0))
	}
	return New(name, q, b, opts...)
}

func (g *Guard) Name() string { return g.name }

func (g *Guard) Breaker() *circuit.Breaker { return g.breaker }

func (g *Guard) Queue() *queue.Queue { return g.queue }

// Call runs fn through queue, breaker and retry. Errors from fn come back
// unchanged; a rejection by the open breaker is a *circuit.OpenError.
func (g *Guard) Call(ctx context.Context, fn func(ctx context.Context) error, priority int) error {
	return g.queue.Do(ctx, func(ctx context.Context) error {
		return g.breaker.Execute(ctx, func(ctx context.Context) error {
			return retry.Do(ctx, fn, g.retry...)
		})
	}, priority)
}

// Run is Call for functions that produce a value.
func Run[T any](ctx context.Context, g *Guard, priority int, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := g.Call(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	}, priority)
	return result, err
}

// Cached memoizes fn under key. Concurrent callers in this process share one
// call; across instances the first to write the in-progress marker does the
// work and the others get ErrInProgress until the result lands. On failure the
// marker is removed so the next caller can retry.
//
// The shared call outlives a cancelled caller so that the others, and the
// cache, still receive the result.
func Cached[T any](ctx context.Context, g *Guard, key string, priority int, fn func(ctx context.Context) (T, error)) (T, error) {
	if g.cache == nil {
		return Run(ctx, g, priority, fn)
	}

	if v, ok := g.lookup(ctx, key); ok {
		return cache.Decode[T](v)
	}

	ch := g.inflight.DoChan(key, func() (any, error) {
		return g.compute(context.WithoutCancel(ctx), key, func(ctx context.Context) (cache.Slot, error) {
			result, err := Run(ctx, g, priority, fn)
			if err != nil {
				return cache.Slot{}, err
			}
			return cache.Ready(result)
		})
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return cache.Decode[T](res.Val.(cache.Slot))
	}
}

// lookup returns a finished result for key. Backend errors count as a miss.
func (g *Guard) lookup(ctx context.Context, key string) (cache.Slot, bool) {
	slot, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		g.logger.WarnContext(ctx, "cache lookup failed",
			"dependency", g.name,
			"key", key,
			"error", err,
		)
		return cache.Slot{}, false
	}
	if !ok || slot.InProgress {
		return cache.Slot{}, false
	}
	return slot, true
}

func (g *Guard) compute(ctx context.Context, key string, work func(ctx context.Context) (cache.Slot, error)) (cache.Slot, error) {
	claimed, err := g.cache.SetIfAbsent(ctx, key, cache.InProgress(), g.markerTTL)
	if err != nil {
		// Without a working cache the call still goes through, unmemoized.
		g.logger.WarnContext(ctx, "cache unavailable, calling without memoization",
			"dependency", g.name,
			"key", key,
			"error", err,
		)
		return work(ctx)
	}
	if !claimed {
		if slot, ok := g.lookup(ctx, key); ok {
			return slot, nil
		}
		g.logger.InfoContext(ctx, "duplicate request skipped, result in progress",
			"dependency", g.name,
			"key", key,
		)
		return cache.Slot{}, fmt.Errorf("%s %s: %w", g.name, key, ErrInProgress)
	}

	slot, err := work(ctx)
	if err != nil {
		if delErr := g.cache.Delete(ctx, key); delErr != nil {
			g.logger.ErrorContext(ctx, "failed to clear in-progress marker",
				"dependency", g.name,
				"key", key,
				"error", delErr,
			)
		}
		return cache.Slot{}, err
	}
	if err := g.cache.Set(ctx, key, slot, g.resultTTL); err != nil {
		g.logger.WarnContext(ctx, "failed to cache result",
			"dependency", g.name,
			"key", key,
			"error", err,
		)
	}
	return slot, nil
}

// Status is a point-in-time view of one dependency's protection.
type Status struct {
	Name    string           `json:"name"`
	Breaker circuit.Snapshot `json:"breaker"`
	Queue   queue.Snapshot   `json:"queue"`
}

func (g *Guard) Status() Status {
	return Status{
		Name:    g.name,
		Breaker: g.breaker.Metrics(),
		Queue:   g.queue.Metrics(),
	}
}

// Close destroys the queue. Calls already admitted or pending still finish.
func (g *Guard) Close() {
	g.queue.Destroy()
}

// IsUnavailable reports whether err means the dependency was not called
// because it is isolated or shutting down, rather than failing on its own.
func IsUnavailable(err error) bool {
	return circuit.IsOpen(err) || errors.Is(err, sentinel.ErrClosed)
}

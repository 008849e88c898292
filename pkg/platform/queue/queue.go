// Package queue admits calls against a dependency only when both a
// concurrency budget and a rolling-window rate budget allow it.
//
// Pending calls are ordered by priority (higher first) and then by arrival.
// Admitted calls run on their own goroutine; a call that never returns keeps
// its slot, so wrapped functions must enforce their own timeouts.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"radioguard/pkg/platform/sentinel"
)

const (
	defaultWindow        = time.Minute
	defaultSweepInterval = time.Minute
)

// Config bounds admission for one dependency.
type Config struct {
	// MaxConcurrent is the number of calls allowed to run at once.
	MaxConcurrent int
	// MaxRequestsPerWindow is the number of admissions allowed in any trailing Window.
	MaxRequestsPerWindow int
	Window               time.Duration
}

func (c Config) normalized() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.MaxRequestsPerWindow <= 0 {
		c.MaxRequestsPerWindow = math.MaxInt
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	return c
}

// Func is the unit of work a queue admits.
type Func func(ctx context.Context) error

// Queue is a priority request queue with concurrency and rate limits.
type Queue struct {
	mu sync.Mutex

	name string
	cfg  Config

	pending    itemHeap
	seq        uint64
	running    int
	generation uint64
	timestamps []time.Time // admission times inside the current window, oldest first

	// limit is the concurrency bound in force; equal to cfg.MaxConcurrent
	// unless adaptive backpressure has lowered it.
	limit         int
	shrinkOn      func(error) bool
	recoverAfter  int
	successStreak int

	wakeup    *clock.Timer
	destroyed bool
	stop      chan struct{}

	clock         clock.Clock
	sweepInterval time.Duration
	logger        *slog.Logger
	metrics       *Metrics
}

type Option func(*Queue)

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithAdaptiveConcurrency lowers the concurrency bound by one, never below one,
// each time a call fails with an error shrinkOn accepts. After recoverAfter
// consecutive successes the bound is raised by one, up to MaxConcurrent.
// A recoverAfter of zero keeps the bound lowered.
func WithAdaptiveConcurrency(shrinkOn func(error) bool, recoverAfter int) Option {
	return func(q *Queue) {
		q.shrinkOn = shrinkOn
		q.recoverAfter = max(recoverAfter, 0)
	}
}

// WithSweepInterval sets how often idle timestamps are pruned.
func WithSweepInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.sweepInterval = d
		}
	}
}

// New creates a queue and starts its periodic sweep. Call Destroy to release it.
func New(name string, cfg Config, opts ...Option) *Queue {
	q := &Queue{
		name:          name,
		cfg:           cfg.normalized(),
		stop:          make(chan struct{}),
		clock:         clock.New(),
		sweepInterval: defaultSweepInterval,
		logger:        slog.New(slog.DiscardHandler),
	}
	q.limit = q.cfg.MaxConcurrent
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.metrics.setLimit(q.name, q.limit)
	ticker := q.clock.Ticker(q.sweepInterval)
	go q.sweepLoop(ticker)
	return q
}

// Name returns the dependency name.
func (q *Queue) Name() string {
	return q.name
}

// Submit inserts fn into the pending list and returns immediately. fn receives
// ctx once admitted; cancelling ctx does not remove a pending call.
func (q *Queue) Submit(ctx context.Context, fn Func, priority int) *Future {
	f := newFuture()

	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		f.resolve(fmt.Errorf("queue %q: %w", q.name, sentinel.ErrClosed))
		return f
	}
	q.seq++
	heap.Push(&q.pending, &item{
		ctx:        ctx,
		fn:         fn,
		priority:   priority,
		seq:        q.seq,
		enqueuedAt: q.clock.Now(),
		future:     f,
	})
	depth := q.pending.Len()
	q.metrics.setDepth(q.name, depth)
	q.mu.Unlock()

	q.logger.DebugContext(ctx, "request queued",
		"queue", q.name,
		"priority", priority,
		"queue_length", depth,
	)

	q.process()
	return f
}

// Do submits fn and waits for its outcome.
func (q *Queue) Do(ctx context.Context, fn Func, priority int) error {
	return q.Submit(ctx, fn, priority).Wait(ctx)
}

// Run is Do for functions that produce a value.
func Run[T any](ctx context.Context, q *Queue, priority int, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := q.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	}, priority)
	return result, err
}

// process admits as many pending items as the budgets allow and starts them.
func (q *Queue) process() {
	q.mu.Lock()
	now := q.clock.Now()
	q.prune(now)

	var admitted []*item
	for q.pending.Len() > 0 &&
		q.running < q.limit &&
		len(q.timestamps) < q.cfg.MaxRequestsPerWindow {
		it := heap.Pop(&q.pending).(*item)
		it.generation = q.generation
		q.timestamps = append(q.timestamps, now)
		q.running++
		admitted = append(admitted, it)
	}

	rateLimited := q.pending.Len() > 0 &&
		q.running < q.limit &&
		len(q.timestamps) >= q.cfg.MaxRequestsPerWindow
	if rateLimited {
		q.armWakeup(now)
	}

	q.metrics.setDepth(q.name, q.pending.Len())
	q.metrics.setRunning(q.name, q.running)
	q.mu.Unlock()

	for _, it := range admitted {
		wait := now.Sub(it.enqueuedAt)
		q.metrics.observeAdmission(q.name, wait)
		q.logger.DebugContext(it.ctx, "request admitted",
			"queue", q.name,
			"priority", it.priority,
			"wait_ms", wait.Milliseconds(),
		)
		go q.execute(it)
	}
}

// armWakeup schedules another admission pass for when the oldest timestamp
// leaves the window. Must be called while holding q.mu.
func (q *Queue) armWakeup(now time.Time) {
	if q.wakeup != nil || len(q.timestamps) == 0 {
		return
	}
	delay := q.timestamps[0].Add(q.cfg.Window).Sub(now)
	q.logger.Debug("queue rate limited",
		"queue", q.name,
		"queue_length", q.pending.Len(),
		"retry_in_ms", delay.Milliseconds(),
	)
	q.wakeup = q.clock.AfterFunc(delay, func() {
		q.mu.Lock()
		q.wakeup = nil
		q.mu.Unlock()
		q.process()
	})
}

func (q *Queue) execute(it *item) {
	err := q.call(it)

	q.mu.Lock()
	if it.generation == q.generation && q.running > 0 {
		q.running--
	}
	q.adapt(it.ctx, err)
	q.metrics.setRunning(q.name, q.running)
	q.mu.Unlock()

	it.future.resolve(err)
	q.process()
}

// adapt applies adaptive backpressure for a finished call. Must be called while
// holding q.mu.
func (q *Queue) adapt(ctx context.Context, err error) {
	if q.shrinkOn == nil {
		return
	}
	switch {
	case err == nil:
		if q.limit >= q.cfg.MaxConcurrent || q.recoverAfter == 0 {
			return
		}
		q.successStreak++
		if q.successStreak < q.recoverAfter {
			return
		}
		q.successStreak = 0
		q.limit++
		q.logger.InfoContext(ctx, "queue concurrency raised",
			"queue", q.name,
			"limit", q.limit,
		)
	case q.shrinkOn(err):
		q.successStreak = 0
		if q.limit <= 1 {
			return
		}
		q.limit--
		q.logger.WarnContext(ctx, "queue concurrency lowered",
			"queue", q.name,
			"limit", q.limit,
			"error", err,
		)
	default:
		q.successStreak = 0
		return
	}
	q.metrics.setLimit(q.name, q.limit)
}

func (q *Queue) call(it *item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue %q: panic in queued call: %v", q.name, r)
			q.logger.ErrorContext(it.ctx, "queued call panicked", "queue", q.name, "panic", r)
		}
	}()
	return it.fn(it.ctx)
}

// prune drops timestamps older than the window. Must be called while holding q.mu.
func (q *Queue) prune(now time.Time) {
	cutoff := now.Add(-q.cfg.Window)
	i := 0
	for ; i < len(q.timestamps); i++ {
		if q.timestamps[i].After(cutoff) {
			break
		}
	}
	q.timestamps = q.timestamps[i:]
}

func (q *Queue) sweepLoop(ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.mu.Lock()
			q.prune(q.clock.Now())
			q.mu.Unlock()
		}
	}
}

// Snapshot is a point-in-time view of the queue for backpressure monitoring.
type Snapshot struct {
	Name             string        `json:"name"`
	QueueLength      int           `json:"queue_length"`
	Running          int           `json:"running"`
	RequestsInWindow int           `json:"requests_in_window"`
	OldestWait       time.Duration `json:"oldest_wait_ns"`
	ConcurrencyLimit int           `json:"concurrency_limit"`
}

// Metrics returns the queue depth, running count, in-window admissions and the
// wait time of the oldest pending item.
func (q *Queue) Metrics() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	q.prune(now)

	s := Snapshot{
		Name:             q.name,
		QueueLength:      q.pending.Len(),
		Running:          q.running,
		RequestsInWindow: len(q.timestamps),
		ConcurrencyLimit: q.limit,
	}
	for _, it := range q.pending {
		if wait := now.Sub(it.enqueuedAt); wait > s.OldestWait {
			s.OldestWait = wait
		}
	}
	return s
}

// Clear drops all pending items and forgets running ones. Futures of dropped
// items are never resolved; intended for tests and emergency drains only.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = nil
	q.running = 0
	q.generation++
	q.metrics.setDepth(q.name, 0)
	q.metrics.setRunning(q.name, 0)
}

// Destroy stops the periodic sweep. Later submissions fail with sentinel.ErrClosed.
func (q *Queue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.destroyed {
		return
	}
	q.destroyed = true
	close(q.stop)
}

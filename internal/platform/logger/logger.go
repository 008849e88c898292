// Package logger produces leveled, structured, context-enriched log entries and
// hands them to pluggable transports.
//
// Logging never blocks on or fails because of a transport: entries are queued
// and dispatched by a background worker, and transport errors are reported to
// a fallback writer (stderr by default).
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"

	"radioguard/pkg/requestcontext"
)

const defaultWriteTimeout = 10 * time.Second

// Config configures a Logger. The zero value logs DEBUG and above to no
// transports, reporting failures to stderr.
type Config struct {
	Level Level
	// Fields are attached to every entry.
	Fields Fields
	// Fallback receives transport failures. Defaults to os.Stderr.
	Fallback io.Writer
	// WriteTimeout bounds each transport's Log call.
	WriteTimeout time.Duration
	Clock        clock.Clock
	Metrics      *Metrics
}

// Logger is safe for concurrent use. Loggers derived with Child share the
// parent's transports and dispatch worker.
type Logger struct {
	core   *core
	level  Level
	fields Fields
	clock  clock.Clock
}

// New creates a logger and starts its dispatch worker. Call Close at shutdown.
func New(cfg Config, transports ...Transport) *Logger {
	if cfg.Fallback == nil {
		cfg.Fallback = os.Stderr
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	c := newCore(transports, cfg)
	go c.run()

	return &Logger{
		core:   c,
		level:  cfg.Level,
		fields: normalizeFields(cfg.Fields),
		clock:  cfg.Clock,
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, LevelDebug, msg, args)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, LevelInfo, msg, args)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, LevelWarn, msg, args)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, LevelError, msg, args)
}

func (l *Logger) Critical(ctx context.Context, msg string, args ...any) {
	l.log(ctx, LevelCritical, msg, args)
}

// Log records msg at level. args are alternating keys and values, slog.Attr
// values, or Fields maps.
func (l *Logger) Log(ctx context.Context, level Level, msg string, args ...any) {
	l.log(ctx, level, msg, args)
}

// Enabled reports whether entries at level are recorded.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

// Child returns a logger whose entries carry fields in addition to the
// parent's; on a key collision the child's value wins.
func (l *Logger) Child(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range normalizeFields(fields) {
		merged[k] = v
	}
	return &Logger{core: l.core, level: l.level, fields: merged, clock: l.clock}
}

// Flush waits until every entry logged so far has been handed to the
// transports, then flushes all transports concurrently. Transport failures go
// to the fallback writer; only ctx expiry is returned.
func (l *Logger) Flush(ctx context.Context) error {
	return l.core.flush(ctx)
}

// Close flushes, stops the dispatch worker and closes transports that
// implement Closer. Entries logged afterwards are dropped.
func (l *Logger) Close(ctx context.Context) error {
	return l.core.close(ctx)
}

func (l *Logger) log(ctx context.Context, level Level, msg string, args []any) {
	l.logAt(ctx, l.clock.Now(), level, msg, args)
}

func (l *Logger) logAt(ctx context.Context, ts time.Time, level Level, msg string, args []any) {
	if level < l.level {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	fields := make(Fields, len(l.fields)+len(args)/2+2)
	for k, v := range l.fields {
		fields[k] = v
	}
	extra := make(Fields, len(args)/2)
	addArgs(extra, args)
	for k, v := range normalizeFields(extra) {
		fields[k] = v
	}

	e := Entry{Timestamp: ts, Level: level, Message: msg, Fields: fields}
	enrich(ctx, &e)
	l.core.enqueue(e)
}

// enrich fills the correlation and job ids from explicit fields, falling back
// to the request context, and adds trace ids from an active span.
func enrich(ctx context.Context, e *Entry) {
	if id, ok := e.Fields[keyCorrelationID].(string); ok && id != "" {
		e.CorrelationID = id
	} else if id, ok := requestcontext.CorrelationID(ctx); ok {
		e.CorrelationID = id
	}
	delete(e.Fields, keyCorrelationID)

	if id, ok := e.Fields[keyJobID].(string); ok && id != "" {
		e.JobID = id
	} else if id, ok := requestcontext.JobID(ctx); ok {
		e.JobID = id
	}
	delete(e.Fields, keyJobID)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		if _, ok := e.Fields[keyTraceID]; !ok {
			e.Fields[keyTraceID] = sc.TraceID().String()
		}
		if _, ok := e.Fields[keySpanID]; !ok {
			e.Fields[keySpanID] = sc.SpanID().String()
		}
	}
}

// core is the dispatch machinery shared by a logger and its children.
type core struct {
	transports   []Transport
	writeTimeout time.Duration
	metrics      *Metrics

	mu         sync.Mutex
	pending    []Entry
	enqueued   uint64
	dispatched uint64
	progress   chan struct{} // closed and replaced whenever dispatched advances
	closed     bool
	dropNoted  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	fallbackMu sync.Mutex
	fallback   io.Writer
}

func newCore(transports []Transport, cfg Config) *core {
	ts := make([]Transport, 0, len(transports))
	for _, t := range transports {
		if t != nil {
			ts = append(ts, t)
		}
	}
	return &core{
		transports:   ts,
		writeTimeout: cfg.WriteTimeout,
		metrics:      cfg.Metrics,
		progress:     make(chan struct{}),
		wake:         make(chan struct{}, 1),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		fallback:     cfg.Fallback,
	}
}

func (c *core) enqueue(e Entry) {
	c.mu.Lock()
	if c.closed {
		first := !c.dropNoted
		c.dropNoted = true
		c.mu.Unlock()
		c.metrics.dropped()
		if first {
			c.report("logger", fmt.Errorf("entry logged after close dropped: %q", e.Message))
		}
		return
	}
	c.pending = append(c.pending, e)
	c.enqueued++
	c.mu.Unlock()

	c.metrics.entry(e.Level)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *core) run() {
	defer close(c.done)
	for {
		select {
		case <-c.wake:
			c.drain()
		case <-c.quit:
			c.drain()
			return
		}
	}
}

func (c *core) drain() {
	for {
		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()
		if len(batch) == 0 {
			return
		}

		for _, e := range batch {
			c.dispatch(e)
		}

		c.mu.Lock()
		c.dispatched += uint64(len(batch))
		close(c.progress)
		c.progress = make(chan struct{})
		c.mu.Unlock()
	}
}

// dispatch hands e to every eligible transport concurrently and waits for all of them.
func (c *core) dispatch(e Entry) {
	var wg sync.WaitGroup
	for _, t := range c.transports {
		if !t.Enabled() || e.Level < t.MinLevel() {
			continue
		}
		wg.Add(1)
		go func(t Transport) {
			defer wg.Done()
			c.guard(t, func(ctx context.Context) error { return t.Log(ctx, e) })
		}(t)
	}
	wg.Wait()
}

// guard runs op against t with a timeout, reporting errors and panics.
func (c *core) guard(t Transport, op func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.transportFailed(t.Name(), fmt.Errorf("panic: %v", r))
		}
	}()
	if err := op(ctx); err != nil {
		c.transportFailed(t.Name(), err)
	}
}

func (c *core) flush(ctx context.Context) error {
	if err := c.waitDispatched(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, t := range c.transports {
		wg.Add(1)
		go func(t Transport) {
			defer wg.Done()
			c.guard(t, t.Flush)
		}(t)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *core) waitDispatched(ctx context.Context) error {
	c.mu.Lock()
	target := c.enqueued
	for c.dispatched < target {
		progress := c.progress
		c.mu.Unlock()
		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	c.mu.Unlock()
	return nil
}

func (c *core) close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.flush(ctx)
	close(c.quit)
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, t := range c.transports {
		if closer, ok := t.(Closer); ok {
			if cerr := closer.Close(); cerr != nil {
				c.transportFailed(t.Name(), cerr)
			}
		}
	}
	return err
}

func (c *core) transportFailed(name string, err error) {
	c.metrics.transportFailed(name)
	c.report(name, err)
}

// report writes one line to the fallback writer. It never fails.
func (c *core) report(source string, err error) {
	c.fallbackMu.Lock()
	defer c.fallbackMu.Unlock()
	_, _ = fmt.Fprintf(c.fallback, "%s [logger] %s: %v\n",
		time.Now().UTC().Format(time.RFC3339), source, err)
}

// Slog returns a *slog.Logger that records through this logger.
func (l *Logger) Slog() *slog.Logger {
	return slog.New(&handler{logger: l})
}

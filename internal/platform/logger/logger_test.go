package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/trace"

	"radioguard/pkg/requestcontext"
)

// memTransport records entries in memory.
type memTransport struct {
	name     string
	min      Level
	disabled bool

	mu       sync.Mutex
	entries  []Entry
	flushes  int
	logErr   error
	flushErr error
	panics   bool
	gate     chan struct{}
}

func (t *memTransport) Name() string    { return t.name }
func (t *memTransport) Enabled() bool   { return !t.disabled }
func (t *memTransport) MinLevel() Level { return t.min }

func (t *memTransport) Log(ctx context.Context, e Entry) error {
	if t.gate != nil {
		<-t.gate
	}
	if t.panics {
		panic("sink exploded")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
	return t.logErr
}

func (t *memTransport) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushes++
	return t.flushErr
}

func (t *memTransport) snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type LoggerSuite struct {
	suite.Suite
	ctx      context.Context
	clock    *clock.Mock
	fallback *syncBuffer
	sink     *memTransport
	logger   *Logger
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerSuite))
}

func (s *LoggerSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewMock()
	s.fallback = &syncBuffer{}
	s.sink = &memTransport{name: "mem", min: LevelDebug}
	s.logger = s.newLogger(s.sink)
}

func (s *LoggerSuite) newLogger(transports ...Transport) *Logger {
	l := New(Config{Level: LevelDebug, Fallback: s.fallback, Clock: s.clock}, transports...)
	s.T().Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func (s *LoggerSuite) flush(l *Logger) {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	s.Require().NoError(l.Flush(ctx))
}

func (s *LoggerSuite) TestEntryShape() {
	s.logger.Info(s.ctx, "transcription started", "file", "engine-7.wav", "segments", 12)
	s.flush(s.logger)

	entries := s.sink.snapshot()
	s.Require().Len(entries, 1)
	e := entries[0]
	s.Equal(LevelInfo, e.Level)
	s.Equal("transcription started", e.Message)
	s.Equal(s.clock.Now(), e.Timestamp)
	s.Equal("engine-7.wav", e.Fields["file"])
	s.Equal(12, e.Fields["segments"])
	s.Empty(e.CorrelationID)
}

func (s *LoggerSuite) TestSeverityMethodsAndFiltering() {
	warnOnly := &memTransport{name: "warn", min: LevelWarn}
	disabled := &memTransport{name: "off", disabled: true}
	l := s.newLogger(s.sink, warnOnly, disabled)

	l.Debug(s.ctx, "d")
	l.Info(s.ctx, "i")
	l.Warn(s.ctx, "w")
	l.Error(s.ctx, "e")
	l.Critical(s.ctx, "c")
	s.flush(l)

	s.Len(s.sink.snapshot(), 5)
	var levels []Level
	for _, e := range warnOnly.snapshot() {
		levels = append(levels, e.Level)
	}
	s.Equal([]Level{LevelWarn, LevelError, LevelCritical}, levels)
	s.Empty(disabled.snapshot())
}

func (s *LoggerSuite) TestLoggerLevelThreshold() {
	l := New(Config{Level: LevelWarn, Fallback: s.fallback}, s.sink)
	defer l.Close(s.ctx)

	l.Info(s.ctx, "ignored")
	l.Warn(s.ctx, "kept")
	s.flush(l)

	entries := s.sink.snapshot()
	s.Require().Len(entries, 1)
	s.Equal("kept", entries[0].Message)
	s.False(l.Enabled(LevelInfo))
}

func (s *LoggerSuite) TestRequestContextEnrichment() {
	err := requestcontext.RunWithContext(s.ctx, func(ctx context.Context) error {
		s.logger.Info(ctx, "from context")
		s.logger.Info(ctx, "explicit override", "correlation_id", "cor_override")
		return nil
	}, requestcontext.WithCorrelationID("cor_abc"), requestcontext.WithJobID("job_1"))
	s.Require().NoError(err)
	s.flush(s.logger)

	entries := s.sink.snapshot()
	s.Require().Len(entries, 2)
	s.Equal("cor_abc", entries[0].CorrelationID)
	s.Equal("job_1", entries[0].JobID)
	s.Equal("cor_override", entries[1].CorrelationID)
	s.Equal("job_1", entries[1].JobID)
	s.NotContains(entries[1].Fields, "correlation_id")
}

func (s *LoggerSuite) TestTraceEnrichment() {
	traceID := trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	spanID := trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8}
	ctx := trace.ContextWithSpanContext(s.ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	s.logger.Info(ctx, "traced")
	s.flush(s.logger)

	e := s.sink.snapshot()[0]
	s.Equal(traceID.String(), e.Fields["trace_id"])
	s.Equal(spanID.String(), e.Fields["span_id"])
}

func (s *LoggerSuite) TestChild() {
	parent := s.logger.Child(Fields{"component": "scoring", "attempt": 1})
	child := parent.Child(Fields{"attempt": 2, "section": "radio discipline"})

	parent.Info(s.ctx, "parent")
	child.Info(s.ctx, "child")
	s.flush(s.logger)

	entries := s.sink.snapshot()
	s.Require().Len(entries, 2)
	s.Equal(Fields{"component": "scoring", "attempt": 1}, entries[0].Fields)
	s.Equal(Fields{"component": "scoring", "attempt": 2, "section": "radio discipline"}, entries[1].Fields)
}

func (s *LoggerSuite) TestFailingTransportIsIsolated() {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	failing := &memTransport{name: "db", logErr: errors.New("connection refused")}
	panicking := &memTransport{name: "file", panics: true}
	l := New(Config{Level: LevelDebug, Fallback: s.fallback, Metrics: metrics}, failing, panicking, s.sink)
	defer l.Close(s.ctx)

	s.NotPanics(func() { l.Error(s.ctx, "score failed") })
	s.flush(l)

	s.Len(s.sink.snapshot(), 1)
	out := s.fallback.String()
	s.Contains(out, "db: connection refused")
	s.Contains(out, "file: panic: sink exploded")
	s.Equal(float64(1), testutil.ToFloat64(metrics.TransportFailures.WithLabelValues("db")))
	s.Equal(float64(1), testutil.ToFloat64(metrics.TransportFailures.WithLabelValues("file")))
	s.Equal(float64(1), testutil.ToFloat64(metrics.Entries.WithLabelValues("ERROR")))
}

func (s *LoggerSuite) TestLoggingDoesNotBlockOnSlowTransport() {
	slow := &memTransport{name: "slow", gate: make(chan struct{})}
	l := s.newLogger(slow)

	done := make(chan struct{})
	go func() {
		for range 100 {
			l.Info(s.ctx, "burst")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("log calls blocked on a transport")
	}

	close(slow.gate)
	s.flush(l)
	s.Len(slow.snapshot(), 100)
}

func (s *LoggerSuite) TestEntriesKeepOrderPerTransport() {
	for i := range 50 {
		s.logger.Info(s.ctx, "seq", "i", i)
	}
	s.flush(s.logger)

	entries := s.sink.snapshot()
	s.Require().Len(entries, 50)
	for i, e := range entries {
		s.Equal(i, e.Fields["i"])
	}
}

func (s *LoggerSuite) TestFlush() {
	broken := &memTransport{name: "broken", flushErr: errors.New("disk full")}
	l := s.newLogger(s.sink, broken)

	l.Info(s.ctx, "before flush")
	s.flush(l)

	s.Len(s.sink.snapshot(), 1)
	s.Equal(1, s.sink.flushes)
	s.Equal(1, broken.flushes)
	s.Contains(s.fallback.String(), "broken: disk full")
}

func (s *LoggerSuite) TestFlushHonoursContext() {
	stuck := &memTransport{name: "stuck", gate: make(chan struct{})}
	l := New(Config{Fallback: s.fallback}, stuck)
	l.Info(s.ctx, "never written")

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	s.ErrorIs(l.Flush(ctx), context.DeadlineExceeded)

	close(stuck.gate)
	s.Require().NoError(l.Close(s.ctx))
}

func (s *LoggerSuite) TestClose() {
	l := New(Config{Fallback: s.fallback}, s.sink)
	l.Info(s.ctx, "last words")
	s.Require().NoError(l.Close(s.ctx))
	s.Len(s.sink.snapshot(), 1)

	l.Info(s.ctx, "too late")
	l.Info(s.ctx, "still too late")
	s.Len(s.sink.snapshot(), 1)
	s.Equal(1, bytes.Count([]byte(s.fallback.String()), []byte("dropped")))
	s.NoError(l.Close(s.ctx))
}

func (s *LoggerSuite) TestSlogBridge() {
	sl := s.logger.Slog().With("component", "queue").WithGroup("req")
	sl.Info("admitted", "priority", 3, slog.Group("wait", "ms", 12))
	sl.Log(s.ctx, slog.LevelError+4, "fatal")
	s.logger.Slog().Debug("debug via slog")
	s.flush(s.logger)

	entries := s.sink.snapshot()
	s.Require().Len(entries, 3)
	s.Equal(LevelInfo, entries[0].Level)
	s.Equal("queue", entries[0].Fields["component"])
	s.Equal(int64(3), entries[0].Fields["req.priority"])
	s.Equal(int64(12), entries[0].Fields["req.wait.ms"])
	s.Equal(LevelCritical, entries[1].Level)
	s.Equal(LevelDebug, entries[2].Level)
}

func (s *LoggerSuite) TestErrorFieldsAreSerialized() {
	cause := errors.New("socket closed")
	s.logger.Error(s.ctx, "upload failed", "error", errors.Join(errors.New("whisper"), cause))
	s.flush(s.logger)

	se, ok := s.sink.snapshot()[0].Fields["error"].(*SerializedError)
	s.Require().True(ok)
	s.Equal("*errors.joinError", se.Name)
	s.Require().NotNil(se.Cause)
	s.Equal("whisper", se.Cause.Message)
}

type dispatchError struct {
	reason string
}

func (e *dispatchError) Error() string { return "dispatch failed: " + e.reason }

type unitLabel struct {
	name *string
}

func (u *unitLabel) String() string { return *u.name }

func (s *LoggerSuite) TestNilAndPanickingFieldsNeverReachCaller() {
	var typedNil *dispatchError
	var nilUnit *unitLabel

	s.NotPanics(func() {
		s.logger.Error(s.ctx, "dispatch failed",
			"error", typedNil,
			"unit", nilUnit,
			"engine", &unitLabel{},
		)
	})
	s.flush(s.logger)

	entries := s.sink.snapshot()
	s.Require().Len(entries, 1)
	f := entries[0].Fields
	s.Nil(f["error"])
	s.Nil(f["unit"])
	s.Contains(f["engine"], "!PANIC: ")
}

func TestZeroConfigLogsDebug(t *testing.T) {
	sink := &memTransport{name: "mem", min: LevelDebug}
	l := New(Config{Fallback: &syncBuffer{}}, sink)
	defer func() { _ = l.Close(context.Background()) }()

	assert.True(t, l.Enabled(LevelDebug))
	l.Debug(context.Background(), "segment aligned")
	require.NoError(t, l.Flush(context.Background()))
	require.Len(t, sink.snapshot(), 1)
	assert.Equal(t, LevelDebug, sink.snapshot()[0].Level)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":    LevelDebug,
		"INFO":     LevelInfo,
		"Warning":  LevelWarn,
		"warn":     LevelWarn,
		"error":    LevelError,
		"critical": LevelCritical,
		"fatal":    LevelCritical,
		"":         LevelInfo,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)

	assert.True(t, LevelDebug < LevelInfo && LevelInfo < LevelWarn && LevelWarn < LevelError && LevelError < LevelCritical)
	assert.Equal(t, "CRITICAL", LevelCritical.String())
}

func TestLevelFromSlog(t *testing.T) {
	assert.Equal(t, LevelDebug, levelFromSlog(slog.LevelDebug))
	assert.Equal(t, LevelInfo, levelFromSlog(slog.LevelInfo))
	assert.Equal(t, LevelWarn, levelFromSlog(slog.LevelWarn))
	assert.Equal(t, LevelError, levelFromSlog(slog.LevelError))
	assert.Equal(t, LevelCritical, levelFromSlog(slog.LevelError+1))
}

type point struct {
	X int `json:"x"`
}

type label string

func (l label) String() string { return "label:" + string(l) }

func TestNormalize(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	got := normalizeFields(Fields{
		"time":     ts,
		"duration": 1500 * time.Millisecond,
		"err":      errors.New("boom"),
		"nested":   map[string]any{"when": ts},
		"ints":     []int{1, 2},
		"struct":   point{X: 3},
		"stringer": label("a"),
		"nil":      nil,
	})

	assert.Equal(t, "2026-03-04T05:06:07Z", got["time"])
	assert.Equal(t, "1.5s", got["duration"])
	assert.IsType(t, &SerializedError{}, got["err"])
	assert.Equal(t, Fields{"when": "2026-03-04T05:06:07Z"}, got["nested"])
	assert.Equal(t, []any{1, 2}, got["ints"])
	assert.Equal(t, point{X: 3}, got["struct"])
	assert.Equal(t, "label:a", got["stringer"])
	assert.Nil(t, got["nil"])
}

func TestNormalizeStopsAtDepth(t *testing.T) {
	loop := map[string]any{}
	loop["self"] = loop

	assert.NotPanics(t, func() { normalizeFields(Fields{"loop": loop}) })
}

func TestAddArgs(t *testing.T) {
	f := Fields{}
	addArgs(f, []any{"a", 1, slog.String("b", "two"), Fields{"c": true}, "dangling"})
	assert.Equal(t, Fields{"a": 1, "b": "two", "c": true, badKey: "dangling"}, f)
}

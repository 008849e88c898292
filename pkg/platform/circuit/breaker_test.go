package circuit

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

	"radioguard/pkg/platform/sentinel"
)

var errDependency = errors.New("dependency failed")

// callCounter is a wrapped function that records how often it was invoked.
type callCounter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *callCounter) fn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *callCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *callCounter) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func TestBreaker_InitialState(t *testing.T) {
	b := New("test")
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "test", b.Name())

	m := b.Metrics()
	assert.Equal(t, "CLOSED", m.State)
	assert.Zero(t, m.FailureCount)
	assert.Nil(t, m.NextAttempt)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	for _, threshold := range []int{1, 3, 5} {
		ctx := context.Background()
		b := New("test", WithFailureThreshold(threshold), WithClock(clock.NewMock()))
		fn := &callCounter{err: errDependency}

		for i := 0; i < threshold; i++ {
			err := b.Execute(ctx, fn.fn)
			require.ErrorIs(t, err, errDependency)
			assert.False(t, IsOpen(err))
		}
		assert.Equal(t, StateOpen, b.State())

		// the next call is rejected without invoking fn
		err := b.Execute(ctx, fn.fn)
		require.True(t, IsOpen(err))
		assert.Equal(t, threshold, fn.count())
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b := New("test", WithFailureThreshold(3))
	fn := &callCounter{err: errDependency}

	_ = b.Execute(ctx, fn.fn)
	_ = b.Execute(ctx, fn.fn)
	assert.Equal(t, 2, b.Metrics().FailureCount)

	fn.setErr(nil)
	require.NoError(t, b.Execute(ctx, fn.fn))
	assert.Zero(t, b.Metrics().FailureCount)

	fn.setErr(errDependency)
	_ = b.Execute(ctx, fn.fn)
	_ = b.Execute(ctx, fn.fn)
	assert.False(t, b.IsOpen())

	_ = b.Execute(ctx, fn.fn)
	assert.True(t, b.IsOpen())
}

func TestBreaker_RecoveryWaitsForTimeout(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	b := New("test", WithFailureThreshold(1), WithTimeout(time.Second), WithClock(clk))
	fn := &callCounter{err: errDependency}

	_ = b.Execute(ctx, fn.fn)
	require.True(t, b.IsOpen())
	next := b.Metrics().NextAttempt
	require.NotNil(t, next)
	assert.Equal(t, clk.Now().Add(time.Second), *next)

	clk.Add(999 * time.Millisecond)
	err := b.Execute(ctx, fn.fn)
	require.True(t, IsOpen(err))
	assert.Equal(t, 1, fn.count())

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test", openErr.Name)

	clk.Add(time.Millisecond)
	fn.setErr(nil)
	require.NoError(t, b.Execute(ctx, fn.fn))
	assert.Equal(t, 2, fn.count())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	b := New("test",
		WithFailureThreshold(1),
		WithSuccessThreshold(3),
		WithTimeout(time.Second),
		WithClock(clk),
	)
	fn := &callCounter{err: errDependency}

	_ = b.Execute(ctx, fn.fn)
	clk.Add(time.Second)
	fn.setErr(nil)

	require.NoError(t, b.Execute(ctx, fn.fn))
	require.NoError(t, b.Execute(ctx, fn.fn))
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Equal(t, 2, b.Metrics().SuccessCount)

	require.NoError(t, b.Execute(ctx, fn.fn))
	assert.Equal(t, StateClosed, b.State())
	m := b.Metrics()
	assert.Zero(t, m.FailureCount)
	assert.Zero(t, m.SuccessCount)
	assert.Nil(t, m.NextAttempt)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	b := New("test",
		WithFailureThreshold(1),
		WithSuccessThreshold(3),
		WithTimeout(time.Second),
		WithClock(clk),
	)
	fn := &callCounter{err: errDependency}

	_ = b.Execute(ctx, fn.fn)
	clk.Add(time.Second)

	fn.setErr(nil)
	require.NoError(t, b.Execute(ctx, fn.fn))
	fn.setErr(errDependency)
	require.ErrorIs(t, b.Execute(ctx, fn.fn), errDependency)

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, clk.Now().Add(time.Second), *b.Metrics().NextAttempt)

	// needs the full success streak again
	clk.Add(time.Second)
	fn.setErr(nil)
	_ = b.Execute(ctx, fn.fn)
	_ = b.Execute(ctx, fn.fn)
	assert.Equal(t, StateHalfOpen, b.State())
	_ = b.Execute(ctx, fn.fn)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	b := New("test", WithFailureThreshold(2), WithTimeout(time.Second), WithClock(clk))
	explode := func(context.Context) error { panic("client bug") }

	for range 2 {
		assert.PanicsWithValue(t, "client bug", func() { _ = b.Execute(ctx, explode) })
	}
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 2, b.Metrics().FailureCount)

	// a half-open trial call that panics reopens the circuit
	clk.Add(time.Second)
	assert.Panics(t, func() { _ = b.Execute(ctx, explode) })
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, clk.Now().Add(time.Second), *b.Metrics().NextAttempt)
}

func TestBreaker_Reset(t *testing.T) {
	b := New("test", WithFailureThreshold(1))
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errDependency })
	require.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Metrics().FailureCount)
}

func TestBreaker_RunReturnsValue(t *testing.T) {
	b := New("test")
	got, err := Run(context.Background(), b, func(ctx context.Context) (string, error) {
		return "transcript", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "transcript", got)
}

func TestBreaker_OpenErrorIsDistinct(t *testing.T) {
	b := New("scoring", WithFailureThreshold(1))
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errDependency })

	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.NotErrorIs(t, err, errDependency)
	assert.Contains(t, err.Error(), "scoring")
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	b := New("test", WithFailureThreshold(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_IndependentInstances(t *testing.T) {
	transcription := New("transcription", WithFailureThreshold(1))
	scoring := New("scoring", WithFailureThreshold(1))

	_ = transcription.Execute(context.Background(), func(ctx context.Context) error { return errDependency })

	assert.True(t, transcription.IsOpen())
	assert.False(t, scoring.IsOpen())
}

func TestBreaker_LogsTransitionsAndRejections(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	b := New("transcription", WithFailureThreshold(1), WithLogger(logger), WithClock(clock.NewMock()))

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errDependency })
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return nil })

	out := buf.String()
	assert.Contains(t, out, `"msg":"circuit breaker opened"`)
	assert.Contains(t, out, `"msg":"circuit breaker rejected call"`)
	assert.Contains(t, out, `"breaker":"transcription"`)
	assert.Contains(t, out, `"state":"OPEN"`)
}

func TestBreaker_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	b := New("scoring", WithFailureThreshold(1), WithMetrics(m), WithClock(clock.NewMock()))

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errDependency })
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return nil })

	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(m.State.WithLabelValues("scoring")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Rejected.WithLabelValues("scoring")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Transitions.WithLabelValues("scoring", "OPEN")))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(WithFailureThreshold(2))
	a := r.Register("transcription")
	assert.Same(t, a, r.Register("transcription"))
	r.Register("scoring", WithFailureThreshold(1))

	_ = a.Execute(context.Background(), func(ctx context.Context) error { return errDependency })
	assert.False(t, a.IsOpen(), "registry default threshold of 2 applies")

	scoring, ok := r.Get("scoring")
	require.True(t, ok)
	_ = scoring.Execute(context.Background(), func(ctx context.Context) error { return errDependency })
	assert.True(t, scoring.IsOpen())

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "scoring", snaps[0].Name)
	assert.Equal(t, "OPEN", snaps[0].State)
	assert.Equal(t, "transcription", snaps[1].Name)

	r.ResetAll()
	assert.False(t, scoring.IsOpen())
}

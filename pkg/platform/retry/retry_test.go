package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"radioguard/pkg/platform/circuit"
)

var errFlaky = errors.New("429 rate limit reached")

func fast(opts ...Option) []Option {
	return append([]Option{
		WithInitialInterval(time.Millisecond),
		WithMaxInterval(2 * time.Millisecond),
		WithJitter(0),
	}, opts...)
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	}, fast()...)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errFlaky
	}, fast(WithMaxRetries(2))...)

	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
}

func TestDo_ZeroRetriesRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errFlaky
	}, fast(WithMaxRetries(0))...)
	assert.Equal(t, 1, calls)
}

func TestDo_CircuitOpenIsNotRetried(t *testing.T) {
	b := circuit.New("transcription", circuit.WithFailureThreshold(1))
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errFlaky })
	require.True(t, b.IsOpen())

	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return b.Execute(ctx, func(ctx context.Context) error { return nil })
	}, fast()...)

	assert.True(t, circuit.IsOpen(err))
	assert.Equal(t, 1, calls)
}

func TestDo_RetryIf(t *testing.T) {
	schemaErr := errors.New("response json does not match schema")
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return schemaErr
	}, fast(WithRetryIf(Transient))...)

	require.ErrorIs(t, err, schemaErr)
	assert.Equal(t, 1, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	fatal := errors.New("invalid api key")
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(fatal)
	}, fast()...)

	require.ErrorIs(t, err, fatal)
	assert.False(t, IsPermanent(err), "the marker is stripped on return")
	assert.Equal(t, 1, calls)
}

func TestDo_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errFlaky
	}, fast(WithMaxRetries(10))...)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRun_ReturnsValue(t *testing.T) {
	calls := 0
	got, err := Run(context.Background(), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errFlaky
		}
		return "scorecard", nil
	}, fast()...)

	require.NoError(t, err)
	assert.Equal(t, "scorecard", got)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{errors.New("Rate limit exceeded"), KindRateLimit},
		{errors.New("status 429"), KindRateLimit},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{timeoutErr{}, KindTimeout},
		{errors.New("request timed out"), KindTimeout},
		{errors.New("JSON output violates schema"), KindSchema},
		{errors.New("boom"), KindOther},
		{nil, KindOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
	assert.Equal(t, "rate_limit", KindRateLimit.String())
	assert.True(t, Transient(errFlaky))
	assert.False(t, Transient(errors.New("boom")))

	assert.True(t, IsRateLimit(errors.New("429 Too Many Requests")))
	assert.False(t, IsRateLimit(errors.New("request timed out")))
	assert.False(t, IsRateLimit(nil))
}

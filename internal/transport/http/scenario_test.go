package httptransport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"radioguard/internal/guard"
	"radioguard/internal/platform/logger"
	"radioguard/internal/platform/logger/transport"
	"radioguard/internal/platform/metrics"
	"radioguard/pkg/platform/circuit"
	"radioguard/pkg/platform/queue"
	"radioguard/pkg/platform/retry"
	"radioguard/pkg/requestcontext"
	"radioguard/pkg/testutil"
)

type statusBody struct {
	Dependencies []guard.Status `json:"dependencies"`
}

func TestOperatorRecoversTrippedDependency(t *testing.T) {
	testutil.Given(t, "a transcription dependency that fails three times in a row", func(t *testing.T) {
		g := guard.New("transcription",
			queue.New("transcription", queue.Config{MaxConcurrent: 1, MaxRequestsPerWindow: 50, Window: time.Minute}),
			circuit.New("transcription", circuit.WithFailureThreshold(3), circuit.WithTimeout(time.Hour)),
			guard.WithRetry(retry.WithMaxRetries(0)),
		)
		defer g.Close()
		router := NewRouter(NewHandler(nil, metrics.New(), []*guard.Guard{g}))

		for range 3 {
			_ = g.Call(context.Background(), func(context.Context) error {
				return errors.New("whisper endpoint timed out")
			}, 0)
		}

		testutil.When(t, "the operator checks status", func(t *testing.T) {
			rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/status"))

			testutil.Then(t, "the breaker is reported open", func(t *testing.T) {
				require.Equal(t, http.StatusOK, rr.Code)
				body := testutil.DecodeJSON[statusBody](t, rr)
				require.Len(t, body.Dependencies, 1)
				assert.Equal(t, "OPEN", body.Dependencies[0].Breaker.State)
				assert.Equal(t, 3, body.Dependencies[0].Breaker.FailureCount)
			})
		})

		testutil.When(t, "the operator resets it", func(t *testing.T) {
			rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodPost, "/status/transcription/reset",
				"X-Correlation-ID", "cor_operator"))

			testutil.Then(t, "calls flow again", func(t *testing.T) {
				assert.Equal(t, http.StatusOK, rr.Code)
				assert.Equal(t, "cor_operator", rr.Header().Get("X-Correlation-ID"))
				require.NoError(t, g.Call(context.Background(), func(context.Context) error { return nil }, 0))
				assert.Equal(t, circuit.StateClosed, g.Breaker().State())
			})
		})
	})
}

func TestHealthFailureLogCarriesCorrelationID(t *testing.T) {
	testutil.Given(t, "a failing health check and a logger writing to a buffer", func(t *testing.T) {
		var out bytes.Buffer
		log := logger.New(logger.Config{Level: logger.LevelDebug},
			transport.NewConsole(logger.LevelDebug, transport.WithConsoleWriters(&out, &out)))
		defer func() { _ = log.Close(context.Background()) }()

		h := NewHandler(log.Slog(), nil, nil,
			WithHealthCheck("postgres", func(context.Context) error { return errors.New("too many connections") }))

		testutil.When(t, "the handler runs inside a request context", func(t *testing.T) {
			req := testutil.WithRequestContext(testutil.NewRequest(t, http.MethodGet, "/healthz"),
				requestcontext.WithCorrelationID("cor_health"))
			rr := testutil.DoRequest(http.HandlerFunc(h.handleHealth), req)
			require.NoError(t, log.Flush(context.Background()))

			testutil.Then(t, "the warning is tagged with the request's correlation id", func(t *testing.T) {
				assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
				assert.Contains(t, out.String(), `"message":"health check failed"`)
				assert.Contains(t, out.String(), `"correlation_id":"cor_health"`)
				assert.Contains(t, out.String(), `"check":"postgres"`)
			})
		})
	})
}

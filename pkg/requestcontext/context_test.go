package requestcontext

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"radioguard/pkg/platform/sentinel"
)

func TestGenerateIDs(t *testing.T) {
	t.Run("correlation id has prefix and 32 hex chars", func(t *testing.T) {
		id := GenerateCorrelationID()
		require.True(t, strings.HasPrefix(id, "cor_"))
		assert.Len(t, id, len("cor_")+32)
	})

	t.Run("job id has prefix and 32 hex chars", func(t *testing.T) {
		id := GenerateJobID()
		require.True(t, strings.HasPrefix(id, "job_"))
		assert.Len(t, id, len("job_")+32)
	})

	t.Run("ids do not collide", func(t *testing.T) {
		seen := make(map[string]struct{}, 1000)
		for range 1000 {
			id := GenerateCorrelationID()
			_, dup := seen[id]
			require.False(t, dup)
			seen[id] = struct{}{}
		}
	})
}

func TestRunWithContext(t *testing.T) {
	t.Run("generates correlation id when none supplied", func(t *testing.T) {
		err := RunWithContext(context.Background(), func(ctx context.Context) error {
			id, ok := CorrelationID(ctx)
			assert.True(t, ok)
			assert.True(t, strings.HasPrefix(id, "cor_"))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("uses supplied correlation id", func(t *testing.T) {
		got, err := Run(context.Background(), func(ctx context.Context) (string, error) {
			id, _ := CorrelationID(ctx)
			return id, nil
		}, WithCorrelationID("cor_from_header"))
		require.NoError(t, err)
		assert.Equal(t, "cor_from_header", got)
	})

	t.Run("returns callback error", func(t *testing.T) {
		boom := errors.New("boom")
		err := RunWithContext(context.Background(), func(ctx context.Context) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("nested run establishes a new context", func(t *testing.T) {
		_ = RunWithContext(context.Background(), func(outer context.Context) error {
			outerID, _ := CorrelationID(outer)
			return RunWithContext(outer, func(inner context.Context) error {
				innerID, _ := CorrelationID(inner)
				assert.NotEqual(t, outerID, innerID)
				return nil
			})
		})
	})
}

func TestAccessorsOutsideContext(t *testing.T) {
	ctx := context.Background()

	_, ok := Get(ctx)
	assert.False(t, ok)

	_, ok = CorrelationID(ctx)
	assert.False(t, ok)

	_, ok = JobID(ctx)
	assert.False(t, ok)

	_, ok = Duration(ctx)
	assert.False(t, ok)

	assert.Empty(t, UserID(ctx))
}

func TestMutatorsOutsideContext(t *testing.T) {
	ctx := context.Background()

	err := SetJobID(ctx, "job_1")
	assert.ErrorIs(t, err, ErrNoContext)
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)

	err = UpdateMetadata(ctx, map[string]any{"k": "v"})
	assert.ErrorIs(t, err, ErrNoContext)
}

func TestMutatorsInsideContext(t *testing.T) {
	ctx := New(context.Background(), WithUserID("user-7"), WithMetadata(map[string]any{"a": 1}))

	require.NoError(t, SetJobID(ctx, "job_abc"))
	require.NoError(t, UpdateMetadata(ctx, map[string]any{"b": 2, "a": 3}))

	jobID, ok := JobID(ctx)
	require.True(t, ok)
	assert.Equal(t, "job_abc", jobID)

	rc, ok := Get(ctx)
	require.True(t, ok)
	assert.Equal(t, "user-7", rc.UserID)
	assert.Equal(t, map[string]any{"a": 3, "b": 2}, rc.Metadata)

	// snapshot is detached from the live context
	rc.Metadata["c"] = 4
	again, _ := Get(ctx)
	assert.NotContains(t, again.Metadata, "c")
}

func TestMutationVisibleToDerivedContexts(t *testing.T) {
	ctx := New(context.Background())
	child, cancel := context.WithCancel(ctx)
	defer cancel()

	require.NoError(t, SetJobID(child, "job_from_child"))

	jobID, _ := JobID(ctx)
	assert.Equal(t, "job_from_child", jobID)
}

func TestDuration(t *testing.T) {
	ctx := New(context.Background(), WithStartTime(time.Now().Add(-2*time.Second)))
	d, ok := Duration(ctx)
	require.True(t, ok)
	assert.GreaterOrEqual(t, d, 2*time.Second)
}

func TestPropagationAcrossGoroutines(t *testing.T) {
	const workers = 50
	var wg sync.WaitGroup
	mismatches := make(chan string, workers)

	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("cor_worker_%d", i)
			got, _ := Run(context.Background(), func(ctx context.Context) (string, error) {
				done := make(chan string, 1)
				go func() {
					time.Sleep(10 * time.Millisecond)
					id, _ := CorrelationID(ctx)
					done <- id
				}()
				return <-done, nil
			}, WithCorrelationID(want))
			if got != want {
				mismatches <- got
			}
		}(i)
	}
	wg.Wait()
	close(mismatches)

	for got := range mismatches {
		t.Errorf("correlation id leaked across requests: %s", got)
	}
}

func TestRequestTime(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, fixed, Now(WithTime(context.Background(), fixed)))
	assert.WithinDuration(t, time.Now(), Now(context.Background()), time.Second)
}

package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(), func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, eris.New("temporary")
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, eris.New("still broken")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ShouldRetryStopsPermanentErrors(t *testing.T) {
	policy := fastPolicy()
	policy.ShouldRetry = func(error) bool { return false }

	calls := 0
	_, err := Do(context.Background(), policy, func(context.Context) (int, error) {
		calls++
		return 0, eris.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := Do(ctx, fastPolicy(), func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, eris.New("temporary")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff_CapsAtMaxDelay(t *testing.T) {
	policy := Policy{Attempts: 10, BaseDelay: time.Second, MaxDelay: 2 * time.Second}.withDefaults()
	for attempt := 0; attempt < 10; attempt++ {
		assert.LessOrEqual(t, backoff(attempt, policy), 2*time.Second)
	}
}

package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDo_FirstAttemptSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultRetryConfig(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_TransientErrorIsRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(eris.New("square: service busy"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_BudgetExhaustedReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		return NewTransientError(eris.New("square: still down"), 500)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still down")
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		return eris.New("square: invalid location id")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "a non-transient error ends the loop")
}

func TestDo_CancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: 20 * time.Millisecond}

	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(eris.New("square: timeout"), 500)
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 3)
}

func TestDo_CustomShouldRetry(t *testing.T) {
	calls := 0
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "try again" }

	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls == 1 {
			return eris.New("try again")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_OnRetrySeesEachAttempt(t *testing.T) {
	var seen []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { seen = append(seen, attempt) }

	_ = Do(context.Background(), cfg, func(context.Context) error {
		return NewTransientError(eris.New("square: busy"), 503)
	})
	assert.Equal(t, []int{1, 2}, seen, "no callback after the final attempt")
}

func TestDoVal_ValueSurvivesRetries(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", NewTransientError(eris.New("square: busy"), 503)
		}
		return "catalog-page", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "catalog-page", val)
}

func TestDoVal_FailureReturnsZeroValue(t *testing.T) {
	val, err := DoVal(context.Background(), fastRetry(2), func(context.Context) (int, error) {
		return 42, NewTransientError(eris.New("square: busy"), 503)
	})
	require.Error(t, err)
	assert.Zero(t, val, "a partial result never escapes a failed call")
}

func TestDo_ZeroConfigGetsDefaults(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryConfig{}, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
		JitterFraction: -1, // normalized to no jitter
	}.withDefaults()

	assert.Equal(t, 100*time.Millisecond, cfg.backoff(1))
	assert.Equal(t, 200*time.Millisecond, cfg.backoff(2))
	assert.Equal(t, 400*time.Millisecond, cfg.backoff(3))
	assert.Equal(t, 800*time.Millisecond, cfg.backoff(4))
	assert.Equal(t, time.Second, cfg.backoff(5), "capped at MaxBackoff")
	assert.Equal(t, time.Second, cfg.backoff(10))
}

func TestBackoff_JitterStaysInBand(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: time.Second,
		JitterFraction: 0.5,
	}.withDefaults()

	seen := map[time.Duration]bool{}
	for i := 0; i < 100; i++ {
		d := cfg.backoff(1)
		seen[d] = true
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
	assert.Greater(t, len(seen), 1, "jitter varies the delay")
}

func TestRetryLogger(t *testing.T) {
	// Only asserts the callback is safe to call with the global logger.
	RetryLogger("square", "list_catalog")(1, eris.New("busy"))
}

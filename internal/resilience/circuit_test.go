package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingCall(context.Context) error { return eris.New("square: gateway timeout") }
func okCall(context.Context) error      { return nil }

// tripBreaker drives n failures through the breaker.
func tripBreaker(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), failingCall)
	}
}

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	calls := 0
	err := cb.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	tripBreaker(cb, 3)
	require.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Fatal("an open circuit must not call through")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessClearsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	// Two failures, a success, then two more failures: the streak never
	// reaches three, so the circuit stays closed.
	tripBreaker(cb, 2)
	require.NoError(t, cb.Execute(context.Background(), okCall))
	tripBreaker(cb, 2)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_ProbeClosesAfterTimeout(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 100 * time.Millisecond})
	cb.nowFunc = func() time.Time { return now }

	tripBreaker(cb, 2)
	require.Equal(t, CircuitOpen, cb.State())

	cb.nowFunc = func() time.Time { return now.Add(200 * time.Millisecond) }
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), okCall))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 100 * time.Millisecond})
	cb.nowFunc = func() time.Time { return now }

	tripBreaker(cb, 2)
	cb.nowFunc = func() time.Time { return now.Add(200 * time.Millisecond) }
	require.Equal(t, CircuitHalfOpen, cb.State())

	_ = cb.Execute(context.Background(), failingCall)

	// The failed probe restarts the reset clock, so the circuit rejects
	// calls again.
	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Fatal("circuit should be open after a failed probe")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_MultipleProbesRequired(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:  2,
		ResetTimeout:      100 * time.Millisecond,
		HalfOpenMaxProbes: 2,
	})
	cb.nowFunc = func() time.Time { return now }

	tripBreaker(cb, 2)
	cb.nowFunc = func() time.Time { return now.Add(200 * time.Millisecond) }

	require.NoError(t, cb.Execute(context.Background(), okCall))
	assert.Equal(t, CircuitHalfOpen, cb.State(), "one good probe is not enough")

	require.NoError(t, cb.Execute(context.Background(), okCall))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	type hop struct{ from, to CircuitState }
	var hops []hop
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnStateChange:    func(from, to CircuitState) { hops = append(hops, hop{from, to}) },
	})

	tripBreaker(cb, 2)
	require.Len(t, hops, 1)
	assert.Equal(t, hop{CircuitClosed, CircuitOpen}, hops[0])
}

func TestCircuitBreaker_ShouldTripFiltersErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		ShouldTrip:       IsTransient,
	})

	// Permanent errors pass through without moving the breaker.
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			return eris.New("square: unknown object type")
		})
	}
	assert.Equal(t, CircuitClosed, cb.State())

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			return NewTransientError(eris.New("square: timeout"), 503)
		})
	}
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_ResetForcesClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})

	tripBreaker(cb, 2)
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), okCall))
}

func TestCircuitBreaker_ConcurrentCalls(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(context.Context) error {
				if i%2 == 0 {
					return eris.New("square: busy")
				}
				return nil
			})
		}()
	}
	wg.Wait()
	// The race detector is the real assertion here.
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}

package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/askpage/askpage/internal/engine"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

func failingCall(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errBoom
	}
}

func TestBreakerTripsAtFailMax(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	b := NewBreaker("llm_service", BreakerConfig{FailMax: 5, Timeout: time.Minute}, clk, zap.NewNop())

	calls := 0
	for i := 0; i < 5; i++ {
		err := b.Do(context.Background(), failingCall(&calls))
		require.ErrorIs(t, err, errBoom)
	}
	require.Equal(t, 5, calls)
	require.Equal(t, StateOpen, b.State())

	// The sixth call fails fast without invoking the dependency.
	err := b.Do(context.Background(), failingCall(&calls))
	var unavailable *engine.ServiceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, "llm_service", unavailable.Dependency)
	require.Positive(t, unavailable.RetryAfter)
	require.Equal(t, 5, calls)
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	b := NewBreaker("crawler", BreakerConfig{FailMax: 2, Timeout: time.Minute}, clk, zap.NewNop())

	calls := 0
	for i := 0; i < 2; i++ {
		require.Error(t, b.Do(context.Background(), failingCall(&calls)))
	}
	require.Equal(t, StateOpen, b.State())

	clk.Advance(time.Minute)
	require.Equal(t, StateHalfOpen, b.State())

	// Trial call succeeds: breaker closes and the failure count resets.
	err := b.Do(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, StateClosed, b.State())
	require.Zero(t, b.FailureCount())
}

func TestBreakerReopensOnFailedTrial(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	b := NewBreaker("document_store", BreakerConfig{FailMax: 1, Timeout: 30 * time.Second}, clk, zap.NewNop())

	calls := 0
	require.Error(t, b.Do(context.Background(), failingCall(&calls)))
	require.Equal(t, StateOpen, b.State())

	clk.Advance(30 * time.Second)
	require.ErrorIs(t, b.Do(context.Background(), failingCall(&calls)), errBoom)
	require.Equal(t, 2, calls)
	require.Equal(t, StateOpen, b.State())

	// Re-opening resets opened_at: still rejecting before another timeout.
	clk.Advance(29 * time.Second)
	var unavailable *engine.ServiceUnavailableError
	require.ErrorAs(t, b.Do(context.Background(), failingCall(&calls)), &unavailable)
	require.Equal(t, 2, calls)
}

func TestBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	b := NewBreaker("external_api", BreakerConfig{FailMax: 1, Timeout: time.Second}, clk, zap.NewNop())

	require.Error(t, b.Do(context.Background(), func(context.Context) error { return errBoom }))
	clk.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// A second caller during the trial is rejected immediately.
	var unavailable *engine.ServiceUnavailableError
	require.ErrorAs(t, b.Do(context.Background(), func(context.Context) error { return nil }), &unavailable)
	close(release)
}

func TestRegistryIndependentThresholds(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	reg := NewRegistry(map[string]BreakerConfig{
		"document_store": {FailMax: 1, Timeout: 30 * time.Second},
		"crawler":        {FailMax: 3, Timeout: 90 * time.Second},
	}, BreakerConfig{FailMax: 5, Timeout: time.Minute}, clk, zap.NewNop())

	require.Error(t, reg.Do(context.Background(), "document_store", func(context.Context) error { return errBoom }))
	require.Equal(t, StateOpen, reg.Get("document_store").State())

	// The crawler breaker is unaffected and has a higher threshold.
	require.Error(t, reg.Do(context.Background(), "crawler", func(context.Context) error { return errBoom }))
	require.Equal(t, StateClosed, reg.Get("crawler").State())

	// Unknown names fall back to the default thresholds.
	require.Equal(t, StateClosed, reg.Get("publisher_directory").State())
}

package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_AdmitsUpToMax(t *testing.T) {
	l := New(Config{MaxRequests: 3, TimeWindow: time.Minute})
	now := time.Now()

	for i := 0; i < 3; i++ {
		granted, wait := l.Acquire("gemini", now)
		require.True(t, granted)
		assert.Zero(t, wait)
	}

	granted, wait := l.Acquire("gemini", now)
	assert.False(t, granted)
	assert.Greater(t, wait, time.Duration(0))
}

func TestAcquire_WindowSlides(t *testing.T) {
	l := New(Config{MaxRequests: 2, TimeWindow: 10 * time.Second})
	t0 := time.Now()

	granted, _ := l.Acquire("k", t0)
	require.True(t, granted)
	granted, _ = l.Acquire("k", t0.Add(time.Second))
	require.True(t, granted)

	granted, _ = l.Acquire("k", t0.Add(2*time.Second))
	require.False(t, granted)

	granted, _ = l.Acquire("k", t0.Add(11*time.Second))
	require.True(t, granted, "oldest timestamp should have expired out of the window")
}

func TestAcquire_KeysAreIndependent(t *testing.T) {
	l := New(Config{MaxRequests: 1, TimeWindow: time.Minute})
	now := time.Now()

	granted, _ := l.Acquire("a", now)
	require.True(t, granted)

	granted, _ = l.Acquire("b", now)
	require.True(t, granted, "a different key must not share a's admission window")
}

func TestAcquire_UnlimitedWhenMaxRequestsZero(t *testing.T) {
	l := New(Config{MaxRequests: 0, TimeWindow: time.Minute})
	now := time.Now()
	for i := 0; i < 100; i++ {
		granted, _ := l.Acquire("unbounded", now)
		require.True(t, granted)
	}
}

func TestAwaitSlot_GrantsImmediatelyWhenUnderLimit(t *testing.T) {
	l := New(Config{MaxRequests: 5, TimeWindow: time.Minute})
	ctx := context.Background()
	err := l.AwaitSlot(ctx, "k")
	require.NoError(t, err)
}

func TestAwaitSlot_CancellationLeavesNoTimestamp(t *testing.T) {
	l := New(Config{MaxRequests: 1, TimeWindow: time.Hour})
	now := time.Now()

	granted, _ := l.Acquire("k", now)
	require.True(t, granted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.AwaitSlot(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)

	ks := l.stateFor("k")
	assert.Equal(t, 1, ks.timestamps.Len(), "a cancelled wait must not add a timestamp")
}

func TestAwaitSlot_GrantsAfterWindowExpires(t *testing.T) {
	l := New(Config{MaxRequests: 1, TimeWindow: 50 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, l.AwaitSlot(ctx, "k"))

	start := time.Now()
	require.NoError(t, l.AwaitSlot(ctx, "k"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWithKeyConfig_OverridesDefault(t *testing.T) {
	l := New(Config{MaxRequests: 1, TimeWindow: time.Minute}, WithKeyConfig("special", Config{MaxRequests: 10, TimeWindow: time.Minute}))
	now := time.Now()

	for i := 0; i < 10; i++ {
		granted, _ := l.Acquire("special", now)
		require.True(t, granted)
	}
	granted, _ := l.Acquire("default-key", now)
	require.True(t, granted)
	granted, _ = l.Acquire("default-key", now)
	require.False(t, granted)
}

// TestAwaitSlot_ThroughputMatchesSlidingWindowBound exercises the same
// shape as a max_requests=7/time_window=60s/50-admissions run, scaled
// down by 300x so the test completes in milliseconds: with N admissions
// bound to M per window W, total elapsed to admit all N must be at
// least ((N-M)/M)*W, and no W-wide interval may ever observe more than M
// admissions for the key.
func TestAwaitSlot_ThroughputMatchesSlidingWindowBound(t *testing.T) {
	const maxRequests = 7
	const totalAdmissions = 50
	window := 200 * time.Millisecond

	l := New(Config{MaxRequests: maxRequests, TimeWindow: window})
	ctx := context.Background()

	start := time.Now()
	admittedAt := make([]time.Duration, 0, totalAdmissions)
	for i := 0; i < totalAdmissions; i++ {
		require.NoError(t, l.AwaitSlot(ctx, "k"))
		admittedAt = append(admittedAt, time.Since(start))
	}
	elapsed := time.Since(start)

	minElapsed := time.Duration(float64(totalAdmissions-maxRequests) / float64(maxRequests) * float64(window))
	assert.GreaterOrEqual(t, elapsed, minElapsed)

	for i := range admittedAt {
		count := 0
		for j := range admittedAt {
			if admittedAt[j] > admittedAt[i] {
				continue
			}
			if admittedAt[i]-admittedAt[j] < window {
				count++
			}
		}
		assert.LessOrEqual(t, count, maxRequests, "window ending at admission %d exceeds max_requests", i)
	}
}

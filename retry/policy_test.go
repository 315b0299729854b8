package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextDelayStaysWithinBounds(t *testing.T) {
	var policy = NewPolicy(time.Hour, UnboundedAttempts, 5*time.Millisecond, 50*time.Millisecond)
	for i := 0; i < 10000; i++ {
		var delay = policy.NextDelay()
		require.GreaterOrEqual(t, delay, 5*time.Millisecond, "delay below minimum on call %d", i)
		require.LessOrEqual(t, delay, 50*time.Millisecond, "delay above maximum on call %d", i)
	}
	require.Equal(t, 10000, policy.Attempts())
}

func TestNextDelayDoesNotDiverge(t *testing.T) {
	// With a clamp at maxSleep the running delay must remain bounded no
	// matter how many times it is tripled and re-drawn.
	var policy = NewPolicy(time.Hour, UnboundedAttempts, time.Millisecond, 20*time.Millisecond)
	var total time.Duration
	for i := 0; i < 1000; i++ {
		total += policy.NextDelay()
	}
	require.LessOrEqual(t, total, 1000*20*time.Millisecond)
}

func TestExhaustedByAttemptBudget(t *testing.T) {
	var ctx = context.Background()
	var policy = NewPolicy(time.Hour, 3, time.Millisecond, time.Millisecond)
	for i := 0; i < 3; i++ {
		require.False(t, policy.Exhausted(ctx), "policy exhausted after %d attempts", i)
		policy.NextDelay()
	}
	require.True(t, policy.Exhausted(ctx))
}

func TestExhaustedByElapsedTime(t *testing.T) {
	var policy = NewPolicy(10*time.Millisecond, UnboundedAttempts, time.Millisecond, time.Millisecond)
	require.False(t, policy.Exhausted(context.Background()))
	time.Sleep(20 * time.Millisecond)
	require.True(t, policy.Exhausted(context.Background()))
}

func TestExhaustedByCancellation(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	var policy = NewPolicy(time.Hour, UnboundedAttempts, time.Millisecond, time.Millisecond)
	require.False(t, policy.Exhausted(ctx))
	cancel()
	require.True(t, policy.Exhausted(ctx))
}

func TestZeroAttemptsMeansNoRetry(t *testing.T) {
	var policy = NewPolicy(time.Hour, 0, time.Millisecond, time.Millisecond)
	require.True(t, policy.Exhausted(context.Background()))
}

func TestFirstDelayDrawsFromMinimum(t *testing.T) {
	// First call uses previousDelay = minSleep, so the draw is bounded by
	// 3*minSleep even when maxSleep is much larger.
	for i := 0; i < 100; i++ {
		var policy = NewPolicy(time.Hour, UnboundedAttempts, 10*time.Millisecond, time.Hour)
		require.LessOrEqual(t, policy.NextDelay(), 30*time.Millisecond)
	}
}

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock swaps the limiter's time source and turns sleeps into clock
// advances, recording each requested duration.
type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func newFakeClock(l *Limiter) *fakeClock {
	c := &fakeClock{now: time.Now()}
	l.now = func() time.Time { return c.now }
	l.sleep = func(_ context.Context, d time.Duration) error {
		c.slept = append(c.slept, d)
		c.now = c.now.Add(d)
		return nil
	}
	return c
}

func TestAcquireGlobal(t *testing.T) {
	l := New(60, 0)
	newFakeClock(l)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, ""))
	require.NoError(t, l.Acquire(ctx, ""))

	st := l.GetStats()
	require.Equal(t, 60, st.RPM)
	require.Equal(t, int64(2), st.TotalAcquired)
	require.Empty(t, st.EntitiesInBackoff)
}

func TestEntityBackoffDelaysAcquisition(t *testing.T) {
	l := New(60, 0)
	clock := newFakeClock(l)
	ctx := context.Background()

	l.SetBackoff("channel:42", 10*time.Second)
	require.True(t, l.InBackoff("channel:42"))

	// The entity under backoff waits the full window; others do not.
	require.NoError(t, l.Acquire(ctx, "channel:42"))
	require.Len(t, clock.slept, 1)
	require.Equal(t, 10*time.Second, clock.slept[0])
	require.False(t, l.InBackoff("channel:42"))

	clock.slept = nil
	require.NoError(t, l.Acquire(ctx, "channel:7"))
	require.Empty(t, clock.slept)
}

func TestBackoffBeyondBudgetFailsFast(t *testing.T) {
	l := New(60, 0)
	clock := newFakeClock(l)
	ctx := context.Background()

	l.SetBackoff("ai", 5*time.Minute)
	err := l.Acquire(ctx, "ai")

	var ex *ExceededError
	require.ErrorAs(t, err, &ex)
	require.Equal(t, "ai", ex.Entity)
	require.Equal(t, 5*time.Minute, ex.RetryAfter)
	require.Empty(t, clock.slept, "over-budget backoff must not block")
}

func TestEntitySpacing(t *testing.T) {
	l := New(60, 2*time.Second)
	clock := newFakeClock(l)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "channel:1"))
	require.Empty(t, clock.slept)

	// The second call to the same entity honours the spacing window.
	require.NoError(t, l.Acquire(ctx, "channel:1"))
	require.Len(t, clock.slept, 1)
	require.Equal(t, 2*time.Second, clock.slept[0])

	// A different entity is not spaced.
	clock.slept = nil
	require.NoError(t, l.Acquire(ctx, "channel:2"))
	require.Empty(t, clock.slept)
}

func TestBackoffExpires(t *testing.T) {
	l := New(60, 0)
	clock := newFakeClock(l)

	l.SetBackoff("e", 5*time.Second)
	require.True(t, l.InBackoff("e"))
	clock.now = clock.now.Add(6 * time.Second)
	require.False(t, l.InBackoff("e"))
}

func TestSetRPM(t *testing.T) {
	l := New(30, 0)
	l.SetRPM(90)
	require.Equal(t, 90, l.GetStats().RPM)

	// Nonsense values are ignored.
	l.SetRPM(0)
	require.Equal(t, 90, l.GetStats().RPM)
}

func TestStatsListsBackoffEntities(t *testing.T) {
	l := New(60, 0)
	newFakeClock(l)

	l.SetBackoff("a", time.Minute)
	l.SetBackoff("b", time.Minute)
	st := l.GetStats()
	require.ElementsMatch(t, []string{"a", "b"}, st.EntitiesInBackoff)
	require.Equal(t, int64(2), st.TotalBackoffs)
}

func TestAcquireCanceledContext(t *testing.T) {
	l := New(60, 0)
	c := &fakeClock{now: time.Now()}
	l.now = func() time.Time { return c.now }
	l.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.SetBackoff("e", 10*time.Second)
	err := l.Acquire(ctx, "e")
	require.True(t, errors.Is(err, context.Canceled))
}

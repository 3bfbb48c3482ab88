package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendSlidingWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		d, err := m.Hit(ctx, "up:minute", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := m.Hit(ctx, "up:minute", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 3, d.Current)

	// The window slides: once the oldest hit ages out there is room again.
	now = now.Add(61 * time.Second)
	d, err = m.Hit(ctx, "up:minute", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestMemoryBackendKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	d, err := m.Hit(ctx, "a:minute", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = m.Hit(ctx, "b:minute", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = m.Hit(ctx, "a:minute", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

func TestMemoryBackendCleanup(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	_, err := m.Hit(ctx, "stale", 5, time.Minute)
	require.NoError(t, err)
	_, err = m.Hit(ctx, "live", 5, time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = m.Hit(ctx, "live", 5, time.Minute)
	require.NoError(t, err)

	require.Equal(t, 1, m.Cleanup(time.Hour))
}

func TestLimiterChecksTightestWindowFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	l := NewLimiter(m, Config{Enabled: true, PerMinute: 2, PerHour: 100})

	for i := 0; i < 2; i++ {
		d, err := l.Check(ctx, "up")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := l.Check(ctx, "up")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, "minute_limit_exceeded", d.Reason)
	require.Equal(t, time.Minute, d.RetryAfter)
}

func TestLimiterHourWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	l := NewLimiter(m, Config{Enabled: true, PerMinute: 100, PerDay: 0, PerHour: 3})

	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, "up")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		now = now.Add(2 * time.Minute)
	}

	d, err := l.Check(ctx, "up")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, "hour_limit_exceeded", d.Reason)
}

func TestLimiterDisabledAllowsEverything(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemoryBackend(), Config{Enabled: false, PerMinute: 1})

	for i := 0; i < 10; i++ {
		d, err := l.Check(ctx, "up")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
}

func TestRedisBackendSlidingWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	rb := NewRedisBackend(client, "test:rl:")
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rb.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		d, err := rb.Hit(ctx, "up:minute", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		now = now.Add(time.Second)
	}

	d, err := rb.Hit(ctx, "up:minute", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 3, d.Current)

	// Advance past the window: the trim drops the old members.
	now = now.Add(2 * time.Minute)
	d, err = rb.Hit(ctx, "up:minute", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Current)
}

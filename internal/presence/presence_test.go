package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTracker(t *testing.T) (*RedisTracker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisTracker(client, time.Minute), srv
}

func exerciseTracker(t *testing.T, tracker Tracker) {
	ctx := context.Background()

	_, online, err := tracker.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, tracker.Set(ctx, "u1", "conn-a"))
	connID, online, err := tracker.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, "conn-a", connID)

	// a second tab replaces the first; the first tab closing must not clear it
	require.NoError(t, tracker.Set(ctx, "u1", "conn-b"))
	require.NoError(t, tracker.Remove(ctx, "u1", "conn-a"))
	connID, online, err = tracker.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, "conn-b", connID)

	require.NoError(t, tracker.Remove(ctx, "u1", "conn-b"))
	_, online, err = tracker.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestMemoryTracker(t *testing.T) {
	exerciseTracker(t, NewMemoryTracker())
}

func TestRedisTracker(t *testing.T) {
	tracker, _ := newRedisTracker(t)
	exerciseTracker(t, tracker)
}

func TestRedisTrackerExpires(t *testing.T) {
	tracker, srv := newRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Set(ctx, "u2", "conn-a"))
	assert.Equal(t, time.Minute, srv.TTL("presence:u2"))

	srv.FastForward(2 * time.Minute)
	_, online, err := tracker.Get(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestRedisTrackerReportsBackendErrors(t *testing.T) {
	tracker, srv := newRedisTracker(t)
	srv.Close()

	_, _, err := tracker.Get(context.Background(), "u3")
	assert.Error(t, err)
}

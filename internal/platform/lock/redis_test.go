package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRedisLocker(client, RedisConfig{TTL: time.Minute, RetryEvery: 5 * time.Millisecond}, zerolog.Nop())
	return l, mr
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	release, err := l.Lock(ctx, "room:a", "day:2026-03-02")
	require.NoError(t, err)
	assert.True(t, mr.Exists("orsched:lock:room:a"))
	assert.True(t, mr.Exists("orsched:lock:day:2026-03-02"))
	assert.Equal(t, time.Minute, mr.TTL("orsched:lock:room:a"))

	release()
	release()
	assert.False(t, mr.Exists("orsched:lock:room:a"))
	assert.False(t, mr.Exists("orsched:lock:day:2026-03-02"))
}

func TestRedisLocker_ContendedKeyTimesOut(t *testing.T) {
	l, mr := newRedisLocker(t)
	release, err := l.Lock(context.Background(), "room:a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "room:b", "room:a")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// room:b was taken first and must be given back
	assert.False(t, mr.Exists("orsched:lock:room:b"))
}

func TestRedisLocker_ReleaseKeepsForeignOwner(t *testing.T) {
	l, mr := newRedisLocker(t)
	release, err := l.Lock(context.Background(), "room:a")
	require.NoError(t, err)

	// lease expired and another replica took the key
	require.NoError(t, mr.Set("orsched:lock:room:a", "someone-else"))
	release()

	v, err := mr.Get("orsched:lock:room:a")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	l, _ := newRedisLocker(t)
	release, err := l.Lock(context.Background(), "room:a")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	second, err := l.Lock(ctx, "room:a")
	require.NoError(t, err)
	second()
}

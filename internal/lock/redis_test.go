package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis needs a running redis; FEATUREGATE_TEST_REDIS_ADDR overrides
// localhost:6379. The test is skipped when none answers.
func newTestRedis(t *testing.T) (*Redis, *redis.Client) {
	t.Helper()
	addr := os.Getenv("FEATUREGATE_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("redis not available")
	}
	l := NewRedisWithClient(client, 5*time.Second)
	l.prefix = "featuregate:test:" + t.Name() + ":"
	t.Cleanup(func() { l.Close() })
	return l, client
}

func TestRedisLockExcludesSecondHolder(t *testing.T) {
	l, _ := newTestRedis(t)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "p-1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "p-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(ctx, "p-2")
	require.NoError(t, err)
	other()

	unlock()
	again, err := l.Lock(ctx, "p-1")
	require.NoError(t, err)
	again()
}

func TestRedisReleaseKeepsForeignToken(t *testing.T) {
	l, client := newTestRedis(t)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "p-1")
	require.NoError(t, err)

	// The lease expired and another process took the key.
	key := l.prefix + "p-1"
	require.NoError(t, client.Set(ctx, key, "someone-else", 5*time.Second).Err())
	unlock()

	got, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
	require.NoError(t, client.Del(ctx, key).Err())
}

func TestRedisLockExpiresWithTTL(t *testing.T) {
	l, client := newTestRedis(t)
	l.ttl = 300 * time.Millisecond
	ctx := context.Background()

	_, err := l.Lock(ctx, "p-1")
	require.NoError(t, err)
	ttl, err := client.PTTL(ctx, l.prefix+"p-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	unlock, err := l.Lock(waitCtx, "p-1")
	require.NoError(t, err, "lock held by a dead holder must expire")
	unlock()
}

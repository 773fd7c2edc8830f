package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared across processes. A holder that dies releases the
// lock when the TTL expires.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedis(addr, password string, db int, ttl time.Duration) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisWithClient(rdb, ttl)
}

func NewRedisWithClient(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Redis{client: client, prefix: "featuregate:lock:", ttl: ttl, retry: 50 * time.Millisecond}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	full := r.prefix + key
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{full}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			slog.Default().With("component", "lock").Warn("redis unlock failed", "key", key, "error", err)
		}
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisConfig configures a RedisLocker.
type RedisConfig struct {
	Prefix     string
	TTL        time.Duration
	RetryEvery time.Duration
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:     "orsched:lock:",
		TTL:        30 * time.Second,
		RetryEvery: 25 * time.Millisecond,
	}
}

// RedisLocker serializes work across replicas. Each key is a SET NX PX entry
// owned by a random token; release deletes only entries still owned.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    RedisConfig
	logger zerolog.Logger
}

func NewRedisLocker(client redis.UniversalClient, cfg RedisConfig, logger zerolog.Logger) *RedisLocker {
	def := DefaultRedisConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryEvery <= 0 {
		cfg.RetryEvery = def.RetryEvery
	}
	return &RedisLocker{client: client, cfg: cfg, logger: logger}
}

func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = Normalize(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	release := func() {
		// the caller's context may already be done
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := releaseScript.Run(rctx, l.client, []string{l.cfg.Prefix + held[i]}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn().Err(err).Str("lock_key", held[i]).Msg("failed to release lock")
			}
		}
	}

	for _, k := range keys {
		if err := l.acquire(ctx, l.cfg.Prefix+k, token); err != nil {
			release()
			return nil, fmt.Errorf("acquire lock %s: %w", k, err)
		}
		held = append(held, k)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(l.cfg.RetryEvery)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.cfg.TTL).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

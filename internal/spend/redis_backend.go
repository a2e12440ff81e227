package spend

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackend stores buckets in Redis so spend survives a daemon restart
// and can be shared if multiple processes ever point at the same Redis
// instance. INCRBYFLOAT keeps the increment atomic server-side.
type redisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a Backend on top of an existing redis client.
func NewRedisBackend(client *redis.Client) Backend {
	return &redisBackend{client: client}
}

func (b *redisBackend) Get(ctx context.Context, key string) (float64, error) {
	val, err := b.client.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func (b *redisBackend) Add(ctx context.Context, key string, amount float64, expiresAt time.Time) (float64, error) {
	val, err := b.client.IncrByFloat(ctx, key, amount).Result()
	if err != nil {
		return 0, err
	}
	b.client.ExpireAt(ctx, key, expiresAt)
	return val, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultIdempotencyPrefix = "idem:ride-request:"

// RedisIdempotencyRepo shares idempotent responses between service replicas.
type RedisIdempotencyRepo struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisIdempotencyRepo constructs the repository.
func NewRedisIdempotencyRepo(client redis.Cmdable, prefix string) *RedisIdempotencyRepo {
	if prefix == "" {
		prefix = defaultIdempotencyPrefix
	}
	return &RedisIdempotencyRepo{client: client, keyPrefix: prefix}
}

// GetResponse reads the cached payload.
func (r *RedisIdempotencyRepo) GetResponse(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return payload, true, nil
}

// PutResponse stores the payload only if no response was recorded yet, so
// the first completed booking wins.
func (r *RedisIdempotencyRepo) PutResponse(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.SetNX(ctx, r.keyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

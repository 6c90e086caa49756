package remote

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Redis-backed [Store]. All operations fail soft: if Redis is
// unavailable, reads return a miss and writes are silently discarded instead
// of surfacing the error to the caller.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis creates a Redis-backed store. Entries are written with ttl; zero
// means no automatic expiration.
func NewRedis(addr, password string, db int, ttl time.Duration) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Redis{rdb: rdb, ttl: ttl}
}

// Get retrieves the bytes for key. Returns (nil, false, nil) on a miss or
// when Redis is unreachable.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		// Fail soft: treat connection errors as a miss.
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores the bytes for key with the configured TTL. Errors are silently
// discarded (fail soft).
func (r *Redis) Set(ctx context.Context, key string, val []byte) error {
	_ = r.rdb.Set(ctx, key, val, r.ttl).Err()
	return nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

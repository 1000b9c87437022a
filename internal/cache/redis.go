package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const deleteBatch = 100

// Redis stores range results in Redis so several server processes share one cache.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisFromClient(rdb), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// DeletePrefix scans with MATCH rather than KEYS so large keyspaces never
// block the server. Keys are collected before deleting: removing keys mid-scan
// can make the cursor skip others.
func (r *Redis) DeletePrefix(ctx context.Context, prefix string) error {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", deleteBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %s*: %w", prefix, err)
	}

	for len(keys) > 0 {
		n := min(len(keys), deleteBatch)
		if err := r.rdb.Unlink(ctx, keys[:n]...).Err(); err != nil {
			return fmt.Errorf("redis unlink: %w", err)
		}
		keys = keys[n:]
	}
	return nil
}

// Health pings the server.
func (r *Redis) Health(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"scrape_runs/config"
)

// NewRedisClient connects and pings. Callers fall back to memory backends
// when this fails.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// RedisBackend stores JSON entries under a key prefix so several caches can
// share one database.
type RedisBackend[T any] struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBackend[T any](client redis.UniversalClient, prefix string) *RedisBackend[T] {
	return &RedisBackend[T]{client: client, prefix: prefix}
}

func (r *RedisBackend[T]) key(k string) string {
	return r.prefix + k
}

func (r *RedisBackend[T]) Load(ctx context.Context, key string) (Entry[T], bool, error) {
	var entry Entry[T]
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry, true, nil
}

// Store also sets a native expiry so abandoned keys do not pile up; the
// age check in Cache stays authoritative.
func (r *RedisBackend[T]) Store(ctx context.Context, key string, entry Entry[T]) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return r.client.Set(ctx, r.key(key), data, entry.TTL+time.Minute).Err()
}

func (r *RedisBackend[T]) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *RedisBackend[T]) Flush(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

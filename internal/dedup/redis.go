package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisGate is a Gate backed by a shared Redis instance, for deployments
// where more than one process ingests detections. SET NX with a TTL makes
// the check-and-record atomic across processes.
type RedisGate struct {
	client *redis.Client
	window time.Duration
	prefix string
}

// RedisConfig holds connection settings for the Redis-backed gate.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NewRedisGate connects to Redis and returns a shared cooldown gate.
func NewRedisGate(cfg RedisConfig, window time.Duration) (*RedisGate, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisGate{
		client: client,
		window: window,
		prefix: "dedup:",
	}, nil
}

// Admit atomically records key unless it was already recorded within the
// window. The TTL expires the key without any cleanup pass.
func (g *RedisGate) Admit(ctx context.Context, key string, now time.Time) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, now.UnixMilli(), g.window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cooldown for %s: %w", key, err)
	}
	return ok, nil
}

// Close releases the Redis connection.
func (g *RedisGate) Close() error {
	return g.client.Close()
}

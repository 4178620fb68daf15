// Copyright 2025 James Ross
package redisclient

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/flyingrobots/go-redis-job-queue/internal/config"
	"github.com/redis/go-redis/v9"
)

// New returns a configured go-redis client with pooling and retries.
// Reconnects and command retry with exponential backoff are handled by the
// driver itself via MaxRetries and the backoff options.
func New(cfg *config.Config) *redis.Client {
	poolSize := cfg.Redis.PoolSizeMultiplier * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	return redis.NewClient(&redis.Options{
		Addr:            cfg.Redis.Addr,
		Username:        cfg.Redis.Username,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        poolSize,
		MinIdleConns:    cfg.Redis.MinIdleConns,
		DialTimeout:     cfg.Redis.DialTimeout,
		ReadTimeout:     cfg.Redis.ReadTimeout,
		WriteTimeout:    cfg.Redis.WriteTimeout,
		MaxRetries:      cfg.Redis.MaxRetries,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		ConnMaxIdleTime: 5 * time.Minute,
	})
}

// NewBlocking returns a client dedicated to long-poll commands (BRPOPLPUSH).
// The blocking pop monopolises its socket, so it must not share the main
// pool; a pool of one connection with no read deadline keeps it isolated.
func NewBlocking(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Username:    cfg.Redis.Username,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    1,
		DialTimeout: cfg.Redis.DialTimeout,
		ReadTimeout: -1,
		MaxRetries:  cfg.Redis.MaxRetries,
	})
}

// ServerVersion parses "redis_version:" out of INFO server. Script variants
// are selected once at load time from this value (LPOS needs >= 6.0.6).
func ServerVersion(ctx context.Context, rdb *redis.Client) (string, error) {
	info, err := rdb.Info(ctx, "server").Result()
	if err != nil {
		return "", fmt.Errorf("info server: %w", err)
	}
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "redis_version:"); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("redis_version not present in INFO server reply")
}

// Package cache owns the Redis connection. Redis backs the ingest
// duplicate-suppression window, the delivery scheduling queues, and worker
// locks; callers operate on the client directly.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"

	"github.com/pulsegrid/pulse/internal/config"
	"github.com/pulsegrid/pulse/internal/logging"
)

// Client wraps the Redis client so health checks and shutdown have one home.
type Client struct {
	*redis.Client
}

// New opens a traced Redis connection and verifies it with a ping.
func New(cfg config.RedisConfig) (*Client, error) {
	ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"operation": "redis_connection",
		"service":   "cache",
		"addr":      cfg.Addr(),
		"db":        cfg.DB,
		"pool_size": cfg.PoolSize,
	})

	logger.Info("Establishing Redis connection")

	rdb := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr(),
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: 3,
	})
	rdb.AddHook(redisotel.NewTracingHook())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.WithError(err).Error("Failed to connect to Redis")
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connected successfully")
	return &Client{rdb}, nil
}

// Health pings Redis with a short deadline.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.Client.Close()
}

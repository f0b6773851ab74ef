package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pulsegrid/pulse/internal/config"
)

// RedisContainer manages a Redis test container.
type RedisContainer struct {
	container testcontainers.Container
	cfg       config.RedisConfig
}

// StartRedisContainer starts a Redis container for testing.
func StartRedisContainer(ctx context.Context) (*RedisContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}

	mappedPort, err := container.MappedPort(ctx, "6379")
	if err != nil {
		return nil, err
	}

	cfg := config.DefaultRedisConfig()
	cfg.Host = host
	cfg.Port = mappedPort.Int()

	return &RedisContainer{container: container, cfg: cfg}, nil
}

// Stop terminates the Redis container.
func (rc *RedisContainer) Stop(ctx context.Context) error {
	return rc.container.Terminate(ctx)
}

func TestRedisIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	rc, err := StartRedisContainer(ctx)
	require.NoError(t, err)
	defer rc.Stop(ctx)

	client, err := New(rc.cfg)
	require.NoError(t, err)
	defer client.Close()

	t.Run("health check", func(t *testing.T) {
		assert.NoError(t, client.Health(ctx))
	})

	t.Run("SetNX holds for the window", func(t *testing.T) {
		ok, err := client.SetNX(ctx, "dedup:t1:d1:42", 1, 2*time.Minute).Result()
		require.NoError(t, err)
		assert.True(t, ok, "first claim wins")

		ok, err = client.SetNX(ctx, "dedup:t1:d1:42", 1, 2*time.Minute).Result()
		require.NoError(t, err)
		assert.False(t, ok, "second claim within the window loses")

		ttl, err := client.TTL(ctx, "dedup:t1:d1:42").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Minute)
	})
}

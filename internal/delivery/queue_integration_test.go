package delivery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedis starts a throwaway Redis container and returns a client bound
// to it plus a cleanup function.
func startRedis(ctx context.Context, t *testing.T) (*redis.Client, func()) {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", host, mappedPort.Int()),
	})
	require.NoError(t, client.Ping(ctx).Err())

	return client, func() {
		client.Close()
		container.Terminate(ctx)
	}
}

func TestQueueIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	client, stop := startRedis(ctx, t)
	defer stop()

	queue := NewQueue(client)

	reset := func(t *testing.T) {
		t.Helper()
		require.NoError(t, client.FlushAll(ctx).Err())
	}

	t.Run("dequeue orders by priority then age", func(t *testing.T) {
		reset(t)

		low := JobRef{TenantID: "t1", JobID: "low"}
		oldHigh := JobRef{TenantID: "t1", JobID: "old-high"}
		newHigh := JobRef{TenantID: "t1", JobID: "new-high"}

		require.NoError(t, queue.Enqueue(ctx, low, 20))
		require.NoError(t, queue.Enqueue(ctx, oldHigh, 10))
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, queue.Enqueue(ctx, newHigh, 10))

		refs, err := queue.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, []JobRef{oldHigh, newHigh, low}, refs)
	})

	t.Run("dequeue peeks without removing", func(t *testing.T) {
		reset(t)

		ref := JobRef{TenantID: "t1", JobID: "j1"}
		require.NoError(t, queue.Enqueue(ctx, ref, 10))

		for i := 0; i < 2; i++ {
			refs, err := queue.Dequeue(ctx, 10)
			require.NoError(t, err)
			assert.Equal(t, []JobRef{ref}, refs)
		}

		require.NoError(t, queue.Remove(ctx, ref))
		refs, err := queue.Dequeue(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, refs)
	})

	t.Run("dequeue drops malformed members", func(t *testing.T) {
		reset(t)

		require.NoError(t, client.ZAdd(ctx, pendingKey, &redis.Z{Score: 1, Member: "garbage"}).Err())
		ref := JobRef{TenantID: "t1", JobID: "j1"}
		require.NoError(t, queue.Enqueue(ctx, ref, 10))

		refs, err := queue.Dequeue(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []JobRef{ref}, refs)

		size, err := client.ZCard(ctx, pendingKey).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), size, "the malformed member is gone")
	})

	t.Run("delayed refs promote only once due", func(t *testing.T) {
		reset(t)

		routed := JobRef{TenantID: "t1", JobID: "routed"}
		retry := JobRef{TenantID: "t1", JobID: "retry"}
		require.NoError(t, queue.Enqueue(ctx, routed, 10))
		require.NoError(t, queue.Enqueue(ctx, retry, 10))

		due := time.Now().Add(time.Hour)
		require.NoError(t, queue.Delay(ctx, retry, due))

		refs, err := queue.Dequeue(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []JobRef{routed}, refs, "a delayed ref leaves the pending set")

		moved, err := queue.PromoteDelayed(ctx, time.Now())
		require.NoError(t, err)
		assert.Zero(t, moved, "not due yet")

		moved, err = queue.PromoteDelayed(ctx, due.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, moved)

		refs, err = queue.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, []JobRef{retry, routed}, refs,
			"a promoted retry outranks newly routed work")

		stats, err := queue.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Delayed)
	})

	t.Run("lock is exclusive and owner released", func(t *testing.T) {
		reset(t)

		ref := JobRef{TenantID: "t1", JobID: "j1"}

		ok, err := queue.AcquireLock(ctx, ref, "worker-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = queue.AcquireLock(ctx, ref, "worker-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "held locks do not transfer")

		require.NoError(t, queue.ReleaseLock(ctx, ref, "worker-b"))
		ok, err = queue.AcquireLock(ctx, ref, "worker-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "a non-owner release is a no-op")

		require.NoError(t, queue.ReleaseLock(ctx, ref, "worker-a"))
		ok, err = queue.AcquireLock(ctx, ref, "worker-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("remove clears both sets", func(t *testing.T) {
		reset(t)

		ref := JobRef{TenantID: "t1", JobID: "j1"}
		other := JobRef{TenantID: "t1", JobID: "j2"}
		require.NoError(t, queue.Enqueue(ctx, ref, 10))
		require.NoError(t, queue.Enqueue(ctx, other, 10))
		require.NoError(t, queue.Delay(ctx, other, time.Now().Add(time.Hour)))

		require.NoError(t, queue.Remove(ctx, ref))
		require.NoError(t, queue.Remove(ctx, other))

		stats, err := queue.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Pending)
		assert.Equal(t, int64(0), stats.Delayed)
	})

	t.Run("stats counts both sets", func(t *testing.T) {
		reset(t)

		require.NoError(t, queue.Enqueue(ctx, JobRef{TenantID: "t1", JobID: "a"}, 10))
		require.NoError(t, queue.Enqueue(ctx, JobRef{TenantID: "t1", JobID: "b"}, 10))
		require.NoError(t, queue.Enqueue(ctx, JobRef{TenantID: "t1", JobID: "c"}, 10))
		require.NoError(t, queue.Delay(ctx, JobRef{TenantID: "t1", JobID: "c"}, time.Now().Add(time.Hour)))

		stats, err := queue.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.Pending)
		assert.Equal(t, int64(1), stats.Delayed)
	})
}

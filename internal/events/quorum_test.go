package events

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func exerciseQuorum(t *testing.T, q Quorum) {
	ctx := context.Background()

	reached, err := q.Observe(ctx, "app:v1", "t1", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, reached)

	// the same report again does not count
	reached, err = q.Observe(ctx, "app:v1", "t1", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, reached)

	reached, err = q.Observe(ctx, "app:v1", "t2", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, reached)

	// versions count separately
	reached, err = q.Observe(ctx, "app:v2", "t3", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, reached)
}

func TestMemoryQuorum(t *testing.T) {
	exerciseQuorum(t, NewMemoryQuorum())

	t.Run("expired keys start over", func(t *testing.T) {
		q := NewMemoryQuorum()
		now := time.Now()
		q.now = func() time.Time { return now }
		ctx := context.Background()

		_, err := q.Observe(ctx, "k", "a", 2, time.Second)
		require.NoError(t, err)
		now = now.Add(2 * time.Second)
		reached, err := q.Observe(ctx, "k", "b", 2, time.Second)
		require.NoError(t, err)
		assert.False(t, reached)
	})
}

func TestRedisQuorum(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	exerciseQuorum(t, NewRedisQuorum(rdb))

	ttl, err := rdb.TTL(ctx, quorumPrefix+"app:v1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	redistest "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) *goredis.Client {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	ctx := context.Background()

	container, err := redistest.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(connStr)
	require.NoError(t, err)

	client := goredis.NewClient(opts)
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	q := NewQueue(rdb, zap.NewNop())
	endedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, q.EnqueueArchive(ctx, "ABC234", endedAt))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobTypeSessionArchive, job.Type)
	assert.Zero(t, job.Attempt)

	var p ArchivePayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, "ABC234", p.Code)
	assert.True(t, endedAt.Equal(p.EndedAt))
}

func TestQueue_DequeueEmptyReturnsNil(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := NewQueue(rdb, zap.NewNop()).Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueue_RetryMovesToDLQ(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()
	q := NewQueue(rdb, zap.NewNop())

	job := &Job{ID: "j1", Type: JobTypeSessionArchive, Payload: json.RawMessage(`{}`)}
	for i := 1; i < MaxRetries; i++ {
		require.NoError(t, q.Retry(ctx, job))
	}
	n, err := rdb.LLen(ctx, QueueArchives).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(MaxRetries-1), n)

	require.NoError(t, q.Retry(ctx, job))
	n, err = rdb.LLen(ctx, QueueDLQ).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupQueue(t *testing.T) (*miniredis.Miniredis, *RedisQueue) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, newRedisQueueWithClient(client)
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "ENG-1"))
	require.NoError(t, q.Enqueue(ctx, "ENG-2"))
	require.NoError(t, q.Enqueue(ctx, "ENG-3"))

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	for _, want := range []string{"ENG-1", "ENG-2", "ENG-3"} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDequeueEmptyReturnsBlank(t *testing.T) {
	_, q := setupQueue(t)

	id, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)

	n, err := q.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeadLetterRoundTrip(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.DeadLetter(ctx, "ENG-9", "max attempts exhausted"))

	entries, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ENG-9", entries[0].TicketID)
	assert.Equal(t, "max attempts exhausted", entries[0].Reason)
	assert.False(t, entries[0].FailedAt.IsZero())

	// Dead letters never feed back into the ready list.
	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestHealthCheckAfterShutdown(t *testing.T) {
	mr, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.HealthCheck(ctx))
	mr.Close()
	assert.Error(t, q.HealthCheck(ctx))
}

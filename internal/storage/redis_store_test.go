package storage

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgrid/fluxgrid/internal/hlc"
)

func TestRedisSoftFlushKeepsPendingOnFailure(t *testing.T) {
	// Nothing listens on port 1, so every commit fails. Internal client
	// retries are off; the store's own backoff is the retry layer.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	store := NewRedisDataStore(client, "users", nil)

	ts := hlc.Timestamp{Millis: 1, NodeID: "node-a"}
	for _, key := range []string{"k1", "k2", "k3"} {
		require.NoError(t, store.Add(context.Background(), key,
			Record{Value: LwwValue("v", ts, nil)}))
	}
	require.Equal(t, 3, store.PendingOperationCount())

	_, err := store.SoftFlush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, store.PendingOperationCount(),
		"an unreachable backend must not lose queued writes")
}

func TestRedisPendingQueueSupersedesByKey(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	store := NewRedisDataStore(client, "users", nil)

	ts := hlc.Timestamp{Millis: 1, NodeID: "node-a"}
	require.NoError(t, store.Add(context.Background(), "k1",
		Record{Value: LwwValue("v1", ts, nil)}))
	require.NoError(t, store.Remove(context.Background(), "k1"))
	assert.Equal(t, 1, store.PendingOperationCount(),
		"later operations on a key replace earlier ones")
}

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
)

// RedisDataStore persists records to Redis as msgpack blobs under
// "fluxgrid:{map}:{key}". Writes buffer in a pending queue; FlushKey and
// SoftFlush commit with bounded exponential backoff.
type RedisDataStore struct {
	client  redis.Cmdable
	mapName string
	pending *pendingQueue
	logger  *zap.Logger
}

// NewRedisDataStore builds a backend for mapName on client.
func NewRedisDataStore(client redis.Cmdable, mapName string, logger *zap.Logger) *RedisDataStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDataStore{
		client:  client,
		mapName: mapName,
		pending: newPendingQueue(),
		logger:  logger,
	}
}

func (s *RedisDataStore) redisKey(key string) string {
	return fmt.Sprintf("fluxgrid:%s:%s", s.mapName, key)
}

func (s *RedisDataStore) Add(_ context.Context, key string, record Record) error {
	s.pending.put(key, &record)
	return nil
}

// AddBackup is a no-op: the owner's write-through already persists the
// record, and backup replicas must not double-write.
func (s *RedisDataStore) AddBackup(context.Context, string, Record) error { return nil }

func (s *RedisDataStore) Remove(_ context.Context, key string) error {
	s.pending.put(key, nil)
	return nil
}

func (s *RedisDataStore) RemoveBackup(context.Context, string) error { return nil }

func (s *RedisDataStore) Load(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, griderr.Internal(err, "redis load of %q", key)
	}
	var rec Record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, griderr.Internal(err, "decode stored record %q", key)
	}
	return &rec, nil
}

func (s *RedisDataStore) LoadAll(ctx context.Context, keys []string) (map[string]Record, error) {
	if len(keys) == 0 {
		return map[string]Record{}, nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.redisKey(k)
	}
	raws, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, griderr.Internal(err, "redis mget of %d keys", len(keys))
	}
	out := make(map[string]Record, len(keys))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		blob, ok := raw.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := msgpack.Unmarshal([]byte(blob), &rec); err != nil {
			s.logger.Warn("skipping undecodable stored record",
				zap.String("map", s.mapName), zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out[keys[i]] = rec
	}
	return out, nil
}

func (s *RedisDataStore) RemoveAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.redisKey(k)
	}
	if err := s.client.Del(ctx, redisKeys...).Err(); err != nil {
		return griderr.Internal(err, "redis del of %d keys", len(keys))
	}
	return nil
}

func (s *RedisDataStore) IsLoadable() bool { return true }

func (s *RedisDataStore) PendingOperationCount() int { return s.pending.len() }

func (s *RedisDataStore) SoftFlush(ctx context.Context) (int, error) {
	ops := s.pending.drain()
	flushed := 0
	for i, op := range ops {
		if err := s.commit(ctx, op); err != nil {
			// Everything not yet committed goes back, the failed op included.
			for _, rem := range ops[i:] {
				s.pending.requeue(rem)
			}
			return flushed, err
		}
		flushed++
	}
	return flushed, nil
}

func (s *RedisDataStore) HardFlush(ctx context.Context) error {
	for s.pending.len() > 0 {
		if _, err := s.SoftFlush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisDataStore) FlushKey(ctx context.Context, key string) error {
	op, ok := s.pending.take(key)
	if !ok {
		return nil
	}
	if err := s.commit(ctx, op); err != nil {
		s.pending.requeue(op)
		return err
	}
	return nil
}

func (s *RedisDataStore) commit(ctx context.Context, op pendingOp) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(50*time.Millisecond)), 3), ctx)
	attempt := func() error {
		if op.record == nil {
			return s.client.Del(ctx, s.redisKey(op.key)).Err()
		}
		blob, err := msgpack.Marshal(op.record)
		if err != nil {
			return backoff.Permanent(err)
		}
		return s.client.Set(ctx, s.redisKey(op.key), blob, 0).Err()
	}
	if err := backoff.Retry(attempt, policy); err != nil {
		return griderr.Internal(err, "redis commit of %q", op.key)
	}
	return nil
}

func (s *RedisDataStore) Reset() { s.pending.reset() }

func (s *RedisDataStore) IsNull() bool { return false }

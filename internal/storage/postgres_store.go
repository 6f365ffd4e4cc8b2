package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
)

const (
	createRecordsTableSQL = `
		CREATE TABLE IF NOT EXISTS fluxgrid_records (
			map_name TEXT NOT NULL,
			key      TEXT NOT NULL,
			record   BYTEA NOT NULL,
			version  BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (map_name, key)
		)`
	upsertRecordSQL = `
		INSERT INTO fluxgrid_records (map_name, key, record, version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (map_name, key)
		DO UPDATE SET record = EXCLUDED.record, version = EXCLUDED.version`
	deleteRecordSQL  = `DELETE FROM fluxgrid_records WHERE map_name = $1 AND key = $2`
	selectRecordSQL  = `SELECT record FROM fluxgrid_records WHERE map_name = $1 AND key = $2`
	selectRecordsSQL = `SELECT key, record FROM fluxgrid_records WHERE map_name = $1 AND key = ANY($2)`
	deleteRecordsSQL = `DELETE FROM fluxgrid_records WHERE map_name = $1 AND key = ANY($2)`
)

// PostgresDataStore persists records to a fluxgrid_records table as
// msgpack blobs. Writes buffer in a pending queue; flushes commit each
// record in its own statement so FlushKey stays atomic per record.
type PostgresDataStore struct {
	pool    *pgxpool.Pool
	mapName string
	pending *pendingQueue
	logger  *zap.Logger
}

// NewPostgresDataStore builds a backend for mapName and ensures the
// records table exists.
func NewPostgresDataStore(ctx context.Context, pool *pgxpool.Pool, mapName string, logger *zap.Logger) (*PostgresDataStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := pool.Exec(ctx, createRecordsTableSQL); err != nil {
		return nil, griderr.Internal(err, "create records table")
	}
	return &PostgresDataStore{
		pool:    pool,
		mapName: mapName,
		pending: newPendingQueue(),
		logger:  logger,
	}, nil
}

func (s *PostgresDataStore) Add(_ context.Context, key string, record Record) error {
	s.pending.put(key, &record)
	return nil
}

// AddBackup is a no-op: the owner's write-through already persists the
// record, and backup replicas must not double-write.
func (s *PostgresDataStore) AddBackup(context.Context, string, Record) error { return nil }

func (s *PostgresDataStore) Remove(_ context.Context, key string) error {
	s.pending.put(key, nil)
	return nil
}

func (s *PostgresDataStore) RemoveBackup(context.Context, string) error { return nil }

func (s *PostgresDataStore) Load(ctx context.Context, key string) (*Record, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, selectRecordSQL, s.mapName, key).Scan(&blob)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, griderr.Internal(err, "postgres load of %q", key)
	}
	var rec Record
	if err := msgpack.Unmarshal(blob, &rec); err != nil {
		return nil, griderr.Internal(err, "decode stored record %q", key)
	}
	return &rec, nil
}

func (s *PostgresDataStore) LoadAll(ctx context.Context, keys []string) (map[string]Record, error) {
	if len(keys) == 0 {
		return map[string]Record{}, nil
	}
	rows, err := s.pool.Query(ctx, selectRecordsSQL, s.mapName, keys)
	if err != nil {
		return nil, griderr.Internal(err, "postgres load of %d keys", len(keys))
	}
	defer rows.Close()

	out := make(map[string]Record, len(keys))
	for rows.Next() {
		var key string
		var blob []byte
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, griderr.Internal(err, "scan stored record")
		}
		var rec Record
		if err := msgpack.Unmarshal(blob, &rec); err != nil {
			s.logger.Warn("skipping undecodable stored record",
				zap.String("map", s.mapName), zap.String("key", key), zap.Error(err))
			continue
		}
		out[key] = rec
	}
	return out, rows.Err()
}

func (s *PostgresDataStore) RemoveAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, deleteRecordsSQL, s.mapName, keys); err != nil {
		return griderr.Internal(err, "postgres delete of %d keys", len(keys))
	}
	return nil
}

func (s *PostgresDataStore) IsLoadable() bool { return true }

func (s *PostgresDataStore) PendingOperationCount() int { return s.pending.len() }

func (s *PostgresDataStore) SoftFlush(ctx context.Context) (int, error) {
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

func (s *PostgresDataStore) HardFlush(ctx context.Context) error {
	for s.pending.len() > 0 {
		if _, err := s.SoftFlush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresDataStore) FlushKey(ctx context.Context, key string) error {
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

func (s *PostgresDataStore) commit(ctx context.Context, op pendingOp) error {
	if op.record == nil {
		if _, err := s.pool.Exec(ctx, deleteRecordSQL, s.mapName, op.key); err != nil {
			return griderr.Internal(err, "postgres delete of %q", op.key)
		}
		return nil
	}
	blob, err := msgpack.Marshal(op.record)
	if err != nil {
		return griderr.Internal(err, "encode record %q", op.key)
	}
	if _, err := s.pool.Exec(ctx, upsertRecordSQL, s.mapName, op.key, blob, op.record.Metadata.Version); err != nil {
		return griderr.Internal(err, "postgres upsert of %q", op.key)
	}
	return nil
}

func (s *PostgresDataStore) Reset() { s.pending.reset() }

func (s *PostgresDataStore) IsNull() bool { return false }

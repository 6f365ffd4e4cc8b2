package storage

import (
	"context"

	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/hlc"
)

// RecordStore orchestrates the engine, the persistence backend and the
// observer fan-out for one (map, partition) pair. The in-memory write
// always stands; persistence failures surface to the caller but are not
// rolled back.
type RecordStore struct {
	mapName     string
	partitionID uint32
	engine      StorageEngine
	dataStore   MapDataStore
	observer    MutationObserver
	expiry      ExpiryPolicy
	clock       hlc.Clock
	logger      *zap.Logger
}

// NewRecordStore wires a record store from its three layers.
func NewRecordStore(mapName string, partitionID uint32, engine StorageEngine,
	dataStore MapDataStore, observer MutationObserver, expiry ExpiryPolicy,
	clock hlc.Clock, logger *zap.Logger) *RecordStore {
	if observer == nil {
		observer = NewCompositeObserver()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordStore{
		mapName:     mapName,
		partitionID: partitionID,
		engine:      engine,
		dataStore:   dataStore,
		observer:    observer,
		expiry:      expiry,
		clock:       clock,
		logger:      logger,
	}
}

// MapName returns the map this store belongs to.
func (s *RecordStore) MapName() string { return s.mapName }

// PartitionID returns the partition this store belongs to.
func (s *RecordStore) PartitionID() uint32 { return s.partitionID }

// Len returns the number of records in the engine.
func (s *RecordStore) Len() int { return s.engine.Len() }

// Contains reports whether key is present in the engine.
func (s *RecordStore) Contains(key string) bool { return s.engine.Contains(key) }

// Get returns the record under key. A miss falls through to the
// persistence backend when it is loadable; a loaded record is inserted
// with fresh metadata and announced through OnLoad. With touch set, a hit
// updates the access time and hit count.
func (s *RecordStore) Get(ctx context.Context, key string, touch bool) (*Record, error) {
	if rec := s.engine.Get(key); rec != nil {
		if touch {
			rec.Metadata.LastAccessTime = s.clock.NowMillis()
			rec.Metadata.Hits++
			s.engine.Put(key, *rec)
		}
		return rec, nil
	}
	if !s.dataStore.IsLoadable() {
		return nil, nil
	}
	loaded, err := s.dataStore.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		return nil, nil
	}
	now := s.clock.NowMillis()
	rec := Record{
		Value: loaded.Value,
		Metadata: RecordMetadata{
			Version:        loaded.Metadata.Version,
			CreationTime:   now,
			LastAccessTime: now,
			LastUpdateTime: now,
			LastStoredTime: now,
			Cost:           loaded.Metadata.Cost,
		},
	}
	s.engine.Put(key, rec)
	s.observer.OnLoad(key, rec)
	return &rec, nil
}

// Put writes value under key and fires OnPut or OnUpdate. Client and CRDT
// merge writes go through to the persistence backend synchronously.
func (s *RecordStore) Put(ctx context.Context, key string, value RecordValue,
	expiry *ExpiryPolicy, provenance CallerProvenance) (*Record, error) {
	return s.put(ctx, key, value, expiry, provenance, false)
}

// PutBackup is Put for backup replicas: observers see is_backup=true and
// the backend's backup path is used instead of write-through.
func (s *RecordStore) PutBackup(ctx context.Context, key string, value RecordValue,
	expiry *ExpiryPolicy) (*Record, error) {
	return s.put(ctx, key, value, expiry, ProvenanceBackup, true)
}

func (s *RecordStore) put(ctx context.Context, key string, value RecordValue,
	expiry *ExpiryPolicy, provenance CallerProvenance, isBackup bool) (*Record, error) {
	now := s.clock.NowMillis()
	meta := RecordMetadata{
		Version:        1,
		CreationTime:   now,
		LastAccessTime: now,
		LastUpdateTime: now,
	}
	old := s.engine.Get(key)
	if old != nil {
		meta.Version = old.Metadata.Version + 1
		meta.CreationTime = old.Metadata.CreationTime
		meta.LastStoredTime = old.Metadata.LastStoredTime
		meta.Hits = old.Metadata.Hits
	}
	rec := Record{Value: value, Metadata: meta, Expiry: expiry}
	s.engine.Put(key, rec)

	switch {
	case provenance == ProvenanceReplication:
		s.observer.OnReplicationPut(key, rec)
	case old != nil:
		s.observer.OnUpdate(key, *old, rec, isBackup)
	default:
		s.observer.OnPut(key, rec, isBackup)
	}

	if isBackup {
		if !s.dataStore.IsNull() {
			if err := s.dataStore.AddBackup(ctx, key, rec); err != nil {
				return &rec, err
			}
		}
		return &rec, nil
	}
	if provenance.WriteThrough() && !s.dataStore.IsNull() {
		if err := s.dataStore.Add(ctx, key, rec); err != nil {
			return &rec, err
		}
		if err := s.dataStore.FlushKey(ctx, key); err != nil {
			return &rec, err
		}
		rec.Metadata.LastStoredTime = s.clock.NowMillis()
		s.engine.Put(key, rec)
	}
	return &rec, nil
}

// Remove deletes key, fires OnRemove when a record existed and propagates
// the removal to the backend for write-through provenances.
func (s *RecordStore) Remove(ctx context.Context, key string, provenance CallerProvenance) (*Record, error) {
	old := s.engine.Remove(key)
	if old != nil {
		s.observer.OnRemove(key, *old, false)
	}
	if provenance.WriteThrough() && !s.dataStore.IsNull() {
		if err := s.dataStore.Remove(ctx, key); err != nil {
			return old, err
		}
		if err := s.dataStore.FlushKey(ctx, key); err != nil {
			return old, err
		}
	}
	return old, nil
}

// RemoveBackup deletes a backup replica's copy of key.
func (s *RecordStore) RemoveBackup(ctx context.Context, key string) (*Record, error) {
	old := s.engine.Remove(key)
	if old != nil {
		s.observer.OnRemove(key, *old, true)
	}
	if !s.dataStore.IsNull() {
		if err := s.dataStore.RemoveBackup(ctx, key); err != nil {
			return old, err
		}
	}
	return old, nil
}

// HasExpired reports whether key is expired: TTL measures from the last
// update, max-idle from the last access. A record-level policy overrides
// the store default.
func (s *RecordStore) HasExpired(key string) ExpiryReason {
	rec := s.engine.Get(key)
	if rec == nil {
		return NotExpired
	}
	policy := s.expiry
	if rec.Expiry != nil {
		policy = *rec.Expiry
	}
	now := s.clock.NowMillis()
	if policy.TTLMillis > 0 && now-rec.Metadata.LastUpdateTime > policy.TTLMillis {
		return ExpiredTTL
	}
	if policy.MaxIdleMillis > 0 && now-rec.Metadata.LastAccessTime > policy.MaxIdleMillis {
		return ExpiredMaxIdle
	}
	return NotExpired
}

// Evict removes key without touching the backend. Evicting a dirty record
// while a real backend is attached loses the unflushed update, so it is
// logged.
func (s *RecordStore) Evict(key string) *Record {
	rec := s.engine.Remove(key)
	if rec == nil {
		return nil
	}
	if rec.Metadata.IsDirty() && !s.dataStore.IsNull() {
		s.logger.Warn("evicting dirty record",
			zap.String("map", s.mapName),
			zap.Uint32("partition", s.partitionID),
			zap.String("key", key))
	}
	s.observer.OnEvict(key, *rec)
	return rec
}

// EvictExpired evicts expired records, up to pct percent of the store,
// and returns how many were evicted.
func (s *RecordStore) EvictExpired(pct int) int {
	if pct <= 0 {
		return 0
	}
	if pct > 100 {
		pct = 100
	}
	keys := s.engine.SnapshotKeys()
	limit := len(keys) * pct / 100
	if limit == 0 && len(keys) > 0 {
		limit = 1
	}
	evicted := 0
	for _, key := range keys {
		if evicted >= limit {
			break
		}
		if s.HasExpired(key) != NotExpired {
			if s.Evict(key) != nil {
				evicted++
			}
		}
	}
	return evicted
}

// Clear drops every record and reports the count through OnClear.
func (s *RecordStore) Clear() {
	n := s.engine.Len()
	s.engine.Clear()
	s.observer.OnClear(n)
}

// Reset clears the engine, resets the backend's pending state and fires
// OnReset.
func (s *RecordStore) Reset() {
	s.engine.Clear()
	s.dataStore.Reset()
	s.observer.OnReset()
}

// Destroy fires OnDestroy and releases the engine.
func (s *RecordStore) Destroy() {
	s.observer.OnDestroy()
	s.engine.Destroy()
}

// SoftFlush drains the backend's pending operations once.
func (s *RecordStore) SoftFlush(ctx context.Context) (int, error) {
	return s.dataStore.SoftFlush(ctx)
}

// HardFlush drains the backend until no pending operations remain.
func (s *RecordStore) HardFlush(ctx context.Context) error {
	return s.dataStore.HardFlush(ctx)
}

// FetchEntries exposes batched engine iteration for migration transfers.
func (s *RecordStore) FetchEntries(cursor Cursor, batch int) ([]Entry, Cursor) {
	return s.engine.FetchEntries(cursor, batch)
}

// EstimatedCost approximates the store's memory footprint.
func (s *RecordStore) EstimatedCost() uint64 { return s.engine.EstimatedCost() }

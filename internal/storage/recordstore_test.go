package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgrid/fluxgrid/internal/hlc"
)

func timestampAt(millis uint64) hlc.Timestamp {
	return hlc.Timestamp{Millis: millis, NodeID: "test"}
}

// recordingObserver counts notifications for assertions.
type recordingObserver struct {
	NoopObserver
	puts, updates, removes, evicts, loads, replications int
	clears, resets, destroys                            int
	lastBackup                                          bool
}

func (o *recordingObserver) OnPut(_ string, _ Record, isBackup bool) {
	o.puts++
	o.lastBackup = isBackup
}

func (o *recordingObserver) OnUpdate(_ string, _, _ Record, isBackup bool) {
	o.updates++
	o.lastBackup = isBackup
}

func (o *recordingObserver) OnRemove(_ string, _ Record, isBackup bool) {
	o.removes++
	o.lastBackup = isBackup
}

func (o *recordingObserver) OnEvict(string, Record)          { o.evicts++ }
func (o *recordingObserver) OnLoad(string, Record)           { o.loads++ }
func (o *recordingObserver) OnReplicationPut(string, Record) { o.replications++ }
func (o *recordingObserver) OnClear(int)                     { o.clears++ }
func (o *recordingObserver) OnReset()                        { o.resets++ }
func (o *recordingObserver) OnDestroy()                      { o.destroys++ }

// fakeDataStore is an in-memory MapDataStore that records the calls the
// orchestration layer makes.
type fakeDataStore struct {
	pending  *pendingQueue
	stored   map[string]Record
	loadable bool
	flushes  []string
	backups  int
}

func newFakeDataStore(loadable bool) *fakeDataStore {
	return &fakeDataStore{
		pending:  newPendingQueue(),
		stored:   make(map[string]Record),
		loadable: loadable,
	}
}

func (f *fakeDataStore) Add(_ context.Context, key string, record Record) error {
	f.pending.put(key, &record)
	return nil
}

func (f *fakeDataStore) AddBackup(_ context.Context, _ string, _ Record) error {
	f.backups++
	return nil
}

func (f *fakeDataStore) Remove(_ context.Context, key string) error {
	f.pending.put(key, nil)
	return nil
}

func (f *fakeDataStore) RemoveBackup(context.Context, string) error { return nil }

func (f *fakeDataStore) Load(_ context.Context, key string) (*Record, error) {
	rec, ok := f.stored[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeDataStore) LoadAll(_ context.Context, keys []string) (map[string]Record, error) {
	out := map[string]Record{}
	for _, k := range keys {
		if rec, ok := f.stored[k]; ok {
			out[k] = rec
		}
	}
	return out, nil
}

func (f *fakeDataStore) RemoveAll(_ context.Context, keys []string) error {
	for _, k := range keys {
		delete(f.stored, k)
	}
	return nil
}

func (f *fakeDataStore) IsLoadable() bool           { return f.loadable }
func (f *fakeDataStore) PendingOperationCount() int { return f.pending.len() }

func (f *fakeDataStore) SoftFlush(_ context.Context) (int, error) {
	ops := f.pending.drain()
	for _, op := range ops {
		f.apply(op)
	}
	return len(ops), nil
}

func (f *fakeDataStore) HardFlush(ctx context.Context) error {
	_, err := f.SoftFlush(ctx)
	return err
}

func (f *fakeDataStore) FlushKey(_ context.Context, key string) error {
	if op, ok := f.pending.take(key); ok {
		f.apply(op)
		f.flushes = append(f.flushes, key)
	}
	return nil
}

func (f *fakeDataStore) apply(op pendingOp) {
	if op.record == nil {
		delete(f.stored, op.key)
	} else {
		f.stored[op.key] = *op.record
	}
}

func (f *fakeDataStore) Reset()       { f.pending.reset() }
func (f *fakeDataStore) IsNull() bool { return false }

func newTestStore(ds MapDataStore, obs MutationObserver, expiry ExpiryPolicy,
	clock hlc.Clock) *RecordStore {
	if ds == nil {
		ds = NewNullDataStore()
	}
	if clock == nil {
		clock = hlc.NewManualClock(1000)
	}
	return NewRecordStore("orders", 7, NewMemoryEngine(), ds, obs, expiry, clock, nil)
}

func TestPutFiresPutThenUpdate(t *testing.T) {
	obs := &recordingObserver{}
	store := newTestStore(nil, obs, ExpiryPolicy{}, nil)
	ctx := context.Background()

	rec, err := store.Put(ctx, "k", LwwValue("a", timestampAt(1), nil), nil, ProvenanceClient)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Metadata.Version)
	assert.Equal(t, 1, obs.puts)

	rec, err = store.Put(ctx, "k", LwwValue("b", timestampAt(2), nil), nil, ProvenanceClient)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Metadata.Version)
	assert.Equal(t, 1, obs.updates)
	assert.False(t, obs.lastBackup)
}

func TestPutWriteThroughByProvenance(t *testing.T) {
	ctx := context.Background()
	for _, tt := range []struct {
		prov      CallerProvenance
		persisted bool
	}{
		{ProvenanceClient, true},
		{ProvenanceCrdtMerge, true},
		{ProvenanceReplication, false},
		{ProvenanceLoad, false},
	} {
		ds := newFakeDataStore(false)
		store := newTestStore(ds, nil, ExpiryPolicy{}, nil)
		_, err := store.Put(ctx, "k", LwwValue("v", timestampAt(1), nil), nil, tt.prov)
		require.NoError(t, err)

		_, stored := ds.stored["k"]
		assert.Equal(t, tt.persisted, stored, "provenance %s", tt.prov)
	}
}

func TestPutWriteThroughClearsDirtyFlag(t *testing.T) {
	ds := newFakeDataStore(false)
	clock := hlc.NewManualClock(1000)
	store := newTestStore(ds, nil, ExpiryPolicy{}, clock)

	_, err := store.Put(context.Background(), "k", LwwValue("v", timestampAt(1), nil), nil, ProvenanceClient)
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), "k", false)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Metadata.IsDirty())
	assert.Equal(t, []string{"k"}, ds.flushes)
}

func TestReplicationPutObserver(t *testing.T) {
	obs := &recordingObserver{}
	store := newTestStore(nil, obs, ExpiryPolicy{}, nil)

	_, err := store.Put(context.Background(), "k", LwwValue("v", timestampAt(1), nil), nil, ProvenanceReplication)
	require.NoError(t, err)
	assert.Equal(t, 1, obs.replications)
	assert.Equal(t, 0, obs.puts)
}

func TestPutBackupUsesBackupPath(t *testing.T) {
	obs := &recordingObserver{}
	ds := newFakeDataStore(false)
	store := newTestStore(ds, obs, ExpiryPolicy{}, nil)

	_, err := store.PutBackup(context.Background(), "k", LwwValue("v", timestampAt(1), nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, obs.puts)
	assert.True(t, obs.lastBackup)
	assert.Equal(t, 1, ds.backups)
	_, stored := ds.stored["k"]
	assert.False(t, stored, "backup writes must not write through")
}

func TestGetTouchUpdatesMetadata(t *testing.T) {
	clock := hlc.NewManualClock(1000)
	store := newTestStore(nil, nil, ExpiryPolicy{}, clock)
	ctx := context.Background()

	_, err := store.Put(ctx, "k", LwwValue("v", timestampAt(1), nil), nil, ProvenanceClient)
	require.NoError(t, err)

	clock.Set(2000)
	rec, err := store.Get(ctx, "k", true)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), rec.Metadata.LastAccessTime)
	assert.Equal(t, uint64(1), rec.Metadata.Hits)

	rec, err = store.Get(ctx, "k", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Metadata.Hits, "untouched get must not count a hit")
}

func TestGetMissLoadsFromBackend(t *testing.T) {
	obs := &recordingObserver{}
	ds := newFakeDataStore(true)
	ds.stored["k"] = Record{Value: LwwValue("loaded", timestampAt(5), nil), Metadata: RecordMetadata{Version: 9}}
	clock := hlc.NewManualClock(3000)
	store := newTestStore(ds, obs, ExpiryPolicy{}, clock)

	rec, err := store.Get(context.Background(), "k", false)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(9), rec.Metadata.Version)
	assert.Equal(t, uint64(3000), rec.Metadata.CreationTime)
	assert.False(t, rec.Metadata.IsDirty())
	assert.Equal(t, 1, obs.loads)
	assert.True(t, store.Contains("k"))

	missing, err := store.Get(context.Background(), "absent", false)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRemoveFiresObserverAndWritesThrough(t *testing.T) {
	obs := &recordingObserver{}
	ds := newFakeDataStore(false)
	store := newTestStore(ds, obs, ExpiryPolicy{}, nil)
	ctx := context.Background()

	_, err := store.Put(ctx, "k", LwwValue("v", timestampAt(1), nil), nil, ProvenanceClient)
	require.NoError(t, err)

	old, err := store.Remove(ctx, "k", ProvenanceClient)
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Equal(t, 1, obs.removes)
	_, stored := ds.stored["k"]
	assert.False(t, stored)

	// Removing an absent key fires nothing.
	old, err = store.Remove(ctx, "k", ProvenanceClient)
	require.NoError(t, err)
	assert.Nil(t, old)
	assert.Equal(t, 1, obs.removes)
}

func TestHasExpired(t *testing.T) {
	clock := hlc.NewManualClock(1000)
	store := newTestStore(nil, nil, ExpiryPolicy{TTLMillis: 500, MaxIdleMillis: 2000}, clock)
	ctx := context.Background()

	_, err := store.Put(ctx, "k", LwwValue("v", timestampAt(1), nil), nil, ProvenanceClient)
	require.NoError(t, err)

	assert.Equal(t, NotExpired, store.HasExpired("k"))
	clock.Set(1500)
	assert.Equal(t, NotExpired, store.HasExpired("k"), "the boundary is still live")
	clock.Set(1501)
	assert.Equal(t, ExpiredTTL, store.HasExpired("k"))
	assert.Equal(t, NotExpired, store.HasExpired("missing"))
}

func TestHasExpiredRecordOverride(t *testing.T) {
	clock := hlc.NewManualClock(1000)
	store := newTestStore(nil, nil, ExpiryPolicy{TTLMillis: 100}, clock)

	override := &ExpiryPolicy{TTLMillis: 10_000}
	_, err := store.Put(context.Background(), "k", LwwValue("v", timestampAt(1), nil), override, ProvenanceClient)
	require.NoError(t, err)

	clock.Set(2000)
	assert.Equal(t, NotExpired, store.HasExpired("k"))
}

func TestEvictExpired(t *testing.T) {
	clock := hlc.NewManualClock(1000)
	obs := &recordingObserver{}
	store := newTestStore(nil, obs, ExpiryPolicy{TTLMillis: 100}, clock)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d"} {
		_, err := store.Put(ctx, k, LwwValue("v", timestampAt(1), nil), nil, ProvenanceClient)
		require.NoError(t, err)
	}
	clock.Set(5000)

	evicted := store.EvictExpired(50)
	assert.Equal(t, 2, evicted, "50%% of 4 entries")
	assert.Equal(t, 2, obs.evicts)
	assert.Equal(t, 2, store.Len())

	assert.Equal(t, 2, store.EvictExpired(100))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, store.EvictExpired(100))
}

func TestClearResetDestroy(t *testing.T) {
	obs := &recordingObserver{}
	store := newTestStore(nil, obs, ExpiryPolicy{}, nil)
	ctx := context.Background()

	_, err := store.Put(ctx, "k", LwwValue("v", timestampAt(1), nil), nil, ProvenanceClient)
	require.NoError(t, err)

	store.Clear()
	assert.Equal(t, 1, obs.clears)
	assert.Equal(t, 0, store.Len())

	store.Reset()
	assert.Equal(t, 1, obs.resets)

	store.Destroy()
	assert.Equal(t, 1, obs.destroys)
}

func TestSoftFlushReportsDrainedCount(t *testing.T) {
	ds := newFakeDataStore(false)
	store := newTestStore(ds, nil, ExpiryPolicy{}, nil)
	ctx := context.Background()

	// Replication writes buffer nothing; seed the queue directly.
	require.NoError(t, ds.Add(ctx, "a", testRecord(1)))
	require.NoError(t, ds.Add(ctx, "b", testRecord(1)))

	n, err := store.SoftFlush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, ds.PendingOperationCount())
}

func TestFactoryCachesStores(t *testing.T) {
	factory := NewRecordStoreFactory(nil, nil, nil, ExpiryPolicy{}, hlc.NewManualClock(0), nil)

	a := factory.Get("orders", 3)
	b := factory.Get("orders", 3)
	c := factory.Get("orders", 4)
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	assert.Len(t, factory.ForPartition(3), 1)
	assert.Len(t, factory.All(), 2)

	factory.Drop("orders", 3)
	assert.NotSame(t, a, factory.Get("orders", 3))
}

func TestCompositeObserverEmptyIsSilent(t *testing.T) {
	composite := NewCompositeObserver()
	composite.OnPut("k", testRecord(1), false)
	composite.OnClear(3)

	obs := &recordingObserver{}
	composite.Add(obs)
	composite.OnPut("k", testRecord(1), false)
	assert.Equal(t, 1, obs.puts)
}

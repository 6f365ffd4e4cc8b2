package storage

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/hlc"
)

// EngineConstructor builds a fresh engine for one record store.
type EngineConstructor func() StorageEngine

// DataStoreProvider hands out the persistence backend for a map name. A
// single provider is shared by every store the factory builds.
type DataStoreProvider func(mapName string) MapDataStore

// NullProvider backs every map with the shared no-op store.
func NullProvider() DataStoreProvider {
	null := NewNullDataStore()
	return func(string) MapDataStore { return null }
}

// RecordStoreFactory builds one RecordStore per (map, partition) pair,
// injecting the engine constructor, the shared persistence provider and
// the observer list. Stores are cached so repeated lookups return the
// same instance.
type RecordStoreFactory struct {
	newEngine EngineConstructor
	provider  DataStoreProvider
	observers []MutationObserver
	expiry    ExpiryPolicy
	clock     hlc.Clock
	logger    *zap.Logger

	stores     *xsync.MapOf[string, *RecordStore]
	dataStores *xsync.MapOf[string, MapDataStore]
}

// NewRecordStoreFactory wires a factory. A nil engine constructor uses the
// memory engine; a nil provider uses the null backend.
func NewRecordStoreFactory(newEngine EngineConstructor, provider DataStoreProvider,
	observers []MutationObserver, expiry ExpiryPolicy, clock hlc.Clock,
	logger *zap.Logger) *RecordStoreFactory {
	if newEngine == nil {
		newEngine = func() StorageEngine { return NewMemoryEngine() }
	}
	if provider == nil {
		provider = NullProvider()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordStoreFactory{
		newEngine:  newEngine,
		provider:   provider,
		observers:  observers,
		expiry:     expiry,
		clock:      clock,
		logger:     logger,
		stores:     xsync.NewMapOf[string, *RecordStore](),
		dataStores: xsync.NewMapOf[string, MapDataStore](),
	}
}

func storeKey(mapName string, partitionID uint32) string {
	return fmt.Sprintf("%s|%d", mapName, partitionID)
}

// Get returns the record store for (mapName, partitionID), building it on
// first use.
func (f *RecordStoreFactory) Get(mapName string, partitionID uint32) *RecordStore {
	key := storeKey(mapName, partitionID)
	if store, ok := f.stores.Load(key); ok {
		return store
	}
	store, _ := f.stores.LoadOrCompute(key, func() *RecordStore {
		return NewRecordStore(mapName, partitionID, f.newEngine(),
			f.dataStoreFor(mapName), NewCompositeObserver(f.observers...),
			f.expiry, f.clock, f.logger)
	})
	return store
}

func (f *RecordStoreFactory) dataStoreFor(mapName string) MapDataStore {
	ds, _ := f.dataStores.LoadOrCompute(mapName, func() MapDataStore {
		return f.provider(mapName)
	})
	return ds
}

// ForPartition returns every cached store for one partition.
func (f *RecordStoreFactory) ForPartition(partitionID uint32) []*RecordStore {
	var out []*RecordStore
	f.stores.Range(func(_ string, store *RecordStore) bool {
		if store.PartitionID() == partitionID {
			out = append(out, store)
		}
		return true
	})
	return out
}

// All returns every cached store.
func (f *RecordStoreFactory) All() []*RecordStore {
	var out []*RecordStore
	f.stores.Range(func(_ string, store *RecordStore) bool {
		out = append(out, store)
		return true
	})
	return out
}

// Drop removes a cached store after destruction, freeing the slot for a
// fresh build.
func (f *RecordStoreFactory) Drop(mapName string, partitionID uint32) {
	f.stores.Delete(storeKey(mapName, partitionID))
}

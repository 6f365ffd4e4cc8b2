package storage

import "context"

// MapDataStore is the external persistence boundary behind a record store.
// Add/Remove enqueue work; FlushKey commits a single record atomically and
// SoftFlush drains the pending queue, returning how many operations it
// committed. IsNull lets the orchestration layer skip the backend entirely.
type MapDataStore interface {
	Add(ctx context.Context, key string, record Record) error
	AddBackup(ctx context.Context, key string, record Record) error
	Remove(ctx context.Context, key string) error
	RemoveBackup(ctx context.Context, key string) error
	Load(ctx context.Context, key string) (*Record, error)
	LoadAll(ctx context.Context, keys []string) (map[string]Record, error)
	RemoveAll(ctx context.Context, keys []string) error
	// IsLoadable reports whether missing keys may be found in the backend.
	IsLoadable() bool
	PendingOperationCount() int
	SoftFlush(ctx context.Context) (int, error)
	HardFlush(ctx context.Context) error
	FlushKey(ctx context.Context, key string) error
	Reset()
	IsNull() bool
}

// NullDataStore is the conforming no-op backend used when persistence is
// disabled.
type NullDataStore struct{}

// NewNullDataStore returns the shared no-op backend.
func NewNullDataStore() *NullDataStore { return &NullDataStore{} }

func (*NullDataStore) Add(context.Context, string, Record) error       { return nil }
func (*NullDataStore) AddBackup(context.Context, string, Record) error { return nil }
func (*NullDataStore) Remove(context.Context, string) error            { return nil }
func (*NullDataStore) RemoveBackup(context.Context, string) error      { return nil }

func (*NullDataStore) Load(context.Context, string) (*Record, error) { return nil, nil }

func (*NullDataStore) LoadAll(context.Context, []string) (map[string]Record, error) {
	return map[string]Record{}, nil
}

func (*NullDataStore) RemoveAll(context.Context, []string) error { return nil }
func (*NullDataStore) IsLoadable() bool                          { return false }
func (*NullDataStore) PendingOperationCount() int                { return 0 }
func (*NullDataStore) SoftFlush(context.Context) (int, error)    { return 0, nil }
func (*NullDataStore) HardFlush(context.Context) error           { return nil }
func (*NullDataStore) FlushKey(context.Context, string) error    { return nil }
func (*NullDataStore) Reset()                                    {}
func (*NullDataStore) IsNull() bool                              { return true }

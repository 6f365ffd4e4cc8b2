package storage

import (
	"encoding/binary"
	"math/rand"
	"sort"
	"sync"
)

// Cursor is an opaque iteration position for batched fetches. The default
// engine encodes a u64 offset into a per-call snapshot, which tolerates
// concurrent mutation at the cost of exactness across batches.
type Cursor struct {
	State    []byte
	Finished bool
}

// NewCursor returns the starting cursor.
func NewCursor() Cursor { return Cursor{} }

func (c Cursor) offset() uint64 {
	if len(c.State) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(c.State)
}

func cursorAt(offset uint64, finished bool) Cursor {
	state := make([]byte, 8)
	binary.BigEndian.PutUint64(state, offset)
	return Cursor{State: state, Finished: finished}
}

// Entry is a key/record pair returned by batched fetches.
type Entry struct {
	Key    string
	Record Record
}

// StorageEngine is the innermost layer: a raw keyed record container with
// no expiry, persistence or observer concerns.
type StorageEngine interface {
	// Put stores a record and returns the previous one, if any.
	Put(key string, record Record) *Record
	// Get returns a copy of the record under key.
	Get(key string) *Record
	// Remove deletes and returns the record under key.
	Remove(key string) *Record
	Contains(key string) bool
	Len() int
	Clear()
	// Destroy releases the engine; it must not be used afterwards.
	Destroy()
	// FetchKeys returns up to batch keys starting at cursor.
	FetchKeys(cursor Cursor, batch int) ([]string, Cursor)
	// FetchEntries returns up to batch entries starting at cursor.
	FetchEntries(cursor Cursor, batch int) ([]Entry, Cursor)
	// SnapshotKeys returns all keys at a single instant.
	SnapshotKeys() []string
	// RandomSamples returns up to n entries in unspecified order.
	RandomSamples(n int) []Entry
	// EstimatedCost approximates the engine's memory footprint in bytes.
	EstimatedCost() uint64
}

// recordOverheadBytes approximates per-record bookkeeping for cost
// estimation.
const recordOverheadBytes = 64

// MemoryEngine is the default in-process StorageEngine.
type MemoryEngine struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryEngine returns an empty engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{records: make(map[string]Record)}
}

func (e *MemoryEngine) Put(key string, record Record) *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	old, ok := e.records[key]
	e.records[key] = record
	if !ok {
		return nil
	}
	return &old
}

func (e *MemoryEngine) Get(key string) *Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[key]
	if !ok {
		return nil
	}
	return &rec
}

func (e *MemoryEngine) Remove(key string) *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[key]
	if !ok {
		return nil
	}
	delete(e.records, key)
	return &rec
}

func (e *MemoryEngine) Contains(key string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.records[key]
	return ok
}

func (e *MemoryEngine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.records)
}

func (e *MemoryEngine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = make(map[string]Record)
}

func (e *MemoryEngine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = nil
}

func (e *MemoryEngine) SnapshotKeys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.records))
	for k := range e.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *MemoryEngine) FetchKeys(cursor Cursor, batch int) ([]string, Cursor) {
	if cursor.Finished || batch <= 0 {
		return nil, Cursor{Finished: true}
	}
	keys := e.SnapshotKeys()
	start := cursor.offset()
	if start >= uint64(len(keys)) {
		return nil, Cursor{Finished: true}
	}
	end := start + uint64(batch)
	if end > uint64(len(keys)) {
		end = uint64(len(keys))
	}
	return keys[start:end], cursorAt(end, end == uint64(len(keys)))
}

func (e *MemoryEngine) FetchEntries(cursor Cursor, batch int) ([]Entry, Cursor) {
	keys, next := e.FetchKeys(cursor, batch)
	entries := make([]Entry, 0, len(keys))
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, k := range keys {
		if rec, ok := e.records[k]; ok {
			entries = append(entries, Entry{Key: k, Record: rec})
		}
	}
	return entries, next
}

func (e *MemoryEngine) RandomSamples(n int) []Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	samples := make([]Entry, 0, n)
	// Map iteration order is already randomized per run; reservoir-sample
	// so long maps do not bias toward early buckets.
	i := 0
	for k, rec := range e.records {
		if len(samples) < n {
			samples = append(samples, Entry{Key: k, Record: rec})
		} else if j := rand.Intn(i + 1); j < n {
			samples[j] = Entry{Key: k, Record: rec}
		}
		i++
	}
	return samples
}

func (e *MemoryEngine) EstimatedCost() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total uint64
	for k, rec := range e.records {
		total += uint64(len(k)) + recordOverheadBytes + rec.Metadata.Cost
	}
	return total
}

// Package crdt implements the convergent replicated map types backing the
// grid: a Last-Write-Wins map and an Observed-Remove map, both coupled to a
// Merkle trie for delta synchronization.
package crdt

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/hashing"
	"github.com/fluxgrid/fluxgrid/internal/hlc"
	"github.com/fluxgrid/fluxgrid/internal/merkle"
)

// LWWRecord is one key's state in an LWWMap. A nil Value marks a tombstone;
// tombstones order against values exactly like any other write.
type LWWRecord[V any] struct {
	Value     *V            `msgpack:"value" json:"value"`
	Timestamp hlc.Timestamp `msgpack:"timestamp" json:"timestamp"`
	TTLMillis *uint64       `msgpack:"ttlMs,omitempty" json:"ttlMs,omitempty"`
}

// IsTombstone reports whether the record marks a deletion.
func (r LWWRecord[V]) IsTombstone() bool { return r.Value == nil }

// Expired reports whether the record's TTL has lapsed at nowMillis. The
// boundary instant itself is still live.
func (r LWWRecord[V]) Expired(nowMillis uint64) bool {
	if r.TTLMillis == nil {
		return false
	}
	return r.Timestamp.Millis+*r.TTLMillis < nowMillis
}

// LWWMap is a last-write-wins replicated map. Every stored record is the
// winner of all writes observed for its key under the timestamp order, and
// the embedded Merkle trie always reflects the current winners, tombstones
// included. Safe for concurrent use.
type LWWMap[V any] struct {
	mu      sync.RWMutex
	records map[string]LWWRecord[V]
	clock   *hlc.HLC
	tree    *merkle.Tree
	logger  *zap.Logger
}

// NewLWWMap builds an empty map stamping writes with clock.
func NewLWWMap[V any](clock *hlc.HLC, merkleDepth int, logger *zap.Logger) *LWWMap[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LWWMap[V]{
		records: make(map[string]LWWRecord[V]),
		clock:   clock,
		tree:    merkle.New(merkleDepth),
		logger:  logger,
	}
}

func lwwContentHash(key string, ts hlc.Timestamp) uint32 {
	return hashing.Fnv1a(fmt.Sprintf("%s:%d:%d:%s", key, ts.Millis, ts.Counter, ts.NodeID))
}

// Set writes value under key with a fresh timestamp and returns the record.
func (m *LWWMap[V]) Set(key string, value V, ttlMillis *uint64) LWWRecord[V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := LWWRecord[V]{Value: &value, Timestamp: m.clock.Now(), TTLMillis: ttlMillis}
	m.records[key] = rec
	m.tree.Update(key, lwwContentHash(key, rec.Timestamp))
	return rec
}

// Remove writes a tombstone under key with a fresh timestamp, whether or
// not the key currently exists.
func (m *LWWMap[V]) Remove(key string) LWWRecord[V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := LWWRecord[V]{Value: nil, Timestamp: m.clock.Now()}
	m.records[key] = rec
	m.tree.Update(key, lwwContentHash(key, rec.Timestamp))
	return rec
}

// Get returns the value for key iff the record is live: present, not a
// tombstone and not TTL-expired.
func (m *LWWMap[V]) Get(key string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var zero V
	rec, ok := m.records[key]
	if !ok || rec.IsTombstone() || rec.Expired(m.clock.WallMillis()) {
		return zero, false
	}
	return *rec.Value, true
}

// GetRecord returns the raw record for key, tombstones and expired records
// included.
func (m *LWWMap[V]) GetRecord(key string) (LWWRecord[V], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok
}

// Merge applies a remote record. The record is accepted iff the key is
// unknown locally or the remote timestamp is strictly greater; equal
// timestamps are rejected, which keeps Merge idempotent. The HLC is
// advanced whether or not the record wins; drift errors stay local to the
// merge by contract.
func (m *LWWMap[V]) Merge(key string, remote LWWRecord[V]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.clock.Update(remote.Timestamp); err != nil {
		m.logger.Warn("clock drift during merge ignored",
			zap.String("key", key), zap.Error(err))
	}
	local, ok := m.records[key]
	if ok && !remote.Timestamp.After(local.Timestamp) {
		return false
	}
	m.records[key] = remote
	m.tree.Update(key, lwwContentHash(key, remote.Timestamp))
	return true
}

// Prune deletes tombstones older than threshold and returns their keys.
// Live records are never touched.
func (m *LWWMap[V]) Prune(threshold hlc.Timestamp) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned []string
	for key, rec := range m.records {
		if rec.IsTombstone() && rec.Timestamp.Before(threshold) {
			delete(m.records, key)
			m.tree.Remove(key)
			pruned = append(pruned, key)
		}
	}
	return pruned
}

// Clear drops every record and resets the Merkle trie.
func (m *LWWMap[V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]LWWRecord[V])
	m.tree = merkle.New(m.tree.Depth())
}

// Len counts live entries.
func (m *LWWMap[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.WallMillis()
	n := 0
	for _, rec := range m.records {
		if !rec.IsTombstone() && !rec.Expired(now) {
			n++
		}
	}
	return n
}

// AllKeys returns the keys of live entries in unspecified order.
func (m *LWWMap[V]) AllKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.WallMillis()
	keys := make([]string, 0, len(m.records))
	for key, rec := range m.records {
		if !rec.IsTombstone() && !rec.Expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Range calls fn for every live entry until fn returns false. The order is
// unspecified and the snapshot is not restartable.
func (m *LWWMap[V]) Range(fn func(key string, value V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.WallMillis()
	for key, rec := range m.records {
		if rec.IsTombstone() || rec.Expired(now) {
			continue
		}
		if !fn(key, *rec.Value) {
			return
		}
	}
}

// Records returns a copy of every raw record, tombstones included.
func (m *LWWMap[V]) Records() map[string]LWWRecord[V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]LWWRecord[V], len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

// RootHash returns the Merkle root over all current winners.
func (m *LWWMap[V]) RootHash() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.RootHash()
}

// MerkleDepth returns the trie's routing depth.
func (m *LWWMap[V]) MerkleDepth() int { return m.tree.Depth() }

// Buckets exposes the child hashes under path for the sync protocol.
func (m *LWWMap[V]) Buckets(path string) (map[string]uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Buckets(path)
}

// KeysInBucket returns the keys routed at or below path.
func (m *LWWMap[V]) KeysInBucket(path string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.KeysInBucket(path)
}

// EntryHashes returns the key to content-hash map at or below path.
func (m *LWWMap[V]) EntryHashes(path string) map[string]uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.EntryHashes(path)
}

// FindDiffKeys compares the bucket under path with remote entry hashes.
func (m *LWWMap[V]) FindDiffKeys(path string, remote map[string]uint32) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.FindDiffKeys(path, remote)
}

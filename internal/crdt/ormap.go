package crdt

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fluxgrid/fluxgrid/internal/hashing"
	"github.com/fluxgrid/fluxgrid/internal/hlc"
	"github.com/fluxgrid/fluxgrid/internal/merkle"
)

// ORMapRecord is one tagged addition in an ORMap. The tag is the HLC string
// form of the addition's timestamp, which makes tags globally unique.
type ORMapRecord[V any] struct {
	Value     V             `msgpack:"value" json:"value"`
	Timestamp hlc.Timestamp `msgpack:"timestamp" json:"timestamp"`
	Tag       string        `msgpack:"tag" json:"tag"`
	TTLMillis *uint64       `msgpack:"ttlMs,omitempty" json:"ttlMs,omitempty"`
}

// Expired reports whether the record's TTL has lapsed at nowMillis.
func (r ORMapRecord[V]) Expired(nowMillis uint64) bool {
	if r.TTLMillis == nil {
		return false
	}
	return r.Timestamp.Millis+*r.TTLMillis < nowMillis
}

// ORMap is an observed-remove replicated multimap. Removals tombstone only
// the tags they have observed, so a concurrent add on another node survives
// the merge (add-wins). A tag is never simultaneously in items and in the
// tombstone set. Safe for concurrent use.
type ORMap[V any] struct {
	mu         sync.RWMutex
	items      map[string]map[string]ORMapRecord[V]
	tombstones map[string]struct{}
	clock      *hlc.HLC
	tree       *merkle.Tree
	logger     *zap.Logger
}

// NewORMap builds an empty OR-Map stamping additions with clock.
func NewORMap[V any](clock *hlc.HLC, merkleDepth int, logger *zap.Logger) *ORMap[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ORMap[V]{
		items:      make(map[string]map[string]ORMapRecord[V]),
		tombstones: make(map[string]struct{}),
		clock:      clock,
		tree:       merkle.New(merkleDepth),
		logger:     logger,
	}
}

// Add inserts value under key with a fresh tag and returns the record.
func (m *ORMap[V]) Add(key string, value V, ttlMillis *uint64) ORMapRecord[V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.clock.Now()
	rec := ORMapRecord[V]{Value: value, Timestamp: ts, Tag: ts.String(), TTLMillis: ttlMillis}
	inner, ok := m.items[key]
	if !ok {
		inner = make(map[string]ORMapRecord[V])
		m.items[key] = inner
	}
	inner[rec.Tag] = rec
	m.refreshEntry(key)
	return rec
}

// Remove tombstones every tag under key whose value equals value and
// returns the removed tags.
func (m *ORMap[V]) Remove(key string, value V) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	inner, ok := m.items[key]
	if !ok {
		return nil
	}
	var removed []string
	for tag, rec := range inner {
		if reflect.DeepEqual(rec.Value, value) {
			m.tombstones[tag] = struct{}{}
			delete(inner, tag)
			removed = append(removed, tag)
		}
	}
	if len(inner) == 0 {
		delete(m.items, key)
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		m.refreshEntry(key)
	}
	return removed
}

// Get returns the live values for key: tags not tombstoned and not expired.
func (m *ORMap[V]) Get(key string) []V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.WallMillis()
	inner := m.items[key]
	if len(inner) == 0 {
		return nil
	}
	tags := sortedTags(inner)
	values := make([]V, 0, len(tags))
	for _, tag := range tags {
		rec := inner[tag]
		if !rec.Expired(now) {
			values = append(values, rec.Value)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

// GetRecords returns the stored records for key in tag order.
func (m *ORMap[V]) GetRecords(key string) []ORMapRecord[V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inner := m.items[key]
	if len(inner) == 0 {
		return nil
	}
	tags := sortedTags(inner)
	records := make([]ORMapRecord[V], 0, len(tags))
	for _, tag := range tags {
		records = append(records, inner[tag])
	}
	return records
}

// Apply inserts a remote record unless its tag is already tombstoned. The
// HLC is always advanced; drift errors stay local to the merge by contract.
func (m *ORMap[V]) Apply(key string, rec ORMapRecord[V]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(key, rec)
}

func (m *ORMap[V]) applyLocked(key string, rec ORMapRecord[V]) bool {
	if err := m.clock.Update(rec.Timestamp); err != nil {
		m.logger.Warn("clock drift during apply ignored",
			zap.String("key", key), zap.Error(err))
	}
	if _, dead := m.tombstones[rec.Tag]; dead {
		return false
	}
	inner, ok := m.items[key]
	if !ok {
		inner = make(map[string]ORMapRecord[V])
		m.items[key] = inner
	}
	inner[rec.Tag] = rec
	m.refreshEntry(key)
	return true
}

// ApplyTombstone records a removed tag and drops any matching record.
func (m *ORMap[V]) ApplyTombstone(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyTombstoneLocked(tag)
}

func (m *ORMap[V]) applyTombstoneLocked(tag string) {
	m.tombstones[tag] = struct{}{}
	for key, inner := range m.items {
		if _, ok := inner[tag]; ok {
			delete(inner, tag)
			if len(inner) == 0 {
				delete(m.items, key)
			}
			m.refreshEntry(key)
		}
	}
}

// Merge folds another OR-Map into this one: tombstones union first, then
// items skipping tombstoned tags, then a sweep dropping local items whose
// tags appear in the merged tombstone set.
func (m *ORMap[V]) Merge(other *ORMap[V]) {
	otherItems, otherTombstones := other.snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	for tag := range otherTombstones {
		m.applyTombstoneLocked(tag)
	}
	for key, inner := range otherItems {
		for _, rec := range inner {
			if _, dead := m.tombstones[rec.Tag]; dead {
				continue
			}
			m.applyLocked(key, rec)
		}
	}
}

func (m *ORMap[V]) snapshot() (map[string]map[string]ORMapRecord[V], map[string]struct{}) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make(map[string]map[string]ORMapRecord[V], len(m.items))
	for key, inner := range m.items {
		cp := make(map[string]ORMapRecord[V], len(inner))
		for tag, rec := range inner {
			cp[tag] = rec
		}
		items[key] = cp
	}
	tombstones := make(map[string]struct{}, len(m.tombstones))
	for tag := range m.tombstones {
		tombstones[tag] = struct{}{}
	}
	return items, tombstones
}

// MergeKey folds one key's remote records and tombstones, as exchanged by
// Merkle sync, and returns how many records were added and updated.
func (m *ORMap[V]) MergeKey(key string, remoteRecords []ORMapRecord[V], remoteTombstones []string) (added, updated int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tag := range remoteTombstones {
		m.applyTombstoneLocked(tag)
	}
	for _, rec := range remoteRecords {
		if _, dead := m.tombstones[rec.Tag]; dead {
			continue
		}
		_, existed := m.items[key][rec.Tag]
		if m.applyLocked(key, rec) {
			if existed {
				updated++
			} else {
				added++
			}
		}
	}
	return added, updated
}

// Prune drops tombstones whose embedded timestamp is older than threshold
// and returns the number pruned. Unparseable tags are kept.
func (m *ORMap[V]) Prune(threshold hlc.Timestamp) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for tag := range m.tombstones {
		ts, err := hlc.Parse(tag)
		if err != nil {
			continue
		}
		if ts.Before(threshold) {
			delete(m.tombstones, tag)
			pruned++
		}
	}
	return pruned
}

// Clear drops all items and tombstones and resets the Merkle trie.
func (m *ORMap[V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]map[string]ORMapRecord[V])
	m.tombstones = make(map[string]struct{})
	m.tree = merkle.New(m.tree.Depth())
}

// AllKeys returns the keys holding at least one record.
func (m *ORMap[V]) AllKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for key := range m.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Tombstones returns the current tombstoned tag set.
func (m *ORMap[V]) Tombstones() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tags := make([]string, 0, len(m.tombstones))
	for tag := range m.tombstones {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// IsTombstoned reports whether tag has been removed.
func (m *ORMap[V]) IsTombstoned(tag string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tombstones[tag]
	return ok
}

// refreshEntry recomputes the Merkle entry for key from its surviving
// records. Callers hold the write lock.
func (m *ORMap[V]) refreshEntry(key string) {
	inner := m.items[key]
	if len(inner) == 0 {
		m.tree.Remove(key)
		return
	}
	m.tree.Update(key, orEntryHash(key, inner))
}

// orEntryHash hashes one key's surviving records deterministically: tags
// sorted lexicographically, each segment carrying the canonical JSON of the
// value, the timestamp wire form and the TTL when present.
func orEntryHash[V any](key string, inner map[string]ORMapRecord[V]) uint32 {
	tags := sortedTags(inner)
	var b strings.Builder
	b.WriteString("key:")
	b.WriteString(key)
	for _, tag := range tags {
		rec := inner[tag]
		b.WriteByte('|')
		b.WriteString(tag)
		b.WriteByte(':')
		b.WriteString(CanonicalJSON(rec.Value))
		b.WriteByte(':')
		b.WriteString(rec.Timestamp.String())
		if rec.TTLMillis != nil {
			b.WriteString(fmt.Sprintf(":ttl=%d", *rec.TTLMillis))
		}
	}
	return hashing.Fnv1a(b.String())
}

func sortedTags[V any](inner map[string]ORMapRecord[V]) []string {
	tags := make([]string, 0, len(inner))
	for tag := range inner {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// RootHash returns the Merkle root over all keys' entry hashes.
func (m *ORMap[V]) RootHash() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.RootHash()
}

// MerkleDepth returns the trie's routing depth.
func (m *ORMap[V]) MerkleDepth() int { return m.tree.Depth() }

// Buckets exposes the child hashes under path for the sync protocol.
func (m *ORMap[V]) Buckets(path string) (map[string]uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Buckets(path)
}

// KeysInBucket returns the keys routed at or below path.
func (m *ORMap[V]) KeysInBucket(path string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.KeysInBucket(path)
}

// EntryHashes returns the key to entry-hash map at or below path.
func (m *ORMap[V]) EntryHashes(path string) map[string]uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.EntryHashes(path)
}

// FindDiffKeys compares the bucket under path with remote entry hashes.
func (m *ORMap[V]) FindDiffKeys(path string, remote map[string]uint32) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.FindDiffKeys(path, remote)
}

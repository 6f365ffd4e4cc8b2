// Package storage implements the three-layer record store: an in-memory
// engine, a metadata/expiry/eviction orchestration layer and a pluggable
// external persistence backend, glued together by a mutation-observer
// fan-out.
package storage

import (
	"github.com/fluxgrid/fluxgrid/internal/hlc"
)

// ValueKind discriminates the RecordValue union.
type ValueKind uint8

const (
	// KindLww carries a single LWW winner (possibly a tombstone).
	KindLww ValueKind = iota + 1
	// KindOrMap carries every surviving tagged record of an OR-Map key.
	KindOrMap
	// KindOrTombstones carries an OR-Map tombstone tag set.
	KindOrTombstones
)

// LwwPayload is the LWW arm of RecordValue. A nil Value is a tombstone.
type LwwPayload struct {
	Value     any           `msgpack:"value" json:"value"`
	Timestamp hlc.Timestamp `msgpack:"timestamp" json:"timestamp"`
	TTLMillis *uint64       `msgpack:"ttlMs,omitempty" json:"ttlMs,omitempty"`
}

// OrMapEntry is one tagged record in the OR-Map arm.
type OrMapEntry struct {
	Value     any           `msgpack:"value" json:"value"`
	Timestamp hlc.Timestamp `msgpack:"timestamp" json:"timestamp"`
	Tag       string        `msgpack:"tag" json:"tag"`
	TTLMillis *uint64       `msgpack:"ttlMs,omitempty" json:"ttlMs,omitempty"`
}

// RecordValue is the tagged union stored under every key.
type RecordValue struct {
	Kind         ValueKind    `msgpack:"kind" json:"kind"`
	Lww          *LwwPayload  `msgpack:"lww,omitempty" json:"lww,omitempty"`
	OrEntries    []OrMapEntry `msgpack:"orEntries,omitempty" json:"orEntries,omitempty"`
	OrTombstones []string     `msgpack:"orTombstones,omitempty" json:"orTombstones,omitempty"`
}

// LwwValue builds the LWW arm.
func LwwValue(value any, ts hlc.Timestamp, ttlMillis *uint64) RecordValue {
	return RecordValue{Kind: KindLww, Lww: &LwwPayload{Value: value, Timestamp: ts, TTLMillis: ttlMillis}}
}

// OrMapValue builds the OR-Map records arm.
func OrMapValue(entries []OrMapEntry) RecordValue {
	return RecordValue{Kind: KindOrMap, OrEntries: entries}
}

// OrTombstonesValue builds the OR-Map tombstone arm.
func OrTombstonesValue(tags []string) RecordValue {
	return RecordValue{Kind: KindOrTombstones, OrTombstones: tags}
}

// RecordMetadata tracks a record's bookkeeping times in epoch millis.
type RecordMetadata struct {
	Version        uint64 `msgpack:"version" json:"version"`
	CreationTime   uint64 `msgpack:"creationTime" json:"creationTime"`
	LastAccessTime uint64 `msgpack:"lastAccessTime" json:"lastAccessTime"`
	LastUpdateTime uint64 `msgpack:"lastUpdateTime" json:"lastUpdateTime"`
	LastStoredTime uint64 `msgpack:"lastStoredTime" json:"lastStoredTime"`
	Hits           uint64 `msgpack:"hits" json:"hits"`
	Cost           uint64 `msgpack:"cost" json:"cost"`
}

// IsDirty reports whether the record has been updated since it was last
// persisted.
func (m RecordMetadata) IsDirty() bool { return m.LastUpdateTime > m.LastStoredTime }

// Record pairs a value with its metadata. Expiry, when set, overrides the
// store's default policy for this record only.
type Record struct {
	Value    RecordValue    `msgpack:"value" json:"value"`
	Metadata RecordMetadata `msgpack:"metadata" json:"metadata"`
	Expiry   *ExpiryPolicy  `msgpack:"expiry,omitempty" json:"expiry,omitempty"`
}

// ExpiryPolicy configures per-record expiry; zero fields disable the check.
type ExpiryPolicy struct {
	TTLMillis     uint64 `msgpack:"ttlMs" json:"ttlMs"`
	MaxIdleMillis uint64 `msgpack:"maxIdleMs" json:"maxIdleMs"`
}

// ExpiryReason reports why a record counts as expired.
type ExpiryReason uint8

const (
	NotExpired ExpiryReason = iota
	ExpiredTTL
	ExpiredMaxIdle
)

func (r ExpiryReason) String() string {
	switch r {
	case ExpiredTTL:
		return "ttl"
	case ExpiredMaxIdle:
		return "max_idle"
	default:
		return "not_expired"
	}
}

// CallerProvenance tags a mutation with its origin. Write-through to the
// persistence backend fires only for client writes and CRDT merges;
// backups, replication and loads must not re-persist.
type CallerProvenance uint8

const (
	ProvenanceClient CallerProvenance = iota
	ProvenanceBackup
	ProvenanceReplication
	ProvenanceLoad
	ProvenanceCrdtMerge
)

// WriteThrough reports whether writes of this provenance persist.
func (p CallerProvenance) WriteThrough() bool {
	return p == ProvenanceClient || p == ProvenanceCrdtMerge
}

func (p CallerProvenance) String() string {
	switch p {
	case ProvenanceClient:
		return "client"
	case ProvenanceBackup:
		return "backup"
	case ProvenanceReplication:
		return "replication"
	case ProvenanceLoad:
		return "load"
	case ProvenanceCrdtMerge:
		return "crdt_merge"
	default:
		return "unknown"
	}
}

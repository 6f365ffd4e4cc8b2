package partition

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Meta describes one partition's replica placement.
type Meta struct {
	Owner   string
	Backups []string
}

// Table is the partition ownership table: a lock-free slot map plus an
// atomic version. The version bump on write publishes the slots; a reader
// that observes version N sees every assignment written before the bump.
type Table struct {
	slots   *xsync.MapOf[uint32, Meta]
	version atomic.Uint64
}

// NewTable returns an empty, version-0 table.
func NewTable() *Table {
	return &Table{slots: xsync.NewMapOf[uint32, Meta]()}
}

// Version returns the current table version.
func (t *Table) Version() uint64 { return t.version.Load() }

// Owner returns the owner of pid, if assigned.
func (t *Table) Owner(pid uint32) (string, bool) {
	meta, ok := t.slots.Load(pid)
	if !ok || meta.Owner == "" {
		return "", false
	}
	return meta.Owner, true
}

// Get returns the full placement for pid, if assigned.
func (t *Table) Get(pid uint32) (Meta, bool) {
	return t.slots.Load(pid)
}

// Set assigns one partition and bumps the version.
func (t *Table) Set(pid uint32, meta Meta) {
	t.slots.Store(pid, meta)
	t.version.Add(1)
}

// ApplyAssignments bulk-writes placements and bumps the version exactly once.
func (t *Table) ApplyAssignments(assignments map[uint32]Meta) {
	for pid, meta := range assignments {
		t.slots.Store(pid, meta)
	}
	t.version.Add(1)
}

// SetVersion overwrites the version, used when adopting a master-published
// table wholesale.
func (t *Table) SetVersion(v uint64) { t.version.Store(v) }

// Snapshot copies the current placements.
func (t *Table) Snapshot() map[uint32]Meta {
	out := make(map[uint32]Meta)
	t.slots.Range(func(pid uint32, meta Meta) bool {
		out[pid] = meta
		return true
	})
	return out
}

// OwnedBy returns the sorted-insertion-order list of partitions owned by node.
func (t *Table) OwnedBy(node string) []uint32 {
	var owned []uint32
	for pid := uint32(0); pid < Count; pid++ {
		if meta, ok := t.slots.Load(pid); ok && meta.Owner == node {
			owned = append(owned, pid)
		}
	}
	return owned
}

// Reset drops every placement and bumps the version.
func (t *Table) Reset() {
	t.slots.Clear()
	t.version.Add(1)
}

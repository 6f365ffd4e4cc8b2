// Package partition implements the fixed 271-partition ownership model:
// key-to-partition mapping, the versioned ownership table and query-fanout
// pruning.
package partition

import "github.com/fluxgrid/fluxgrid/internal/hashing"

// Count is the fixed number of partitions. Prime, for uniform modulo
// distribution of key hashes.
const Count uint32 = 271

// HashToPartition maps a key to its partition ID.
func HashToPartition(key string) uint32 {
	return hashing.Fnv1a(key) % Count
}

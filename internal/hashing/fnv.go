// Package hashing provides the 32-bit FNV-1a primitives used for Merkle
// bucketing and partition mapping. The hash runs over UTF-16 code units so
// that replicas agree on bucket placement regardless of their native text
// encoding. Changing either primitive breaks cross-replica convergence.
package hashing

import "unicode/utf16"

const (
	offsetBasis uint32 = 2166136261
	prime       uint32 = 16777619
)

// Fnv1a computes the 32-bit FNV-1a hash of s over its UTF-16 code units.
func Fnv1a(s string) uint32 {
	h := offsetBasis
	for _, u := range utf16.Encode([]rune(s)) {
		h ^= uint32(u)
		h *= prime
	}
	return h
}

// CombineHashes folds a set of hashes into one with a wrapping sum. The sum
// is commutative, so the result is independent of input order.
func CombineHashes(hashes []uint32) uint32 {
	var sum uint32
	for _, h := range hashes {
		sum += h
	}
	return sum
}

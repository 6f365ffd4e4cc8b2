package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFnv1aKnownVectors(t *testing.T) {
	tests := []struct {
		input string
		want  uint32
	}{
		{"hello", 1335831723},
		{"", 2166136261},
		{"key1", 927623783},
		{"user:alice", 927278352},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Fnv1a(tt.input), "fnv1a(%q)", tt.input)
	}
}

func TestFnv1aSupplementaryPlane(t *testing.T) {
	// A supplementary-plane rune contributes two code units, so its hash
	// must differ from hashing the rune value directly.
	withEmoji := Fnv1a("a\U0001F600")
	assert.NotEqual(t, Fnv1a("a"), withEmoji)
	assert.Equal(t, withEmoji, Fnv1a("a\U0001F600"))
}

func TestCombineHashesOrderIndependent(t *testing.T) {
	a := CombineHashes([]uint32{1, 2, 3})
	b := CombineHashes([]uint32{3, 1, 2})
	assert.Equal(t, a, b)
	assert.Equal(t, uint32(6), a)
}

func TestCombineHashesWraps(t *testing.T) {
	sum := CombineHashes([]uint32{0xFFFFFFFF, 2})
	assert.Equal(t, uint32(1), sum)
}

func TestCombineHashesEmpty(t *testing.T) {
	assert.Equal(t, uint32(0), CombineHashes(nil))
}

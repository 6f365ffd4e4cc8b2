package merkle

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgrid/fluxgrid/internal/hashing"
)

func TestPathForKey(t *testing.T) {
	assert.Equal(t, fmt.Sprintf("%08x", hashing.Fnv1a("hello")), PathForKey("hello"))
	assert.Len(t, PathForKey(""), 8)
}

func TestEmptyTreeRoot(t *testing.T) {
	tree := New(3)
	assert.Equal(t, uint32(0), tree.RootHash())
}

func TestInsertionOrderIndependence(t *testing.T) {
	keys := make([]string, 100)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}

	build := func(order []int) *Tree {
		tree := New(3)
		for _, i := range order {
			tree.Update(keys[i], hashing.Fnv1a(keys[i]))
		}
		return tree
	}

	forward := make([]int, len(keys))
	for i := range forward {
		forward[i] = i
	}
	shuffled := append([]int(nil), forward...)
	rand.New(rand.NewSource(42)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	assert.Equal(t, build(forward).RootHash(), build(shuffled).RootHash())
}

func TestUpdateChangesRoot(t *testing.T) {
	tree := New(3)
	tree.Update("a", 1)
	before := tree.RootHash()
	tree.Update("a", 2)
	assert.NotEqual(t, before, tree.RootHash())
}

func TestRemoveRestoresPriorRoot(t *testing.T) {
	tree := New(3)
	tree.Update("a", 10)
	withA := tree.RootHash()
	tree.Update("b", 20)
	tree.Remove("b")
	assert.Equal(t, withA, tree.RootHash())

	// Removing down to empty restores the zero root even though the
	// emptied interior children stay allocated.
	tree.Remove("a")
	assert.Equal(t, uint32(0), tree.RootHash())
}

func TestDiffLocalization(t *testing.T) {
	t1 := New(3)
	t2 := New(3)
	for _, k := range []string{"a", "b", "c"} {
		t1.Update(k, hashing.Fnv1a(k+":v1"))
		t2.Update(k, hashing.Fnv1a(k+":v1"))
	}
	t2.Update("a", hashing.Fnv1a("a:v2"))

	require.NotEqual(t, t1.RootHash(), t2.RootHash())

	// Walk differing buckets from the root down to leaf depth.
	path := ""
	for len(path) < t1.Depth() {
		b1, ok1 := t1.Buckets(path)
		b2, ok2 := t2.Buckets(path)
		require.True(t, ok1)
		require.True(t, ok2)

		next := ""
		for digit, h1 := range b1 {
			if b2[digit] != h1 {
				next = path + digit
				break
			}
		}
		if next == "" {
			for digit := range b2 {
				if _, ok := b1[digit]; !ok {
					next = path + digit
					break
				}
			}
		}
		require.NotEmpty(t, next, "a differing bucket must exist at %q", path)
		path = next
	}

	diff := t1.FindDiffKeys(path, t2.EntryHashes(path))
	assert.Equal(t, []string{"a"}, diff)
}

func TestFindDiffKeysSymmetricDifference(t *testing.T) {
	tree := New(3)
	tree.Update("only-local", 1)
	tree.Update("shared", 2)

	remote := map[string]uint32{
		"shared":      2,
		"only-remote": 3,
	}
	diff := tree.FindDiffKeys("", remote)
	assert.Equal(t, []string{"only-local", "only-remote"}, diff)
}

func TestKeysInBucket(t *testing.T) {
	tree := New(3)
	tree.Update("hello", 1)
	path := PathForKey("hello")[:3]
	assert.Equal(t, []string{"hello"}, tree.KeysInBucket(path))
	assert.Contains(t, tree.KeysInBucket(""), "hello")
	assert.Empty(t, tree.KeysInBucket("zzz"))
}

// Package merkle implements the fixed-depth prefix trie used for delta
// detection between replicas. Keys are routed by the leading hex digits of
// their FNV-1a hash; every node caches a wrapping-sum hash of its subtree,
// so two tries over the same (key, content hash) set have equal roots no
// matter the insertion order.
package merkle

import (
	"fmt"
	"sort"

	"github.com/fluxgrid/fluxgrid/internal/hashing"
)

// DefaultDepth routes keys by 3 hex digits, giving 4096 leaf buckets.
const DefaultDepth = 3

// Tree is a bucketed Merkle trie. Not safe for concurrent use; callers
// serialize access alongside the map the tree shadows.
type Tree struct {
	depth int
	root  *node
}

type node struct {
	hash     uint32
	children map[byte]*node
	entries  map[string]uint32
}

// New returns an empty tree of the given depth; depth <= 0 uses DefaultDepth.
func New(depth int) *Tree {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Tree{depth: depth, root: &node{}}
}

// Depth returns the number of hex digits used for routing.
func (t *Tree) Depth() int { return t.depth }

// PathForKey returns the full 8-char lowercase hex form of the key hash.
// The first Depth() characters of it form the routing path.
func PathForKey(key string) string {
	return fmt.Sprintf("%08x", hashing.Fnv1a(key))
}

// RootHash returns the cached hash of the whole tree; 0 when empty.
func (t *Tree) RootHash() uint32 { return t.root.hash }

// Update inserts or replaces the content hash for key and recomputes the
// cached hashes along its path.
func (t *Tree) Update(key string, contentHash uint32) {
	path := PathForKey(key)
	t.update(t.root, path, 0, key, contentHash)
}

func (t *Tree) update(n *node, path string, level int, key string, contentHash uint32) {
	if level == t.depth {
		if n.entries == nil {
			n.entries = make(map[string]uint32)
		}
		n.entries[key] = contentHash
		n.recomputeLeaf()
		return
	}
	if n.children == nil {
		n.children = make(map[byte]*node)
	}
	digit := path[level]
	child, ok := n.children[digit]
	if !ok {
		child = &node{}
		n.children[digit] = child
	}
	t.update(child, path, level+1, key, contentHash)
	n.recomputeInterior()
}

// Remove deletes key from its leaf bucket. Emptied children stay in place;
// they contribute 0 to their parent's hash.
func (t *Tree) Remove(key string) {
	path := PathForKey(key)
	t.remove(t.root, path, 0, key)
}

func (t *Tree) remove(n *node, path string, level int, key string) {
	if level == t.depth {
		delete(n.entries, key)
		n.recomputeLeaf()
		return
	}
	child, ok := n.children[path[level]]
	if !ok {
		return
	}
	t.remove(child, path, level+1, key)
	n.recomputeInterior()
}

func (n *node) recomputeLeaf() {
	hashes := make([]uint32, 0, len(n.entries))
	for _, h := range n.entries {
		hashes = append(hashes, h)
	}
	n.hash = hashing.CombineHashes(hashes)
}

func (n *node) recomputeInterior() {
	hashes := make([]uint32, 0, len(n.children))
	for _, c := range n.children {
		hashes = append(hashes, c.hash)
	}
	n.hash = hashing.CombineHashes(hashes)
}

func (t *Tree) nodeAt(path string) *node {
	n := t.root
	for i := 0; i < len(path); i++ {
		child, ok := n.children[path[i]]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

// Buckets returns the hex digit to child hash map under path. The second
// return is false when no node exists at path or it is a leaf.
func (t *Tree) Buckets(path string) (map[string]uint32, bool) {
	n := t.nodeAt(path)
	if n == nil || n.children == nil {
		return nil, false
	}
	out := make(map[string]uint32, len(n.children))
	for digit, child := range n.children {
		out[string(digit)] = child.hash
	}
	return out, true
}

// KeysInBucket returns every key stored at or below path, sorted.
func (t *Tree) KeysInBucket(path string) []string {
	n := t.nodeAt(path)
	if n == nil {
		return nil
	}
	var keys []string
	collectKeys(n, &keys)
	sort.Strings(keys)
	return keys
}

func collectKeys(n *node, out *[]string) {
	for k := range n.entries {
		*out = append(*out, k)
	}
	for _, c := range n.children {
		collectKeys(c, out)
	}
}

// EntryHashes returns the key to content-hash map at or below path.
func (t *Tree) EntryHashes(path string) map[string]uint32 {
	n := t.nodeAt(path)
	if n == nil {
		return map[string]uint32{}
	}
	out := make(map[string]uint32)
	collectEntries(n, out)
	return out
}

func collectEntries(n *node, out map[string]uint32) {
	for k, h := range n.entries {
		out[k] = h
	}
	for _, c := range n.children {
		collectEntries(c, out)
	}
}

// FindDiffKeys compares the local entries under path against a remote
// key-to-hash map and returns the sorted symmetric difference plus every
// key whose hashes disagree.
func (t *Tree) FindDiffKeys(path string, remote map[string]uint32) []string {
	local := t.EntryHashes(path)
	diff := make(map[string]struct{})
	for k, lh := range local {
		if rh, ok := remote[k]; !ok || rh != lh {
			diff[k] = struct{}{}
		}
	}
	for k := range remote {
		if _, ok := local[k]; !ok {
			diff[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

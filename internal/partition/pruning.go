package partition

import (
	"fmt"
	"math"
	"sort"
)

// KeyAttributes are the where-clause and predicate attributes that address
// a record by its key, in lookup order.
var KeyAttributes = []string{"_key", "key", "id", "_id"}

// Predicate is a node in a query predicate tree.
type Predicate struct {
	Op        string       `msgpack:"op" json:"op"`
	Attribute string       `msgpack:"attribute,omitempty" json:"attribute,omitempty"`
	Value     any          `msgpack:"value,omitempty" json:"value,omitempty"`
	Children  []*Predicate `msgpack:"children,omitempty" json:"children,omitempty"`
}

// Predicate ops understood by the pruner. Anything else defeats pruning.
const (
	OpEq  = "eq"
	OpAnd = "and"
	OpOr  = "or"
	OpNot = "not"
)

// Query is the filter shape carried by query subscriptions.
type Query struct {
	Where     map[string]any `msgpack:"where,omitempty" json:"where,omitempty"`
	Predicate *Predicate     `msgpack:"predicate,omitempty" json:"predicate,omitempty"`
	Limit     *int           `msgpack:"limit,omitempty" json:"limit,omitempty"`
	Sort      string         `msgpack:"sort,omitempty" json:"sort,omitempty"`
	Cursor    string         `msgpack:"cursor,omitempty" json:"cursor,omitempty"`
}

// RelevantPartitions extracts the exact keys a query can match and maps
// them to partition IDs, deduplicated and sorted. The second return is
// false when the query is not prunable and must fan out to every
// partition. A prunable query's result is sound: every matching key hashes
// into the returned set.
func RelevantPartitions(q Query) ([]uint32, bool) {
	keys, ok := extractKeys(q)
	if !ok {
		return nil, false
	}
	seen := make(map[uint32]struct{}, len(keys))
	for _, k := range keys {
		seen[HashToPartition(k)] = struct{}{}
	}
	pids := make([]uint32, 0, len(seen))
	for pid := range seen {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids, true
}

func extractKeys(q Query) ([]string, bool) {
	if q.Where != nil {
		for _, attr := range KeyAttributes {
			if v, ok := q.Where[attr]; ok {
				return keysFromValue(v)
			}
		}
	}
	if q.Predicate != nil {
		return keysFromPredicate(q.Predicate)
	}
	return nil, false
}

// keysFromValue handles the where-clause forms: a direct string or integer,
// an array of them, and the {$eq: v} / {$in: [...]} operator objects.
func keysFromValue(v any) ([]string, bool) {
	switch t := v.(type) {
	case string:
		return []string{t}, true
	case []any:
		keys := make([]string, 0, len(t))
		for _, item := range t {
			sub, ok := keysFromValue(item)
			if !ok || len(sub) != 1 {
				return nil, false
			}
			keys = append(keys, sub[0])
		}
		return keys, true
	case []string:
		return t, true
	case map[string]any:
		if eq, ok := t["$eq"]; ok {
			return keysFromValue(eq)
		}
		if in, ok := t["$in"]; ok {
			return keysFromValue(in)
		}
		return nil, false
	default:
		if s, ok := integerKey(v); ok {
			return []string{s}, true
		}
		return nil, false
	}
}

// integerKey formats integer-valued numbers as decimal key strings.
// Fractional floats do not address keys.
func integerKey(v any) (string, bool) {
	switch n := v.(type) {
	case int:
		return fmt.Sprintf("%d", n), true
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", n), true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return fmt.Sprintf("%d", int64(n)), true
		}
		return "", false
	case float32:
		return integerKey(float64(n))
	default:
		return "", false
	}
}

func keysFromPredicate(p *Predicate) ([]string, bool) {
	switch p.Op {
	case OpEq:
		if !isKeyAttribute(p.Attribute) {
			return nil, false
		}
		keys, ok := keysFromValue(p.Value)
		if !ok || len(keys) != 1 {
			return nil, false
		}
		return keys, true
	case OpAnd:
		// Any prunable child bounds the match set; the union of prunable
		// children is a sound superset.
		var keys []string
		found := false
		for _, child := range p.Children {
			sub, ok := keysFromPredicate(child)
			if ok {
				keys = append(keys, sub...)
				found = true
			}
		}
		if !found {
			return nil, false
		}
		return keys, true
	default:
		// Or, Not, ranges and non-key attributes defeat pruning.
		return nil, false
	}
}

func isKeyAttribute(attr string) bool {
	for _, a := range KeyAttributes {
		if a == attr {
			return true
		}
	}
	return false
}

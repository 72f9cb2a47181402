package settings

import (
	"reflect"
	"sort"
	"time"
)

// Tree is a rooted tree of string-keyed maps. Leaves are string, float64,
// bool, time.Time, []any, map[string]any records, or nil (an explicit null).
type Tree map[string]any

// NewTree returns an empty tree.
func NewTree() Tree {
	return Tree{}
}

// Lookup returns the value stored at path.
//
// The second result distinguishes an absent key (false) from an explicit nil
// (true). An explicit nil on the way down masks everything beneath it, so the
// lookup reports (nil, true). Descending through a scalar reports absent.
func (t Tree) Lookup(path Path) (any, bool) {
	if len(path) == 0 {
		return map[string]any(t), t != nil
	}
	var node any = map[string]any(t)
	for _, key := range path {
		m, ok := asMap(node)
		if !ok {
			if node == nil {
				return nil, true
			}
			return nil, false
		}
		next, present := m[key]
		if !present {
			return nil, false
		}
		node = next
	}
	return node, true
}

// Get is Lookup with container values deep-copied, for handing out to callers.
func (t Tree) Get(path Path) (any, bool) {
	v, ok := t.Lookup(path)
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// With returns a copy of t with value stored at path. Only the maps along the
// path are copied; untouched sub-trees are shared with t.
func (t Tree) With(path Path, value any) Tree {
	if len(path) == 0 {
		m, ok := asMap(value)
		if !ok {
			return Tree{}
		}
		return Tree(m)
	}
	return Tree(setIn(map[string]any(t), path, value))
}

func setIn(m map[string]any, path Path, value any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	if len(path) == 1 {
		out[path[0]] = value
		return out
	}
	child, _ := asMap(m[path[0]])
	out[path[0]] = setIn(child, path[1:], value)
	return out
}

// Without returns a copy of t with the node at path removed.
func (t Tree) Without(path Path) Tree {
	if len(path) == 0 {
		return Tree{}
	}
	if _, ok := t.Lookup(path); !ok {
		return t
	}
	return Tree(deleteIn(map[string]any(t), path))
}

func deleteIn(m map[string]any, path Path) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	if len(path) == 1 {
		delete(out, path[0])
		return out
	}
	child, ok := asMap(m[path[0]])
	if !ok {
		return out
	}
	out[path[0]] = deleteIn(child, path[1:])
	return out
}

// Clone returns a deep copy of t.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	return Tree(cloneMap(t))
}

// Equal reports whether both trees hold the same values.
func (t Tree) Equal(other Tree) bool {
	return valuesEqual(map[string]any(t), map[string]any(other))
}

// Keys returns the top-level keys in lexicographic order.
func (t Tree) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DeepMerge merges trees left to right: later trees win. Maps merge
// recursively; every other value, arrays included, replaces what was there.
// The inputs are not modified.
func DeepMerge(trees ...Tree) Tree {
	out := map[string]any{}
	for _, t := range trees {
		out = mergeMaps(out, t)
	}
	return Tree(out)
}

func mergeMaps(dst map[string]any, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		srcMap, srcIsMap := asMap(v)
		dstMap, dstIsMap := asMap(out[k])
		switch {
		case srcIsMap && dstIsMap:
			out[k] = mergeMaps(dstMap, srcMap)
		case srcIsMap:
			out[k] = cloneMap(srcMap)
		default:
			out[k] = cloneValue(v)
		}
	}
	return out
}

// Diff returns the paths at which old and new differ, descending into maps on
// both sides. Identical shared sub-trees are skipped without being walked.
// The result is sorted for deterministic delivery.
func Diff(old, new Tree) []Path {
	var changed []Path
	diffInto(map[string]any(old), map[string]any(new), Path{}, &changed)
	sort.Slice(changed, func(i, j int) bool {
		return changed[i].String() < changed[j].String()
	})
	return changed
}

func diffInto(a, b map[string]any, at Path, changed *[]Path) {
	if sameMap(a, b) {
		return
	}
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		p := at.Child(k)
		if aok != bok {
			*changed = append(*changed, p)
			continue
		}
		am, aIsMap := asMap(av)
		bm, bIsMap := asMap(bv)
		if aIsMap && bIsMap {
			diffInto(am, bm, p, changed)
			continue
		}
		if !valuesEqual(av, bv) {
			*changed = append(*changed, p)
		}
	}
}

func sameMap(a, b map[string]any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Tree:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case Tree:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}

func valuesEqual(a, b any) bool {
	at, aIsTime := a.(time.Time)
	bt, bIsTime := b.(time.Time)
	if aIsTime || bIsTime {
		return aIsTime && bIsTime && at.Equal(bt)
	}
	am, aIsMap := asMap(a)
	bm, bIsMap := asMap(b)
	if aIsMap || bIsMap {
		if !aIsMap || !bIsMap || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !valuesEqual(av, bv) {
				return false
			}
		}
		return true
	}
	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)
	if aIsSlice || bIsSlice {
		if !aIsSlice || !bIsSlice || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !valuesEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

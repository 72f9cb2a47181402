package settings

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the value type expected at a known leaf path.
type Kind int

const (
	KindString Kind = iota
	KindEnum
	KindNumber
	KindInteger
	KindBool
	KindTimestamp
	KindStringList
	KindObject
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindEnum:
		return "enum"
	case KindNumber:
		return "number"
	case KindInteger:
		return "integer"
	case KindBool:
		return "boolean"
	case KindTimestamp:
		return "timestamp"
	case KindStringList:
		return "string list"
	case KindObject:
		return "object"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Field describes a known leaf.
type Field struct {
	Kind    Kind
	Values  []string // allowed values for KindEnum
	Min     float64
	HasMin  bool
	Derived bool // recomputed by the store; not directly writable
	Nilable bool
}

const wildcard = "*"

type schemaNode struct {
	field    *Field
	children map[string]*schemaNode
}

func (n *schemaNode) child(key string) *schemaNode {
	if n.children == nil {
		return nil
	}
	if c, ok := n.children[key]; ok {
		return c
	}
	return n.children[wildcard]
}

// Schema is the set of known paths of the settings tree.
type Schema struct {
	root *schemaNode
}

func (s *Schema) define(path string, f Field) {
	node := s.root
	for _, key := range ParsePath(path) {
		if node.children == nil {
			node.children = map[string]*schemaNode{}
		}
		next, ok := node.children[key]
		if !ok {
			next = &schemaNode{}
			node.children[key] = next
		}
		node = next
	}
	ff := f
	node.field = &ff
}

func (s *Schema) node(path Path) *schemaNode {
	node := s.root
	for _, key := range path {
		node = node.child(key)
		if node == nil {
			return nil
		}
	}
	return node
}

// Field returns the leaf description at path, if path is a known leaf.
func (s *Schema) Field(path Path) (Field, bool) {
	n := s.node(path)
	if n == nil || n.field == nil {
		return Field{}, false
	}
	return *n.field, true
}

// Known reports whether path is a known leaf or container.
func (s *Schema) Known(path Path) bool {
	return s.node(path) != nil
}

// Validate checks a direct write of value at path and returns the normalized
// value. Derived leaves and the connection status sub-tree are rejected.
func (s *Schema) Validate(path Path, value any) (any, error) {
	if len(path) == 0 {
		return nil, newValidationError(path, ErrReadOnlyPath, "the root cannot be written")
	}
	if path[0] == RootConnectionStatus {
		return nil, newValidationError(path, ErrReadOnlyPath, "connection status is derived state")
	}
	n := s.node(path)
	if n == nil {
		return nil, newValidationError(path, ErrUnknownPath, "")
	}
	if n.field != nil && n.field.Derived {
		return nil, newValidationError(path, ErrReadOnlyPath, "value is derived")
	}
	return s.normalizeNode(n, path, value)
}

// ValidateTree checks every node of a (partial) tree against the schema and
// returns the normalized copy. Derived leaves are accepted here because the
// store recomputes them on commit.
func (s *Schema) ValidateTree(t Tree) (Tree, error) {
	out, err := s.normalizeNode(s.root, Path{}, map[string]any(t))
	if err != nil {
		return nil, err
	}
	m, _ := asMap(out)
	return Tree(m), nil
}

func (s *Schema) normalizeNode(n *schemaNode, path Path, value any) (any, error) {
	if n.field != nil {
		return normalizeLeaf(*n.field, path, value)
	}
	m, ok := asMap(value)
	if !ok {
		return nil, newValidationError(path, ErrTypeMismatch, "expected object, got %T", value)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		childPath := path.Child(k)
		c := n.child(k)
		if c == nil {
			return nil, newValidationError(childPath, ErrUnknownPath, "")
		}
		nv, err := s.normalizeNode(c, childPath, v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeLeaf(f Field, path Path, value any) (any, error) {
	if value == nil {
		if f.Nilable {
			return nil, nil
		}
		return nil, newValidationError(path, ErrTypeMismatch, "expected %s, got null", f.Kind)
	}
	switch f.Kind {
	case KindString:
		s, ok := value.(string)
		if !ok {
			return nil, newValidationError(path, ErrTypeMismatch, "expected string, got %T", value)
		}
		return s, nil
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return nil, newValidationError(path, ErrTypeMismatch, "expected string, got %T", value)
		}
		for _, allowed := range f.Values {
			if s == allowed {
				return s, nil
			}
		}
		return nil, newValidationError(path, ErrInvalidValue, "must be one of %s", strings.Join(f.Values, ", "))
	case KindNumber, KindInteger:
		n, ok := toFloat(value)
		if !ok {
			return nil, newValidationError(path, ErrTypeMismatch, "expected number, got %T", value)
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, newValidationError(path, ErrInvalidValue, "must be finite")
		}
		if f.Kind == KindInteger && n != math.Trunc(n) {
			return nil, newValidationError(path, ErrTypeMismatch, "expected integer, got %v", n)
		}
		if f.HasMin && n < f.Min {
			return nil, newValidationError(path, ErrInvalidValue, "must be >= %v", f.Min)
		}
		return n, nil
	case KindBool:
		b, ok := value.(bool)
		if !ok {
			return nil, newValidationError(path, ErrTypeMismatch, "expected boolean, got %T", value)
		}
		return b, nil
	case KindTimestamp:
		return normalizeTime(path, value)
	case KindStringList:
		switch list := value.(type) {
		case []string:
			out := make([]any, len(list))
			for i, s := range list {
				out[i] = s
			}
			return out, nil
		case []any:
			out := make([]any, len(list))
			for i, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, newValidationError(path, ErrTypeMismatch, "element %d: expected string, got %T", i, item)
				}
				out[i] = s
			}
			return out, nil
		default:
			return nil, newValidationError(path, ErrTypeMismatch, "expected string list, got %T", value)
		}
	case KindObject:
		v, err := jsonNormalize(value)
		if err != nil {
			return nil, newValidationError(path, ErrTypeMismatch, "%v", err)
		}
		if _, ok := v.(map[string]any); !ok {
			return nil, newValidationError(path, ErrTypeMismatch, "expected object, got %T", value)
		}
		return v, nil
	case KindList:
		v, err := jsonNormalize(value)
		if err != nil {
			return nil, newValidationError(path, ErrTypeMismatch, "%v", err)
		}
		if _, ok := v.([]any); !ok {
			return nil, newValidationError(path, ErrTypeMismatch, "expected list, got %T", value)
		}
		return v, nil
	}
	return nil, newValidationError(path, ErrUnknownPath, "unsupported kind %s", f.Kind)
}

// NormalizeTime converts a timestamp to UTC without a monotonic reading, the
// form stored in trees and produced when decoding exports.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Round(0)
}

func normalizeTime(path Path, value any) (any, error) {
	switch t := value.(type) {
	case time.Time:
		return NormalizeTime(t), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return nil, newValidationError(path, ErrTypeMismatch, "expected ISO-8601 timestamp: %v", err)
		}
		return NormalizeTime(parsed), nil
	default:
		return nil, newValidationError(path, ErrTypeMismatch, "expected timestamp, got %T", value)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// jsonNormalize converts free-form records to the canonical decoded-JSON shape
// so that stored values compare equal after an export/import round trip.
func jsonNormalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Canonical maps case-insensitive keys (as produced by environment variables
// and viper) onto the schema's spelling. Keys under a wildcard are kept as given.
func (s *Schema) Canonical(keys []string) (Path, bool) {
	node := s.root
	out := make(Path, 0, len(keys))
	for _, key := range keys {
		if node.children == nil {
			return nil, false
		}
		var next *schemaNode
		for name, child := range node.children {
			if name != wildcard && strings.EqualFold(name, key) {
				next = child
				out = append(out, name)
				break
			}
		}
		if next == nil {
			next = node.children[wildcard]
			if next == nil {
				return nil, false
			}
			out = append(out, key)
		}
		node = next
	}
	return out, node.field != nil
}

// Coerce converts a textual value (from a config file or the environment)
// to the kind expected at path. Non-string values are returned unchanged.
func (s *Schema) Coerce(path Path, value any) (any, error) {
	raw, ok := value.(string)
	if !ok {
		return value, nil
	}
	f, ok := s.Field(path)
	if !ok {
		return nil, newValidationError(path, ErrUnknownPath, "")
	}
	raw = strings.TrimSpace(raw)
	switch f.Kind {
	case KindNumber, KindInteger:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, newValidationError(path, ErrTypeMismatch, "expected number, got %q", raw)
		}
		return n, nil
	case KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, newValidationError(path, ErrTypeMismatch, "expected boolean, got %q", raw)
		}
		return b, nil
	case KindStringList:
		if raw == "" {
			return []any{}, nil
		}
		parts := strings.Split(raw, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out, nil
	case KindObject, KindList:
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, newValidationError(path, ErrTypeMismatch, "expected JSON: %v", err)
		}
		return decoded, nil
	}
	return raw, nil
}

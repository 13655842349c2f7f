// Package memtree implements the nested value tree that backs session memory.
//
// A [Value] is a typed sum over the five shapes the memory model recognises:
// string, number, bool, ordered list, and map. Trees are addressed with a
// small dotted-path language ("customer.phone", "items[0].name") shared by
// tool-result mappings, branching conditions, and path reads, and combined
// with a deep [Merge] whose rules protect existing data: unmentioned keys are
// retained, empty incoming leaves never clobber, and lists are appended to
// only when wrapped in an explicit [Append] marker.
//
// Values convert losslessly to and from the plain `any` trees produced by
// YAML and JSON decoders, so a memory tree can be persisted as a
// self-describing document and reconstructed after a restart.
package memtree

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the shape of a [Value].
type Kind int

const (
	// KindInvalid is the zero Value: absent, null, or never assigned.
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is a single node in a memory tree. The zero Value is the invalid
// (null) value. Values are immutable by convention: mutating operations
// return a new Value and leave their receiver untouched.
type Value struct {
	kind Kind

	str string
	num float64
	// isInt preserves the distinction between 3 and 3.0 across round trips.
	isInt bool
	b     bool
	list  []Value
	m     map[string]Value

	// appendMarker marks a list produced by [Append]; Merge extends the
	// destination list instead of replacing it.
	appendMarker bool
}

// String constructs a string leaf.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number constructs a floating-point number leaf.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Int constructs an integer number leaf.
func Int(i int64) Value { return Value{kind: KindNumber, num: float64(i), isInt: true} }

// Bool constructs a boolean leaf.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List constructs an ordered list from the given elements.
func List(elems ...Value) Value {
	cp := make([]Value, len(elems))
	copy(cp, elems)
	return Value{kind: KindList, list: cp}
}

// Append wraps a list so that [Merge] appends its elements to the
// destination list instead of replacing it. Wrapping a non-list value
// returns the value unchanged.
func Append(v Value) Value {
	if v.kind != KindList {
		return v
	}
	v.appendMarker = true
	return v
}

// Map constructs a map node from the given entries. The input map is copied.
func Map(entries map[string]Value) Value {
	cp := make(map[string]Value, len(entries))
	for k, v := range entries {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

// Kind returns the shape of v.
func (v Value) Kind() Kind { return v.kind }

// IsSet reports whether v carries usable data under the memory model's
// no-clobber rule: invalid values, empty strings, the literal sentinels
// "unset" and "null", and empty lists/maps are all considered unset.
// Numbers (including zero) and booleans are always set.
func (v Value) IsSet() bool {
	switch v.kind {
	case KindString:
		return v.str != "" && v.str != "unset" && v.str != "null"
	case KindNumber, KindBool:
		return true
	case KindList:
		return len(v.list) > 0
	case KindMap:
		return len(v.m) > 0
	default:
		return false
	}
}

// Str returns the string content. Valid only for KindString; other kinds
// return "".
func (v Value) Str() string { return v.str }

// Num returns the numeric content. Valid only for KindNumber; other kinds
// return 0.
func (v Value) Num() float64 { return v.num }

// BoolVal returns the boolean content. Valid only for KindBool.
func (v Value) BoolVal() bool { return v.b }

// Len returns the element count for lists and maps, and 0 for leaves.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.m)
	default:
		return 0
	}
}

// Index returns the i-th list element. The second return is false when v is
// not a list or i is out of range.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Value{}, false
	}
	return v.list[i], true
}

// Field returns the named map entry. The second return is false when v is
// not a map or the key is absent.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	got, ok := v.m[name]
	return got, ok
}

// Keys returns the map keys in sorted order, or nil for non-map values.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Elems returns a copy of the list elements, or nil for non-list values.
func (v Value) Elems() []Value {
	if v.kind != KindList {
		return nil
	}
	cp := make([]Value, len(v.list))
	copy(cp, v.list)
	return cp
}

// Equal reports deep equality of two values. The append marker does not
// participate in equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, ve := range v.m {
			oe, ok := o.m[k]
			if !ok || !ve.Equal(oe) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Clone returns a deep copy of v. Leaves are copied by value; lists and
// maps are copied recursively so the result shares no state with v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		cp := make([]Value, len(v.list))
		for i, e := range v.list {
			cp[i] = e.Clone()
		}
		out := v
		out.list = cp
		return out
	case KindMap:
		cp := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			cp[k] = e.Clone()
		}
		out := v
		out.m = cp
		return out
	default:
		return v
	}
}

// FromAny converts a decoded YAML/JSON tree into a Value. Unsupported Go
// types collapse to the invalid value. nil becomes the invalid value.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Value{}
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint64:
		return Int(int64(t))
	case float32:
		return Number(float64(t))
	case float64:
		return Number(t)
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			elems[i] = FromAny(e)
		}
		return Value{kind: KindList, list: elems}
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Value{kind: KindMap, m: m}
	default:
		return Value{}
	}
}

// ToAny converts v back into a plain Go tree suitable for YAML/JSON
// encoders. Integer-valued numbers come back as int64 so documents
// round-trip without spurious decimal points.
func (v Value) ToAny() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		if v.isInt {
			return int64(v.num)
		}
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToAny()
		}
		return out
	default:
		return nil
	}
}

// Flatten returns all leaves reachable from v as a path→value map using the
// dotted path syntax, with list elements addressed by [i]. Useful for
// rendering a compact memory projection into a prompt.
func (v Value) Flatten(prefix string) map[string]Value {
	out := make(map[string]Value)
	flattenInto(out, prefix, v)
	return out
}

func flattenInto(out map[string]Value, prefix string, v Value) {
	switch v.kind {
	case KindMap:
		for k, e := range v.m {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			flattenInto(out, p, e)
		}
	case KindList:
		for i, e := range v.list {
			flattenInto(out, prefix+"["+strconv.Itoa(i)+"]", e)
		}
	case KindInvalid:
		// Absent leaves are not reported.
	default:
		out[prefix] = v
	}
}

// LeafString renders a leaf as text for prompt and enrichment formatting.
// Lists render as comma-joined leaf strings; maps and invalid values render
// as "".
func (v Value) LeafString() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		if v.isInt {
			return strconv.FormatInt(int64(v.num), 10)
		}
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		parts := make([]string, 0, len(v.list))
		for _, e := range v.list {
			parts = append(parts, e.LeafString())
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

// GoString implements fmt.GoStringer for readable test failures.
func (v Value) GoString() string {
	return fmt.Sprintf("memtree.Value(%s: %v)", v.kind, v.ToAny())
}

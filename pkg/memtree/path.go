package memtree

import (
	"fmt"
	"strconv"
	"strings"
)

// Step is one element of a parsed [Path]: either a map field access or a
// list index.
type Step struct {
	// Field is the map key when IsIndex is false.
	Field string

	// Index is the list position when IsIndex is true.
	Index int

	// IsIndex distinguishes the two step variants.
	IsIndex bool
}

// Path is a parsed dotted path, e.g. "customer.phone" or "items[0].name".
type Path []Step

// ParsePath parses the dotted path syntax. Field names are separated by
// dots; a field may be followed by one or more bracketed non-negative
// integer indices. Returns an error on empty paths, empty segments, or
// malformed brackets.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, fmt.Errorf("memtree: empty path")
	}
	var path Path
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return nil, fmt.Errorf("memtree: empty segment in path %q", s)
		}
		name := seg
		var brackets string
		if i := strings.IndexByte(seg, '['); i >= 0 {
			name, brackets = seg[:i], seg[i:]
		}
		if name != "" {
			path = append(path, Step{Field: name})
		} else if brackets == "" || len(path) == 0 {
			return nil, fmt.Errorf("memtree: segment %q in path %q has no field name", seg, s)
		}
		for brackets != "" {
			if brackets[0] != '[' {
				return nil, fmt.Errorf("memtree: malformed index in path %q", s)
			}
			end := strings.IndexByte(brackets, ']')
			if end < 1 {
				return nil, fmt.Errorf("memtree: unterminated index in path %q", s)
			}
			idx, err := strconv.Atoi(brackets[1:end])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("memtree: invalid index %q in path %q", brackets[1:end], s)
			}
			path = append(path, Step{Index: idx, IsIndex: true})
			brackets = brackets[end+1:]
		}
	}
	return path, nil
}

// MustParsePath is ParsePath for statically known paths; it panics on error.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String renders the path back into the dotted syntax.
func (p Path) String() string {
	var sb strings.Builder
	for i, st := range p {
		if st.IsIndex {
			fmt.Fprintf(&sb, "[%d]", st.Index)
			continue
		}
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(st.Field)
	}
	return sb.String()
}

// Get resolves p against root. The second return is false when any step
// cannot be resolved (missing key, out-of-range index, or a leaf reached
// too early).
func Get(root Value, p Path) (Value, bool) {
	cur := root
	for _, st := range p {
		var ok bool
		if st.IsIndex {
			cur, ok = cur.Index(st.Index)
		} else {
			cur, ok = cur.Field(st.Field)
		}
		if !ok {
			return Value{}, false
		}
	}
	return cur, true
}

// GetPath is a convenience wrapper that parses and resolves in one call.
// Parse errors are reported as an unresolved path.
func GetPath(root Value, path string) (Value, bool) {
	p, err := ParsePath(path)
	if err != nil {
		return Value{}, false
	}
	return Get(root, p)
}

// Set returns a copy of root with the value at p replaced by val.
// Intermediate maps are created as needed. Setting through a list index
// requires the index to exist, except that an index equal to the current
// list length appends; anything further out of range is an error.
func Set(root Value, p Path, val Value) (Value, error) {
	if len(p) == 0 {
		return val, nil
	}
	return setStep(root, p, val)
}

func setStep(cur Value, p Path, val Value) (Value, error) {
	st := p[0]

	if st.IsIndex {
		if cur.kind != KindList {
			return Value{}, fmt.Errorf("memtree: cannot index into %s", cur.kind)
		}
		elems := cur.Elems()
		switch {
		case st.Index < len(elems):
			child := elems[st.Index]
			if len(p) == 1 {
				elems[st.Index] = val
			} else {
				next, err := setStep(child, p[1:], val)
				if err != nil {
					return Value{}, err
				}
				elems[st.Index] = next
			}
		case st.Index == len(elems):
			if len(p) > 1 {
				next, err := setStep(Map(nil), p[1:], val)
				if err != nil {
					return Value{}, err
				}
				elems = append(elems, next)
			} else {
				elems = append(elems, val)
			}
		default:
			return Value{}, fmt.Errorf("memtree: index %d out of range (len %d)", st.Index, len(elems))
		}
		out := cur
		out.list = elems
		return out, nil
	}

	// Field step: autovivify maps, never overwrite an existing non-map.
	if cur.kind == KindInvalid {
		cur = Map(nil)
	}
	if cur.kind != KindMap {
		return Value{}, fmt.Errorf("memtree: cannot set field %q on %s", st.Field, cur.kind)
	}
	m := make(map[string]Value, len(cur.m)+1)
	for k, v := range cur.m {
		m[k] = v
	}
	if len(p) == 1 {
		m[st.Field] = val
	} else {
		next, err := setStep(m[st.Field], p[1:], val)
		if err != nil {
			return Value{}, err
		}
		m[st.Field] = next
	}
	out := cur
	out.m = m
	return out, nil
}

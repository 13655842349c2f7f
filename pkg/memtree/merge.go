package memtree

// Merge applies src onto dst and returns the combined tree. Neither input
// is mutated.
//
// Rules, in order:
//
//   - Maps merge recursively: keys absent from src keep their dst value.
//   - A src leaf that is not set (see [Value.IsSet]) is a no-op — the dst
//     value survives. This protects memory from being clobbered by a model
//     emitting "" or "unset" for fields it was not told about.
//   - A src list wrapped with [Append] extends the dst list; an unwrapped
//     list replaces it.
//   - Any other set src value replaces the dst value, including changing
//     its kind.
func Merge(dst, src Value) Value {
	switch {
	case src.kind == KindMap && dst.kind == KindMap:
		m := make(map[string]Value, len(dst.m)+len(src.m))
		for k, v := range dst.m {
			m[k] = v
		}
		for k, sv := range src.m {
			if dv, ok := m[k]; ok {
				m[k] = Merge(dv, sv)
			} else if merged := Merge(Value{}, sv); merged.kind != KindInvalid {
				m[k] = merged
			}
		}
		out := dst
		out.m = m
		return out

	case src.kind == KindMap:
		// Map onto a non-map: recurse against an empty map so the
		// no-clobber rule still strips unset leaves from src.
		if !src.IsSet() {
			return dst
		}
		return Merge(Map(nil), src)

	case src.kind == KindList:
		if !src.IsSet() {
			return dst
		}
		if src.appendMarker && dst.kind == KindList {
			elems := make([]Value, 0, len(dst.list)+len(src.list))
			elems = append(elems, dst.Elems()...)
			elems = append(elems, src.Elems()...)
			out := dst
			out.list = elems
			return out
		}
		out := src.Clone()
		out.appendMarker = false
		return out

	default:
		if !src.IsSet() {
			return dst
		}
		return src
	}
}

package payload

import "fmt"

// Refs returns every Ref in the object, depth first in canonical key order.
// Duplicates are reported once.
func (o Object) Refs() []Ref {
	var refs []Ref
	seen := make(map[Ref]bool)
	walkRefs(o, func(r Ref) {
		if !seen[r] {
			seen[r] = true
			refs = append(refs, r)
		}
	})
	return refs
}

func walkRefs(v Value, fn func(Ref)) {
	switch val := v.(type) {
	case Ref:
		fn(val)
	case Object:
		for _, k := range val.SortedKeys() {
			walkRefs(val[k], fn)
		}
	case Array:
		for _, elem := range val {
			walkRefs(elem, fn)
		}
	}
}

// Resolver maps a Ref to the value that replaces it.
type Resolver func(Ref) (Value, error)

// Rewrite returns a deep copy of the object with every Ref replaced by the
// resolver's result. The first resolver error aborts the rewrite and is
// returned unwrapped so callers can match on it.
func (o Object) Rewrite(resolve Resolver) (Object, error) {
	out, err := rewriteValue(o, resolve)
	if err != nil {
		return nil, err
	}
	return out.(Object), nil
}

func rewriteValue(v Value, resolve Resolver) (Value, error) {
	switch val := v.(type) {
	case Ref:
		return resolve(val)
	case Object:
		out := make(Object, len(val))
		for _, k := range val.SortedKeys() {
			rv, err := rewriteValue(val[k], resolve)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			rv, err := rewriteValue(elem, resolve)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("nil payload value")
	default:
		return v, nil
	}
}

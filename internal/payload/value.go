package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the payload value types.
// Only Null, String, Int, Bool, Array, Object and Ref implement it.
type Value interface {
	payloadValue()
}

// Null is an explicit JSON null. Snapshots use it for cleared fields.
type Null struct{}

func (Null) payloadValue() {}

// String is a string value.
type String string

func (String) payloadValue() {}

// Int is an integer value. Always int64, never float.
type Int int64

func (Int) payloadValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) payloadValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) payloadValue() {}

// Object is a map of field names to values.
// Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) payloadValue() {}

// Ref references another entity by entity type and local id.
type Ref struct {
	Type    string
	LocalID int64
}

func (Ref) payloadValue() {}

// String renders the reference as "Type#localID".
func (r Ref) String() string {
	return fmt.Sprintf("%s#%d", r.Type, r.LocalID)
}

// refKey is the reserved object key that marks an encoded Ref.
const refKey = "$ref"

// Pair is a key/value pair for typed Object construction.
type Pair struct {
	Key   string
	Value Value
}

// F is shorthand for Pair.
// Example: payload.New(payload.F("title", payload.String("Complaint")))
func F(key string, value Value) Pair {
	return Pair{Key: key, Value: value}
}

// New builds an Object from pairs.
func New(pairs ...Pair) Object {
	obj := make(Object, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's sort.Strings orders by UTF-8 bytes, which differs for some inputs.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// Clone returns a deep copy of the object.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Object:
		return val.Clone()
	case Array:
		arr := make(Array, len(val))
		for i, elem := range val {
			arr[i] = cloneValue(elem)
		}
		return arr
	default:
		return v
	}
}

// MarshalJSON encodes the object as canonical JSON.
func (o Object) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(o)
}

// UnmarshalJSON decodes an object, rejecting floats.
func (o *Object) UnmarshalJSON(data []byte) error {
	obj, err := Parse(data)
	if err != nil {
		return err
	}
	*o = obj
	return nil
}

// Parse decodes a JSON object into an Object.
// Floats are rejected; "$ref" objects become Ref values.
func Parse(data []byte) (Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parse payload: expected JSON object, got %T", raw)
	}
	v, err := FromAny(m)
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return v.(Object), nil
}

// FromAny converts decoded JSON or YAML data into a Value.
// Accepts nil, bool, string, integer kinds, json.Number, []any and map[string]any.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case uint64:
		if val > 1<<63-1 {
			return nil, fmt.Errorf("integer out of int64 range: %d", val)
		}
		return Int(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are not allowed in payloads: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case float64, float32:
		return nil, fmt.Errorf("floats are not allowed in payloads: %v", val)
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			pv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = pv
		}
		return arr, nil
	case map[string]any:
		if raw, ok := val[refKey]; ok && len(val) == 1 {
			return refFromAny(raw)
		}
		obj := make(Object, len(val))
		for k, elem := range val {
			pv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			obj[k] = pv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported payload type: %T", v)
	}
}

func refFromAny(raw any) (Ref, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Ref{}, fmt.Errorf("%s: expected object, got %T", refKey, raw)
	}
	typ, ok := m["type"].(string)
	if !ok || typ == "" {
		return Ref{}, fmt.Errorf("%s: missing type", refKey)
	}
	id, err := FromAny(m["local_id"])
	if err != nil {
		return Ref{}, fmt.Errorf("%s: local_id: %w", refKey, err)
	}
	n, ok := id.(Int)
	if !ok || n <= 0 {
		return Ref{}, fmt.Errorf("%s: local_id must be a positive integer", refKey)
	}
	return Ref{Type: typ, LocalID: int64(n)}, nil
}

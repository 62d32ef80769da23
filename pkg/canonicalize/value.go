// Package canonicalize models JSON documents as a closed sum type and
// produces RFC 8785 (JSON Canonicalization Scheme) output for deterministic
// hashing of form schemas and their protected fields.
package canonicalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is one JSON node. The set of implementations is closed.
type Value interface {
	Kind() Kind
	sealed()
}

type Null struct{}

type Bool bool

// Number keeps the literal text so that large integers survive round trips.
type Number json.Number

type String string

type Array []Value

// Object keeps members in a map; order is imposed only at encode time.
type Object map[string]Value

func (Null) Kind() Kind   { return KindNull }
func (Bool) Kind() Kind   { return KindBool }
func (Number) Kind() Kind { return KindNumber }
func (String) Kind() Kind { return KindString }
func (Array) Kind() Kind  { return KindArray }
func (Object) Kind() Kind { return KindObject }

func (Null) sealed()   {}
func (Bool) sealed()   {}
func (Number) sealed() {}
func (String) sealed() {}
func (Array) sealed()  {}
func (Object) sealed() {}

// Keys returns the object's member names in sorted order.
func (o Object) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns a member and whether it was present.
func (o Object) Lookup(key string) (Value, bool) {
	v, ok := o[key]
	return v, ok
}

// ErrTrailingData is returned when a document holds more than one JSON value.
var ErrTrailingData = errors.New("canonicalize: trailing data after JSON value")

// Parse decodes a single JSON document into a Value.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("canonicalize: decode: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, ErrTrailingData
	}
	return FromInterface(raw)
}

// FromInterface converts the output of encoding/json (decoded with
// UseNumber) into a Value.
func FromInterface(v interface{}) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case float64:
		return Number(json.Number(fmt.Sprintf("%v", t))), nil
	case string:
		return String(t), nil
	case []interface{}:
		arr := make(Array, len(t))
		for i, elem := range t {
			ev, err := FromInterface(elem)
			if err != nil {
				return nil, err
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]interface{}:
		obj := make(Object, len(t))
		for k, elem := range t {
			ev, err := FromInterface(elem)
			if err != nil {
				return nil, err
			}
			obj[k] = ev
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("canonicalize: unsupported type %T", v)
	}
}

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch t := v.(type) {
	case Array:
		out := make(Array, len(t))
		for i, elem := range t {
			out[i] = Clone(elem)
		}
		return out
	case Object:
		out := make(Object, len(t))
		for k, elem := range t {
			out[k] = Clone(elem)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether a and b have the same canonical form.
func Equal(a, b Value) bool {
	ab, errA := Canonical(a)
	bb, errB := Canonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

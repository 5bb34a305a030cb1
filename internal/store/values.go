package store

import (
	"github.com/satindergrewal/spoly/internal/codec"
)

// Values maps keys to CBOR-encoded values.
type Values map[string][]byte

// Bool encodes a boolean value.
func Bool(v bool) []byte { return mustMarshal(v) }

// Int encodes an integer value.
func Int(v int64) []byte { return mustMarshal(v) }

// Float encodes a floating point value.
func Float(v float64) []byte { return mustMarshal(v) }

// String encodes a string value.
func String(v string) []byte { return mustMarshal(v) }

func mustMarshal(v any) []byte {
	data, err := codec.Marshal(v)
	if err != nil {
		panic("store: encoding " + err.Error())
	}
	return data
}

// Bool reads key as a boolean. ok is false when the key is missing or
// holds another type.
func (v Values) Bool(key string) (value, ok bool) {
	raw, present := v[key]
	if !present || raw == nil {
		return false, false
	}
	if err := codec.Unmarshal(raw, &value); err != nil {
		return false, false
	}
	return value, true
}

// Int reads key as an integer.
func (v Values) Int(key string) (value int64, ok bool) {
	raw, present := v[key]
	if !present || raw == nil {
		return 0, false
	}
	if err := codec.Unmarshal(raw, &value); err != nil {
		return 0, false
	}
	return value, true
}

// Float reads key as a float. Integer-encoded values are accepted.
func (v Values) Float(key string) (value float64, ok bool) {
	raw, present := v[key]
	if !present || raw == nil {
		return 0, false
	}
	if err := codec.Unmarshal(raw, &value); err == nil {
		return value, true
	}
	if n, ok := v.Int(key); ok {
		return float64(n), true
	}
	return 0, false
}

// String reads key as a string.
func (v Values) String(key string) (value string, ok bool) {
	raw, present := v[key]
	if !present || raw == nil {
		return "", false
	}
	if err := codec.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

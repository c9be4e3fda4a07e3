package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	// [ZERO_VALUE_GUARD] KindNone marks an unset Value.
	KindNone ValueKind = iota
	KindInt
	KindFloat
	KindString
	KindBool
	KindBytes
)

var kindNames = map[ValueKind]string{
	KindNone:   "none",
	KindInt:    "int",
	KindFloat:  "float",
	KindString: "string",
	KindBool:   "bool",
	KindBytes:  "bytes",
}

func (k ValueKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a tagged union over the payload types carried by messages and tasks.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	s    string
	b    bool
	raw  []byte
}

func Int(v int64) Value     { return Value{kind: KindInt, i: v} }
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }
func String(v string) Value { return Value{kind: KindString, s: v} }
func Bool(v bool) Value     { return Value{kind: KindBool, b: v} }
func Bytes(v []byte) Value  { return Value{kind: KindBytes, raw: bytes.Clone(v)} }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsZero() bool    { return v.kind == KindNone }

// AsInt returns the int64 variant; ok is false for any other kind.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the float variant. Int values are widened.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }
func (v Value) AsBool() (bool, bool)     { return v.b, v.kind == KindBool }

// AsBytes returns a copy of the bytes variant.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return bytes.Clone(v.raw), true
}

// Equal compares kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.raw)
	}
	return ""
}

type valueJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes the value as {"type": kind, "value": ...}; bytes are base64.
func (v Value) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch v.kind {
	case KindNone:
		return json.Marshal(valueJSON{Type: KindNone.String()})
	case KindInt:
		raw, err = json.Marshal(v.i)
	case KindFloat:
		raw, err = json.Marshal(v.f)
	case KindString:
		raw, err = json.Marshal(v.s)
	case KindBool:
		raw, err = json.Marshal(v.b)
	case KindBytes:
		raw, err = json.Marshal(v.raw)
	default:
		return nil, fmt.Errorf("value: unknown kind %d", v.kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Type: v.kind.String(), Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("value: %w", err)
	}

	var out Value
	switch in.Type {
	case "none", "":
		out = Value{}
	case "int":
		var i int64
		if err := json.Unmarshal(in.Value, &i); err != nil {
			return fmt.Errorf("value: int: %w", err)
		}
		out = Int(i)
	case "float":
		var f float64
		if err := json.Unmarshal(in.Value, &f); err != nil {
			return fmt.Errorf("value: float: %w", err)
		}
		out = Float(f)
	case "string":
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return fmt.Errorf("value: string: %w", err)
		}
		out = String(s)
	case "bool":
		var b bool
		if err := json.Unmarshal(in.Value, &b); err != nil {
			return fmt.Errorf("value: bool: %w", err)
		}
		out = Bool(b)
	case "bytes":
		var raw []byte
		if err := json.Unmarshal(in.Value, &raw); err != nil {
			return fmt.Errorf("value: bytes: %w", err)
		}
		out = Value{kind: KindBytes, raw: raw}
	default:
		return fmt.Errorf("value: unknown type %q", in.Type)
	}

	*v = out
	return nil
}

// ValueOf converts plain Go values (as produced by encoding/json) into a Value.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Float(f), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case []byte:
		return Bytes(t), nil
	case nil:
		return Value{}, nil
	}
	return Value{}, fmt.Errorf("value: unsupported type %T", x)
}

// Payload is the key/value body carried by messages and tasks.
type Payload map[string]Value

// Clone returns a deep copy; bytes variants are copied too.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		if v.kind == KindBytes {
			v.raw = bytes.Clone(v.raw)
		}
		out[k] = v
	}
	return out
}

// PayloadFromMap converts a decoded JSON object into a Payload.
func PayloadFromMap(m map[string]any) (Payload, error) {
	out := make(Payload, len(m))
	for k, raw := range m {
		v, err := ValueOf(raw)
		if err != nil {
			return nil, fmt.Errorf("payload key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

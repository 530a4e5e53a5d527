package params

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Type is the declared type of a parameter.
type Type string

const (
	TypeInt   Type = "int"
	TypeFloat Type = "float"
	TypeEnum  Type = "enum"
	TypeBool  Type = "bool"
)

func (t Type) Valid() bool {
	switch t {
	case TypeInt, TypeFloat, TypeEnum, TypeBool:
		return true
	default:
		return false
	}
}

// Value is a typed parameter value. Only the field matching Type is set.
type Value struct {
	Type  Type
	Int   int64
	Float float64
	Str   string
	Bool  bool
}

func IntValue(v int64) Value     { return Value{Type: TypeInt, Int: v} }
func FloatValue(v float64) Value { return Value{Type: TypeFloat, Float: v} }
func EnumValue(v string) Value   { return Value{Type: TypeEnum, Str: v} }
func BoolValue(v bool) Value     { return Value{Type: TypeBool, Bool: v} }

// Interface returns the value as a plain Go value.
func (v Value) Interface() any {
	switch v.Type {
	case TypeInt:
		return v.Int
	case TypeFloat:
		return v.Float
	case TypeEnum:
		return v.Str
	case TypeBool:
		return v.Bool
	default:
		return nil
	}
}

// Number returns int and float values as float64.
func (v Value) Number() (float64, bool) {
	switch v.Type {
	case TypeInt:
		return float64(v.Int), true
	case TypeFloat:
		return v.Float, true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Type {
	case TypeInt:
		return strconv.FormatInt(v.Int, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TypeEnum:
		return v.Str
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	default:
		return "<invalid>"
	}
}

func (v Value) Equal(o Value) bool {
	return v.Type == o.Type && v.Int == o.Int && v.Float == o.Float && v.Str == o.Str && v.Bool == o.Bool
}

type valuePayload struct {
	Type  Type            `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	return json.Marshal(valuePayload{Type: v.Type, Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var payload valuePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	out := Value{Type: payload.Type}
	var err error
	switch payload.Type {
	case TypeInt:
		err = json.Unmarshal(payload.Value, &out.Int)
	case TypeFloat:
		err = json.Unmarshal(payload.Value, &out.Float)
	case TypeEnum:
		err = json.Unmarshal(payload.Value, &out.Str)
	case TypeBool:
		err = json.Unmarshal(payload.Value, &out.Bool)
	default:
		return fmt.Errorf("unknown value type %q", payload.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s value: %w", payload.Type, err)
	}
	*v = out
	return nil
}

// ParseValue converts command-line text to a value of type t.
func ParseValue(t Type, raw string) (Value, error) {
	switch t {
	case TypeInt:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("expected integer, got %q", raw)
		}
		return IntValue(i), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("expected number, got %q", raw)
		}
		return FloatValue(f), nil
	case TypeEnum:
		return EnumValue(raw), nil
	case TypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Value{}, fmt.Errorf("expected boolean, got %q", raw)
		}
		return BoolValue(b), nil
	default:
		return Value{}, fmt.Errorf("unknown type %q", t)
	}
}

// coerce converts a decoded entry to field's type. Integral floats are
// accepted for int fields since JSON and YAML decoders produce them; nothing
// else changes type.
func coerce(f Field, raw any) (Value, error) {
	if v, ok := raw.(Value); ok {
		if v.Type != f.Type {
			return Value{}, fmt.Errorf("expected %s, got %s", f.Type, v.Type)
		}
		return v, nil
	}

	switch f.Type {
	case TypeInt:
		switch n := raw.(type) {
		case int:
			return IntValue(int64(n)), nil
		case int32:
			return IntValue(int64(n)), nil
		case int64:
			return IntValue(n), nil
		case uint64:
			if n > math.MaxInt64 {
				return Value{}, fmt.Errorf("integer %d overflows", n)
			}
			return IntValue(int64(n)), nil
		case float64:
			if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
				return Value{}, fmt.Errorf("expected integer, got %v", n)
			}
			return IntValue(int64(n)), nil
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return Value{}, fmt.Errorf("expected integer, got %s", n)
			}
			return IntValue(i), nil
		}
	case TypeFloat:
		var out float64
		switch n := raw.(type) {
		case float64:
			out = n
		case float32:
			out = float64(n)
		case int:
			out = float64(n)
		case int64:
			out = float64(n)
		case json.Number:
			parsed, err := n.Float64()
			if err != nil {
				return Value{}, fmt.Errorf("expected number, got %s", n)
			}
			out = parsed
		default:
			return Value{}, fmt.Errorf("expected number, got %T", raw)
		}
		if math.IsNaN(out) || math.IsInf(out, 0) {
			return Value{}, fmt.Errorf("must be finite, got %v", out)
		}
		return FloatValue(out), nil
	case TypeEnum:
		if s, ok := raw.(string); ok {
			return EnumValue(s), nil
		}
	case TypeBool:
		if b, ok := raw.(bool); ok {
			return BoolValue(b), nil
		}
	}
	return Value{}, fmt.Errorf("expected %s, got %T", f.Type, raw)
}

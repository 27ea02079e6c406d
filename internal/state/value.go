package state

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind tags the payload type of an entry. It is fixed when the entry is created.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindFloat
	KindBool
)

// FloatPrecision is the number of decimals used when formatting float values.
const FloatPrecision = 2

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	}
	return "unknown"
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "int":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "bool":
		return KindBool, nil
	}
	return 0, fmt.Errorf("unknown value kind %q", s)
}

// Value is a closed sum over IntValue, FloatValue and BoolValue.
type Value interface {
	Kind() Kind
	// Format renders the canonical display/wire form.
	Format() string
	sealed()
}

type IntValue int64
type FloatValue float64
type BoolValue bool

func (IntValue) Kind() Kind   { return KindInt }
func (FloatValue) Kind() Kind { return KindFloat }
func (BoolValue) Kind() Kind  { return KindBool }

func (IntValue) sealed()   {}
func (FloatValue) sealed() {}
func (BoolValue) sealed()  {}

func (v IntValue) Format() string { return strconv.FormatInt(int64(v), 10) }

func (v FloatValue) Format() string {
	return strconv.FormatFloat(float64(v), 'f', FloatPrecision, 64)
}

func (v BoolValue) Format() string {
	if v {
		return "1"
	}
	return "0"
}

// Zero returns the zero value for k. An unknown kind is a programming error.
func Zero(k Kind) Value {
	switch k {
	case KindInt:
		return IntValue(0)
	case KindFloat:
		return FloatValue(0)
	case KindBool:
		return BoolValue(false)
	}
	panic(fmt.Sprintf("state: unknown value kind %d", k))
}

// jsonValue maps a value onto the type encoding/json should emit.
// Non-finite floats have no JSON form and are emitted as null.
func jsonValue(v Value) any {
	switch x := v.(type) {
	case IntValue:
		return int64(x)
	case FloatValue:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case BoolValue:
		return bool(x)
	}
	panic(fmt.Sprintf("state: unknown value type %T", v))
}

// decodeValue parses a raw JSON value for an entry of kind k.
// A missing or null value returns (nil, nil).
func decodeValue(k Kind, raw json.RawMessage) (Value, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch k {
	case KindInt:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("expected integer: %w", err)
		}
		i, err := n.Int64()
		if err != nil {
			// accept integral floats such as 2500.0
			f, ferr := n.Float64()
			if ferr != nil || f != math.Trunc(f) {
				return nil, fmt.Errorf("expected integer, got %s", n)
			}
			i = int64(f)
		}
		return IntValue(i), nil
	case KindFloat:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("expected number: %w", err)
		}
		return FloatValue(f), nil
	case KindBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("expected boolean: %w", err)
		}
		return BoolValue(b), nil
	}
	panic(fmt.Sprintf("state: unknown value kind %d", k))
}

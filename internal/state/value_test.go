package state

import (
	"encoding/json"
	"math"
	"testing"
)

func TestFormatCanonical(t *testing.T) {
	cases := []struct {
		v    Value
		want string
	}{
		{IntValue(2500), "2500"},
		{IntValue(-40), "-40"},
		{FloatValue(12.6), "12.60"},
		{FloatValue(0.005), "0.01"},
		{FloatValue(-3.14159), "-3.14"},
		{BoolValue(true), "1"},
		{BoolValue(false), "0"},
	}
	for _, c := range cases {
		if got := c.v.Format(); got != c.want {
			t.Errorf("Format(%#v): expected %q, got %q", c.v, c.want, got)
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindInt, KindFloat, KindBool} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q): expected %v, got %v (%v)", k.String(), k, got, err)
		}
	}
	if _, err := ParseKind("string"); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}

func TestZeroPanicsOnUnknownKind(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Zero(Kind(42))
}

func TestJSONValueNonFinite(t *testing.T) {
	if v := jsonValue(FloatValue(math.NaN())); v != nil {
		t.Fatalf("expected nil for NaN, got %v", v)
	}
	if v := jsonValue(FloatValue(math.Inf(1))); v != nil {
		t.Fatalf("expected nil for +Inf, got %v", v)
	}
}

func TestDecodeValue(t *testing.T) {
	v, err := decodeValue(KindInt, json.RawMessage(`2500.0`))
	if err != nil || v != IntValue(2500) {
		t.Fatalf("expected IntValue(2500), got %v (%v)", v, err)
	}
	if _, err := decodeValue(KindInt, json.RawMessage(`2500.5`)); err == nil {
		t.Fatal("expected error for fractional int")
	}
	if _, err := decodeValue(KindBool, json.RawMessage(`1`)); err == nil {
		t.Fatal("expected error for numeric bool")
	}
	v, err = decodeValue(KindFloat, json.RawMessage(`null`))
	if err != nil || v != nil {
		t.Fatalf("expected (nil, nil) for null, got %v (%v)", v, err)
	}
}

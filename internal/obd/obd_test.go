package obd

import (
	"testing"

	"github.com/fisaks/obdgw/internal/state"
)

func decode(t *testing.T, name string, data ...byte) state.Value {
	t.Helper()
	p, ok := Lookup(name)
	if !ok {
		t.Fatalf("unknown pid %s", name)
	}
	v, err := p.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestDecoders(t *testing.T) {
	if v := decode(t, "rpm", 0x27, 0x10); v != state.IntValue(2500) {
		t.Fatalf("rpm: expected 2500, got %v", v)
	}
	if v := decode(t, "coolantTemp", 0x7B); v != state.IntValue(83) {
		t.Fatalf("coolantTemp: expected 83, got %v", v)
	}
	if v := decode(t, "ambientAirTemp", 0x00); v != state.IntValue(-40) {
		t.Fatalf("ambientAirTemp: expected -40, got %v", v)
	}
	if v := decode(t, "fuelRate", 0x00, 0x64); v.Format() != "5.00" {
		t.Fatalf("fuelRate: expected 5.00, got %s", v.Format())
	}
	if v := decode(t, "throttle", 0xFF); v.Format() != "100.00" {
		t.Fatalf("throttle: expected 100.00, got %s", v.Format())
	}
	if v := decode(t, "milOn", 0x83, 0x07, 0xE5, 0x00); v != state.BoolValue(true) {
		t.Fatalf("milOn: expected true, got %v", v)
	}
}

func TestDecodeShortPayload(t *testing.T) {
	p, _ := Lookup("rpm")
	if _, err := p.Decode([]byte{0x1A}); err == nil {
		t.Fatal("expected error for short payload")
	}
}

func TestDecodeText(t *testing.T) {
	p, _ := Lookup("batteryVoltage")
	if !p.IsAT() {
		t.Fatal("expected batteryVoltage to be an adapter command")
	}
	v, err := p.DecodeText(" 12.6V")
	if err != nil || v.Format() != "12.60" {
		t.Fatalf("expected 12.60, got %v (%v)", v, err)
	}
	if _, err := p.DecodeText("?"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCatalogKindsMatchDecoders(t *testing.T) {
	for _, p := range Catalog() {
		if p.IsAT() {
			continue
		}
		v, err := p.Decode(make([]byte, 4))
		if err != nil {
			t.Fatalf("%s: %v", p.Name, err)
		}
		if v.Kind() != p.Kind {
			t.Fatalf("%s: decoder returns %s, catalog says %s", p.Name, v.Kind(), p.Kind)
		}
	}
}

func TestNewRegistrySeedsDiagnostics(t *testing.T) {
	r := NewRegistry()
	if r.Len() != len(Catalog())+3 {
		t.Fatalf("unexpected registry size %d", r.Len())
	}
	e, ok := r.GetStateByName(EntryProtocol)
	if !ok || !e.IsStatic() || !e.Diagnostic() || e.Supported() {
		t.Fatalf("unexpected protocol entry %+v", e.Snapshot())
	}
	if bv, _ := r.GetStateByName("batteryVoltage"); !bv.Supported() {
		t.Fatal("expected adapter parameters supported from the start")
	}
	if rpm, _ := r.GetStateByName("rpm"); rpm.Supported() {
		t.Fatal("expected OBD parameters unsupported until read")
	}
}

func TestSupportBitmap(t *testing.T) {
	s := NewSupport()
	// BE 1F A8 13: 01,03,04,05,06,07,0C,0D,0E,0F,10,11,13,15,1C,1F,20
	if err := s.Add(0x00, []byte{0xBE, 0x1F, 0xA8, 0x13}); err != nil {
		t.Fatal(err)
	}
	for _, pid := range []byte{0x01, 0x05, 0x0C, 0x0D, 0x11, 0x1F, 0x20} {
		if !s.Has(pid) {
			t.Errorf("expected pid %02X supported", pid)
		}
	}
	for _, pid := range []byte{0x00, 0x02, 0x0A, 0x2F, 0x46} {
		if s.Has(pid) {
			t.Errorf("expected pid %02X unsupported", pid)
		}
	}
	if !s.Continues(0x00) {
		t.Fatal("expected range 0x20 advertised")
	}
	if s.Count() != 16 {
		t.Fatalf("expected 16 supported pids, got %d", s.Count())
	}
	if err := s.Add(0x10, []byte{0, 0, 0, 0}); err == nil {
		t.Fatal("expected error for misaligned base")
	}
}

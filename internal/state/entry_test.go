package state

import "testing"

func rpmDef() Definition {
	return Definition{
		Name:           "rpm",
		Description:    "Engine speed",
		Unit:           "rpm",
		Kind:           KindInt,
		Visible:        true,
		Enabled:        true,
		Supported:      true,
		UpdateInterval: 1000,
	}
}

func TestThrottleGate(t *testing.T) {
	e := NewEntry(rpmDef())

	if !e.Due(0) {
		t.Fatal("expected a never-reported entry to be due")
	}
	e.MarkReported(0)
	if e.Due(500) {
		t.Fatal("expected entry to be throttled at t=500")
	}
	if e.Due(999) {
		t.Fatal("expected entry to be throttled at t=999")
	}
	if !e.Due(1000) {
		t.Fatal("expected entry to be due at t=1000")
	}
	e.MarkReported(1200)
	if last, ok := e.LastUpdate(); !ok || last != 1200 {
		t.Fatalf("expected lastUpdate 1200, got %d (%v)", last, ok)
	}
}

func TestStaticReportsOnce(t *testing.T) {
	def := rpmDef()
	def.Name = "obdProtocol"
	def.UpdateInterval = StaticInterval
	e := NewEntry(def)

	if !e.IsStatic() {
		t.Fatal("expected static entry")
	}
	if !e.Due(0) {
		t.Fatal("expected static entry due before first report")
	}
	e.MarkReported(0)
	for _, now := range []int64{1, 1000, 1 << 40} {
		if e.Due(now) {
			t.Fatalf("expected static entry not due at %d", now)
		}
	}
	e.ResetReported()
	if !e.Due(5) {
		t.Fatal("expected static entry due after reset")
	}
}

func TestSetValueKindMismatchPanics(t *testing.T) {
	e := NewEntry(rpmDef())
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on kind mismatch")
		}
	}()
	e.SetValue(FloatValue(1))
}

func TestApplyPatch(t *testing.T) {
	e := NewEntry(rpmDef())
	e.SetValue(IntValue(2500))
	e.MarkReported(100)

	off := false
	e.ApplyPatch(Patch{Enabled: &off})
	if e.Enabled() {
		t.Fatal("expected entry disabled")
	}
	if e.Eligible() {
		t.Fatal("expected disabled entry not eligible")
	}
	if e.Value() != IntValue(2500) {
		t.Fatalf("expected value preserved, got %v", e.Value())
	}
	if _, reported := e.LastUpdate(); !reported {
		t.Fatal("expected enable change to keep the throttle window")
	}

	interval := int64(250)
	e.ApplyPatch(Patch{UpdateInterval: &interval})
	if e.UpdateInterval() != 250 {
		t.Fatalf("expected interval 250, got %d", e.UpdateInterval())
	}
	if !e.Due(101) {
		t.Fatal("expected interval change to make the entry due")
	}
}

func TestSupportedGatesEligibility(t *testing.T) {
	def := rpmDef()
	def.Supported = false
	e := NewEntry(def)
	if e.Eligible() {
		t.Fatal("expected unsupported entry not eligible")
	}
	e.SetSupported(true)
	if !e.Eligible() {
		t.Fatal("expected entry eligible once supported")
	}
}

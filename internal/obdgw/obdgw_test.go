package obdgw

import "testing"

func TestGateNesting(t *testing.T) {
	var g Gate
	if g.Active() {
		t.Fatal("expected inactive gate")
	}
	r1 := g.Hold()
	r2 := g.Hold()
	r1()
	r1()
	if !g.Active() {
		t.Fatal("expected gate active while a hold remains")
	}
	r2()
	if g.Active() {
		t.Fatal("expected gate inactive after all releases")
	}
	var nilGate *Gate
	if nilGate.Active() {
		t.Fatal("expected nil gate inactive")
	}
}

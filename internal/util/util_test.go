package util

import "testing"

func TestBitString(t *testing.T) {
	if got := BitString([]byte{0xBE, 0x1F}, 12); got != "101111100001" {
		t.Fatalf("expected 101111100001, got %s", got)
	}
	if got := BitString([]byte{0x80}, 20); got != "10000000" {
		t.Fatalf("expected bits capped at input length, got %s", got)
	}
}

func TestToInt(t *testing.T) {
	cases := map[any]int{
		5000:           5000,
		float64(250.9): 250,
		"1500":         1500,
		" 2.5 ":        2,
		"abc":          0,
		nil:            0,
		true:           0,
	}
	for in, want := range cases {
		if got := ToInt(in); got != want {
			t.Errorf("ToInt(%v): expected %d, got %d", in, want, got)
		}
	}
}

package main

import "testing"

func TestFormatUsesCatalog(t *testing.T) {
	if _, err := format("obdgw/car/catalog", []byte(`{"entries":[{"name":"rpm","type":"int","unit":"rpm","description":"Engine speed","visible":true,"enabled":true,"updateInterval":1000}]}`)); err != nil {
		t.Fatal(err)
	}
	got, err := format("obdgw/car/state/rpm", []byte(`{"id":"x","name":"rpm","value":"1726","unit":"rpm","ts":42}`))
	if err != nil {
		t.Fatal(err)
	}
	if got != "rpm=1726 rpm (Engine speed) ts=42" {
		t.Fatalf("unexpected line %q", got)
	}
	if got, _ := format("obdgw/car/status", []byte("online")); got != "online" {
		t.Fatalf("expected raw payload, got %q", got)
	}
}

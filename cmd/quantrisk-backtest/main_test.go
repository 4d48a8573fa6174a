package main

import "testing"

func TestExpandGrid(t *testing.T) {
	sets, err := expandGrid(map[string]float64{"confidence": 1}, "short=5|10,long=50|100|200")
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 6 {
		t.Fatalf("got %d sets, want 6", len(sets))
	}
	seen := map[string]bool{}
	for _, p := range sets {
		if p["confidence"] != 1 {
			t.Errorf("base param lost: %v", p)
		}
		seen[runName("sma-cross", p)] = true
	}
	if !seen["sma-cross(confidence=1,long=200,short=10)"] || len(seen) != 6 {
		t.Errorf("run names = %v", seen)
	}

	if _, err := expandGrid(nil, "short"); err == nil {
		t.Error("axis without values should fail")
	}
	if _, err := expandGrid(nil, "short=a|b"); err == nil {
		t.Error("non-numeric values should fail")
	}
}

func TestParseParams(t *testing.T) {
	p, err := parseParams("short=10, long=50")
	if err != nil || p["short"] != 10 || p["long"] != 50 {
		t.Errorf("parseParams = %v, %v", p, err)
	}
	if _, err := parseParams("short"); err == nil {
		t.Error("missing value should fail")
	}
	if runName("buy-and-hold", nil) != "buy-and-hold" {
		t.Error("runName without params")
	}
}

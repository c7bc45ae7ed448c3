package models

import (
	"errors"
	"math"
	"testing"
)

func testChain() VolumeID {
	// crystal#3 inside head#1 inside world#0
	return VolumeID{
		{Name: "crystal", Copy: 3},
		{Name: "head", Copy: 1},
		{Name: "world", Copy: 0},
	}
}

// TestTruncate verifies that truncation keeps the ancestors at and above a depth
func TestTruncate(t *testing.T) {
	v := testChain()

	if v.Depth() != 2 {
		t.Fatalf("Expected depth 2, got %d", v.Depth())
	}

	head := v.Truncate(1)
	if len(head) != 2 || head[0].Name != "head" || head[0].Copy != 1 {
		t.Errorf("Unexpected truncation at depth 1: %v", head)
	}

	if !v.Truncate(5).Equal(v) {
		t.Errorf("Truncating below the leaf should return the whole chain")
	}

	l, ok := v.At(2)
	if !ok || l.Name != "crystal" {
		t.Errorf("Expected crystal at depth 2, got %v (ok=%v)", l, ok)
	}
}

// TestKeyRoundTrip verifies that keys identify instances and parse back
func TestKeyRoundTrip(t *testing.T) {
	v := testChain()
	key := v.Key()
	if key != "world#0/head#1/crystal#3" {
		t.Fatalf("Unexpected key %q", key)
	}

	parsed, err := ParseVolumeID(key)
	if err != nil {
		t.Fatalf("Failed to parse key: %v", err)
	}
	if !parsed.Equal(v) {
		t.Errorf("Expected %v, got %v", v, parsed)
	}

	other := testChain()
	other[0].Copy = 4
	if other.Key() == key {
		t.Errorf("Different copy numbers must give different keys")
	}

	if _, err := ParseVolumeID("world/head#1"); err == nil {
		t.Errorf("Expected an error for a level without copy number")
	}
}

// TestCheckEnergy verifies invalid deposits are rejected with context
func TestCheckEnergy(t *testing.T) {
	for _, e := range []float64{math.NaN(), math.Inf(1), -1} {
		h := HitRecord{EventID: 7, Volume: testChain(), EnergyDeposit: e}
		err := h.CheckEnergy("adder")
		var rec *InvalidRecordError
		if !errors.As(err, &rec) {
			t.Fatalf("Expected InvalidRecordError for %g, got %v", e, err)
		}
		if rec.EventID != 7 || rec.Stage != "adder" {
			t.Errorf("Missing context in error: %+v", rec)
		}
	}

	h := HitRecord{EnergyDeposit: 0}
	if err := h.CheckEnergy("adder"); err != nil {
		t.Errorf("Zero energy must be accepted: %v", err)
	}
}

// TestChannelContains verifies half-open interval semantics
func TestChannelContains(t *testing.T) {
	c := Channel{Name: "peak", Min: 100, Max: 200}
	if !c.Contains(100) {
		t.Errorf("Lower bound must be included")
	}
	if c.Contains(200) {
		t.Errorf("Upper bound must be excluded")
	}
}

// TestPositionModes verifies pre, post and middle step positions
func TestPositionModes(t *testing.T) {
	h := HitRecord{PrePosition: Vec3{X: 0, Y: 2, Z: 4}, PostPosition: Vec3{X: 2, Y: 4, Z: 6}}
	if got := h.Position(PreStep); got != h.PrePosition {
		t.Errorf("Expected pre position, got %v", got)
	}
	if got := h.Position(PostStep); got != h.PostPosition {
		t.Errorf("Expected post position, got %v", got)
	}
	if got := h.Position(MiddleStep); got != (Vec3{X: 1, Y: 3, Z: 5}) {
		t.Errorf("Expected middle position, got %v", got)
	}
}

// TestParsePositionMode verifies configuration names
func TestParsePositionMode(t *testing.T) {
	for s, want := range map[string]PositionMode{"": PostStep, "post": PostStep, "Pre": PreStep, "middle": MiddleStep} {
		got, err := ParsePositionMode(s)
		if err != nil || got != want {
			t.Errorf("ParsePositionMode(%q) = %v, %v; want %v", s, got, err, want)
		}
	}
	var cfgErr *ConfigurationError
	if _, err := ParsePositionMode("side"); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
}

// TestCheckVolumeName verifies the characters used by Key are rejected
func TestCheckVolumeName(t *testing.T) {
	for _, name := range []string{"crystal", "head_1", "Crystal-2"} {
		if err := CheckVolumeName(name); err != nil {
			t.Errorf("Expected %q to be valid, got %v", name, err)
		}
	}
	var cfgErr *ConfigurationError
	for _, name := range []string{"", "a/b", "a#1"} {
		if err := CheckVolumeName(name); !errors.As(err, &cfgErr) {
			t.Errorf("Expected ConfigurationError for %q, got %v", name, err)
		}
	}
}

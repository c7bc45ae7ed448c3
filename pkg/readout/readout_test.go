package readout

import (
	"errors"
	"math"
	"testing"

	"gatedigitizer/internal/models"
	"gatedigitizer/pkg/adder"
	"gatedigitizer/pkg/volume"
)

// buildGeometry creates world > head (z=50) > crystal with 3 copies along x
func buildGeometry(t *testing.T) *volume.Resolver {
	r := volume.NewResolver("world")
	if err := r.AddVolume("head", "world", volume.Translate(0, 0, 50), models.Vec3{X: 10, Y: 10, Z: 2}); err != nil {
		t.Fatalf("Failed to add head: %v", err)
	}
	if err := r.AddVolume("crystal", "head", volume.Identity(), models.Vec3{X: 1, Y: 10, Z: 2}); err != nil {
		t.Fatalf("Failed to add crystal: %v", err)
	}
	if err := r.AddRepeater("crystal", []models.Vec3{{X: -2}, {X: 0}, {X: 2}}); err != nil {
		t.Fatalf("Failed to add repeater: %v", err)
	}
	r.Freeze()
	return r
}

func crystal(copy int) models.VolumeID {
	return models.VolumeID{{Name: "crystal", Copy: copy}, {Name: "head"}, {Name: "world"}}
}

// TestDiscretizeSnapsToCenter verifies only the position changes
func TestDiscretizeSnapsToCenter(t *testing.T) {
	r := buildGeometry(t)
	d, err := NewDiscretizer("Readout", "crystal", r)
	if err != nil {
		t.Fatalf("Failed to create discretizer: %v", err)
	}

	in := models.Single{
		EventID:    3,
		Volume:     crystal(2),
		Position:   models.Vec3{X: 2.7, Y: -3, Z: 51},
		Energy:     0.14,
		GlobalTime: 12,
		Weight:     1,
	}
	out, err := d.Discretize(in)
	if err != nil {
		t.Fatalf("Discretize failed: %v", err)
	}
	want := models.Vec3{X: 2, Y: 0, Z: 50}
	if math.Abs(out.Position.X-want.X) > 1e-9 || math.Abs(out.Position.Y-want.Y) > 1e-9 || math.Abs(out.Position.Z-want.Z) > 1e-9 {
		t.Errorf("Expected center %v, got %v", want, out.Position)
	}
	if out.EventID != in.EventID || out.Energy != in.Energy || out.GlobalTime != in.GlobalTime || !out.Volume.Equal(in.Volume) {
		t.Errorf("Fields other than the position must pass through unchanged")
	}
}

// TestDiscretizeAtDepth verifies the depth-only configuration
func TestDiscretizeAtDepth(t *testing.T) {
	r := buildGeometry(t)
	d, err := NewDiscretizerAtDepth("Readout", 1, r)
	if err != nil {
		t.Fatalf("Failed to create discretizer: %v", err)
	}
	out, err := d.Discretize(models.Single{Volume: crystal(0), Position: models.Vec3{X: -2, Z: 49}})
	if err != nil {
		t.Fatalf("Discretize failed: %v", err)
	}
	if out.Position != (models.Vec3{Z: 50}) {
		t.Errorf("Expected the head center, got %v", out.Position)
	}

	// a chain too short for the depth is a geometry inconsistency
	d2, err := NewDiscretizerAtDepth("Readout", 2, r)
	if err != nil {
		t.Fatalf("Failed to create discretizer: %v", err)
	}
	var unknown *models.UnknownVolumeError
	if _, err := d2.Discretize(models.Single{Volume: models.VolumeID{{Name: "head"}, {Name: "world"}}}); !errors.As(err, &unknown) {
		t.Errorf("Expected UnknownVolumeError, got %v", err)
	}
}

// TestReadoutRequiresVolume verifies the start-of-run validation
func TestReadoutRequiresVolume(t *testing.T) {
	r := buildGeometry(t)
	sink := adder.SingleSinkFunc(func(models.Single) error { return nil })

	var cfgErr *models.ConfigurationError
	if _, err := New(Config{Name: "Readout"}, r, sink, nil); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError without discretize_volume, got %v", err)
	} else if cfgErr.Param != "discretize_volume" {
		t.Errorf("Expected the parameter name in the error, got %q", cfgErr.Param)
	}

	var unknown *models.UnknownVolumeError
	if _, err := New(Config{DiscretizeVolume: "pixel"}, r, sink, nil); !errors.As(err, &unknown) {
		t.Errorf("Expected UnknownVolumeError for an unknown volume, got %v", err)
	}
}

// TestReadoutGroupsAndDiscretizes verifies the combined stage
func TestReadoutGroupsAndDiscretizes(t *testing.T) {
	r := buildGeometry(t)
	var out []models.Single
	ro, err := New(Config{
		DiscretizeVolume: "crystal",
		GroupVolume:      "head",
		Policy:           adder.EnergyWinnerPosition,
		NumberOfHits:     true,
	}, r, adder.SingleSinkFunc(func(s models.Single) error {
		out = append(out, s)
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("Failed to create readout: %v", err)
	}

	in := []models.HitRecord{
		{EventID: 1, Volume: crystal(0), EnergyDeposit: 0.02, PostPosition: models.Vec3{X: -2.3, Z: 50}},
		{EventID: 1, Volume: crystal(1), EnergyDeposit: 0.10, PostPosition: models.Vec3{X: 0.4, Z: 50}},
		{EventID: 2, Volume: crystal(2), EnergyDeposit: 0.05, PostPosition: models.Vec3{X: 1.6, Z: 50}},
	}
	for _, h := range in {
		if err := ro.Add(h); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := ro.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if len(out) != 2 {
		t.Fatalf("Expected 2 singles, got %d", len(out))
	}
	if out[0].NumberOfHits != 2 || math.Abs(out[0].Energy-0.12) > 1e-12 {
		t.Errorf("Unexpected first single %+v", out[0])
	}
	if math.Abs(out[0].Position.X) > 1e-9 {
		t.Errorf("Expected the winner crystal center x=0, got %g", out[0].Position.X)
	}
	if math.Abs(out[1].Position.X-2) > 1e-9 {
		t.Errorf("Expected crystal center x=2, got %g", out[1].Position.X)
	}
}

// TestReadoutTimeWindowAndZeroEnergy verifies the grouping options reach the inner adder
func TestReadoutTimeWindowAndZeroEnergy(t *testing.T) {
	r := buildGeometry(t)
	var out []models.Single
	ro, err := New(Config{
		DiscretizeVolume: "crystal",
		TimeWindow:       5,
	}, r, adder.SingleSinkFunc(func(s models.Single) error {
		out = append(out, s)
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("Failed to create readout: %v", err)
	}

	in := []models.HitRecord{
		{EventID: 1, Volume: crystal(1), EnergyDeposit: 0.05, GlobalTime: 0},
		{EventID: 1, Volume: crystal(1), EnergyDeposit: 0.05, GlobalTime: 3},
		{EventID: 1, Volume: crystal(1), EnergyDeposit: 0.05, GlobalTime: 9},
		{EventID: 2, Volume: crystal(0), EnergyDeposit: 0, GlobalTime: 20},
	}
	for _, h := range in {
		if err := ro.Add(h); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := ro.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if len(out) != 3 {
		t.Fatalf("Expected the time window to split event 1 into 2 singles, got %d singles", len(out))
	}
	if math.Abs(out[0].Energy-0.10) > 1e-12 || math.Abs(out[1].Energy-0.05) > 1e-12 {
		t.Errorf("Unexpected energies %g and %g", out[0].Energy, out[1].Energy)
	}
	if got := ro.ZeroEnergyGroups(); got != 1 {
		t.Errorf("Expected 1 zero-energy group, got %d", got)
	}

	var cfgErr *models.ConfigurationError
	if _, err := New(Config{DiscretizeVolume: "crystal", TimeWindow: -1}, r, adder.SingleSinkFunc(func(models.Single) error { return nil }), nil); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError for a negative time window, got %v", err)
	}
}

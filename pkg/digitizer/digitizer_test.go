package digitizer

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gatedigitizer/internal/models"
	"gatedigitizer/pkg/config"
	"gatedigitizer/pkg/hits"
	"gatedigitizer/pkg/imageio"
	"gatedigitizer/pkg/singles"
)

// crystal copy offsets along x inside the head
var crystalX = []float64{-2, 0, 2}

func testConfig(t *testing.T, workers int) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Processing.NumWorkers = workers
	cfg.Processing.BatchSize = 16
	cfg.Geometry.Volumes = []config.VolumeConfig{
		{Name: "head", Mother: "world", Translation: [3]float64{0, 0, 50}, HalfSize: [3]float64{10, 10, 5}},
		{Name: "crystal", Mother: "head", HalfSize: [3]float64{1, 1, 1}, RepeatOffsets: [][3]float64{{-2, 0, 0}, {0, 0, 0}, {2, 0, 0}}},
	}
	cfg.Geometry.Sensitive = []config.SensitiveConfig{{Name: "crystal"}}
	cfg.Adder.GroupByVolume = "head"
	cfg.Projection.Size = [2]int{8, 8}
	cfg.Projection.Spacing = [2]float64{1, 1}
	// pixel centers on integer coordinates, so crystal centers are never on a pixel edge
	cfg.Projection.Origin = []float64{-4, -4}
	cfg.Output.Directory = t.TempDir()
	return cfg
}

// generateEvents creates nEvents events of two crystal hits and one hit in
// the non-sensitive head. Even events sum to a peak energy, odd ones to a
// scatter energy.
func generateEvents(nEvents int) []models.HitRecord {
	var out []models.HitRecord
	for e := 0; e < nEvents; e++ {
		c := e % 3
		pos := models.Vec3{X: crystalX[c], Y: 0, Z: 50}
		energy := 0.07
		if e%2 == 1 {
			energy = 0.06
		}
		for i := 0; i < 2; i++ {
			out = append(out, models.HitRecord{
				EventID:       int64(e),
				Volume:        models.VolumeID{{Name: "crystal", Copy: c}},
				PostPosition:  pos,
				EnergyDeposit: energy,
				GlobalTime:    float64(e) + float64(i)*0.1,
			})
		}
		out = append(out, models.HitRecord{
			EventID:       int64(e),
			Volume:        models.VolumeID{{Name: "head"}},
			PostPosition:  models.Vec3{X: 5, Y: 5, Z: 50},
			EnergyDeposit: 0.5,
			GlobalTime:    float64(e),
		})
	}
	return out
}

func nearVec(a, b models.Vec3) bool {
	const tol = 1e-9
	return math.Abs(a.X-b.X) < tol && math.Abs(a.Y-b.Y) < tol && math.Abs(a.Z-b.Z) < tol
}

func run(t *testing.T, cfg *config.Config, in []models.HitRecord) *Result {
	t.Helper()
	p, err := NewPipeline(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	res, err := p.Run(context.Background(), hits.NewSliceSource(in, cfg.Processing.BatchSize))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return res
}

// TestParseChain verifies stage ordering rules
func TestParseChain(t *testing.T) {
	valid := [][]string{
		{"HitsCollection", "Adder"},
		{"hitscollection", "adder", "blurring", "energywindow", "projection"},
		{"HitsCollection", "Readout", "Projection"},
	}
	for _, names := range valid {
		if _, err := ParseChain(names); err != nil {
			t.Errorf("Expected %v to be valid, got %v", names, err)
		}
	}

	invalid := [][]string{
		nil,
		{"Adder", "HitsCollection"},
		{"HitsCollection"},
		{"HitsCollection", "Adder", "Readout"},
		{"HitsCollection", "Adder", "Projection", "EnergyWindow"},
		{"HitsCollection", "Adder", "EnergyWindow", "Blurring"},
		{"HitsCollection", "Adder", "Adder"},
		{"HitsCollection", "Adder", "Coincidence"},
	}
	var cfgErr *models.ConfigurationError
	for _, names := range invalid {
		if _, err := ParseChain(names); !errors.As(err, &cfgErr) {
			t.Errorf("Expected ConfigurationError for %v, got %v", names, err)
		}
	}

	if KindEnergyWindow.String() != "EnergyWindow" || Kind(42).String() != "Kind(42)" {
		t.Errorf("Unexpected kind names")
	}
}

// TestRunEndToEnd verifies singles, routing and projection of a full chain
func TestRunEndToEnd(t *testing.T) {
	const nEvents = 30
	in := generateEvents(nEvents)
	res := run(t, testConfig(t, 1), in)

	if res.Stats.HitsRead != int64(len(in)) || res.Stats.HitsKept != 2*nEvents {
		t.Errorf("Expected %d hits read and %d kept, got %d and %d", len(in), 2*nEvents, res.Stats.HitsRead, res.Stats.HitsKept)
	}
	if res.Stats.Events != nEvents {
		t.Errorf("Expected %d events, got %d", nEvents, res.Stats.Events)
	}
	if len(res.Singles["peak"]) != nEvents/2 || len(res.Singles["scatter"]) != nEvents/2 {
		t.Fatalf("Expected %d singles per channel, got %d peak and %d scatter",
			nEvents/2, len(res.Singles["peak"]), len(res.Singles["scatter"]))
	}
	for _, s := range res.Singles["peak"] {
		if s.EventID%2 != 0 {
			t.Errorf("Event %d routed to the wrong channel", s.EventID)
		}
		want := models.Vec3{X: crystalX[s.EventID%3], Y: 0, Z: 50}
		if !nearVec(s.Position, want) {
			t.Errorf("Event %d: expected position %v, got %v", s.EventID, want, s.Position)
		}
		if math.Abs(s.Energy-0.14) > 1e-12 {
			t.Errorf("Event %d: expected energy 0.14, got %g", s.EventID, s.Energy)
		}
	}

	img := res.Projection
	if img == nil {
		t.Fatal("Expected a projection image")
	}
	if img.Size != [3]int{8, 8, 2} {
		t.Fatalf("Unexpected image size %v", img.Size)
	}
	// slice 0 is scatter, slice 1 is peak; every crystal gets 5 singles
	for k := 0; k < 2; k++ {
		if got := img.SliceSum(k); got != nEvents/2 {
			t.Errorf("Slice %d: expected total %d, got %g", k, nEvents/2, got)
		}
		for _, i := range []int{2, 4, 6} {
			if v := img.At(i, 4, k); v != 5 {
				t.Errorf("Slice %d pixel (%d, 4): expected 5, got %g", k, i, v)
			}
		}
	}
	if len(res.Slices) != 2 || res.Slices[1].Collection != "peak" || res.Slices[1].Accepted != nEvents/2 {
		t.Errorf("Unexpected slice info %+v", res.Slices)
	}
}

// TestWorkersGiveSameResult verifies the output does not depend on the
// number of workers
func TestWorkersGiveSameResult(t *testing.T) {
	in := generateEvents(101)
	ref := run(t, testConfig(t, 1), in)
	for _, n := range []int{2, 4, 7} {
		res := run(t, testConfig(t, n), in)
		for _, ch := range ref.Channels {
			a, b := ref.Singles[ch], res.Singles[ch]
			if len(a) != len(b) {
				t.Fatalf("%d workers, %s: expected %d singles, got %d", n, ch, len(a), len(b))
			}
			for i := range a {
				if a[i].EventID != b[i].EventID || a[i].Energy != b[i].Energy || a[i].Position != b[i].Position {
					t.Errorf("%d workers, %s row %d: expected %+v, got %+v", n, ch, i, a[i], b[i])
				}
			}
		}
		for i := range ref.Projection.Data {
			if ref.Projection.Data[i] != res.Projection.Data[i] {
				t.Fatalf("%d workers: projections differ at voxel %d", n, i)
			}
		}
		if res.Stats.Workers != n || res.Stats.Events != 101 {
			t.Errorf("%d workers: unexpected stats %+v", n, res.Stats)
		}
	}
}

// TestInterleavedEventsGiveSameResult verifies an event whose hits are
// interleaved with another event is not regrouped when the events land on
// different workers
func TestInterleavedEventsGiveSameResult(t *testing.T) {
	hit := func(event int64, tm float64) models.HitRecord {
		return models.HitRecord{
			EventID:       event,
			Volume:        models.VolumeID{{Name: "crystal", Copy: 1}},
			PostPosition:  models.Vec3{Z: 50},
			EnergyDeposit: 0.07,
			GlobalTime:    tm,
		}
	}
	in := []models.HitRecord{hit(0, 0), hit(1, 1), hit(0, 2), hit(2, 3), hit(2, 4), hit(1, 5)}

	for _, n := range []int{1, 2, 3} {
		for _, clearEvery := range []int{1, 10} {
			cfg := testConfig(t, n)
			cfg.Stages = []string{"HitsCollection", "Adder"}
			cfg.HitsCollection.ClearEvery = clearEvery
			res := run(t, cfg, in)

			got := res.Singles[res.Channels[0]]
			want := []struct {
				event  int64
				energy float64
			}{{0, 0.07}, {0, 0.07}, {1, 0.07}, {1, 0.07}, {2, 0.14}}
			if len(got) != len(want) {
				t.Fatalf("%d workers, clear_every %d: expected %d singles, got %d", n, clearEvery, len(want), len(got))
			}
			for i, w := range want {
				if got[i].EventID != w.event || math.Abs(got[i].Energy-w.energy) > 1e-12 {
					t.Errorf("%d workers, clear_every %d, row %d: expected event %d energy %g, got %d %g",
						n, clearEvery, i, w.event, w.energy, got[i].EventID, got[i].Energy)
				}
			}
		}
	}
}

// TestRunBoundaries verifies singles land in the slice of their run
func TestRunBoundaries(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.Processing.RunBoundaries = []float64{0, 100}
	in := generateEvents(20)
	for i := range in {
		if in[i].EventID >= 10 {
			in[i].GlobalTime += 150
		}
	}
	res := run(t, cfg, in)
	if res.Projection.Size[2] != 4 {
		t.Fatalf("Expected 4 slices, got %d", res.Projection.Size[2])
	}
	// slice = collection + run * 2, five singles each
	for k := 0; k < 4; k++ {
		if got := res.Projection.SliceSum(k); got != 5 {
			t.Errorf("Slice %d: expected 5, got %g", k, got)
		}
	}
	if math.Abs(res.Stats.EnergyMean["peak"]-0.14) > 1e-9 || res.Stats.EnergyStd["peak"] > 1e-9 {
		t.Errorf("Unexpected peak spectrum %g +/- %g", res.Stats.EnergyMean["peak"], res.Stats.EnergyStd["peak"])
	}
	if res.Slices[3].Collection != "peak" || res.Slices[3].Run != 1 {
		t.Errorf("Unexpected slice 3 info %+v", res.Slices[3])
	}
}

// TestRunAbortsOnInvalidRecord verifies a bad deposit stops the run
func TestRunAbortsOnInvalidRecord(t *testing.T) {
	cfg := testConfig(t, 3)
	in := generateEvents(50)
	in[3*17].EnergyDeposit = math.NaN()

	p, err := NewPipeline(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	_, err = p.Run(context.Background(), hits.NewSliceSource(in, 8))
	var rec *models.InvalidRecordError
	if !errors.As(err, &rec) {
		t.Fatalf("Expected InvalidRecordError, got %v", err)
	}
	if rec.EventID != 17 {
		t.Errorf("Expected event 17 in the error, got %d", rec.EventID)
	}
}

// TestRunUnknownVolume verifies hits outside the geometry table abort the run
func TestRunUnknownVolume(t *testing.T) {
	in := generateEvents(4)
	in[1].Volume = models.VolumeID{{Name: "ghost"}}
	p, err := NewPipeline(testConfig(t, 1), nil, nil)
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	_, err = p.Run(context.Background(), hits.NewSliceSource(in, 8))
	var unk *models.UnknownVolumeError
	if !errors.As(err, &unk) || unk.Name != "ghost" {
		t.Errorf("Expected UnknownVolumeError for ghost, got %v", err)
	}
}

// TestRunCancelled verifies a cancelled context stops the run
func TestRunCancelled(t *testing.T) {
	p, err := NewPipeline(testConfig(t, 2), nil, nil)
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Run(ctx, hits.NewSliceSource(generateEvents(10), 4)); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// TestNewPipelineErrors verifies start-of-run checks against the geometry
func TestNewPipelineErrors(t *testing.T) {
	var cfgErr *models.ConfigurationError
	var unk *models.UnknownVolumeError

	cfg := testConfig(t, 1)
	cfg.Projection.InputCollections = []string{"peak", "photopeak"}
	if _, err := NewPipeline(cfg, nil, nil); !errors.As(err, &cfgErr) || cfgErr.Param != "input_collections" {
		t.Errorf("Expected ConfigurationError for an unproduced collection, got %v", err)
	}

	cfg = testConfig(t, 1)
	cfg.Adder.GroupByVolume = "gantry"
	if _, err := NewPipeline(cfg, nil, nil); !errors.As(err, &unk) {
		t.Errorf("Expected UnknownVolumeError for the grouping volume, got %v", err)
	}

	cfg = testConfig(t, 1)
	cfg.HitsCollection.AttachedVolumes = []string{"gantry"}
	if _, err := NewPipeline(cfg, nil, nil); !errors.As(err, &unk) {
		t.Errorf("Expected UnknownVolumeError for an attached volume, got %v", err)
	}

	cfg = testConfig(t, 1)
	cfg.Adder.Policy = "Median"
	if _, err := NewPipeline(cfg, nil, nil); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError for an unknown policy, got %v", err)
	}

	cfg = testConfig(t, 1)
	cfg.Stages = []string{"HitsCollection", "Adder", "Blurring"}
	cfg.Blurring.Efficiency = 1.5
	if _, err := NewPipeline(cfg, nil, nil); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError for the efficiency, got %v", err)
	}
}

// TestReadoutChain verifies singles are moved to the crystal centers
func TestReadoutChain(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.Stages = []string{"HitsCollection", "Readout", "Projection"}
	cfg.Readout.DiscretizeVolume = "crystal"
	cfg.Projection.InputCollections = []string{"Readout"}

	in := generateEvents(12)
	for i := range in {
		in[i].PostPosition.X += 0.3
		in[i].PostPosition.Y -= 0.2
	}
	res := run(t, cfg, in)
	if got := res.Channels; len(got) != 1 || got[0] != "Readout" {
		t.Fatalf("Unexpected channels %v", got)
	}
	out := res.Singles["Readout"]
	if len(out) != 12 {
		t.Fatalf("Expected 12 singles, got %d", len(out))
	}
	for i, s := range out {
		if s.EventID != int64(i) {
			t.Errorf("Expected event %d at row %d, got %d", i, i, s.EventID)
		}
		want := models.Vec3{X: crystalX[i%3], Y: 0, Z: 50}
		if s.Position != want {
			t.Errorf("Event %d: expected crystal center %v, got %v", i, want, s.Position)
		}
	}
	if got := res.Projection.SliceSum(0); got != 12 {
		t.Errorf("Expected 12 counts, got %g", got)
	}
}

// TestReadoutChainGrouping verifies the adder options and counters apply to a readout chain
func TestReadoutChainGrouping(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.Stages = []string{"HitsCollection", "Readout"}
	cfg.Readout.DiscretizeVolume = "crystal"
	cfg.Adder.TimeWindow = 5

	hit := func(event int64, e, tm float64) models.HitRecord {
		return models.HitRecord{
			EventID:       event,
			Volume:        models.VolumeID{{Name: "crystal", Copy: 1}},
			PostPosition:  models.Vec3{Z: 50},
			EnergyDeposit: e,
			GlobalTime:    tm,
		}
	}
	in := []models.HitRecord{hit(0, 0, 0), hit(0, 0, 1), hit(1, 0.07, 10), hit(1, 0.07, 20)}
	res := run(t, cfg, in)

	if got := len(res.Singles["Readout"]); got != 3 {
		t.Errorf("Expected the time window to split event 1, got %d singles", got)
	}
	if res.Stats.ZeroEnergyGroups != 1 {
		t.Errorf("Expected 1 zero-energy group, got %d", res.Stats.ZeroEnergyGroups)
	}
}

// TestBlurringEfficiency verifies singles are lost at the configured rate
func TestBlurringEfficiency(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping statistical test in short mode")
	}
	cfg := testConfig(t, 2)
	cfg.Stages = []string{"HitsCollection", "Adder", "Blurring"}
	cfg.Blurring.Efficiency = 0.5

	const nEvents = 4000
	res := run(t, cfg, generateEvents(nEvents))
	kept := len(res.Singles["Blurring"])
	if kept+int(res.Stats.Dropped) != nEvents {
		t.Errorf("Expected kept + dropped = %d, got %d + %d", nEvents, kept, res.Stats.Dropped)
	}
	// 6 sigma of a binomial(4000, 0.5)
	if math.Abs(float64(kept)-nEvents/2) > 6*math.Sqrt(nEvents*0.25) {
		t.Errorf("Expected about %d singles, got %d", nEvents/2, kept)
	}
	if res.Projection != nil {
		t.Errorf("Expected no projection without a projection stage")
	}
}

// TestUnitsAreConverted verifies keV and cm inputs
func TestUnitsAreConverted(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Units = config.Units{Energy: "keV", Length: "cm", Time: "ns"}
	cfg.Geometry.Volumes[0].Translation = [3]float64{0, 0, 5}
	cfg.Geometry.Volumes[0].HalfSize = [3]float64{1, 1, 0.5}
	cfg.Geometry.Volumes[1].HalfSize = [3]float64{0.1, 0.1, 0.1}
	cfg.Geometry.Volumes[1].RepeatOffsets = [][3]float64{{-0.2, 0, 0}, {0, 0, 0}, {0.2, 0, 0}}
	cfg.EnergyWindows.Channels = []models.Channel{{Name: "scatter", Min: 114, Max: 126}, {Name: "peak", Min: 126, Max: 154}}
	cfg.Projection.Spacing = [2]float64{0.1, 0.1}
	cfg.Projection.Origin = []float64{-0.4, -0.4}

	in := generateEvents(6)
	for i := range in {
		in[i].EnergyDeposit *= 1000
		in[i].PostPosition.X /= 10
		in[i].PostPosition.Y /= 10
		in[i].PostPosition.Z /= 10
	}
	res := run(t, cfg, in)
	if len(res.Singles["peak"]) != 3 || len(res.Singles["scatter"]) != 3 {
		t.Fatalf("Unexpected channel counts %v", res.Stats.Singles)
	}
	s := res.Singles["peak"][0]
	if math.Abs(s.Energy-0.14) > 1e-9 || math.Abs(s.Position.Z-50) > 1e-9 {
		t.Errorf("Expected 0.14 MeV at z = 50 mm, got %g at %v", s.Energy, s.Position)
	}
	if got := res.Projection.SliceSum(1); got != 3 {
		t.Errorf("Expected 3 peak counts, got %g", got)
	}
}

// TestSave verifies the projection, singles and preview files
func TestSave(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	cfg := testConfig(t, 2)
	cfg.Output.SavePreviews = true
	cfg.Output.Compress = true

	p, err := NewPipeline(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	res, err := p.Run(context.Background(), hits.NewSliceSource(generateEvents(30), 16))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := res.Save(cfg.Output, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	img, err := imageio.ReadMHD(filepath.Join(cfg.Output.Directory, cfg.Output.ProjectionFile))
	if err != nil {
		t.Fatalf("Failed to read projection: %v", err)
	}
	if img.Sum() != 30 {
		t.Errorf("Expected 30 counts in the saved projection, got %g", img.Sum())
	}

	rows, err := singles.ReadAll(filepath.Join(cfg.Output.Directory, cfg.Output.SinglesFile))
	if err != nil {
		t.Fatalf("Failed to read singles: %v", err)
	}
	if len(rows) != 30 {
		t.Fatalf("Expected 30 singles rows, got %d", len(rows))
	}
	// channels are written in configuration order
	if rows[0].Channel != "scatter" || rows[len(rows)-1].Channel != "peak" {
		t.Errorf("Unexpected channel order %s ... %s", rows[0].Channel, rows[len(rows)-1].Channel)
	}

	for k := 0; k < 2; k++ {
		name := filepath.Join(cfg.Output.Directory, "previews", "slice_00"+string(rune('0'+k))+".tif")
		if _, err := os.Stat(name); err != nil {
			t.Errorf("Expected preview %s: %v", name, err)
		}
	}
}

// TestBuildResolver verifies the geometry section
func TestBuildResolver(t *testing.T) {
	cfg := testConfig(t, 1)
	r, err := BuildResolver(cfg)
	if err != nil {
		t.Fatalf("BuildResolver failed: %v", err)
	}
	if !r.Frozen() || !r.IsSensitive("crystal") || r.IsSensitive("head") {
		t.Errorf("Unexpected resolver state")
	}
	c, err := r.Center(models.VolumeID{{Name: "crystal", Copy: 2}, {Name: "head"}, {Name: "world"}}, 2)
	if err != nil || c != (models.Vec3{X: 2, Y: 0, Z: 50}) {
		t.Errorf("Expected crystal 2 at (2, 0, 50), got %v, %v", c, err)
	}

	var cfgErr *models.ConfigurationError
	cfg = testConfig(t, 1)
	cfg.Geometry.Volumes[0].Rotation = []float64{1, 0, 0, 0, 1, 0, 0, 0, 2}
	if _, err := BuildResolver(cfg); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError for a bad rotation, got %v", err)
	}

	var unk *models.UnknownVolumeError
	cfg = testConfig(t, 1)
	cfg.Geometry.Volumes[0], cfg.Geometry.Volumes[1] = cfg.Geometry.Volumes[1], cfg.Geometry.Volumes[0]
	if _, err := BuildResolver(cfg); !errors.As(err, &unk) {
		t.Errorf("Expected UnknownVolumeError for a mother listed later, got %v", err)
	}

	cfg = testConfig(t, 1)
	cfg.Geometry.World = "lab/room"
	if _, err := BuildResolver(cfg); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError for a world name with a separator, got %v", err)
	}
}

// Package projection accumulates singles into 2D detector images, one slice
// per (input collection, timing run) pair.
package projection

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/r2"

	"gatedigitizer/internal/models"
	"gatedigitizer/pkg/imageio"
	"gatedigitizer/pkg/volume"
)

// Axis is the detector normal, which is collapsed by the projection
type Axis int

const (
	AxisZ Axis = iota
	AxisX
	AxisY
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	default:
		return "z"
	}
}

// ParseAxis converts "x", "y" or "z" into an Axis. The empty string is z.
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(s) {
	case "", "z":
		return AxisZ, nil
	case "x":
		return AxisX, nil
	case "y":
		return AxisY, nil
	}
	return 0, &models.ConfigurationError{Stage: "projection", Param: "normal_axis", Reason: fmt.Sprintf("unknown axis %q", s)}
}

// Config holds the projection parameters
type Config struct {
	Name string

	// Size and Spacing of the detector image in pixels and mm
	Size    [2]int
	Spacing [2]float64

	// Origin is the position of the first pixel center in the detector
	// frame. Nil centers the image on the frame origin.
	Origin *[2]float64

	// InputCollections name the singles streams, one slice per stream and run
	InputCollections []string

	// NumRuns is the number of timing runs, at least 1
	NumRuns int

	// Weighted accumulates Single.Weight instead of 1
	Weighted bool

	NormalAxis Axis

	// Frame is the world placement of the detector plane
	Frame volume.Transform
}

// Projection is a per-worker accumulator
type Projection struct {
	cfg         Config
	collections map[string]int
	bounds      r2.Rect
	img         *imageio.Image

	accepted []int64
	dropped  []int64
}

// New validates the configuration and allocates the image
func New(cfg Config) (*Projection, error) {
	if cfg.Name == "" {
		cfg.Name = "projection"
	}
	if len(cfg.InputCollections) == 0 {
		return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "input_collections", Reason: "no input collection"}
	}
	for i := 0; i < 2; i++ {
		if cfg.Size[i] <= 0 {
			return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "size", Reason: fmt.Sprintf("must be positive, got %v", cfg.Size)}
		}
		if cfg.Spacing[i] <= 0 || math.IsNaN(cfg.Spacing[i]) {
			return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "spacing", Reason: fmt.Sprintf("must be positive, got %v", cfg.Spacing)}
		}
	}
	if cfg.NumRuns == 0 {
		cfg.NumRuns = 1
	}
	if cfg.NumRuns < 0 {
		return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "num_runs", Reason: fmt.Sprintf("must be >= 1, got %d", cfg.NumRuns)}
	}
	if cfg.NormalAxis < AxisZ || cfg.NormalAxis > AxisY {
		return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "normal_axis", Reason: cfg.NormalAxis.String()}
	}

	collections := make(map[string]int, len(cfg.InputCollections))
	for i, c := range cfg.InputCollections {
		if _, dup := collections[c]; dup {
			return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "input_collections", Reason: fmt.Sprintf("duplicate collection %q", c)}
		}
		collections[c] = i
	}

	var origin [2]float64
	if cfg.Origin != nil {
		origin = *cfg.Origin
	} else {
		for i := 0; i < 2; i++ {
			origin[i] = -float64(cfg.Size[i])*cfg.Spacing[i]/2 + cfg.Spacing[i]/2
		}
	}

	slices := len(cfg.InputCollections) * cfg.NumRuns
	img, err := imageio.New(
		[3]int{cfg.Size[0], cfg.Size[1], slices},
		[3]float64{cfg.Spacing[0], cfg.Spacing[1], 1},
		[3]float64{origin[0], origin[1], 0},
	)
	if err != nil {
		return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "size", Reason: err.Error()}
	}

	lo := r2.Point{X: origin[0] - cfg.Spacing[0]/2, Y: origin[1] - cfg.Spacing[1]/2}
	hi := r2.Point{X: lo.X + float64(cfg.Size[0])*cfg.Spacing[0], Y: lo.Y + float64(cfg.Size[1])*cfg.Spacing[1]}

	return &Projection{
		cfg:         cfg,
		collections: collections,
		bounds:      r2.RectFromPoints(lo, hi),
		img:         img,
		accepted:    make([]int64, slices),
		dropped:     make([]int64, slices),
	}, nil
}

// NumSlices returns the number of image slices
func (p *Projection) NumSlices() int {
	return len(p.accepted)
}

// SliceIndex returns the slice of a (collection, run) pair:
// collection_index + run_index * num_collections
func (p *Projection) SliceIndex(collection string, run int) (int, error) {
	c, ok := p.collections[collection]
	if !ok {
		return 0, &models.ConfigurationError{Stage: p.cfg.Name, Param: "input_collections", Reason: fmt.Sprintf("collection %q is not an input", collection)}
	}
	if run < 0 || run >= p.cfg.NumRuns {
		return 0, &models.ConfigurationError{Stage: p.cfg.Name, Param: "num_runs", Reason: fmt.Sprintf("run %d out of [0, %d)", run, p.cfg.NumRuns)}
	}
	return c + run*len(p.cfg.InputCollections), nil
}

// project maps a world position onto the detector plane
func (p *Projection) project(pos models.Vec3) r2.Point {
	local := p.cfg.Frame.ToLocal(pos)
	switch p.cfg.NormalAxis {
	case AxisX:
		return r2.Point{X: local.Y, Y: local.Z}
	case AxisY:
		return r2.Point{X: local.X, Y: local.Z}
	default:
		return r2.Point{X: local.X, Y: local.Y}
	}
}

// Accumulate adds the single to the slice of (collection, run). It reports
// whether the single landed on the image; singles outside the detector
// extent are dropped without error.
func (p *Projection) Accumulate(collection string, run int, s models.Single) (bool, error) {
	slice, err := p.SliceIndex(collection, run)
	if err != nil {
		return false, err
	}

	pt := p.project(s.Position)
	if !p.bounds.ContainsPoint(pt) {
		p.dropped[slice]++
		return false, nil
	}
	i := int(math.Floor((pt.X - p.bounds.X.Lo) / p.cfg.Spacing[0]))
	j := int(math.Floor((pt.Y - p.bounds.Y.Lo) / p.cfg.Spacing[1]))
	// the rectangle is closed, the last pixel edge is not
	if i < 0 || j < 0 || i >= p.cfg.Size[0] || j >= p.cfg.Size[1] {
		p.dropped[slice]++
		return false, nil
	}

	w := 1.0
	if p.cfg.Weighted {
		w = s.Weight
	}
	p.img.Data[p.img.Index(i, j, slice)] += w
	p.accepted[slice]++
	return true, nil
}

// Total returns the accumulated count or weight of a slice
func (p *Projection) Total(slice int) float64 {
	return p.img.SliceSum(slice)
}

// Counts returns the number of accepted and dropped singles of a slice
func (p *Projection) Counts(slice int) (accepted, dropped int64) {
	return p.accepted[slice], p.dropped[slice]
}

// Merge adds the image of another worker's projection into p
func (p *Projection) Merge(o *Projection) error {
	if !p.img.SameGeometry(o.img) {
		return fmt.Errorf("%s: cannot merge projections with different geometry", p.cfg.Name)
	}
	if err := p.img.AddImage(o.img); err != nil {
		return fmt.Errorf("%s: failed to merge projections: %w", p.cfg.Name, err)
	}
	for i := range p.accepted {
		p.accepted[i] += o.accepted[i]
		p.dropped[i] += o.dropped[i]
	}
	return nil
}

// Finalize returns the image with the slice axis spacing and origin reset
// to (1, 0). It leaves the accumulator untouched, so calling it twice gives
// identical images.
func (p *Projection) Finalize() *imageio.Image {
	img := p.img.Clone()
	img.Spacing[2] = 1
	img.Origin[2] = 0
	return img
}

// Package readout emulates detectors with coarse discrete read-out: the
// position of a single is replaced by the geometric center of the detector
// unit (crystal, pixel) that contains it.
package readout

import (
	"fmt"

	"gatedigitizer/internal/models"
	"gatedigitizer/pkg/adder"
	"gatedigitizer/pkg/logging"
	"gatedigitizer/pkg/volume"
)

// Discretizer snaps positions to the center of the volume instance found at
// a fixed depth of the single's volume chain.
type Discretizer struct {
	name   string
	volume string
	depth  int
	lookup volume.Lookup
}

// NewDiscretizer discretizes at the depth of the named volume
func NewDiscretizer(name, volumeName string, lookup volume.Lookup) (*Discretizer, error) {
	if volumeName == "" {
		return nil, &models.ConfigurationError{Stage: name, Param: "discretize_volume", Reason: "not set"}
	}
	if lookup == nil {
		return nil, &models.ConfigurationError{Stage: name, Param: "geometry", Reason: "no geometry lookup"}
	}
	depth, err := lookup.DepthOf(volumeName)
	if err != nil {
		return nil, err
	}
	return &Discretizer{name: name, volume: volumeName, depth: depth, lookup: lookup}, nil
}

// NewDiscretizerAtDepth discretizes at a fixed depth, whatever volume sits there
func NewDiscretizerAtDepth(name string, depth int, lookup volume.Lookup) (*Discretizer, error) {
	if depth < 0 {
		return nil, &models.ConfigurationError{Stage: name, Param: "discretize_depth", Reason: fmt.Sprintf("must be >= 0, got %d", depth)}
	}
	if lookup == nil {
		return nil, &models.ConfigurationError{Stage: name, Param: "geometry", Reason: "no geometry lookup"}
	}
	return &Discretizer{name: name, depth: depth, lookup: lookup}, nil
}

// Depth returns the discretization depth
func (d *Discretizer) Depth() int {
	return d.depth
}

// Discretize returns a copy of s positioned at the center of its detector unit
func (d *Discretizer) Discretize(s models.Single) (models.Single, error) {
	l, ok := s.Volume.At(d.depth)
	if !ok || (d.volume != "" && l.Name != d.volume) {
		want := d.volume
		if want == "" {
			want = fmt.Sprintf("<depth %d>", d.depth)
		}
		return s, &models.UnknownVolumeError{Name: want, Path: s.Volume.Key()}
	}
	c, err := d.lookup.Center(s.Volume, d.depth)
	if err != nil {
		return s, fmt.Errorf("%s: failed to locate detector unit of event %d: %w", d.name, s.EventID, err)
	}
	s.Position = c
	return s, nil
}

// Config holds the readout parameters
type Config struct {
	Name string

	// DiscretizeVolume is the detector unit whose center replaces positions
	DiscretizeVolume string

	// GroupVolume is the volume hits are summed in. Defaults to
	// DiscretizeVolume.
	GroupVolume string

	Policy         adder.Policy
	TimePolicy     adder.TimePolicy
	PositionMode   models.PositionMode
	TimeDifference bool
	NumberOfHits   bool

	// TimeWindow splits a group whose hits span more than the window, 0 disables
	TimeWindow float64
}

// Readout groups hits like the adder and discretizes each resulting single
type Readout struct {
	adder *adder.Adder
	disc  *Discretizer
}

// New creates a readout forwarding discretized singles to sink
func New(cfg Config, lookup volume.Lookup, sink adder.SingleSink, log logging.Logger) (*Readout, error) {
	if cfg.Name == "" {
		cfg.Name = "readout"
	}
	disc, err := NewDiscretizer(cfg.Name, cfg.DiscretizeVolume, lookup)
	if err != nil {
		return nil, err
	}

	groupDepth := disc.Depth()
	if cfg.GroupVolume != "" {
		if groupDepth, err = lookup.DepthOf(cfg.GroupVolume); err != nil {
			return nil, err
		}
	}
	if sink == nil {
		return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "output", Reason: "no downstream stage"}
	}

	r := &Readout{disc: disc}
	r.adder, err = adder.New(adder.Config{
		Name:           cfg.Name,
		GroupByDepth:   groupDepth,
		Policy:         cfg.Policy,
		TimePolicy:     cfg.TimePolicy,
		PositionMode:   cfg.PositionMode,
		TimeDifference: cfg.TimeDifference,
		NumberOfHits:   cfg.NumberOfHits,
		TimeWindow:     cfg.TimeWindow,
	}, adder.SingleSinkFunc(func(s models.Single) error {
		d, err := disc.Discretize(s)
		if err != nil {
			return err
		}
		return sink.Emit(d)
	}), log)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Add folds one hit into the readout
func (r *Readout) Add(h models.HitRecord) error {
	return r.adder.Add(h)
}

// Flush emits the last open group
func (r *Readout) Flush() error {
	return r.adder.Flush()
}

// Emitted returns the number of singles produced so far
func (r *Readout) Emitted() int64 {
	return r.adder.Emitted()
}

// ZeroEnergyGroups returns how many groups fell back to the unweighted centroid
func (r *Readout) ZeroEnergyGroups() int64 {
	return r.adder.ZeroEnergyGroups()
}

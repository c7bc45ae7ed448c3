package models

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Vec3 is a point or displacement in 3D space, in millimetres.
type Vec3 = r3.Vec

// PositionMode selects which step point of a hit is used as its position
type PositionMode int

const (
	// PostStep uses the post-step point (the default used by the adder)
	PostStep PositionMode = iota

	// PreStep uses the pre-step point
	PreStep

	// MiddleStep uses the midpoint between pre and post step points
	MiddleStep
)

// ParsePositionMode converts "post", "pre" or "middle" into a PositionMode.
// Empty means PostStep.
func ParsePositionMode(s string) (PositionMode, error) {
	switch strings.ToLower(s) {
	case "", "post", "poststep":
		return PostStep, nil
	case "pre", "prestep":
		return PreStep, nil
	case "middle", "middlestep":
		return MiddleStep, nil
	}
	return 0, &ConfigurationError{Stage: "hits", Param: "position", Reason: fmt.Sprintf("unknown position mode %q", s)}
}

// HitRecord represents one simulation step's energy deposit as emitted
// by the transport engine. Records are never mutated once created.
type HitRecord struct {
	// EventID groups hits belonging to the same primary particle history
	EventID int64

	// TrackID and ParentID identify the particle track, carried opaquely
	TrackID  int64
	ParentID int64

	// ParticleName is the name of the particle that made the step
	ParticleName string

	// Volume is the resolved identity of the physical volume instance
	Volume VolumeID

	// PrePosition and PostPosition are the step end points
	PrePosition  Vec3
	PostPosition Vec3

	// EnergyDeposit is the deposited energy in MeV
	EnergyDeposit float64

	// KineticEnergy is the kinetic energy at the pre-step point in MeV
	KineticEnergy float64

	// GlobalTime is the time since the start of the event in ns
	GlobalTime float64
}

// Position returns the hit position according to the requested mode
func (h *HitRecord) Position(mode PositionMode) Vec3 {
	switch mode {
	case PreStep:
		return h.PrePosition
	case MiddleStep:
		return r3.Scale(0.5, r3.Add(h.PrePosition, h.PostPosition))
	default:
		return h.PostPosition
	}
}

// CheckEnergy verifies that the deposited energy is finite and non-negative.
func (h *HitRecord) CheckEnergy(stage string) error {
	e := h.EnergyDeposit
	if math.IsNaN(e) || math.IsInf(e, 0) || e < 0 {
		return &InvalidRecordError{
			Stage:   stage,
			EventID: h.EventID,
			Volume:  h.Volume.String(),
			Field:   "EnergyDeposit",
			Value:   e,
		}
	}
	return nil
}

// Single represents a detector-level event aggregated from a group of hits
type Single struct {
	// EventID of the contributing hits
	EventID int64

	// Volume is the full volume chain of the highest-energy contributing hit.
	// Truncated to the grouping depth it identifies the detector unit.
	Volume VolumeID

	// Position is the aggregated position (policy-dependent)
	Position Vec3

	// Energy is the sum of all contributing energy deposits
	Energy float64

	// GlobalTime is the policy-dependent time of the single
	GlobalTime float64

	// TimeDifference is the maximal time span among contributing hits.
	// Only meaningful when HasTimeDifference is set.
	TimeDifference    float64
	HasTimeDifference bool

	// NumberOfHits is the size of the contributing group.
	// Only meaningful when HasNumberOfHits is set.
	NumberOfHits    int
	HasNumberOfHits bool

	// Weight is the statistical weight used by weighted projections
	Weight float64
}

// Channel is an energy window: a named half-open interval [Min, Max)
type Channel struct {
	Name string  `yaml:"name" toml:"name"`
	Min  float64 `yaml:"min" toml:"min"`
	Max  float64 `yaml:"max" toml:"max"`
}

// Contains reports whether energy e falls in the window
func (c Channel) Contains(e float64) bool {
	return e >= c.Min && e < c.Max
}

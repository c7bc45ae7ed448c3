package config

import (
	"fmt"

	"gatedigitizer/internal/models"
)

// Units is the unit table of a run. Internally every stage works in MeV, mm
// and ns; values read from the configuration and the hit input are scaled
// by the factors of this table.
type Units struct {
	Energy string `yaml:"energy" toml:"energy"`
	Length string `yaml:"length" toml:"length"`
	Time   string `yaml:"time" toml:"time"`
}

// Scale holds the multiplicative factors to the internal units
type Scale struct {
	Energy float64
	Length float64
	Time   float64
}

// Identity reports whether no conversion is needed
func (s Scale) Identity() bool {
	return s.Energy == 1 && s.Length == 1 && s.Time == 1
}

var (
	energyUnits = map[string]float64{"eV": 1e-6, "keV": 1e-3, "MeV": 1, "GeV": 1e3}
	lengthUnits = map[string]float64{"um": 1e-3, "mm": 1, "cm": 10, "m": 1e3}
	timeUnits   = map[string]float64{"ps": 1e-3, "ns": 1, "us": 1e3, "ms": 1e6, "s": 1e9}
)

// DefaultUnits returns the internal units
func DefaultUnits() Units {
	return Units{Energy: "MeV", Length: "mm", Time: "ns"}
}

func lookup(table map[string]float64, name, param string) (float64, error) {
	if name == "" {
		return 1, nil
	}
	f, ok := table[name]
	if !ok {
		return 0, &models.ConfigurationError{Stage: "units", Param: param, Reason: fmt.Sprintf("unknown unit %q", name)}
	}
	return f, nil
}

// Factors returns the conversion to MeV, mm and ns
func (u Units) Factors() (Scale, error) {
	var s Scale
	var err error
	if s.Energy, err = lookup(energyUnits, u.Energy, "energy"); err != nil {
		return s, err
	}
	if s.Length, err = lookup(lengthUnits, u.Length, "length"); err != nil {
		return s, err
	}
	if s.Time, err = lookup(timeUnits, u.Time, "time"); err != nil {
		return s, err
	}
	return s, nil
}

// Hit converts a hit read in these units to the internal units
func (s Scale) Hit(h models.HitRecord) models.HitRecord {
	if s.Identity() {
		return h
	}
	h.PrePosition.X *= s.Length
	h.PrePosition.Y *= s.Length
	h.PrePosition.Z *= s.Length
	h.PostPosition.X *= s.Length
	h.PostPosition.Y *= s.Length
	h.PostPosition.Z *= s.Length
	h.EnergyDeposit *= s.Energy
	h.KineticEnergy *= s.Energy
	h.GlobalTime *= s.Time
	return h
}

// Package blurring applies detector resolution effects to singles: Gaussian
// smearing of the energy and of the time, and a detection efficiency.
package blurring

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"gatedigitizer/internal/models"
	"gatedigitizer/pkg/adder"
)

// fwhmToSigma converts a full width at half maximum to a standard deviation
var fwhmToSigma = 1 / (2 * math.Sqrt(2*math.Ln2))

// Method selects how the energy resolution depends on the energy
type Method int

const (
	// Gaussian uses a constant absolute FWHM
	Gaussian Method = iota

	// InverseSquare scales the resolution as sqrt(E0/E)
	InverseSquare

	// Linear varies the resolution linearly around E0
	Linear
)

// ParseMethod converts a configuration name into a Method
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "", "gaussian":
		return Gaussian, nil
	case "inversesquare":
		return InverseSquare, nil
	case "linear":
		return Linear, nil
	}
	return 0, &models.ConfigurationError{Stage: "blurring", Param: "method", Reason: fmt.Sprintf("unknown method %q", s)}
}

// EnergyConfig describes the energy resolution
type EnergyConfig struct {
	Method Method

	// FWHM is the absolute width in MeV used by the Gaussian method
	FWHM float64

	// Resolution is the relative FWHM at ReferenceEnergy
	Resolution      float64
	ReferenceEnergy float64

	// Slope is the change of resolution per MeV for the Linear method
	Slope float64
}

// sigma returns the standard deviation of the smearing at energy e
func (c *EnergyConfig) sigma(e float64) float64 {
	switch c.Method {
	case InverseSquare:
		if e <= 0 {
			return 0
		}
		return c.Resolution * math.Sqrt(c.ReferenceEnergy/e) * e * fwhmToSigma
	case Linear:
		r := c.Slope*(e-c.ReferenceEnergy) + c.Resolution
		return math.Max(0, r) * e * fwhmToSigma
	default:
		return c.FWHM * fwhmToSigma
	}
}

func (c *EnergyConfig) validate(stage string) error {
	switch c.Method {
	case Gaussian:
		if c.FWHM <= 0 {
			return &models.ConfigurationError{Stage: stage, Param: "energy.fwhm", Reason: fmt.Sprintf("must be > 0, got %g", c.FWHM)}
		}
	case InverseSquare, Linear:
		if c.Resolution <= 0 {
			return &models.ConfigurationError{Stage: stage, Param: "energy.resolution", Reason: fmt.Sprintf("must be > 0, got %g", c.Resolution)}
		}
		if c.ReferenceEnergy <= 0 {
			return &models.ConfigurationError{Stage: stage, Param: "energy.reference_energy", Reason: fmt.Sprintf("must be > 0, got %g", c.ReferenceEnergy)}
		}
	default:
		return &models.ConfigurationError{Stage: stage, Param: "energy.method", Reason: fmt.Sprintf("unknown method %d", c.Method)}
	}
	return nil
}

// Config holds the blurring parameters. Nil sub-configurations are disabled.
type Config struct {
	Name string

	Energy *EnergyConfig

	// TimeFWHM is the FWHM of the time smearing in ns, 0 to disable
	TimeFWHM float64

	// Efficiency is the probability to keep a single, in (0, 1]. Zero means 1.
	Efficiency float64

	// Seed initializes the random source
	Seed uint64
}

// Stage smears singles and forwards the kept ones
type Stage struct {
	cfg    Config
	sink   adder.SingleSink
	rng    *rand.Rand
	normal distuv.Normal

	dropped int64
}

// New validates the parameters and creates the stage
func New(cfg Config, sink adder.SingleSink) (*Stage, error) {
	if cfg.Name == "" {
		cfg.Name = "blurring"
	}
	if cfg.Energy != nil {
		if err := cfg.Energy.validate(cfg.Name); err != nil {
			return nil, err
		}
	}
	if cfg.TimeFWHM < 0 {
		return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "time_fwhm", Reason: fmt.Sprintf("must be >= 0, got %g", cfg.TimeFWHM)}
	}
	if cfg.Efficiency == 0 {
		cfg.Efficiency = 1
	}
	if cfg.Efficiency < 0 || cfg.Efficiency > 1 {
		return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "efficiency", Reason: fmt.Sprintf("must be in (0, 1], got %g", cfg.Efficiency)}
	}
	if sink == nil {
		return nil, &models.ConfigurationError{Stage: cfg.Name, Param: "output", Reason: "no downstream stage"}
	}

	src := rand.NewSource(cfg.Seed)
	return &Stage{
		cfg:    cfg,
		sink:   sink,
		rng:    rand.New(src),
		normal: distuv.Normal{Mu: 0, Sigma: 1, Src: src},
	}, nil
}

// Emit blurs s and forwards it unless it is lost to the efficiency
func (b *Stage) Emit(s models.Single) error {
	if b.cfg.Efficiency < 1 && b.rng.Float64() >= b.cfg.Efficiency {
		b.dropped++
		return nil
	}
	if b.cfg.Energy != nil {
		if sigma := b.cfg.Energy.sigma(s.Energy); sigma > 0 {
			s.Energy = math.Max(0, s.Energy+sigma*b.normal.Rand())
		}
	}
	if b.cfg.TimeFWHM > 0 {
		s.GlobalTime += b.cfg.TimeFWHM * fwhmToSigma * b.normal.Rand()
	}
	return b.sink.Emit(s)
}

// Dropped returns the number of singles lost to the efficiency
func (b *Stage) Dropped() int64 {
	return b.dropped
}

// Package config provides configuration loading and management for gatedigitizer.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"gatedigitizer/internal/models"
	"gatedigitizer/pkg/logging"
)

// VolumeConfig places one volume of the detector geometry
type VolumeConfig struct {
	Name   string `yaml:"name" toml:"name"`
	Mother string `yaml:"mother" toml:"mother"`

	// Translation of the volume center in the mother frame
	Translation [3]float64 `yaml:"translation" toml:"translation"`

	// Rotation is an optional 3x3 row-major rotation matrix
	Rotation []float64 `yaml:"rotation,omitempty" toml:"rotation,omitempty"`

	// HalfSize of the bounding box
	HalfSize [3]float64 `yaml:"half_size" toml:"half_size"`

	// RepeatOffsets turn the volume into a repeater: copy i is shifted by
	// RepeatOffsets[i] in the mother frame
	RepeatOffsets [][3]float64 `yaml:"repeat_offsets,omitempty" toml:"repeat_offsets,omitempty"`
}

// SensitiveConfig registers a volume as emitting hits
type SensitiveConfig struct {
	Name      string `yaml:"name" toml:"name"`
	Propagate bool   `yaml:"propagate" toml:"propagate"`
}

// OutputConfig selects the files written at the end of a run
type OutputConfig struct {
	Directory      string `yaml:"directory" toml:"directory"`
	ProjectionFile string `yaml:"projection_file" toml:"projection_file"`
	SinglesFile    string `yaml:"singles_file" toml:"singles_file"`
	ElementType    string `yaml:"element_type" toml:"element_type"`
	Compress       bool   `yaml:"compress" toml:"compress"`

	// SavePreviews writes one TIFF per projection slice
	SavePreviews bool `yaml:"save_previews" toml:"save_previews"`
}

// Config represents the application configuration loaded from YAML or TOML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many workers process events in parallel
		NumWorkers int `yaml:"num_workers" toml:"num_workers"`

		// BatchSize is the number of hits pulled from the source at a time
		BatchSize int `yaml:"batch_size" toml:"batch_size"`

		// RunBoundaries are the start times of the timing runs. Empty means
		// a single run.
		RunBoundaries []float64 `yaml:"run_boundaries" toml:"run_boundaries"`

		// Seed initializes the random sources of the blurring stages
		Seed uint64 `yaml:"seed" toml:"seed"`
	} `yaml:"processing" toml:"processing"`

	// Units of every physical value in the configuration and the hit input
	Units Units `yaml:"units" toml:"units"`

	// Geometry table of the detector
	Geometry struct {
		World     string            `yaml:"world" toml:"world"`
		Volumes   []VolumeConfig    `yaml:"volumes" toml:"volumes"`
		Sensitive []SensitiveConfig `yaml:"sensitive" toml:"sensitive"`
	} `yaml:"geometry" toml:"geometry"`

	// Stages lists the digitizer chain by kind, first to last
	Stages []string `yaml:"stages" toml:"stages"`

	// HitsCollection parameters
	HitsCollection struct {
		Name            string   `yaml:"name" toml:"name"`
		Attributes      []string `yaml:"attributes" toml:"attributes"`
		AttachedVolumes []string `yaml:"attached_volumes" toml:"attached_volumes"`

		// ClearEvery is the write-through buffer size, >= 1
		ClearEvery int `yaml:"clear_every" toml:"clear_every"`
	} `yaml:"hits_collection" toml:"hits_collection"`

	// Adder parameters
	Adder struct {
		Name string `yaml:"name" toml:"name"`

		// GroupByVolume names the detector unit. When set it overrides
		// GroupByDepth.
		GroupByVolume string `yaml:"group_by_volume" toml:"group_by_volume"`
		GroupByDepth  int    `yaml:"group_by_depth" toml:"group_by_depth"`

		Policy         string  `yaml:"policy" toml:"policy"`
		TimePolicy     string  `yaml:"time_policy" toml:"time_policy"`
		PositionMode   string  `yaml:"position" toml:"position"`
		TimeDifference bool    `yaml:"time_difference" toml:"time_difference"`
		NumberOfHits   bool    `yaml:"number_of_hits" toml:"number_of_hits"`
		TimeWindow     float64 `yaml:"time_window" toml:"time_window"`
	} `yaml:"adder" toml:"adder"`

	// Readout parameters, used by the Readout stage in place of the adder
	Readout struct {
		Name             string `yaml:"name" toml:"name"`
		DiscretizeVolume string `yaml:"discretize_volume" toml:"discretize_volume"`
		GroupVolume      string `yaml:"group_volume" toml:"group_volume"`
	} `yaml:"readout" toml:"readout"`

	// Blurring parameters
	Blurring struct {
		Name            string  `yaml:"name" toml:"name"`
		EnergyMethod    string  `yaml:"energy_method" toml:"energy_method"`
		EnergyFWHM      float64 `yaml:"energy_fwhm" toml:"energy_fwhm"`
		Resolution      float64 `yaml:"resolution" toml:"resolution"`
		ReferenceEnergy float64 `yaml:"reference_energy" toml:"reference_energy"`
		Slope           float64 `yaml:"slope" toml:"slope"`
		TimeFWHM        float64 `yaml:"time_fwhm" toml:"time_fwhm"`
		Efficiency      float64 `yaml:"efficiency" toml:"efficiency"`
	} `yaml:"blurring" toml:"blurring"`

	// EnergyWindows parameters
	EnergyWindows struct {
		Channels []models.Channel `yaml:"channels" toml:"channels"`
	} `yaml:"energy_windows" toml:"energy_windows"`

	// Projection parameters
	Projection struct {
		Name             string     `yaml:"name" toml:"name"`
		Size             [2]int     `yaml:"size" toml:"size"`
		Spacing          [2]float64 `yaml:"spacing" toml:"spacing"`
		Origin           []float64  `yaml:"origin,omitempty" toml:"origin,omitempty"`
		InputCollections []string   `yaml:"input_collections" toml:"input_collections"`
		Weighted         bool       `yaml:"weighted" toml:"weighted"`
		NormalAxis       string     `yaml:"normal_axis" toml:"normal_axis"`

		// Volume is the detector whose local frame defines the image plane.
		// Empty means the world frame.
		Volume string `yaml:"volume" toml:"volume"`
	} `yaml:"projection" toml:"projection"`

	// Output parameters
	Output OutputConfig `yaml:"output" toml:"output"`

	// Logging parameters
	Logging logging.Config `yaml:"logging" toml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumWorkers = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.BatchSize = 4096
	cfg.Processing.Seed = 1

	cfg.Units = DefaultUnits()

	cfg.Geometry.World = "world"

	cfg.Stages = []string{"HitsCollection", "Adder", "EnergyWindow", "Projection"}

	// Set default stage parameters
	cfg.HitsCollection.Name = "Hits"
	cfg.HitsCollection.Attributes = []string{"EventID", "PostPosition", "EnergyDeposit", "GlobalTime", "VolumeID"}
	cfg.HitsCollection.ClearEvery = 1

	cfg.Adder.Name = "Singles"
	cfg.Adder.GroupByDepth = 1
	cfg.Adder.Policy = "EnergyWeightedCentroidPosition"
	cfg.Adder.TimePolicy = "TimeOfTrigger"
	cfg.Adder.PositionMode = "post"

	cfg.Readout.Name = "Readout"

	cfg.Blurring.Name = "Blurring"
	cfg.Blurring.EnergyMethod = "Gaussian"
	cfg.Blurring.Efficiency = 1

	cfg.EnergyWindows.Channels = []models.Channel{
		{Name: "scatter", Min: 0.114, Max: 0.126},
		{Name: "peak", Min: 0.126, Max: 0.154},
	}

	cfg.Projection.Name = "Projection"
	cfg.Projection.Size = [2]int{128, 128}
	cfg.Projection.Spacing = [2]float64{4.42, 4.42}
	cfg.Projection.InputCollections = []string{"scatter", "peak"}
	cfg.Projection.NormalAxis = "z"

	// Set default output parameters
	cfg.Output.Directory = "output"
	cfg.Output.ProjectionFile = "projection.mhd"
	cfg.Output.SinglesFile = "singles.arrow"
	cfg.Output.ElementType = "MET_FLOAT"

	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxAge = 30
	cfg.Logging.MaxBackups = 3

	return cfg
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		return cfg, nil
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	if isTOML(configPath) {
		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("error writing config file: %w", err)
		}
		defer f.Close()
		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		return nil
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// HasStage reports whether the chain contains the named stage kind
func (c *Config) HasStage(kind string) bool {
	for _, s := range c.Stages {
		if strings.EqualFold(s, kind) {
			return true
		}
	}
	return false
}

// Validate reports the first invalid option. Stage-specific checks that need
// the geometry are done when the pipeline is built.
func (c *Config) Validate() error {
	if c.Processing.NumWorkers < 1 {
		return &models.ConfigurationError{Stage: "processing", Param: "num_workers", Reason: fmt.Sprintf("must be >= 1, got %d", c.Processing.NumWorkers)}
	}
	for i := 1; i < len(c.Processing.RunBoundaries); i++ {
		if c.Processing.RunBoundaries[i] <= c.Processing.RunBoundaries[i-1] {
			return &models.ConfigurationError{Stage: "processing", Param: "run_boundaries", Reason: "start times must be increasing"}
		}
	}
	if _, err := c.Units.Factors(); err != nil {
		return err
	}
	if len(c.Stages) == 0 {
		return &models.ConfigurationError{Stage: "digitizer", Param: "stages", Reason: "no stage configured"}
	}

	if len(c.HitsCollection.Attributes) == 0 {
		return &models.ConfigurationError{Stage: c.HitsCollection.Name, Param: "attributes", Reason: "no attributes configured"}
	}
	if c.HitsCollection.ClearEvery < 1 {
		return &models.ConfigurationError{Stage: c.HitsCollection.Name, Param: "clear_every", Reason: fmt.Sprintf("must be >= 1, got %d", c.HitsCollection.ClearEvery)}
	}

	if c.HasStage("EnergyWindow") {
		for _, ch := range c.EnergyWindows.Channels {
			if ch.Min >= ch.Max {
				return &models.InvalidChannelError{Channel: ch.Name, Min: ch.Min, Max: ch.Max}
			}
		}
	}
	if c.HasStage("Readout") && c.Readout.DiscretizeVolume == "" {
		return &models.ConfigurationError{Stage: c.Readout.Name, Param: "discretize_volume", Reason: "not set"}
	}
	if c.HasStage("Projection") {
		if len(c.Projection.InputCollections) == 0 {
			return &models.ConfigurationError{Stage: c.Projection.Name, Param: "input_collections", Reason: "no input collection"}
		}
		if n := len(c.Projection.Origin); n != 0 && n != 2 {
			return &models.ConfigurationError{Stage: c.Projection.Name, Param: "origin", Reason: fmt.Sprintf("needs 2 values, got %d", n)}
		}
	}
	return nil
}

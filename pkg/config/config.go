// Package config provides configuration loading and management for tissuetrack.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// SFInput is the SH basis value of a volume that already holds SF amplitudes
const SFInput = "none"

// TissueKind selects the handler variant bound to a tissue label
type TissueKind string

const (
	// Background tissue is terminal and discards the line
	Background TissueKind = "background"

	// PassThrough tissue never stops a line
	PassThrough TissueKind = "passthrough"

	// Terminal tissue accepts the first point that enters it as an endpoint
	Terminal TissueKind = "terminal"

	// Stochastic tissue stops at random, driven by a probability map
	Stochastic TissueKind = "stochastic"

	// Surface tissue stops like Stochastic and snaps to a surface normal
	Surface TissueKind = "surface"
)

// StopLaw turns the sampled map value into a continuation probability
type StopLaw string

const (
	// Ratio uses value/label
	Ratio StopLaw = "ratio"

	// Difference uses |value-label|
	Difference StopLaw = "difference"
)

// TissueConfig holds the tracking policy of one tissue label
type TissueConfig struct {
	// Kind selects the handler variant
	Kind TissueKind `yaml:"kind"`

	// Order is the integration order (1, 2 or 4). Zero picks the kind default.
	Order int `yaml:"order,omitempty"`

	// StepSize in mm. Zero uses the global step size.
	StepSize float64 `yaml:"stepSize,omitempty"`

	// Theta is the maximum angle between two steps, in degrees
	Theta float64 `yaml:"theta,omitempty"`

	// StopLaw selects how the probability map drives stopping
	StopLaw StopLaw `yaml:"stopLaw,omitempty"`

	// HistoryWindow is the number of trailing points inspected for a stuck line
	HistoryWindow int `yaml:"historyWindow,omitempty"`

	// MaxEndingSteps bounds the extra steps taken once a line stops
	MaxEndingSteps int `yaml:"maxEndingSteps,omitempty"`

	// BranchProbability is the chance that a stop also spawns a branch line
	BranchProbability float64 `yaml:"branchProbability,omitempty"`

	// MinDistanceBeforeStop is the distance in mm a branch must travel
	// outside this tissue before it may stop here again
	MinDistanceBeforeStop float64 `yaml:"minDistanceBeforeStop,omitempty"`

	// SeedStop makes seeds flagged by Tracking.StopFraction stop on entry
	SeedStop bool `yaml:"seedStop,omitempty"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Tracking parameters
	Tracking struct {
		// StepSize is the default integration step in mm
		StepSize float64 `yaml:"stepSize"`

		// MinLength and MaxLength bound accepted streamlines, in mm
		MinLength float64 `yaml:"minLength"`
		MaxLength float64 `yaml:"maxLength"`

		// MaxInvalidLength is the longest run without a valid direction, in mm
		MaxInvalidLength float64 `yaml:"maxInvalidLength"`

		// SFThreshold and SFThresholdInit are relative spherical function thresholds
		SFThreshold     float64 `yaml:"sfThreshold"`
		SFThresholdInit float64 `yaml:"sfThresholdInit"`

		// SFInterp and MaskInterp are "nearest" or "trilinear". MaskInterp
		// applies to the map that drives stochastic stops.
		SFInterp   string `yaml:"sfInterp"`
		MaskInterp string `yaml:"maskInterp"`

		// SHBasis is the basis of the direction-field volume, or SFInput
		// when the volume already holds SF amplitudes
		SHBasis string `yaml:"shBasis"`

		// ForwardOnly tracks in the forward direction only
		ForwardOnly bool `yaml:"forwardOnly"`

		// KeepSinglePoints keeps one-point lines when MinLength allows it
		KeepSinglePoints bool `yaml:"keepSinglePoints"`

		// StopFraction is the fraction of seeds allowed to stop on entry
		// into tissues with seedStop
		StopFraction float64 `yaml:"stopFraction"`
	} `yaml:"tracking"`

	// Seeding parameters
	Seeding struct {
		// SeedsPerVoxel, TotalSeeds and Streamlines are mutually exclusive
		SeedsPerVoxel int   `yaml:"seedsPerVoxel"`
		TotalSeeds    int64 `yaml:"totalSeeds"`
		Streamlines   int   `yaml:"streamlines"`

		// MaxTries bounds fixed-count mode to Streamlines*MaxTries seeds
		MaxTries int `yaml:"maxTries"`

		// Skip is the number of leading seeds to skip
		Skip int64 `yaml:"skip"`

		// RNGSeed is the global random seed
		RNGSeed uint64 `yaml:"rngSeed"`
	} `yaml:"seeding"`

	// Processing parameters
	Processing struct {
		// NumWorkers is the number of tracking goroutines (0 = all cores)
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Compress is the compression error threshold in mm; 0 disables it
		Compress float64 `yaml:"compress"`

		// MaxSegmentLength bounds segments produced by compression, in mm
		MaxSegmentLength float64 `yaml:"maxSegmentLength"`

		// SaveSeeds stores each streamline's seed with it
		SaveSeeds bool `yaml:"saveSeeds"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// MetricsFile is an optional Prometheus textfile written after the run
		MetricsFile string `yaml:"metricsFile"`
	} `yaml:"output"`

	// Tissues maps tissue labels to their policy
	Tissues map[int]TissueConfig `yaml:"tissues"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default tracking parameters
	cfg.Tracking.StepSize = 0.5
	cfg.Tracking.MinLength = 10
	cfg.Tracking.MaxLength = 300
	cfg.Tracking.MaxInvalidLength = 1
	cfg.Tracking.SFThreshold = 0.1
	cfg.Tracking.SFThresholdInit = 0.5
	cfg.Tracking.SFInterp = "trilinear"
	cfg.Tracking.MaskInterp = "trilinear"
	cfg.Tracking.SHBasis = "descoteaux07"
	cfg.Tracking.StopFraction = 0.25

	// Set default seeding parameters
	cfg.Seeding.SeedsPerVoxel = 1
	cfg.Seeding.MaxTries = 100

	// Set default processing parameters
	cfg.Processing.NumWorkers = runtime.NumCPU() // Use all available cores by default

	// Set default output parameters
	cfg.Output.MaxSegmentLength = 10
	cfg.Output.Verbose = false

	// Default tissue table: background, white matter, grey matter, deep
	// nuclei, CSF (excluded) and grey matter surface. A stop in the nuclei
	// always continues as a branch line.
	cfg.Tissues = map[int]TissueConfig{
		0: {Kind: Background},
		1: {Kind: PassThrough, Theta: 20},
		2: {Kind: Terminal, Theta: 20},
		3: {Kind: Stochastic, Theta: 20, StopLaw: Difference, HistoryWindow: 4, MaxEndingSteps: 5, BranchProbability: 1, MinDistanceBeforeStop: 2, SeedStop: true},
		4: {Kind: Background},
		6: {Kind: Surface, Theta: 20, StopLaw: Ratio, HistoryWindow: 4, MaxEndingSteps: 3},
	}

	return cfg
}

// LoadConfig loads configuration from a YAML file
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

	// A tissue table in the file replaces the default one
	cfg.Tissues = nil

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if cfg.Tissues == nil {
		cfg.Tissues = DefaultConfig().Tissues
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
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

// Validate checks value ranges and the tissue table
func (c *Config) Validate() error {
	t := c.Tracking
	if t.StepSize <= 0 {
		return fmt.Errorf("%w: step size must be > 0, got %g", ErrInvalidConfig, t.StepSize)
	}
	if t.MinLength <= 0 {
		return fmt.Errorf("%w: minimum length must be > 0, %gmm was provided", ErrInvalidConfig, t.MinLength)
	}
	if t.MaxLength < t.MinLength {
		return fmt.Errorf("%w: maximum length must be >= minimum length (min=%gmm, max=%gmm)", ErrInvalidConfig, t.MinLength, t.MaxLength)
	}
	if t.StopFraction < 0 || t.StopFraction > 1 {
		return fmt.Errorf("%w: stop fraction must be in [0, 1], got %g", ErrInvalidConfig, t.StopFraction)
	}
	if t.SFThreshold < 0 || t.SFThresholdInit < 0 {
		return fmt.Errorf("%w: SF thresholds must be >= 0", ErrInvalidConfig)
	}
	for _, interp := range []string{t.SFInterp, t.MaskInterp} {
		if interp != "nearest" && interp != "trilinear" {
			return fmt.Errorf("%w: unknown interpolation %q", ErrInvalidConfig, interp)
		}
	}

	switch t.SHBasis {
	case "descoteaux07", "tournier07", SFInput:
	default:
		return fmt.Errorf("%w: unknown SH basis %q", ErrInvalidConfig, t.SHBasis)
	}

	s := c.Seeding
	modes := 0
	for _, set := range []bool{s.SeedsPerVoxel > 0, s.TotalSeeds > 0, s.Streamlines > 0} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return fmt.Errorf("%w: exactly one of seedsPerVoxel, totalSeeds and streamlines must be set", ErrInvalidConfig)
	}
	if s.Skip < 0 {
		return fmt.Errorf("%w: skip must be >= 0", ErrInvalidConfig)
	}
	if s.Streamlines > 0 && s.MaxTries < 1 {
		return fmt.Errorf("%w: maxTries must be >= 1", ErrInvalidConfig)
	}

	if c.Output.Compress < 0 {
		return fmt.Errorf("%w: compression threshold must be >= 0", ErrInvalidConfig)
	}

	if len(c.Tissues) == 0 {
		return fmt.Errorf("%w: empty tissue table", ErrInvalidConfig)
	}
	for label, tc := range c.Tissues {
		if err := tc.validate(); err != nil {
			return fmt.Errorf("%w: tissue %d: %v", ErrInvalidConfig, label, err)
		}
	}
	return nil
}

func (tc TissueConfig) validate() error {
	switch tc.Kind {
	case Background:
		return nil
	case PassThrough, Terminal, Stochastic, Surface:
	default:
		return fmt.Errorf("unknown kind %q", tc.Kind)
	}
	if tc.Order != 0 && tc.Order != 1 && tc.Order != 2 && tc.Order != 4 {
		return fmt.Errorf("integration order must be 1, 2 or 4, got %d", tc.Order)
	}
	if tc.StepSize < 0 {
		return fmt.Errorf("step size must be >= 0, got %g", tc.StepSize)
	}
	if tc.Theta <= 0 || tc.Theta > 180 {
		return fmt.Errorf("theta must be in (0, 180], got %g", tc.Theta)
	}
	if tc.Kind == Stochastic || tc.Kind == Surface {
		if tc.StopLaw != Ratio && tc.StopLaw != Difference {
			return fmt.Errorf("unknown stop law %q", tc.StopLaw)
		}
		if tc.HistoryWindow < 1 {
			return fmt.Errorf("history window must be >= 1, got %d", tc.HistoryWindow)
		}
		if tc.MaxEndingSteps < 0 {
			return fmt.Errorf("max ending steps must be >= 0, got %d", tc.MaxEndingSteps)
		}
		if tc.BranchProbability < 0 || tc.BranchProbability > 1 {
			return fmt.Errorf("branch probability must be in [0, 1], got %g", tc.BranchProbability)
		}
	}
	return nil
}

// MinPoints converts the minimum length into a point count
func (c *Config) MinPoints() int {
	return int(c.Tracking.MinLength/c.Tracking.StepSize) + 1
}

// MaxPoints converts the maximum length into a point count
func (c *Config) MaxPoints() int {
	return int(c.Tracking.MaxLength / c.Tracking.StepSize)
}

// MaxInvalidDirs converts the maximum invalid length into a step count
func (c *Config) MaxInvalidDirs() int {
	return int(math.Ceil(c.Tracking.MaxInvalidLength / c.Tracking.StepSize))
}

package tracking

import (
	"runtime"

	"tissuetrack/pkg/config"
)

// Params is the immutable configuration of one tracking run
type Params struct {
	// StepSize is the default step in mm
	StepSize float64

	// MinPoints and MaxPoints bound accepted lines
	MinPoints int
	MaxPoints int

	// MaxInvalidDirs is the longest run of steps taken along the previous
	// direction because the field offered none
	MaxInvalidDirs int

	// SingleDirection skips backward growth
	SingleDirection bool

	// KeepSinglePoints emits the seed alone when tracking fails and
	// MinPoints is 1
	KeepSinglePoints bool

	// StopFraction is the share of seeds that stop on entry into seed-stop tissues
	StopFraction float64

	// RNGSeed is the global random seed
	RNGSeed uint64

	// Workers is the number of goroutines in cover-all-seeds mode
	Workers int

	// Skip is the first absolute seed index
	Skip int64

	// NumSeeds is the number of seeds in cover-all-seeds mode
	NumSeeds int64

	// Streamlines selects fixed-count mode when > 0
	Streamlines int

	// MaxTries bounds fixed-count mode to Streamlines*MaxTries seeds
	MaxTries int

	// Compress is the compression error threshold in mm, 0 to disable
	Compress float64

	// MaxSegmentLength bounds compressed segments in mm
	MaxSegmentLength float64

	// SaveSeeds keeps the seed of every emitted line
	SaveSeeds bool
}

// ParamsFromConfig derives run parameters. numSeeds is the seed count
// resolved from the seeding mask.
func ParamsFromConfig(cfg *config.Config, numSeeds int64) Params {
	workers := cfg.Processing.NumWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return Params{
		StepSize:         cfg.Tracking.StepSize,
		MinPoints:        cfg.MinPoints(),
		MaxPoints:        cfg.MaxPoints(),
		MaxInvalidDirs:   cfg.MaxInvalidDirs(),
		SingleDirection:  cfg.Tracking.ForwardOnly,
		KeepSinglePoints: cfg.Tracking.KeepSinglePoints,
		StopFraction:     cfg.Tracking.StopFraction,
		RNGSeed:          cfg.Seeding.RNGSeed,
		Workers:          workers,
		Skip:             cfg.Seeding.Skip,
		NumSeeds:         numSeeds,
		Streamlines:      cfg.Seeding.Streamlines,
		MaxTries:         cfg.Seeding.MaxTries,
		Compress:         cfg.Output.Compress,
		MaxSegmentLength: cfg.Output.MaxSegmentLength,
		SaveSeeds:        cfg.Output.SaveSeeds,
	}
}

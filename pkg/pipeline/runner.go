// Package pipeline runs a complete tracking job: it loads the input volumes,
// builds the tissue registry and tracker, tracks every seed and saves the
// resulting tractogram.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"tissuetrack/pkg/config"
	"tissuetrack/pkg/field"
	"tissuetrack/pkg/seed"
	"tissuetrack/pkg/surface"
	"tissuetrack/pkg/tracking"
	"tissuetrack/pkg/tractogram"
	"tissuetrack/pkg/volume"
)

var (
	// ErrOutputExists is returned when the output file exists and
	// overwriting was not requested
	ErrOutputExists = errors.New("output file already exists")

	// ErrGridMismatch is returned when the input volumes do not share a grid
	ErrGridMismatch = errors.New("input volumes do not share the same grid")

	// ErrNoSphere is returned for SF input without a named sphere
	ErrNoSphere = errors.New("SF input needs a sphere")
)

// Params holds the inputs and outputs of a tracking run.
type Params struct {
	// SFFile is a 4D NIfTI direction field. Its 4th axis holds SH
	// coefficients in Config.Tracking.SHBasis, or SF amplitudes along each
	// sphere direction when the basis is config.SFInput.
	SFFile string

	// SeedFile is the seeding mask. Voxels with a value above zero are seeded.
	SeedFile string

	// LabelsFile is the tissue classification volume. Each voxel holds the
	// tissue label that selects the tracking policy at that position.
	LabelsFile string

	// ValuesFile is an optional probability map sampled by stochastic and
	// surface tissues. When empty the labels volume is used.
	ValuesFile string

	// SurfaceFile is an optional vertex/normal table used by surface tissues.
	SurfaceFile string

	// Sphere selects the direction table: a YAML sphere file, "octahedron"
	// or "symmetricN". SH input defaults to symmetric724; SF input must set it.
	Sphere string

	// OutputFile is the tractogram to write, .trk or .tck.
	OutputFile string

	// Overwrite allows replacing an existing output file.
	Overwrite bool

	// Config carries the tracking, seeding and tissue settings.
	Config *config.Config
}

// Summary describes a finished run
type Summary struct {
	RunID       uuid.UUID
	OutputFile  string
	NumSeeds    int64
	SeedVoxels  int
	Streamlines int
	Stats       tracking.Stats
	Duration    time.Duration
}

// Runner executes one tracking run
type Runner struct {
	params  *Params
	logger  *slog.Logger
	metrics *tracking.Metrics
	runID   uuid.UUID

	labels  *volume.Volume
	values  *volume.Volume
	sf      *field.SFField
	normals *surface.Normals
	seeds   *seed.Generator

	summary Summary
}

// NewRunner creates a runner with a fresh run id
func NewRunner(params *Params, logger *slog.Logger) *Runner {
	id := uuid.New()
	return &Runner{
		params:  params,
		logger:  logger.With("run", id.String()),
		metrics: tracking.NewMetrics(),
		runID:   id,
	}
}

// Process runs the complete pipeline
func (r *Runner) Process(ctx context.Context) error {
	cfg := r.params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
		r.params.Config = cfg
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := r.checkOutput(); err != nil {
		return err
	}

	// Step 1: seeding mask, so an empty mask fails before anything heavy
	r.logger.Info("loading seeding mask", "file", r.params.SeedFile)
	if err := r.loadSeeds(); err != nil {
		return err
	}
	numSeeds := r.seedCount()
	if numSeeds <= 0 {
		return fmt.Errorf("%w: %s", tracking.ErrNoSeeds, r.params.SeedFile)
	}

	// Step 2: tissue labels and the optional probability map
	r.logger.Info("loading tissue labels", "file", r.params.LabelsFile)
	if err := r.loadLabels(); err != nil {
		return err
	}

	// Step 3: direction field
	r.logger.Info("loading direction field", "file", r.params.SFFile, "basis", cfg.Tracking.SHBasis)
	if err := r.loadField(); err != nil {
		return err
	}

	// Step 4: surface normals
	if r.params.SurfaceFile != "" {
		r.logger.Info("loading surface", "file", r.params.SurfaceFile)
		normals, err := surface.Load(r.params.SurfaceFile, r.labels)
		if err != nil {
			return fmt.Errorf("failed to load surface: %w", err)
		}
		r.normals = normals
	}

	// Step 5: tracking
	tracker, err := r.buildTracker(numSeeds)
	if err != nil {
		return err
	}
	r.logger.Info("tracking", "seeds", numSeeds, "streamlines", cfg.Seeding.Streamlines, "workers", cfg.Processing.NumWorkers)
	start := time.Now()
	res, err := tracking.NewDriver(tracker, r.seeds, r.logger, r.metrics).Run(ctx)
	if err != nil {
		return fmt.Errorf("tracking failed: %w", err)
	}
	elapsed := time.Since(start)
	r.metrics.ObserveDuration(elapsed)

	// Step 6: output
	if err := r.save(res); err != nil {
		return err
	}
	if cfg.Output.MetricsFile != "" {
		if err := r.metrics.WriteTextfile(cfg.Output.MetricsFile); err != nil {
			r.logger.Warn("failed to write metrics", "file", cfg.Output.MetricsFile, "error", err)
		}
	}

	r.summary = Summary{
		RunID:       r.runID,
		OutputFile:  r.params.OutputFile,
		NumSeeds:    res.Stats.Seeds,
		SeedVoxels:  r.seeds.NumVoxels(),
		Streamlines: len(res.Lines),
		Stats:       res.Stats,
		Duration:    elapsed,
	}
	r.logger.Info("run complete", "streamlines", len(res.Lines), "seeds", res.Stats.Seeds, "seconds", elapsed.Seconds())
	return nil
}

// GetSummary returns the summary of the last successful Process call
func (r *Runner) GetSummary() Summary {
	return r.summary
}

// Metrics returns the run metrics
func (r *Runner) Metrics() *tracking.Metrics {
	return r.metrics
}

func (r *Runner) checkOutput() error {
	out := r.params.OutputFile
	switch strings.ToLower(filepath.Ext(out)) {
	case ".trk", ".tck":
	default:
		return fmt.Errorf("%w: %s (must be .trk or .tck)", tractogram.ErrUnknownFormat, out)
	}
	if _, err := os.Stat(out); err == nil && !r.params.Overwrite {
		return fmt.Errorf("%w: %s", ErrOutputExists, out)
	}
	return nil
}

func (r *Runner) loadSeeds() error {
	mask, err := volume.Load(r.params.SeedFile)
	if err != nil {
		return fmt.Errorf("failed to load seeding mask: %w", err)
	}
	gen, err := seed.NewGenerator(mask, r.params.Config.Seeding.RNGSeed)
	if errors.Is(err, seed.ErrNoSeeds) {
		return fmt.Errorf("%w: %s", tracking.ErrNoSeeds, r.params.SeedFile)
	}
	if err != nil {
		return fmt.Errorf("failed to build seed generator: %w", err)
	}
	r.seeds = gen
	r.logger.Debug("seeding mask loaded", "voxels", gen.NumVoxels(), "dims", mask.Dims)
	return nil
}

// seedCount returns the number of seeds in cover-all mode; fixed-count mode
// draws until its own budget is spent
func (r *Runner) seedCount() int64 {
	s := r.params.Config.Seeding
	switch {
	case s.TotalSeeds > 0:
		return s.TotalSeeds
	case s.Streamlines > 0:
		return int64(s.Streamlines)
	default:
		return r.seeds.Count(s.SeedsPerVoxel)
	}
}

func (r *Runner) loadLabels() error {
	labels, err := volume.Load(r.params.LabelsFile)
	if err != nil {
		return fmt.Errorf("failed to load tissue labels: %w", err)
	}
	if err := sameGrid(labels, r.seeds.Grid()); err != nil {
		return fmt.Errorf("labels vs seeding mask: %w", err)
	}
	r.labels = labels

	if r.params.ValuesFile == "" {
		return nil
	}
	values, err := volume.Load(r.params.ValuesFile)
	if err != nil {
		return fmt.Errorf("failed to load probability map: %w", err)
	}
	if err := sameGrid(values, labels); err != nil {
		return fmt.Errorf("probability map vs labels: %w", err)
	}
	r.values = values
	return nil
}

func (r *Runner) loadField() error {
	cfg := r.params.Config
	vol, err := volume.Load(r.params.SFFile)
	if err != nil {
		return fmt.Errorf("failed to load direction field: %w", err)
	}
	if err := sameGrid(vol, r.labels); err != nil {
		return fmt.Errorf("direction field vs labels: %w", err)
	}
	shInput := cfg.Tracking.SHBasis != config.SFInput
	sphere, err := resolveSphere(r.params.Sphere, shInput)
	if err != nil {
		return err
	}
	interp, err := volume.ParseInterpolation(cfg.Tracking.SFInterp)
	if err != nil {
		return err
	}

	var sf *field.SFField
	if shInput {
		basis, err := field.ParseSHBasis(cfg.Tracking.SHBasis)
		if err != nil {
			return err
		}
		sf, err = field.NewSHField(vol, sphere, basis, interp, cfg.Tracking.SFThreshold, cfg.Tracking.SFThresholdInit)
		if err != nil {
			return fmt.Errorf("failed to bind SH coefficients: %w", err)
		}
		r.logger.Debug("evaluating SH on sphere", "basis", basis, "coefficients", vol.Channels, "directions", sphere.Len())
	} else {
		if sphere.Len() != vol.Channels {
			return fmt.Errorf("sphere has %d directions but the SF volume has %d channels", sphere.Len(), vol.Channels)
		}
		sf, err = field.NewSFField(vol, sphere, interp, cfg.Tracking.SFThreshold, cfg.Tracking.SFThresholdInit)
		if err != nil {
			return fmt.Errorf("failed to bind spherical function: %w", err)
		}
	}
	r.sf = sf
	return nil
}

func (r *Runner) buildTracker(numSeeds int64) (*tracking.Tracker, error) {
	cfg := r.params.Config
	registry, err := tracking.NewRegistry(r.sf.Sphere(), cfg.Tissues, r.labels.UniqueValues(), cfg.Tracking.StepSize, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build tissue registry: %w", err)
	}
	if registry.HasKind(config.Surface) && r.normals == nil {
		r.logger.Warn("surface tissue without a surface file, lines will stop without snapping")
	}
	valueInterp, err := volume.ParseInterpolation(cfg.Tracking.MaskInterp)
	if err != nil {
		return nil, err
	}
	params := tracking.ParamsFromConfig(cfg, numSeeds)
	tracker, err := tracking.NewTracker(tracking.Inputs{
		Labels:      r.labels,
		Values:      r.values,
		ValueInterp: valueInterp,
		Field:       r.sf,
		Normals:     r.normals,
	}, registry, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build tracker: %w", err)
	}
	return tracker, nil
}

func (r *Runner) save(res *tracking.Result) error {
	seeds := res.Seeds
	if r.params.Config.Output.SaveSeeds && strings.EqualFold(filepath.Ext(r.params.OutputFile), ".tck") {
		r.logger.Warn("seeds are only stored in .trk files")
		seeds = nil
	}
	t := tractogram.FromLines(res.Lines, seeds, r.labels)
	t.RunID = r.runID
	if err := tractogram.Save(r.params.OutputFile, t); err != nil {
		return fmt.Errorf("failed to save tractogram: %w", err)
	}
	r.logger.Info("tractogram saved", "file", r.params.OutputFile, "streamlines", t.Len(), "points", t.NumPoints())
	return nil
}

// defaultSHSphere is the vertex count of the sphere SH input is evaluated
// on when none is named
const defaultSHSphere = 724

// resolveSphere picks the direction table by name: a YAML sphere file,
// "octahedron" or "symmetricN". SH input falls back to a 724-direction
// symmetric sphere; SF input must name the sphere its channels follow.
func resolveSphere(name string, shInput bool) (*field.Sphere, error) {
	lower := strings.ToLower(name)
	var (
		sphere *field.Sphere
		err    error
	)
	switch {
	case name == "" && shInput:
		sphere, err = field.Symmetric(defaultSHSphere)
	case name == "":
		return nil, ErrNoSphere
	case lower == "octahedron":
		sphere = field.Octahedron()
	case strings.HasPrefix(lower, "symmetric"):
		n, perr := strconv.Atoi(lower[len("symmetric"):])
		if perr != nil {
			return nil, fmt.Errorf("invalid sphere name %q", name)
		}
		sphere, err = field.Symmetric(n)
	default:
		sphere, err = field.LoadSphere(name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build sphere: %w", err)
	}
	return sphere, nil
}

func sameGrid(a, b *volume.Volume) error {
	if a.Dims != b.Dims {
		return fmt.Errorf("%w: dims %v and %v", ErrGridMismatch, a.Dims, b.Dims)
	}
	const tol = 1e-4
	d := [3]float64{a.VoxelSize.X - b.VoxelSize.X, a.VoxelSize.Y - b.VoxelSize.Y, a.VoxelSize.Z - b.VoxelSize.Z}
	for _, v := range d {
		if v > tol || v < -tol {
			return fmt.Errorf("%w: voxel sizes %v and %v", ErrGridMismatch, a.VoxelSize, b.VoxelSize)
		}
	}
	if a.Affine != nil && b.Affine != nil && !mat.EqualApprox(a.Affine, b.Affine, 1e-3) {
		return fmt.Errorf("%w: affines differ", ErrGridMismatch)
	}
	return nil
}

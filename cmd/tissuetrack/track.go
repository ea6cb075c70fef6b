package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tissuetrack/internal/logging"
	"tissuetrack/pkg/config"
	"tissuetrack/pkg/pipeline"
)

var trackCmd = &cobra.Command{
	Use:   "track <fodf.nii.gz> <seeds.nii.gz> <labels.nii.gz> <out.trk|out.tck>",
	Short: "Track streamlines through a tissue classification",
	Long: `Seeds the mask, grows a streamline from every seed through the fODF, given
as SH coefficients or as SF amplitudes on a sphere, and saves the accepted
lines. The tissue label under each step
selects how the line integrates and when it stops. Settings come from the
config file; flags given on the command line override it.`,
	Args: cobra.ExactArgs(4),
	RunE: runTrack,
}

func init() {
	rootCmd.AddCommand(trackCmd)
	addTrackFlags(trackCmd)
}

func addTrackFlags(cmd *cobra.Command) {
	def := config.DefaultConfig()
	f := cmd.Flags()
	f.StringP("config", "c", "", "YAML configuration file")
	f.String("values", "", "Probability map driving stochastic stops (defaults to the labels)")
	f.String("surface", "", "Surface vertex/normal file for surface tissues")
	f.String("sphere", "", "Tracking sphere: YAML file, octahedron or symmetricN (SH default: symmetric724, required with --sh-basis none)")
	f.BoolP("force", "f", false, "Overwrite the output file")

	// Tracking
	f.Float64("step", def.Tracking.StepSize, "Step size in mm")
	f.Float64("min-length", def.Tracking.MinLength, "Minimum streamline length in mm")
	f.Float64("max-length", def.Tracking.MaxLength, "Maximum streamline length in mm")
	f.Float64("max-invalid-length", def.Tracking.MaxInvalidLength, "Longest run without a valid direction, in mm")
	f.Float64("sfthres", def.Tracking.SFThreshold, "Relative SF threshold while tracking")
	f.Float64("sfthres-init", def.Tracking.SFThresholdInit, "Relative SF threshold at the seed")
	f.String("sf-interp", def.Tracking.SFInterp, "SF interpolation: nearest or trilinear")
	f.String("sh-basis", def.Tracking.SHBasis, "SH basis of the fODF: descoteaux07, tournier07, or none for SF amplitudes")
	f.String("mask-interp", def.Tracking.MaskInterp, "Probability map interpolation: nearest or trilinear")
	f.Bool("forward-only", false, "Track in the forward direction only")
	f.Bool("keep-single-points", false, "Keep one-point lines of seeds that could not start")
	f.Float64("stop-fraction", def.Tracking.StopFraction, "Fraction of seeds that stop on entry into seed-stop tissues")

	// Seeding
	f.Int("npv", def.Seeding.SeedsPerVoxel, "Number of seeds per voxel")
	f.Int64("nt", 0, "Total number of seeds")
	f.Int("ns", 0, "Number of streamlines to produce")
	f.Int("max-tries", def.Seeding.MaxTries, "Seeds tried per requested streamline with --ns")
	f.Int64("skip", 0, "Skip the first N seeds")
	f.Uint64("rng-seed", 0, "Random seed")

	// Processing and output
	f.Int("processes", def.Processing.NumWorkers, "Number of tracking workers")
	f.Float64("compress", 0, "Compression error threshold in mm (0 disables it)")
	f.Bool("save-seeds", false, "Store the seed of every streamline (.trk only)")
	f.String("metrics-file", "", "Write run metrics in Prometheus text format")
}

func runTrack(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := logging.New(logging.Level(verbose || cfg.Output.Verbose))

	values, _ := cmd.Flags().GetString("values")
	surfaceFile, _ := cmd.Flags().GetString("surface")
	sphere, _ := cmd.Flags().GetString("sphere")
	force, _ := cmd.Flags().GetBool("force")
	params := &pipeline.Params{
		SFFile:      args[0],
		SeedFile:    args[1],
		LabelsFile:  args[2],
		OutputFile:  args[3],
		ValuesFile:  values,
		SurfaceFile: surfaceFile,
		Sphere:      sphere,
		Overwrite:   force,
		Config:      cfg,
	}

	fmt.Println("================================")
	fmt.Println("TISSUE-AWARE PROBABILISTIC TRACTOGRAPHY")
	fmt.Println("================================")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(params, logger)
	if err := runner.Process(ctx); err != nil {
		return fmt.Errorf("tracking failed: %w", err)
	}

	s := runner.GetSummary()
	fmt.Printf("\nTracking completed in %.2f seconds\n", s.Duration.Seconds())
	fmt.Printf("Run id: %s\n", s.RunID)
	fmt.Printf("Output saved to: %s\n\n", s.OutputFile)
	fmt.Printf("Seeds tracked:        %d (from %d seeding voxels)\n", s.NumSeeds, s.SeedVoxels)
	fmt.Printf("Streamlines written:  %d\n", s.Streamlines)
	fmt.Printf("  accepted:           %d\n", s.Stats.Accepted)
	fmt.Printf("  branches:           %d\n", s.Stats.Branches)
	fmt.Printf("  single points:      %d\n", s.Stats.SinglePoints)
	fmt.Printf("Rejected seeds:\n")
	fmt.Printf("  no direction:       %d\n", s.Stats.NoDirection)
	fmt.Printf("  incomplete:         %d\n", s.Stats.Incomplete)
	fmt.Printf("  out of length:      %d\n", s.Stats.OutOfLength)
	if cfg.Output.MetricsFile != "" {
		fmt.Printf("\nMetrics written to: %s\n", cfg.Output.MetricsFile)
	}
	return nil
}

// applyFlags copies the flags set on the command line over cfg. Choosing a
// seeding mode clears the other two.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && f.Changed(name) {
			err = apply()
		}
	}

	set("step", func() (e error) { cfg.Tracking.StepSize, e = f.GetFloat64("step"); return })
	set("min-length", func() (e error) { cfg.Tracking.MinLength, e = f.GetFloat64("min-length"); return })
	set("max-length", func() (e error) { cfg.Tracking.MaxLength, e = f.GetFloat64("max-length"); return })
	set("max-invalid-length", func() (e error) { cfg.Tracking.MaxInvalidLength, e = f.GetFloat64("max-invalid-length"); return })
	set("sfthres", func() (e error) { cfg.Tracking.SFThreshold, e = f.GetFloat64("sfthres"); return })
	set("sfthres-init", func() (e error) { cfg.Tracking.SFThresholdInit, e = f.GetFloat64("sfthres-init"); return })
	set("sf-interp", func() (e error) { cfg.Tracking.SFInterp, e = f.GetString("sf-interp"); return })
	set("sh-basis", func() (e error) { cfg.Tracking.SHBasis, e = f.GetString("sh-basis"); return })
	set("mask-interp", func() (e error) { cfg.Tracking.MaskInterp, e = f.GetString("mask-interp"); return })
	set("forward-only", func() (e error) { cfg.Tracking.ForwardOnly, e = f.GetBool("forward-only"); return })
	set("keep-single-points", func() (e error) { cfg.Tracking.KeepSinglePoints, e = f.GetBool("keep-single-points"); return })
	set("stop-fraction", func() (e error) { cfg.Tracking.StopFraction, e = f.GetFloat64("stop-fraction"); return })

	set("npv", func() (e error) {
		cfg.Seeding.TotalSeeds, cfg.Seeding.Streamlines = 0, 0
		cfg.Seeding.SeedsPerVoxel, e = f.GetInt("npv")
		return
	})
	set("nt", func() (e error) {
		cfg.Seeding.SeedsPerVoxel, cfg.Seeding.Streamlines = 0, 0
		cfg.Seeding.TotalSeeds, e = f.GetInt64("nt")
		return
	})
	set("ns", func() (e error) {
		cfg.Seeding.SeedsPerVoxel, cfg.Seeding.TotalSeeds = 0, 0
		cfg.Seeding.Streamlines, e = f.GetInt("ns")
		return
	})
	set("max-tries", func() (e error) { cfg.Seeding.MaxTries, e = f.GetInt("max-tries"); return })
	set("skip", func() (e error) { cfg.Seeding.Skip, e = f.GetInt64("skip"); return })
	set("rng-seed", func() (e error) { cfg.Seeding.RNGSeed, e = f.GetUint64("rng-seed"); return })

	set("processes", func() (e error) { cfg.Processing.NumWorkers, e = f.GetInt("processes"); return })
	set("compress", func() (e error) { cfg.Output.Compress, e = f.GetFloat64("compress"); return })
	set("save-seeds", func() (e error) { cfg.Output.SaveSeeds, e = f.GetBool("save-seeds"); return })
	set("metrics-file", func() (e error) { cfg.Output.MetricsFile, e = f.GetString("metrics-file"); return })

	if f.Changed("npv") && (f.Changed("nt") || f.Changed("ns")) || f.Changed("nt") && f.Changed("ns") {
		return fmt.Errorf("--npv, --nt and --ns are mutually exclusive")
	}
	return err
}

package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tissuetrack/pkg/config"
)

func parse(t *testing.T, args ...string) (*cobra.Command, *config.Config) {
	t.Helper()
	cmd := &cobra.Command{Use: "track"}
	addTrackFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, config.DefaultConfig()
}

func TestFlagsOverrideConfig(t *testing.T) {
	cmd, cfg := parse(t, "--step", "0.2", "--nt", "5000", "--rng-seed", "9", "--forward-only", "--compress", "0.3", "--processes", "3", "--sh-basis", "none")
	require.NoError(t, applyFlags(cmd, cfg))

	assert.Equal(t, 0.2, cfg.Tracking.StepSize)
	assert.True(t, cfg.Tracking.ForwardOnly)
	assert.Equal(t, int64(5000), cfg.Seeding.TotalSeeds)
	assert.Zero(t, cfg.Seeding.SeedsPerVoxel, "choosing --nt clears the per-voxel density")
	assert.Equal(t, uint64(9), cfg.Seeding.RNGSeed)
	assert.Equal(t, 0.3, cfg.Output.Compress)
	assert.Equal(t, 3, cfg.Processing.NumWorkers)
	assert.Equal(t, config.SFInput, cfg.Tracking.SHBasis)
	assert.NoError(t, cfg.Validate())
}

func TestUnsetFlagsKeepConfig(t *testing.T) {
	cmd, cfg := parse(t)
	cfg.Tracking.MinLength = 42
	cfg.Seeding.Skip = 10
	require.NoError(t, applyFlags(cmd, cfg))
	assert.Equal(t, 42.0, cfg.Tracking.MinLength)
	assert.Equal(t, int64(10), cfg.Seeding.Skip)
	assert.Equal(t, 1, cfg.Seeding.SeedsPerVoxel)
	assert.Equal(t, "descoteaux07", cfg.Tracking.SHBasis)
}

func TestSeedingFlagsAreExclusive(t *testing.T) {
	cmd, cfg := parse(t, "--npv", "2", "--ns", "100")
	assert.Error(t, applyFlags(cmd, cfg))

	cmd, cfg = parse(t, "--ns", "100", "--max-tries", "5")
	require.NoError(t, applyFlags(cmd, cfg))
	assert.Equal(t, 100, cfg.Seeding.Streamlines)
	assert.Zero(t, cfg.Seeding.SeedsPerVoxel)
	assert.Equal(t, 5, cfg.Seeding.MaxTries)
}

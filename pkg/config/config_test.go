package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 21, cfg.MinPoints())
	assert.Equal(t, 600, cfg.MaxPoints())
	assert.Equal(t, 2, cfg.MaxInvalidDirs())
	assert.Equal(t, Background, cfg.Tissues[0].Kind)
	assert.Equal(t, Surface, cfg.Tissues[6].Kind)
	assert.Equal(t, "descoteaux07", cfg.Tracking.SHBasis)

	// Every stop in the deep nuclei spawns a continuation line
	assert.Equal(t, 1.0, cfg.Tissues[3].BranchProbability)
	assert.Positive(t, cfg.Tissues[3].MinDistanceBeforeStop)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Tracking, cfg.Tracking)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadReplacesTissueTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
tracking:
  stepSize: 0.25
tissues:
  0:
    kind: background
  7:
    kind: stochastic
    theta: 30
    stopLaw: ratio
    historyWindow: 3
    branchProbability: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.25, cfg.Tracking.StepSize)
	assert.Equal(t, 300.0, cfg.Tracking.MaxLength, "unset keys keep their default")
	require.Len(t, cfg.Tissues, 2)
	assert.Equal(t, TissueConfig{
		Kind:              Stochastic,
		Theta:             30,
		StopLaw:           Ratio,
		HistoryWindow:     3,
		BranchProbability: 0.5,
	}, cfg.Tissues[7])
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tracking: [1, 2"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero step", func(c *Config) { c.Tracking.StepSize = 0 }},
		{"zero min length", func(c *Config) { c.Tracking.MinLength = 0 }},
		{"max below min", func(c *Config) { c.Tracking.MaxLength = 5 }},
		{"stop fraction", func(c *Config) { c.Tracking.StopFraction = 1.5 }},
		{"interpolation", func(c *Config) { c.Tracking.SFInterp = "cubic" }},
		{"sh basis", func(c *Config) { c.Tracking.SHBasis = "mrtrix" }},
		{"two seeding modes", func(c *Config) { c.Seeding.TotalSeeds = 10 }},
		{"no seeding mode", func(c *Config) { c.Seeding.SeedsPerVoxel = 0 }},
		{"negative skip", func(c *Config) { c.Seeding.Skip = -1 }},
		{"negative compress", func(c *Config) { c.Output.Compress = -0.1 }},
		{"empty tissues", func(c *Config) { c.Tissues = nil }},
		{"unknown kind", func(c *Config) { c.Tissues[1] = TissueConfig{Kind: "grey", Theta: 20} }},
		{"bad order", func(c *Config) { c.Tissues[1] = TissueConfig{Kind: PassThrough, Order: 3, Theta: 20} }},
		{"zero theta", func(c *Config) { c.Tissues[2] = TissueConfig{Kind: Terminal} }},
		{"missing stop law", func(c *Config) {
			c.Tissues[3] = TissueConfig{Kind: Stochastic, Theta: 20, HistoryWindow: 2}
		}},
		{"zero window", func(c *Config) {
			c.Tissues[3] = TissueConfig{Kind: Stochastic, Theta: 20, StopLaw: Ratio}
		}},
		{"branch probability", func(c *Config) {
			c.Tissues[3] = TissueConfig{Kind: Stochastic, Theta: 20, StopLaw: Ratio, HistoryWindow: 2, BranchProbability: 2}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

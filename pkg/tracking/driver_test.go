package tracking

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"tissuetrack/internal/logging"
	"tissuetrack/internal/models"
	"tissuetrack/pkg/config"
	"tissuetrack/pkg/seed"
	"tissuetrack/pkg/volume"
)

// brain is a 12mm cube: terminal shell, pass-through interior and a
// stochastic slab in the middle
func brain() *volume.Volume {
	return labelVolume([3]int{12, 12, 12}, func(x, y, z int) int {
		switch {
		case x == 0 || y == 0 || z == 0 || x == 11 || y == 11 || z == 11:
			return 2
		case x == 5 || x == 6:
			return 3
		}
		return 1
	})
}

func brainTissues() map[int]config.TissueConfig {
	return map[int]config.TissueConfig{
		1: {Kind: config.PassThrough, Theta: 45},
		2: {Kind: config.Terminal, Theta: 45},
		3: {
			Kind:                  config.Stochastic,
			Theta:                 45,
			StopLaw:               config.Difference,
			HistoryWindow:         6,
			MaxEndingSteps:        3,
			BranchProbability:     0.3,
			MinDistanceBeforeStop: 1,
			SeedStop:              true,
		},
	}
}

func brainParams() Params {
	return Params{
		StepSize:       0.5,
		MinPoints:      3,
		MaxPoints:      60,
		MaxInvalidDirs: 2,
		StopFraction:   0.2,
		RNGSeed:        1234,
		NumSeeds:       1000,
		Workers:        1,
	}
}

// newBrainDriver wires a driver over the brain phantom, seeding the
// pass-through interior
func newBrainDriver(t *testing.T, p Params, src SeedSource, metrics *Metrics) *Driver {
	t.Helper()
	labels := brain()
	tr := newTestTracker(t, labels, randomField(t, labels.Dims, 99), p, trackerOptions{
		interp:  volume.Trilinear,
		tissues: brainTissues(),
	})
	if src == nil {
		mask := labelVolume(labels.Dims, func(x, y, z int) int {
			if labels.At(x, y, z, 0) == 1 {
				return 1
			}
			return 0
		})
		gen, err := seed.NewGenerator(mask, p.RNGSeed)
		require.NoError(t, err)
		src = gen
	}
	return NewDriver(tr, src, logging.NewNop(), metrics)
}

func TestDeterministicAcrossWorkers(t *testing.T) {
	p := brainParams()
	single, err := newBrainDriver(t, p, nil, nil).Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, single.Lines)

	p.Workers = 4
	parallel, err := newBrainDriver(t, p, nil, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(single.Lines, parallel.Lines))
	assert.Equal(t, single.Stats, parallel.Stats)
	assert.Equal(t, int64(1000), parallel.Stats.Seeds)

	// Odd worker counts put the remainder on the last chunk
	p.Workers = 7
	odd, err := newBrainDriver(t, p, nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(single.Lines, odd.Lines))
}

func TestAcceptedLinesRespectLengthBounds(t *testing.T) {
	p := brainParams()
	p.Workers = 3
	res, err := newBrainDriver(t, p, nil, nil).Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, res.Lines)

	for i, line := range res.Lines {
		assert.GreaterOrEqual(t, line.Len(), p.MinPoints, "line %d", i)
		assert.LessOrEqual(t, line.Len(), p.MaxPoints, "line %d", i)
		assert.Len(t, line.Dirs, line.Len(), "line %d", i)
	}
	assert.Equal(t, res.Stats.Lines, int64(len(res.Lines)))
	assert.Equal(t, res.Stats.Accepted+res.Stats.Branches, res.Stats.Lines)
}

func TestSkipShiftsSeedIndices(t *testing.T) {
	p := brainParams()
	p.NumSeeds = 100
	p.SaveSeeds = true
	all, err := newBrainDriver(t, p, nil, nil).Run(context.Background())
	require.NoError(t, err)

	p.NumSeeds = 50
	p.Skip = 50
	p.Workers = 2
	tail, err := newBrainDriver(t, p, nil, nil).Run(context.Background())
	require.NoError(t, err)

	// The tail run reproduces the lines of seeds 50 to 99
	require.NotEmpty(t, tail.Lines)
	require.Len(t, tail.Seeds, len(tail.Lines))
	assert.Empty(t, cmp.Diff(all.Lines[len(all.Lines)-len(tail.Lines):], tail.Lines))
	assert.Equal(t, all.Seeds[len(all.Seeds)-len(tail.Seeds):], tail.Seeds)
}

// panicky fails on one seed index
type panicky struct {
	SeedSource
	at int64
}

func (p panicky) Position(index int64) r3.Vec {
	if index == p.at {
		panic("corrupted seed table")
	}
	return p.SeedSource.Position(index)
}

func TestWorkerPanicAbortsBatch(t *testing.T) {
	p := brainParams()
	p.Workers = 4
	d := newBrainDriver(t, p, nil, nil)
	d.seeds = panicky{SeedSource: d.seeds, at: 600}

	res, err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrWorkerPanic)
	assert.ErrorContains(t, err, "chunk 2")
	assert.Nil(t, res)
}

func TestNoSeeds(t *testing.T) {
	p := brainParams()
	p.NumSeeds = 0
	_, err := newBrainDriver(t, p, nil, nil).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoSeeds)
}

func TestMoreWorkersThanSeeds(t *testing.T) {
	p := brainParams()
	p.NumSeeds = 3
	p.Workers = 16
	res, err := newBrainDriver(t, p, nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Stats.Seeds)
}

func TestFixedCountMode(t *testing.T) {
	p := brainParams()
	p.Streamlines = 25
	p.MaxTries = 100
	p.SaveSeeds = true
	res, err := newBrainDriver(t, p, nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Lines, 25)
	assert.Len(t, res.Seeds, 25)
	assert.Equal(t, res.Stats.Accepted, int64(len(res.Lines)), "branches are not kept")

	// A budget too small to reach the target stops early without error
	p.Streamlines = 1000
	p.MaxTries = 1
	res, err = newBrainDriver(t, p, nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Stats.Seeds)
	assert.Less(t, len(res.Lines), 1000)
}

func TestCompressionInDriver(t *testing.T) {
	labels := channel()
	p := testParams()
	p.NumSeeds = 4
	p.Compress = 0.1
	p.MaxSegmentLength = 100
	tr := newTestTracker(t, labels, axisField(t, labels.Dims, plusX, minusX), p, trackerOptions{})
	src := fixedSeeds{
		{X: 10.5, Y: 2.5, Z: 2.5},
		{X: 8.5, Y: 1.5, Z: 2.5},
		{X: 12.5, Y: 3.5, Z: 1.5},
		{X: 4.5, Y: 2.5, Z: 3.5},
	}

	res, err := NewDriver(tr, src, logging.NewNop(), nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Lines, 4)
	for _, line := range res.Lines {
		assert.Equal(t, 2, line.Len())
	}
	assert.Nil(t, res.Seeds)
}

// fixedSeeds serves positions from a list
type fixedSeeds []r3.Vec

func (f fixedSeeds) Position(index int64) r3.Vec { return f[index] }

func TestMetricsTextfile(t *testing.T) {
	m := NewMetrics()
	p := brainParams()
	p.NumSeeds = 50
	res, err := newBrainDriver(t, p, nil, m).Run(context.Background())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tissuetrack.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "tissuetrack_seeds_total 50")
	assert.Contains(t, text, `tissuetrack_seed_outcomes_total{outcome="accepted"}`)
	assert.Contains(t, text, "tissuetrack_streamlines_total")
	assert.Equal(t, int64(50), res.Stats.Seeds)
}

func TestStatsMerge(t *testing.T) {
	var a, b Stats
	a.add(SeedResult{Outcome: Accepted, Branches: []*models.Line{{}, {}}})
	a.add(SeedResult{Outcome: NoDirection})
	b.add(SeedResult{Outcome: Incomplete})
	b.add(SeedResult{Outcome: OutOfLength})
	b.add(SeedResult{Outcome: SinglePoint})
	a.merge(b)

	assert.Equal(t, Stats{
		Seeds:        5,
		Accepted:     1,
		SinglePoints: 1,
		Branches:     2,
		NoDirection:  1,
		Incomplete:   1,
		OutOfLength:  1,
	}, a)
	assert.Equal(t, "out_of_length", OutOfLength.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}

package tracking

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"tissuetrack/internal/models"
	"tissuetrack/pkg/config"
	"tissuetrack/pkg/field"
	"tissuetrack/pkg/surface"
	"tissuetrack/pkg/volume"
)

func TestUniformChannel(t *testing.T) {
	labels := channel()
	sf := axisField(t, labels.Dims, plusX, minusX)
	tr := newTestTracker(t, labels, sf, testParams(), trackerOptions{})

	seed := models.Seed{Pos: r3.Vec{X: 10.5, Y: 2.5, Z: 2.5}}
	res := tr.TrackSeed(seed)
	require.Equal(t, Accepted, res.Outcome)
	require.NotNil(t, res.Primary)

	// 16 points forward to x=18, 19 backward to x=1.5, seed shared
	line := res.Primary
	assert.Equal(t, 34, line.Len())
	assert.Len(t, line.Dirs, line.Len())
	ends := []float64{line.Points[0].X, line.Points[line.Len()-1].X}
	slices.Sort(ends)
	assert.Equal(t, []float64{1.5, 18}, ends)
	assert.Contains(t, line.Points, seed.Pos)
	for _, p := range line.Points {
		assert.Equal(t, 2.5, p.Y)
		assert.Equal(t, 2.5, p.Z)
	}

	again := tr.Clone().TrackSeed(seed)
	assert.Empty(t, cmp.Diff(res, again), "tracking is reproducible")
}

func TestSingleDirection(t *testing.T) {
	labels := channel()
	p := testParams()
	p.SingleDirection = true
	tr := newTestTracker(t, labels, axisField(t, labels.Dims, plusX), p, trackerOptions{})

	res := tr.TrackSeed(models.Seed{Pos: r3.Vec{X: 10.5, Y: 2.5, Z: 2.5}})
	require.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, 16, res.Primary.Len())
	assert.Equal(t, 10.5, res.Primary.Points[0].X)
}

func TestSeedInBackground(t *testing.T) {
	labels := labelVolume([3]int{5, 5, 5}, func(x, _, _ int) int {
		if x < 2 {
			return 0
		}
		return 1
	})
	sf := axisField(t, labels.Dims, plusX, minusX)
	seed := models.Seed{Pos: r3.Vec{X: 0.5, Y: 2.5, Z: 2.5}}

	p := testParams()
	p.KeepSinglePoints = true
	res := newTestTracker(t, labels, sf, p, trackerOptions{}).TrackSeed(seed)
	assert.Equal(t, SinglePoint, res.Outcome)
	require.NotNil(t, res.Primary)
	assert.Equal(t, []r3.Vec{seed.Pos}, res.Primary.Points)

	p.KeepSinglePoints = false
	res = newTestTracker(t, labels, sf, p, trackerOptions{}).TrackSeed(seed)
	assert.Equal(t, NoDirection, res.Outcome)
	assert.Nil(t, res.Primary)

	// Retention needs a minimum of one point
	p.KeepSinglePoints = true
	p.MinPoints = 2
	res = newTestTracker(t, labels, sf, p, trackerOptions{}).TrackSeed(seed)
	assert.Nil(t, res.Primary)
}

func TestTerminalTissue(t *testing.T) {
	labels := labelVolume([3]int{10, 5, 5}, func(x, _, _ int) int {
		if x >= 5 {
			return 2
		}
		return 1
	})
	p := testParams()
	p.SingleDirection = true
	tr := newTestTracker(t, labels, axisField(t, labels.Dims, plusX), p, trackerOptions{})

	// Entering terminal tissue ends the line on its first point
	res := tr.TrackSeed(models.Seed{Pos: r3.Vec{X: 4.8, Y: 2.5, Z: 2.5}})
	require.Equal(t, Accepted, res.Outcome)
	assert.InDeltaSlice(t, []float64{4.8, 5.3}, xs(res.Primary.Points), 1e-12)

	// Seeding inside terminal tissue takes exactly one step
	res = tr.TrackSeed(models.Seed{Pos: r3.Vec{X: 6.2, Y: 2.5, Z: 2.5}})
	require.Equal(t, Accepted, res.Outcome)
	assert.InDeltaSlice(t, []float64{6.2, 6.7}, xs(res.Primary.Points), 1e-12)
}

func TestLeavingTheVolumeDiscardsTheLine(t *testing.T) {
	labels := labelVolume([3]int{10, 5, 5}, func(_, _, _ int) int { return 1 })
	p := testParams()
	p.SingleDirection = true
	tr := newTestTracker(t, labels, axisField(t, labels.Dims, plusX), p, trackerOptions{})

	res := tr.TrackSeed(models.Seed{Pos: r3.Vec{X: 5.5, Y: 2.5, Z: 2.5}})
	assert.Equal(t, Incomplete, res.Outcome)
	assert.Nil(t, res.Primary)
}

func TestMaxPointsRejectsLine(t *testing.T) {
	labels := channel()
	p := testParams()
	p.MaxPoints = 20
	tr := newTestTracker(t, labels, axisField(t, labels.Dims, plusX, minusX), p, trackerOptions{})

	res := tr.TrackSeed(models.Seed{Pos: r3.Vec{X: 10.5, Y: 2.5, Z: 2.5}})
	assert.Nil(t, res.Primary)
	assert.Contains(t, []Outcome{Incomplete, OutOfLength}, res.Outcome)

	p = testParams()
	p.MinPoints = 40
	tr = newTestTracker(t, labels, axisField(t, labels.Dims, plusX, minusX), p, trackerOptions{})
	res = tr.TrackSeed(models.Seed{Pos: r3.Vec{X: 10.5, Y: 2.5, Z: 2.5}})
	assert.Equal(t, OutOfLength, res.Outcome)
	assert.Nil(t, res.Primary)
}

func TestInvalidDirectionBudget(t *testing.T) {
	// The field vanishes for x in [4, 6)
	labels := labelVolume([3]int{10, 5, 5}, func(x, _, _ int) int {
		if x >= 9 {
			return 2
		}
		return 1
	})
	vol := axisVolume(labels.Dims, plusX)
	for x := 4; x < 6; x++ {
		for y := 0; y < 5; y++ {
			for z := 0; z < 5; z++ {
				vol.Set(x, y, z, plusX, 0)
			}
		}
	}
	sf, err := field.NewSFField(vol, field.Octahedron(), volume.Trilinear, 0.1, 0.5)
	require.NoError(t, err)
	p := testParams()
	p.SingleDirection = true
	seed := models.Seed{Pos: r3.Vec{X: 1.5, Y: 2.5, Z: 2.5}}

	p.MaxInvalidDirs = 0
	res := newTestTracker(t, labels, sf, p, trackerOptions{}).TrackSeed(seed)
	assert.Equal(t, Incomplete, res.Outcome)

	p.MaxInvalidDirs = 8
	res = newTestTracker(t, labels, sf, p, trackerOptions{}).TrackSeed(seed)
	require.Equal(t, Accepted, res.Outcome)
	assert.InDelta(t, 9.0, res.Primary.Points[res.Primary.Len()-1].X, 1e-12)
}

func TestStochasticStopOnEntry(t *testing.T) {
	labels := labelVolume([3]int{10, 5, 5}, func(x, _, _ int) int {
		if x >= 5 {
			return 3
		}
		return 1
	})
	zero := volume.New(labels.Dims, 1, unit)
	p := testParams()
	p.SingleDirection = true
	tr := newTestTracker(t, labels, axisField(t, labels.Dims, plusX), p, trackerOptions{values: zero})

	res := tr.TrackSeed(models.Seed{Pos: r3.Vec{X: 2.5, Y: 2.5, Z: 2.5}})
	require.Equal(t, Accepted, res.Outcome)
	assert.InDeltaSlice(t, []float64{2.5, 3, 3.5, 4, 4.5, 5}, xs(res.Primary.Points), 1e-12)
}

func TestStochasticEndingSteps(t *testing.T) {
	labels := labelVolume([3]int{20, 5, 5}, func(x, _, _ int) int {
		if x >= 5 {
			return 3
		}
		return 1
	})
	tissues := testTissues()
	tc := tissues[3]
	tc.MaxEndingSteps = 4
	tissues[3] = tc

	zero := volume.New(labels.Dims, 1, unit)
	p := testParams()
	p.SingleDirection = true
	tr := newTestTracker(t, labels, axisField(t, labels.Dims, plusX), p, trackerOptions{values: zero, tissues: tissues})

	res := tr.TrackSeed(models.Seed{Pos: r3.Vec{X: 2.5, Y: 2.5, Z: 2.5}})
	require.Equal(t, Accepted, res.Outcome)
	stop := r3.Vec{X: 5, Y: 2.5, Z: 2.5}
	extra := endingSteps(stop, p.RNGSeed, 4)
	require.GreaterOrEqual(t, extra, 1)
	assert.Equal(t, 6+extra, res.Primary.Len())
	assert.InDelta(t, 5+0.5*float64(extra), res.Primary.Points[res.Primary.Len()-1].X, 1e-12)
}

func TestEndingStepsRollBackOnLabelChange(t *testing.T) {
	// One voxel of stochastic tissue before terminal tissue
	labels := labelVolume([3]int{10, 5, 5}, func(x, _, _ int) int {
		switch {
		case x == 5:
			return 3
		case x > 5:
			return 2
		}
		return 1
	})
	tissues := testTissues()
	tc := tissues[3]
	tc.MaxEndingSteps = 5
	tissues[3] = tc

	zero := volume.New(labels.Dims, 1, unit)
	p := testParams()
	p.SingleDirection = true
	tr := newTestTracker(t, labels, axisField(t, labels.Dims, plusX), p, trackerOptions{values: zero, tissues: tissues})

	res := tr.TrackSeed(models.Seed{Pos: r3.Vec{X: 2.5, Y: 2.5, Z: 2.5}})
	require.Equal(t, Accepted, res.Outcome)
	last := res.Primary.Points[res.Primary.Len()-1]
	assert.LessOrEqual(t, last.X, 5.5, "no ending step leaves the tissue")
	assert.Equal(t, models.Label(3), tr.LabelAt(last))
}

func TestOscillationGuard(t *testing.T) {
	labels := labelVolume([3]int{10, 5, 5}, func(x, _, _ int) int {
		if x >= 5 {
			return 3
		}
		return 1
	})
	// Values equal to labels: the ratio law never stops on its own
	tr := newTestTracker(t, labels, axisField(t, labels.Dims, plusX), testParams(), trackerOptions{interp: volume.Nearest})
	tr.Reset(rand.New(rand.NewPCG(5, 6)))
	g := &growth{t: tr}
	gate := &stopGate{law: config.Ratio, window: 3}

	inside := func(at ...float64) *models.Line {
		line := &models.Line{}
		for _, x := range at {
			line.Append(r3.Vec{X: x, Y: 2.5, Z: 2.5}, models.Direction{Index: plusX})
		}
		return line
	}

	for i := 0; i < 100; i++ {
		line := inside(4.5, 5.5, 6.5)
		assert.False(t, gate.shouldStop(g, 3, r3.Vec{X: 6.5, Y: 2.5, Z: 2.5}, line), "mixed history continues")

		line = inside(5.5, 6.5)
		assert.False(t, gate.shouldStop(g, 3, r3.Vec{X: 6.5, Y: 2.5, Z: 2.5}, line), "short history is not stuck")

		line = inside(5.5, 6.5, 7.5)
		assert.True(t, gate.shouldStop(g, 3, r3.Vec{X: 7.5, Y: 2.5, Z: 2.5}, line), "identical history stops")
	}
}

func TestAcceptanceLaws(t *testing.T) {
	labels := labelVolume([3]int{4, 4, 4}, func(_, _, _ int) int { return 3 })
	values := volume.New(labels.Dims, 1, unit)
	for i := range values.Data {
		values.Data[i] = 1.5
	}
	tr := newTestTracker(t, labels, axisField(t, labels.Dims, plusX), testParams(), trackerOptions{values: values})
	pos := r3.Vec{X: 1, Y: 1, Z: 1}

	ratio := &stopGate{law: config.Ratio}
	assert.InDelta(t, 0.5, ratio.acceptance(tr, 3, pos), 1e-12)
	assert.Equal(t, 0.0, ratio.acceptance(tr, 0, pos))

	diff := &stopGate{law: config.Difference}
	assert.InDelta(t, 1.5, diff.acceptance(tr, 3, pos), 1e-12)
	assert.InDelta(t, 0.5, diff.acceptance(tr, 1, pos), 1e-12)
}

func TestSeedStopFraction(t *testing.T) {
	labels := labelVolume([3]int{20, 5, 5}, func(x, _, _ int) int {
		switch {
		case x >= 18:
			return 2
		case x >= 5:
			return 3
		}
		return 1
	})
	tissues := testTissues()
	tc := tissues[3]
	tc.SeedStop = true
	tissues[3] = tc

	// Values keep every line going through the stochastic tissue
	values := volume.New(labels.Dims, 1, unit)
	for i := range values.Data {
		values.Data[i] = 3
	}
	p := testParams()
	p.SingleDirection = true
	p.StopFraction = 1
	tr := newTestTracker(t, labels, axisField(t, labels.Dims, plusX), p, trackerOptions{values: values, tissues: tissues})

	res := tr.TrackSeed(models.Seed{Pos: r3.Vec{X: 2.5, Y: 2.5, Z: 2.5}})
	require.Equal(t, Accepted, res.Outcome)
	assert.InDelta(t, 5.0, res.Primary.Points[res.Primary.Len()-1].X, 1e-12)

	p.StopFraction = 0
	tr = newTestTracker(t, labels, axisField(t, labels.Dims, plusX), p, trackerOptions{values: values, tissues: tissues})
	res = tr.TrackSeed(models.Seed{Pos: r3.Vec{X: 2.5, Y: 2.5, Z: 2.5}})
	require.Equal(t, Accepted, res.Outcome)
	assert.InDelta(t, 18.0, res.Primary.Points[res.Primary.Len()-1].X, 1e-12)
}

func TestBranching(t *testing.T) {
	labels := labelVolume([3]int{30, 5, 5}, func(x, _, _ int) int {
		switch {
		case x < 2 || x >= 28:
			return 2
		case x >= 10 && x < 20:
			return 3
		}
		return 1
	})
	tissues := testTissues()
	tc := tissues[3]
	tc.BranchProbability = 1
	tissues[3] = tc

	zero := volume.New(labels.Dims, 1, unit)
	tr := newTestTracker(t, labels, axisField(t, labels.Dims, plusX, minusX), testParams(), trackerOptions{values: zero, tissues: tissues})

	res := tr.TrackSeed(models.Seed{Pos: r3.Vec{X: 5.5, Y: 2.5, Z: 2.5}})
	require.Equal(t, Accepted, res.Outcome)

	// Primary: terminal tissue at x=1.5 to the stop at x=10
	assert.Equal(t, 18, res.Primary.Len())

	// The branch crosses the stochastic tissue it started in
	require.Len(t, res.Branches, 1)
	branch := res.Branches[0]
	assert.Equal(t, 37, branch.Len())
	assert.InDelta(t, 10.0, branch.Points[0].X, 1e-12)
	assert.InDelta(t, 28.0, branch.Points[branch.Len()-1].X, 1e-12)
}

func TestSurfaceSnap(t *testing.T) {
	labels := labelVolume([3]int{10, 5, 5}, func(x, _, _ int) int {
		if x >= 5 {
			return 6
		}
		return 1
	})
	zero := volume.New(labels.Dims, 1, unit)
	sf := axisField(t, labels.Dims, plusX)
	p := testParams()
	p.SingleDirection = true
	seed := models.Seed{Pos: r3.Vec{X: 2.5, Y: 2.5, Z: 2.5}}

	// Without normals the line ends where it stopped
	res := newTestTracker(t, labels, sf, p, trackerOptions{values: zero}).TrackSeed(seed)
	require.Equal(t, Accepted, res.Outcome)
	assert.InDeltaSlice(t, []float64{2.5, 3, 3.5, 4, 4.5, 5}, xs(res.Primary.Points), 1e-12)

	normals, err := surface.New([]surface.Vertex{
		{Pos: r3.Vec{X: 3.6, Y: 2.5, Z: 2.5}, Normal: r3.Vec{X: -1}},
	}, labels)
	require.NoError(t, err)
	res = newTestTracker(t, labels, sf, p, trackerOptions{values: zero, normals: normals}).TrackSeed(seed)
	require.Equal(t, Accepted, res.Outcome)

	// Three points dropped, then steps along the normal turned toward the vertex
	extra := endingSteps(r3.Vec{X: 5, Y: 2.5, Z: 2.5}, p.RNGSeed, 2)
	want := []float64{2.5, 3, 3.5}
	for i := 1; i <= extra; i++ {
		want = append(want, 3.5+0.5*float64(i))
	}
	assert.InDeltaSlice(t, want, xs(res.Primary.Points), 1e-12)
	_, dir := res.Primary.Last()
	assert.Equal(t, models.NoIndex, dir.Index)
	assert.Equal(t, r3.Vec{X: 1}, dir.Vec)
}

func TestSeedRNGIsPure(t *testing.T) {
	pos := r3.Vec{X: 1.25, Y: 3.5, Z: -2}
	a, b := SeedRNG(pos, 7), SeedRNG(pos, 7)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Uint64(), b.Uint64())
	}
	assert.NotEqual(t, SeedRNG(pos, 7).Uint64(), SeedRNG(pos, 8).Uint64())
	assert.NotEqual(t, SeedRNG(pos, 7).Uint64(), SeedRNG(r3.Vec{X: 1.25, Y: 3.5, Z: 2}, 7).Uint64())

	assert.Equal(t, 0, endingSteps(pos, 7, 0))
	for i := 0; i < 50; i++ {
		n := endingSteps(r3.Vec{X: float64(i)}, 7, 3)
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 3)
	}
}

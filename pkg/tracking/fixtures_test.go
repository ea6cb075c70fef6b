package tracking

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"tissuetrack/internal/logging"
	"tissuetrack/pkg/config"
	"tissuetrack/pkg/field"
	"tissuetrack/pkg/surface"
	"tissuetrack/pkg/volume"
)

var unit = r3.Vec{X: 1, Y: 1, Z: 1}

// Octahedron vertex indices
const (
	plusX  = 0
	minusX = 1
)

// labelVolume builds a 1mm classification volume from a per-voxel rule
func labelVolume(dims [3]int, rule func(x, y, z int) int) *volume.Volume {
	v := volume.New(dims, 1, unit)
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				v.Set(x, y, z, 0, float64(rule(x, y, z)))
			}
		}
	}
	return v
}

// axisVolume is an octahedron SF volume that is 1 along the given
// vertices everywhere
func axisVolume(dims [3]int, vertices ...int) *volume.Volume {
	vol := volume.New(dims, 6, unit)
	for i := 0; i < vol.NumVoxels(); i++ {
		for _, c := range vertices {
			vol.Data[i*vol.Channels+c] = 1
		}
	}
	return vol
}

func axisField(t *testing.T, dims [3]int, vertices ...int) *field.SFField {
	t.Helper()
	sf, err := field.NewSFField(axisVolume(dims, vertices...), field.Octahedron(), volume.Trilinear, 0.1, 0.5)
	require.NoError(t, err)
	return sf
}

// randomField is a dense SF with random amplitudes on a 32-direction sphere
func randomField(t *testing.T, dims [3]int, seed uint64) *field.SFField {
	t.Helper()
	sphere, err := field.Symmetric(32)
	require.NoError(t, err)
	vol := volume.New(dims, sphere.Len(), unit)
	rng := rand.New(rand.NewPCG(seed, seed+1))
	for i := range vol.Data {
		vol.Data[i] = rng.Float64()
	}
	sf, err := field.NewSFField(vol, sphere, volume.Trilinear, 0.1, 0.5)
	require.NoError(t, err)
	return sf
}

func testTissues() map[int]config.TissueConfig {
	return map[int]config.TissueConfig{
		0: {Kind: config.Background},
		1: {Kind: config.PassThrough, Theta: 20},
		2: {Kind: config.Terminal, Theta: 20},
		3: {Kind: config.Stochastic, Theta: 20, StopLaw: config.Ratio, HistoryWindow: 100},
		6: {Kind: config.Surface, Theta: 20, StopLaw: config.Ratio, HistoryWindow: 100, MaxEndingSteps: 2},
	}
}

func testParams() Params {
	return Params{
		StepSize:  0.5,
		MinPoints: 1,
		MaxPoints: 1000,
		RNGSeed:   42,
		Workers:   1,
	}
}

type trackerOptions struct {
	values  *volume.Volume
	interp  volume.Interpolation
	normals *surface.Normals
	tissues map[int]config.TissueConfig
}

func newTestTracker(t *testing.T, labels *volume.Volume, sf *field.SFField, p Params, opts trackerOptions) *Tracker {
	t.Helper()
	tissues := opts.tissues
	if tissues == nil {
		tissues = testTissues()
	}
	reg, err := NewRegistry(sf.Sphere(), tissues, labels.UniqueValues(), p.StepSize, logging.NewNop())
	require.NoError(t, err)
	tr, err := NewTracker(Inputs{
		Labels:      labels,
		Values:      opts.values,
		ValueInterp: opts.interp,
		Field:       sf,
		Normals:     opts.normals,
	}, reg, p)
	require.NoError(t, err)
	return tr
}

// channel is a 20x5x5 pass-through bar capped by terminal tissue at
// both ends
func channel() *volume.Volume {
	return labelVolume([3]int{20, 5, 5}, func(x, _, _ int) int {
		if x < 2 || x >= 18 {
			return 2
		}
		return 1
	})
}

func xs(points []r3.Vec) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.X
	}
	return out
}

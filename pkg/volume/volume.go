// Package volume holds dense 3D (optionally multi-channel) images in voxmm
// space and samples them at arbitrary real positions.
//
// Positions use the corner origin convention: voxel (i, j, k) covers
// [i*sx, (i+1)*sx) x [j*sy, (j+1)*sy) x [k*sz, (k+1)*sz) and its center sits
// at ((i+0.5)*sx, (j+0.5)*sy, (k+0.5)*sz).
package volume

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Interpolation selects how a volume is sampled between voxel centers
type Interpolation int

const (
	// Nearest returns the value of the voxel containing the position
	Nearest Interpolation = iota

	// Trilinear blends the eight surrounding voxel centers
	Trilinear
)

// String returns the configuration name of the interpolation
func (i Interpolation) String() string {
	switch i {
	case Nearest:
		return "nearest"
	case Trilinear:
		return "trilinear"
	default:
		return fmt.Sprintf("interpolation(%d)", int(i))
	}
}

// ParseInterpolation accepts the long names and the short "nn"/"tl" aliases
func ParseInterpolation(s string) (Interpolation, error) {
	switch s {
	case "nearest", "nn":
		return Nearest, nil
	case "trilinear", "tl":
		return Trilinear, nil
	default:
		return Nearest, fmt.Errorf("unknown interpolation %q", s)
	}
}

// Volume is a dense voxel grid. Data is voxel-major: the channels of one
// voxel are contiguous, and voxels are ordered x fastest, then y, then z.
// A Volume is never modified once tracking starts, so it can be shared by
// any number of goroutines.
type Volume struct {
	// Dims is the grid size in voxels along x, y and z
	Dims [3]int

	// Channels is the number of values stored per voxel
	Channels int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize r3.Vec

	// Affine maps voxel indices to scanner RAS mm. Index (0, 0, 0) is the
	// center of the first voxel.
	Affine *mat.Dense

	// Data holds Dims[0]*Dims[1]*Dims[2]*Channels values
	Data []float64
}

// New allocates a zero-filled, axis-aligned volume
func New(dims [3]int, channels int, voxelSize r3.Vec) *Volume {
	if channels < 1 {
		channels = 1
	}
	return &Volume{
		Dims:      dims,
		Channels:  channels,
		VoxelSize: voxelSize,
		Affine:    DiagonalAffine(voxelSize),
		Data:      make([]float64, dims[0]*dims[1]*dims[2]*channels),
	}
}

// NumVoxels returns the number of voxels in the grid
func (v *Volume) NumVoxels() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// VoxelIndex returns the linear index of voxel (x, y, z)
func (v *Volume) VoxelIndex(x, y, z int) int {
	return (z*v.Dims[1]+y)*v.Dims[0] + x
}

// VoxelCoords is the inverse of VoxelIndex
func (v *Volume) VoxelCoords(idx int) (x, y, z int) {
	x = idx % v.Dims[0]
	y = (idx / v.Dims[0]) % v.Dims[1]
	z = idx / (v.Dims[0] * v.Dims[1])
	return x, y, z
}

// At returns channel c of voxel (x, y, z)
func (v *Volume) At(x, y, z, c int) float64 {
	return v.Data[v.VoxelIndex(x, y, z)*v.Channels+c]
}

// Set stores channel c of voxel (x, y, z)
func (v *Volume) Set(x, y, z, c int, val float64) {
	v.Data[v.VoxelIndex(x, y, z)*v.Channels+c] = val
}

// Voxel returns the voxel containing pos and whether it lies inside the grid
func (v *Volume) Voxel(pos r3.Vec) (x, y, z int, ok bool) {
	x = int(math.Floor(pos.X / v.VoxelSize.X))
	y = int(math.Floor(pos.Y / v.VoxelSize.Y))
	z = int(math.Floor(pos.Z / v.VoxelSize.Z))
	ok = x >= 0 && y >= 0 && z >= 0 && x < v.Dims[0] && y < v.Dims[1] && z < v.Dims[2]
	return x, y, z, ok
}

// InBounds reports whether pos lies inside the grid
func (v *Volume) InBounds(pos r3.Vec) bool {
	_, _, _, ok := v.Voxel(pos)
	return ok
}

// VoxelCenter returns the position of the center of voxel (x, y, z)
func (v *Volume) VoxelCenter(x, y, z int) r3.Vec {
	return r3.Vec{
		X: (float64(x) + 0.5) * v.VoxelSize.X,
		Y: (float64(y) + 0.5) * v.VoxelSize.Y,
		Z: (float64(z) + 0.5) * v.VoxelSize.Z,
	}
}

// ValueAt samples all channels at pos into out, reallocating it when it is
// too short. Positions outside the grid sample as zero.
func (v *Volume) ValueAt(pos r3.Vec, interp Interpolation, out []float64) []float64 {
	if cap(out) < v.Channels {
		out = make([]float64, v.Channels)
	}
	out = out[:v.Channels]
	for c := range out {
		out[c] = 0
	}

	if !v.InBounds(pos) {
		return out
	}

	if interp == Nearest {
		x, y, z, _ := v.Voxel(pos)
		base := v.VoxelIndex(x, y, z) * v.Channels
		copy(out, v.Data[base:base+v.Channels])
		return out
	}

	// Continuous coordinates relative to voxel centers
	u := [3]float64{
		pos.X/v.VoxelSize.X - 0.5,
		pos.Y/v.VoxelSize.Y - 0.5,
		pos.Z/v.VoxelSize.Z - 0.5,
	}
	var lo, hi [3]int
	var frac [3]float64
	for d := 0; d < 3; d++ {
		f := math.Floor(u[d])
		frac[d] = u[d] - f
		lo[d] = clamp(int(f), 0, v.Dims[d]-1)
		hi[d] = clamp(int(f)+1, 0, v.Dims[d]-1)
	}

	for corner := 0; corner < 8; corner++ {
		w := 1.0
		var idx [3]int
		for d := 0; d < 3; d++ {
			if corner&(1<<d) != 0 {
				idx[d] = hi[d]
				w *= frac[d]
			} else {
				idx[d] = lo[d]
				w *= 1 - frac[d]
			}
		}
		if w == 0 {
			continue
		}
		base := v.VoxelIndex(idx[0], idx[1], idx[2]) * v.Channels
		for c := range out {
			out[c] += w * v.Data[base+c]
		}
	}
	return out
}

// Scalar samples channel 0 at pos
func (v *Volume) Scalar(pos r3.Vec, interp Interpolation) float64 {
	var buf [1]float64
	if v.Channels == 1 {
		return v.ValueAt(pos, interp, buf[:])[0]
	}
	return v.ValueAt(pos, interp, nil)[0]
}

// UniqueValues returns the distinct rounded values of channel 0 in
// ascending order. It is used to discover the tissue labels present in a
// classification volume.
func (v *Volume) UniqueValues() []int {
	seen := make(map[int]bool)
	for i := 0; i < v.NumVoxels(); i++ {
		seen[int(math.Round(v.Data[i*v.Channels]))] = true
	}
	out := make([]int, 0, len(seen))
	for val := range seen {
		out = append(out, val)
	}
	slices.Sort(out)
	return out
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

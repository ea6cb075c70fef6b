package volume

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// DiagonalAffine returns the voxel-to-RAS affine of an axis-aligned grid
// whose first voxel center sits at the scanner origin
func DiagonalAffine(vs r3.Vec) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		vs.X, 0, 0, 0,
		0, vs.Y, 0, 0,
		0, 0, vs.Z, 0,
		0, 0, 0, 1,
	})
}

// affineFromRows builds an affine from the three sform rows
func affineFromRows(x, y, z [4]float32) *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	for j := 0; j < 4; j++ {
		a.Set(0, j, float64(x[j]))
		a.Set(1, j, float64(y[j]))
		a.Set(2, j, float64(z[j]))
	}
	a.Set(3, 3, 1)
	return a
}

// qformAffine rebuilds the affine from the quaternion representation of a
// NIfTI-1 header
func qformAffine(hdr *niftiHeader) *mat.Dense {
	b, c, d := float64(hdr.QuaternB), float64(hdr.QuaternC), float64(hdr.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// 180 degree rotation: renormalize b, c, d
		n := math.Sqrt(b*b + c*c + d*d)
		b, c, d = b/n, c/n, d/n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	dx := float64(hdr.Pixdim[1])
	dy := float64(hdr.Pixdim[2])
	dz := float64(hdr.Pixdim[3])
	if hdr.Pixdim[0] < 0 {
		dz = -dz
	}

	return mat.NewDense(4, 4, []float64{
		(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(hdr.QoffsetX),
		2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(hdr.QoffsetY),
		2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(hdr.QoffsetZ),
		0, 0, 0, 1,
	})
}

// ToRAS maps a voxmm position of grid v (corner origin) to scanner RAS mm
func (v *Volume) ToRAS(p r3.Vec) r3.Vec {
	return VoxmmToRAS(v.Affine, v.VoxelSize, p)
}

// VoxmmToRAS maps a voxmm position (corner origin) to scanner RAS mm
// through a voxel-to-RAS affine
func VoxmmToRAS(aff mat.Matrix, vs r3.Vec, p r3.Vec) r3.Vec {
	return apply(aff, r3.Vec{X: p.X/vs.X - 0.5, Y: p.Y/vs.Y - 0.5, Z: p.Z/vs.Z - 0.5})
}

// RASToVoxmm is the inverse of VoxmmToRAS. inv is the inverse affine.
func RASToVoxmm(inv mat.Matrix, vs r3.Vec, p r3.Vec) r3.Vec {
	i := apply(inv, p)
	return r3.Vec{X: (i.X + 0.5) * vs.X, Y: (i.Y + 0.5) * vs.Y, Z: (i.Z + 0.5) * vs.Z}
}

func apply(aff mat.Matrix, p r3.Vec) r3.Vec {
	row := func(i int) float64 {
		return aff.At(i, 0)*p.X + aff.At(i, 1)*p.Y + aff.At(i, 2)*p.Z + aff.At(i, 3)
	}
	return r3.Vec{X: row(0), Y: row(1), Z: row(2)}
}

// AxisCodes returns the RAS orientation letters of the voxel axes, such as
// "RAS" or "LPS"
func AxisCodes(aff mat.Matrix) string {
	pos, neg := "RAS", "LPI"
	codes := make([]byte, 3)
	for j := 0; j < 3; j++ {
		best := 0
		for i := 1; i < 3; i++ {
			if math.Abs(aff.At(i, j)) > math.Abs(aff.At(best, j)) {
				best = i
			}
		}
		if aff.At(best, j) < 0 {
			codes[j] = neg[best]
		} else {
			codes[j] = pos[best]
		}
	}
	return string(codes)
}

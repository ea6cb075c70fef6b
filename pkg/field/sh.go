package field

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SHBasis names a real, antipodally symmetric spherical harmonics basis.
// Coefficients are ordered by even degree l, then by m from -l to l.
type SHBasis int

const (
	// Descoteaux07 stores the cosine terms under m < 0 and the sine terms
	// under m > 0
	Descoteaux07 SHBasis = iota

	// Tournier07 is the MRtrix basis: sine terms under m < 0 and cosine
	// terms under m > 0
	Tournier07
)

// String returns the configuration name of the basis
func (b SHBasis) String() string {
	switch b {
	case Descoteaux07:
		return "descoteaux07"
	case Tournier07:
		return "tournier07"
	default:
		return fmt.Sprintf("shbasis(%d)", int(b))
	}
}

// ParseSHBasis accepts "descoteaux07" and "tournier07"
func ParseSHBasis(s string) (SHBasis, error) {
	switch s {
	case "descoteaux07":
		return Descoteaux07, nil
	case "tournier07":
		return Tournier07, nil
	default:
		return Descoteaux07, fmt.Errorf("unknown SH basis %q", s)
	}
}

// SHOrder returns the even order whose symmetric basis has n coefficients
func SHOrder(n int) (int, error) {
	for l := 0; ; l += 2 {
		c := (l + 1) * (l + 2) / 2
		if c == n {
			return l, nil
		}
		if c > n {
			return 0, fmt.Errorf("%d is not the coefficient count of a symmetric SH basis", n)
		}
	}
}

// SHMatrix evaluates the basis of the given order on every vertex of s.
// Row i holds the basis functions at vertex i, so SF = B * coefficients.
func SHMatrix(s *Sphere, order int, basis SHBasis) *mat.Dense {
	n := (order + 1) * (order + 2) / 2
	b := mat.NewDense(s.Len(), n, nil)
	for i := 0; i < s.Len(); i++ {
		v := s.Vertex(i)
		z := math.Max(-1, math.Min(1, v.Z))
		shRow(b.RawRowView(i), order, basis, z, math.Atan2(v.Y, v.X))
	}
	return b
}

// shRow fills row with the basis at polar cosine x and azimuth phi
func shRow(row []float64, order int, basis SHBasis, x, phi float64) {
	p := legendre(order, x)
	k := 0
	for l := 0; l <= order; l += 2 {
		for m := -l; m <= l; m++ {
			am := m
			if am < 0 {
				am = -am
			}
			y := shNorm(l, am) * p[l][am]
			switch {
			case m == 0:
				row[k] = y
			case (m < 0) == (basis == Descoteaux07):
				row[k] = math.Sqrt2 * y * math.Cos(float64(am)*phi)
			default:
				row[k] = math.Sqrt2 * y * math.Sin(float64(am)*phi)
			}
			k++
		}
	}
}

// shNorm is the normalization of the complex harmonic of degree l, order m
func shNorm(l, m int) float64 {
	num, _ := math.Lgamma(float64(l - m + 1))
	den, _ := math.Lgamma(float64(l + m + 1))
	return math.Sqrt(float64(2*l+1) / (4 * math.Pi) * math.Exp(num-den))
}

// legendre returns the associated Legendre functions P[l][m](x) for
// 0 <= m <= l <= order, Condon-Shortley phase included
func legendre(order int, x float64) [][]float64 {
	p := make([][]float64, order+1)
	for l := range p {
		p[l] = make([]float64, l+1)
	}
	s := math.Sqrt(math.Max(0, 1-x*x))
	pmm := 1.0
	for m := 0; m <= order; m++ {
		if m > 0 {
			pmm *= -float64(2*m-1) * s
		}
		p[m][m] = pmm
		if m+1 <= order {
			p[m+1][m] = x * float64(2*m+1) * pmm
		}
		for l := m + 2; l <= order; l++ {
			p[l][m] = (float64(2*l-1)*x*p[l-1][m] - float64(l+m-1)*p[l-2][m]) / float64(l-m)
		}
	}
	return p
}

// Package field provides the direction-field side of tracking: a fixed
// discretized sphere of candidate directions and a spherical-function (SF)
// volume sampled on that sphere, stored either as SF amplitudes or as
// spherical harmonics (SH) coefficients.
package field

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

// ErrAsymmetricSphere is returned when a vertex has no antipodal partner
var ErrAsymmetricSphere = errors.New("sphere is not antipodally symmetric")

const antipodeTolerance = 1e-6

// Sphere is an immutable set of unit directions. Every vertex has an
// antipodal partner, which gives the backward direction of a seed in O(1).
type Sphere struct {
	vertices  []r3.Vec
	antipodes []int
}

// NewSphere normalizes the vertices and pairs each with its antipode
func NewSphere(vertices []r3.Vec) (*Sphere, error) {
	if len(vertices) == 0 {
		return nil, errors.New("sphere has no vertices")
	}

	s := &Sphere{
		vertices:  make([]r3.Vec, len(vertices)),
		antipodes: make([]int, len(vertices)),
	}
	for i, v := range vertices {
		n := r3.Norm(v)
		if n == 0 || math.IsNaN(n) {
			return nil, fmt.Errorf("vertex %d has zero length", i)
		}
		s.vertices[i] = r3.Scale(1/n, v)
	}

	for i, v := range s.vertices {
		s.antipodes[i] = -1
		for j, w := range s.vertices {
			if r3.Norm(r3.Add(v, w)) < antipodeTolerance {
				s.antipodes[i] = j
				break
			}
		}
		if s.antipodes[i] < 0 {
			return nil, fmt.Errorf("%w: vertex %d", ErrAsymmetricSphere, i)
		}
	}
	return s, nil
}

// Symmetric builds an n-vertex sphere from a Fibonacci lattice on the upper
// hemisphere and its mirror image. n must be even.
func Symmetric(n int) (*Sphere, error) {
	if n < 2 || n%2 != 0 {
		return nil, fmt.Errorf("symmetric sphere needs an even vertex count, got %d", n)
	}
	half := n / 2
	golden := math.Pi * (3 - math.Sqrt(5))
	vertices := make([]r3.Vec, n)
	for i := 0; i < half; i++ {
		// z in (0, 1] so no vertex lies on the equator twice
		z := 1 - (float64(i)+0.5)/float64(half)
		r := math.Sqrt(1 - z*z)
		phi := golden * float64(i)
		v := r3.Vec{X: r * math.Cos(phi), Y: r * math.Sin(phi), Z: z}
		vertices[i] = v
		vertices[i+half] = r3.Scale(-1, v)
	}
	return NewSphere(vertices)
}

// Octahedron is the six-direction sphere along the coordinate axes, in the
// order +x, -x, +y, -y, +z, -z
func Octahedron() *Sphere {
	s, _ := NewSphere([]r3.Vec{
		{X: 1}, {X: -1},
		{Y: 1}, {Y: -1},
		{Z: 1}, {Z: -1},
	})
	return s
}

// Len returns the number of vertices
func (s *Sphere) Len() int { return len(s.vertices) }

// Vertex returns vertex i
func (s *Sphere) Vertex(i int) r3.Vec { return s.vertices[i] }

// Antipode returns the index of the vertex opposite to i
func (s *Sphere) Antipode(i int) int { return s.antipodes[i] }

// Nearest returns the vertex closest in angle to v
func (s *Sphere) Nearest(v r3.Vec) int {
	best, bestDot := 0, math.Inf(-1)
	for i, w := range s.vertices {
		if d := r3.Dot(v, w); d > bestDot {
			best, bestDot = i, d
		}
	}
	return best
}

// sphereFile is the YAML layout of a sphere definition
type sphereFile struct {
	Vertices [][3]float64 `yaml:"vertices"`
}

// LoadSphere reads a YAML sphere definition
func LoadSphere(path string) (*Sphere, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading sphere file: %w", err)
	}
	var sf sphereFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("error parsing sphere file: %w", err)
	}
	vertices := make([]r3.Vec, len(sf.Vertices))
	for i, v := range sf.Vertices {
		vertices[i] = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	}
	return NewSphere(vertices)
}

// SaveSphere writes s in the format read by LoadSphere
func SaveSphere(path string, s *Sphere) error {
	sf := sphereFile{Vertices: make([][3]float64, s.Len())}
	for i, v := range s.vertices {
		sf.Vertices[i] = [3]float64{v.X, v.Y, v.Z}
	}
	data, err := yaml.Marshal(&sf)
	if err != nil {
		return fmt.Errorf("error marshaling sphere: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing sphere file: %w", err)
	}
	return nil
}

// Cone lists, for every vertex, the vertices within a maximum angle of it.
// It encodes the angular constraint between two consecutive steps.
type Cone struct {
	theta     float64
	neighbors [][]int
}

// NewCone precomputes the neighbor lists of s for the aperture theta, in
// radians
func NewCone(s *Sphere, theta float64) *Cone {
	cosTheta := math.Cos(theta)
	c := &Cone{
		theta:     theta,
		neighbors: make([][]int, s.Len()),
	}
	for i, v := range s.vertices {
		for j, w := range s.vertices {
			if r3.Dot(v, w) >= cosTheta-1e-12 {
				c.neighbors[i] = append(c.neighbors[i], j)
			}
		}
	}
	return c
}

// Theta returns the aperture in radians
func (c *Cone) Theta() float64 { return c.theta }

// Neighbors returns the vertices allowed after vertex i
func (c *Cone) Neighbors(i int) []int { return c.neighbors[i] }

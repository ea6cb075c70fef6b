// Package surface stores precomputed surface vertices with their normals
// and answers "which normal governs this position" queries for the
// surface-snapping tissue.
package surface

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"

	"tissuetrack/pkg/volume"
)

// ErrEmpty is returned when a surface has no vertex
var ErrEmpty = errors.New("surface has no vertices")

// Vertex is a surface point and its unit normal
type Vertex struct {
	Pos    r3.Vec
	Normal r3.Vec
}

// point is a vertex position that satisfies kdtree.Comparable
type point struct {
	r3.Vec
	id int
}

// Compare implements the kdtree.Comparable interface
func (p point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(point)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p point) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p point) Distance(c kdtree.Comparable) float64 {
	q := c.(point)
	return r3.Norm2(r3.Sub(p.Vec, q.Vec))
}

// points satisfies kdtree.Interface
type points []point

func (p points) Index(i int) kdtree.Comparable         { return p[i] }
func (p points) Len() int                              { return len(p) }
func (p points) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p points) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{points: p, Dim: d}, kdtree.MedianOfRandoms(plane{points: p, Dim: d}, 100))
}

// plane implements sort.Interface and kdtree.SortSlicer for points
type plane struct {
	points
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.points[i].X < p.points[j].X
	case 1:
		return p.points[i].Y < p.points[j].Y
	case 2:
		return p.points[i].Z < p.points[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{points: p.points[start:end], Dim: p.Dim}
}

func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}

// Normals indexes surface vertices by the voxel that contains them. A
// position is served by the vertices registered in its own voxel; when the
// voxel has none, the nearest vertex within one voxel diagonal is used.
type Normals struct {
	vertices []Vertex
	byVoxel  map[int][]int
	tree     *kdtree.Tree
	grid     *volume.Volume
	maxSnap2 float64
}

// New registers vertices on the voxel grid of grid. Normals are normalized;
// vertices outside the grid are kept for the nearest-vertex fallback only.
func New(vertices []Vertex, grid *volume.Volume) (*Normals, error) {
	if len(vertices) == 0 {
		return nil, ErrEmpty
	}

	n := &Normals{
		vertices: make([]Vertex, len(vertices)),
		byVoxel:  make(map[int][]int),
		grid:     grid,
		maxSnap2: r3.Norm2(grid.VoxelSize),
	}
	pts := make(points, len(vertices))
	for i, v := range vertices {
		norm := r3.Norm(v.Normal)
		if norm == 0 || math.IsNaN(norm) {
			return nil, fmt.Errorf("vertex %d has a zero normal", i)
		}
		v.Normal = r3.Scale(1/norm, v.Normal)
		n.vertices[i] = v
		pts[i] = point{Vec: v.Pos, id: i}

		if x, y, z, ok := grid.Voxel(v.Pos); ok {
			key := grid.VoxelIndex(x, y, z)
			n.byVoxel[key] = append(n.byVoxel[key], i)
		}
	}
	n.tree = kdtree.New(pts, false)
	return n, nil
}

// Len returns the number of vertices
func (n *Normals) Len() int { return len(n.vertices) }

// Nearest returns the vertex governing pos. Among several vertices in the
// same voxel the Euclidean-nearest one wins.
func (n *Normals) Nearest(pos r3.Vec) (Vertex, bool) {
	if x, y, z, ok := n.grid.Voxel(pos); ok {
		if ids := n.byVoxel[n.grid.VoxelIndex(x, y, z)]; len(ids) > 0 {
			best, bestD := ids[0], math.Inf(1)
			for _, id := range ids {
				if d := r3.Norm2(r3.Sub(n.vertices[id].Pos, pos)); d < bestD {
					best, bestD = id, d
				}
			}
			return n.vertices[best], true
		}
	}

	c, d := n.tree.Nearest(point{Vec: pos})
	if c == nil || d > n.maxSnap2 {
		return Vertex{}, false
	}
	return n.vertices[c.(point).id], true
}

// Load reads a vertex file: one vertex per line as "x y z nx ny nz" in
// voxmm space. Blank lines and lines starting with '#' are ignored.
func Load(path string, grid *volume.Volume) (*Normals, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening surface file: %w", err)
	}
	defer f.Close()

	var vertices []Vertex
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 6 {
			return nil, fmt.Errorf("line %d: expected 6 values, got %d", lineNo, len(fields))
		}
		var vals [6]float64
		for i, s := range fields {
			vals[i], err = strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
		}
		vertices = append(vertices, Vertex{
			Pos:    r3.Vec{X: vals[0], Y: vals[1], Z: vals[2]},
			Normal: r3.Vec{X: vals[3], Y: vals[4], Z: vals[5]},
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("error reading surface file: %w", err)
	}
	return New(vertices, grid)
}

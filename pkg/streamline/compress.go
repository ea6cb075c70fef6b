// Package streamline holds operations on finished streamlines
package streamline

import (
	"gonum.org/v1/gonum/spatial/r3"

	"tissuetrack/internal/models"
)

// DefaultMaxSegmentLength bounds the segments produced by Compress, in mm
const DefaultMaxSegmentLength = 10.0

// Compress simplifies a polyline greedily. The endpoints are kept, every
// dropped point lies within tolError of the segment that replaced it and no
// segment is longer than maxSegmentLength, unless it already was.
func Compress(points []r3.Vec, tolError, maxSegmentLength float64) []r3.Vec {
	keep := compressIndices(points, tolError, maxSegmentLength)
	out := make([]r3.Vec, len(keep))
	for i, k := range keep {
		out[i] = points[k]
	}
	return out
}

// CompressLine is Compress on a line, keeping the direction of every
// surviving point
func CompressLine(line *models.Line, tolError, maxSegmentLength float64) *models.Line {
	keep := compressIndices(line.Points, tolError, maxSegmentLength)
	out := &models.Line{
		Points: make([]r3.Vec, len(keep)),
		Dirs:   make([]models.Direction, len(keep)),
	}
	for i, k := range keep {
		out.Points[i] = line.Points[k]
		out.Dirs[i] = line.Dirs[k]
	}
	return out
}

func compressIndices(points []r3.Vec, tolError, maxSegmentLength float64) []int {
	n := len(points)
	if n <= 2 {
		keep := make([]int, n)
		for i := range keep {
			keep[i] = i
		}
		return keep
	}
	if maxSegmentLength <= 0 {
		maxSegmentLength = DefaultMaxSegmentLength
	}

	keep := []int{0}
	prev := 0
	for next := 2; next < n; next++ {
		if !fits(points, prev, next, tolError, maxSegmentLength) {
			prev = next - 1
			keep = append(keep, prev)
		}
	}
	return append(keep, n-1)
}

// fits reports whether points[from:to+1] can be replaced by one segment
func fits(points []r3.Vec, from, to int, tolError, maxSegmentLength float64) bool {
	a, b := points[from], points[to]
	if r3.Norm(r3.Sub(b, a)) > maxSegmentLength {
		return false
	}
	for k := from + 1; k < to; k++ {
		if SegmentDistance(points[k], a, b) > tolError {
			return false
		}
	}
	return true
}

// SegmentDistance returns the distance from p to the segment [a, b]
func SegmentDistance(p, a, b r3.Vec) float64 {
	ab := r3.Sub(b, a)
	l2 := r3.Norm2(ab)
	if l2 == 0 {
		return r3.Norm(r3.Sub(p, a))
	}
	t := r3.Dot(r3.Sub(p, a), ab) / l2
	t = max(0, min(1, t))
	return r3.Norm(r3.Sub(p, r3.Add(a, r3.Scale(t, ab))))
}

// Length returns the arc length of a polyline
func Length(points []r3.Vec) float64 {
	var l float64
	for i := 1; i < len(points); i++ {
		l += r3.Norm(r3.Sub(points[i], points[i-1]))
	}
	return l
}

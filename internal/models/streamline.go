package models

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// NoIndex marks a direction that does not correspond to a sphere vertex
const NoIndex = -1

// Label is a tissue class read from the classification volume
type Label int

// Direction is a unit vector paired with the index of the sphere vertex it
// was drawn from. Index is NoIndex for directions built off the sphere, such
// as surface normals or averaged integration steps.
type Direction struct {
	// Vec is the unit direction
	Vec r3.Vec

	// Index is the vertex index in the discretized sphere
	Index int
}

// Reverse returns the opposite direction. The caller provides the antipodal
// vertex index since only the sphere knows it.
func (d Direction) Reverse(antipode int) Direction {
	return Direction{Vec: r3.Scale(-1, d.Vec), Index: antipode}
}

// Line is a growable streamline. Points and Dirs always have the same length.
type Line struct {
	// Points are positions in voxmm space, corner origin
	Points []r3.Vec

	// Dirs holds the direction that produced each point
	Dirs []Direction
}

// NewLine starts a line at pos heading along dir
func NewLine(pos r3.Vec, dir Direction) *Line {
	return &Line{
		Points: []r3.Vec{pos},
		Dirs:   []Direction{dir},
	}
}

// Len returns the number of points
func (l *Line) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Points)
}

// Append adds one point and its direction
func (l *Line) Append(pos r3.Vec, dir Direction) {
	l.Points = append(l.Points, pos)
	l.Dirs = append(l.Dirs, dir)
}

// Last returns the final point and direction. The line must not be empty.
func (l *Line) Last() (r3.Vec, Direction) {
	n := len(l.Points) - 1
	return l.Points[n], l.Dirs[n]
}

// Truncate keeps the first n points
func (l *Line) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(l.Points) {
		l.Points = l.Points[:n]
		l.Dirs = l.Dirs[:n]
	}
}

// Reverse flips the point order in place
func (l *Line) Reverse() {
	for i, j := 0, len(l.Points)-1; i < j; i, j = i+1, j-1 {
		l.Points[i], l.Points[j] = l.Points[j], l.Points[i]
		l.Dirs[i], l.Dirs[j] = l.Dirs[j], l.Dirs[i]
	}
}

// Seed is one tracking attempt's starting point
type Seed struct {
	// Index is the absolute seed index across the whole run
	Index int64

	// Pos is the seed position
	Pos r3.Vec
}

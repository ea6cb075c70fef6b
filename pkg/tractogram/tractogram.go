// Package tractogram persists streamline sets as TrackVis (.trk) or MRtrix
// (.tck) files.
package tractogram

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"tissuetrack/internal/models"
	"tissuetrack/pkg/volume"
)

var (
	// ErrUnknownFormat is returned for file extensions other than .trk and .tck
	ErrUnknownFormat = errors.New("unknown tractogram format")

	// ErrCorrupt is returned when a file does not decode as its format
	ErrCorrupt = errors.New("corrupt tractogram")
)

// Tractogram is a set of streamlines in voxmm space with a corner origin:
// the first voxel spans [0, VoxelSize) on every axis. Affine places the
// reference grid in scanner RAS mm.
type Tractogram struct {
	// Streamlines holds the points of every line
	Streamlines [][]r3.Vec

	// Seeds optionally holds one seed position per streamline
	Seeds []r3.Vec

	// Dims and VoxelSize describe the reference grid
	Dims      [3]int
	VoxelSize r3.Vec

	// Affine maps voxel indices of the reference grid to RAS mm. Nil means
	// an axis-aligned grid at the origin.
	Affine *mat.Dense

	// RunID identifies the tracking run that produced the file
	RunID uuid.UUID
}

// FromLines builds a tractogram on the grid of ref. seeds may be nil.
func FromLines(lines []*models.Line, seeds []r3.Vec, ref *volume.Volume) *Tractogram {
	t := &Tractogram{
		Streamlines: make([][]r3.Vec, len(lines)),
		Seeds:       seeds,
		Dims:        ref.Dims,
		VoxelSize:   ref.VoxelSize,
		Affine:      ref.Affine,
	}
	for i, l := range lines {
		t.Streamlines[i] = l.Points
	}
	return t
}

// Len returns the number of streamlines
func (t *Tractogram) Len() int { return len(t.Streamlines) }

// NumPoints returns the total number of points over all streamlines
func (t *Tractogram) NumPoints() int {
	n := 0
	for _, s := range t.Streamlines {
		n += len(s)
	}
	return n
}

func (t *Tractogram) validate() error {
	if t.Seeds != nil && len(t.Seeds) != len(t.Streamlines) {
		return fmt.Errorf("%d seeds for %d streamlines", len(t.Seeds), len(t.Streamlines))
	}
	if t.VoxelSize.X <= 0 || t.VoxelSize.Y <= 0 || t.VoxelSize.Z <= 0 {
		return fmt.Errorf("invalid voxel size %v", t.VoxelSize)
	}
	if t.Affine != nil {
		if r, c := t.Affine.Dims(); r != 4 || c != 4 {
			return fmt.Errorf("affine is %dx%d, want 4x4", r, c)
		}
	}
	return nil
}

// voxToRAS returns the affine of the reference grid
func (t *Tractogram) voxToRAS() *mat.Dense {
	if t.Affine == nil {
		return volume.DiagonalAffine(t.VoxelSize)
	}
	return t.Affine
}

// Save writes t in the format chosen by the extension of path
func Save(path string, t *Tractogram) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".trk":
		return SaveTRK(path, t)
	case ".tck":
		return SaveTCK(path, t)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(path))
	}
}

// Load reads a tractogram in the format chosen by the extension of path
func Load(path string) (*Tractogram, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".trk":
		return LoadTRK(path)
	case ".tck":
		return LoadTCK(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(path))
	}
}

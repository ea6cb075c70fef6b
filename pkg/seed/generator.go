// Package seed maps absolute seed indices to positions inside a seeding
// mask. The mapping is a pure function of the index and the run's random
// seed, so any worker can produce any seed without coordination.
package seed

import (
	"errors"
	"math/rand/v2"

	"github.com/RoaringBitmap/roaring/v2"
	"gonum.org/v1/gonum/spatial/r3"

	"tissuetrack/pkg/volume"
)

// ErrNoSeeds is returned when the seeding mask has no voxel above zero
var ErrNoSeeds = errors.New("seeding mask does not have any voxel with value > 0")

// offsetStream separates the voxel shuffle stream from the per-seed streams
const offsetStream = 0x9e3779b97f4a7c15

// Generator produces seed positions from a mask
type Generator struct {
	grid    *volume.Volume
	voxels  []uint32
	order   []int
	rngSeed uint64
}

// NewGenerator collects the mask voxels with a positive value and shuffles
// their visiting order with rngSeed
func NewGenerator(mask *volume.Volume, rngSeed uint64) (*Generator, error) {
	bm := roaring.New()
	for i := 0; i < mask.NumVoxels(); i++ {
		if mask.Data[i*mask.Channels] > 0 {
			bm.Add(uint32(i))
		}
	}
	if bm.IsEmpty() {
		return nil, ErrNoSeeds
	}

	voxels := bm.ToArray()
	shuffle := rand.New(rand.NewPCG(rngSeed, offsetStream))
	return &Generator{
		grid:    mask,
		voxels:  voxels,
		order:   shuffle.Perm(len(voxels)),
		rngSeed: rngSeed,
	}, nil
}

// Grid returns the mask volume seeds are drawn from
func (g *Generator) Grid() *volume.Volume { return g.grid }

// NumVoxels returns the number of seeding voxels
func (g *Generator) NumVoxels() int { return len(g.voxels) }

// Count returns the total number of seeds for a per-voxel density
func (g *Generator) Count(perVoxel int) int64 {
	return int64(len(g.voxels)) * int64(perVoxel)
}

// Position returns seed number index. Voxels are visited in shuffled order,
// cycling once every voxel was used, and the point is drawn uniformly inside
// the voxel.
func (g *Generator) Position(index int64) r3.Vec {
	n := int64(len(g.voxels))
	slot := index % n
	if slot < 0 {
		slot += n
	}
	x, y, z := g.grid.VoxelCoords(int(g.voxels[g.order[slot]]))

	rng := rand.New(rand.NewPCG(g.rngSeed, uint64(index)))
	vs := g.grid.VoxelSize
	return r3.Vec{
		X: (float64(x) + rng.Float64()) * vs.X,
		Y: (float64(y) + rng.Float64()) * vs.Y,
		Z: (float64(z) + rng.Float64()) * vs.Z,
	}
}

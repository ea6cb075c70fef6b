package tracking

import (
	"encoding/binary"
	"math"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/spatial/r3"
)

// SeedRNG returns the random generator of one growth attempt. It is a pure
// function of the position bits and the global seed: the same seed position
// gets the same stream whatever worker tracks it.
func SeedRNG(pos r3.Vec, global uint64) *rand.Rand {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(pos.X))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(pos.Y))
	binary.LittleEndian.PutUint64(buf[16:], math.Float64bits(pos.Z))
	binary.LittleEndian.PutUint64(buf[24:], global)
	return rand.New(rand.NewPCG(xxhash.Sum64(buf[:]), global))
}

// endingSteps draws the number of extra steps taken after a stop at pos,
// in [1, max]. It returns 0 when max is 0.
func endingSteps(pos r3.Vec, global uint64, max int) int {
	if max <= 0 {
		return 0
	}
	return 1 + SeedRNG(pos, global).IntN(max)
}

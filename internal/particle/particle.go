// Package particle defines the point-mass type owned by a single piece,
// including the boundary sentinels flanking each piece's local array.
package particle

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"github.com/quillaja/distbh/internal/sfc"
)

// Counters tracks per-particle interaction bookkeeping surfaced in the
// .MACs/.cellints/.partints/.calls output files.
type Counters struct {
	MACs       uint32 // nodes accepted by the opening criterion
	CellInter  uint32 // cell-to-particle interactions applied
	PartInter  uint32 // particle-to-particle interactions applied
	EntryCalls uint32 // times the walk entered this particle's bucket
}

// Particle is one point mass, owned exclusively by one piece.
type Particle struct {
	Key  sfc.Key
	Pos  mgl32.Vec3
	Mass float32
	Soft float32

	Acceleration     mgl64.Vec3
	Potential        float64
	TreeAcceleration mgl64.Vec3

	Counters Counters

	// Sentinel marks indices 0 and N+1 of a piece's local array: they
	// carry only Key (the piece's left/right splitter key) and are
	// never bucketed or force-accumulated.
	Sentinel bool
}

// PosF64 returns Pos widened to float64, the precision used throughout
// the tree and moments kernels.
func (p *Particle) PosF64() mgl64.Vec3 {
	return mgl64.Vec3{float64(p.Pos[0]), float64(p.Pos[1]), float64(p.Pos[2])}
}

// ClearForce zeroes the accumulators the bucket walker writes into,
// done once per particle before a walk begins.
func (p *Particle) ClearForce() {
	p.TreeAcceleration = mgl64.Vec3{}
	p.Potential = 0
	p.Counters = Counters{}
}

// Slice is a piece's local particle array, including the two sentinel
// slots at index 0 and len(Slice)-1. Interior particles occupy indices
// [1, len(Slice)-2].
type Slice []Particle

// Interior returns the sub-slice excluding the left/right sentinels.
func (s Slice) Interior() Slice {
	if len(s) < 2 {
		return nil
	}
	return s[1 : len(s)-1]
}

// LeftSentinel and RightSentinel return pointers to the flanking slots.
func (s Slice) LeftSentinel() *Particle  { return &s[0] }
func (s Slice) RightSentinel() *Particle { return &s[len(s)-1] }

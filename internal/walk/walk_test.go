package walk

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillaja/distbh/internal/geom"
	"github.com/quillaja/distbh/internal/kernel"
	"github.com/quillaja/distbh/internal/particle"
	"github.com/quillaja/distbh/internal/partition"
	"github.com/quillaja/distbh/internal/sfc"
	"github.com/quillaja/distbh/internal/tree"
)

var unitBox = geom.Box{Lo: mgl64.Vec3{0, 0, 0}, Hi: mgl64.Vec3{1, 1, 1}}

// makeSlice mirrors internal/tree's test helper: a sentinel-flanked,
// key-sorted local particle slice.
func makeSlice(positions []mgl64.Vec3, mass float32) particle.Slice {
	s := make(particle.Slice, 0, len(positions)+2)
	s = append(s, particle.Particle{Sentinel: true, Key: sfc.FirstPossibleKey})
	for _, p := range positions {
		s = append(s, particle.Particle{
			Key:  sfc.Of(p, unitBox),
			Pos:  mgl32.Vec3{float32(p[0]), float32(p[1]), float32(p[2])},
			Mass: mass,
		})
	}
	sort.Slice(s[1:len(s)], func(i, j int) bool { return s[1+i].Key < s[1+j].Key })
	s = append(s, particle.Particle{Sentinel: true, Key: sfc.LastPossibleKey})
	return s
}

func buildSinglePiece(t *testing.T, s particle.Slice, bucketSize int) *tree.Builder {
	t.Helper()
	sp, err := partition.Build([][2]sfc.Key{{s[1].Key, s[len(s)-2].Key}})
	require.NoError(t, err)
	b := &tree.Builder{
		Particles: s, Splitters: sp,
		PieceID: 0, NumPieces: 1, BucketSize: bucketSize, GlobalBox: unitBox,
	}
	_, err = b.Build()
	require.NoError(t, err)
	return b
}

func walkAllBuckets(w *Walker) {
	for _, bi := range w.Tree.BucketList {
		node := w.Tree.At(bi)
		req := NewBucketRequest(bi, node.Box, node.BeginParticle, node.EndParticle)
		w.WalkBucketTree(w.Tree.Root, req)
		if !w.Finish(req) {
			panic("local-only walk should never leave a request outstanding")
		}
	}
}

func TestWalkFarBucketAcceptedAsMultipole(t *testing.T) {
	s := makeSlice([]mgl64.Vec3{{0.1, 0.1, 0.1}, {0.9, 0.9, 0.9}}, 1)
	b := buildSinglePiece(t, s, 1)
	require.Len(t, b.Tree.BucketList, 2)

	w := &Walker{Tree: b.Tree, Particles: s, Theta: 0.7}
	walkAllBuckets(w)

	interior := s.Interior()
	wantForce, wantPot := kernel.Direct(
		interior[0].PosF64(), interior[1].PosF64(),
		float64(interior[0].Mass), float64(interior[1].Mass), 0)

	p := &interior[0]
	assert.Equal(t, uint32(1), p.Counters.MACs, "the far one-particle bucket should be accepted as a multipole")
	assert.Equal(t, uint32(1), p.Counters.CellInter)
	assert.Zero(t, p.Counters.PartInter, "the only pairwise candidate is the particle itself")
	assert.InDelta(t, wantForce[0], p.TreeAcceleration[0], 1e-12)
	assert.InDelta(t, wantForce[1], p.TreeAcceleration[1], 1e-12)
	assert.InDelta(t, wantForce[2], p.TreeAcceleration[2], 1e-12)
	assert.InDelta(t, wantPot, p.Potential, 1e-12)
}

// TestWalkCoincidentDistinctParticlesAreNotSelfPairs checks the
// index-identity self-exclusion: two distinct particles sharing a
// position must still count as a pairwise interaction for each other,
// never be silently skipped as "self" the way an r==0 test would.
func TestWalkCoincidentDistinctParticlesAreNotSelfPairs(t *testing.T) {
	s := makeSlice([]mgl64.Vec3{{0.5, 0.5, 0.5}, {0.5, 0.5, 0.5}}, 1)
	b := buildSinglePiece(t, s, 4)
	require.Len(t, b.Tree.BucketList, 1)

	w := &Walker{Tree: b.Tree, Particles: s, Theta: 0.7}
	walkAllBuckets(w)

	for i := range s.Interior() {
		p := &s.Interior()[i]
		assert.Equal(t, uint32(1), p.Counters.PartInter, "the coincident twin is a real interaction partner")
		assert.Equal(t, mgl64.Vec3{}, p.TreeAcceleration, "coincident unsoftened pair exerts no net force")
	}
}

// TestWalkMatchesDirectSumWithTinyTheta pins the walk against the
// O(N^2) direct sum: with theta small enough that no node is ever
// accepted, every interaction resolves to a particle pair and the two
// computations agree up to summation order.
func TestWalkMatchesDirectSumWithTinyTheta(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	positions := make([]mgl64.Vec3, 0, 64)
	for i := 0; i < 64; i++ {
		positions = append(positions, mgl64.Vec3{rng.Float64(), rng.Float64(), rng.Float64()})
	}
	s := makeSlice(positions, 1)
	b := buildSinglePiece(t, s, 8)

	w := &Walker{Tree: b.Tree, Particles: s, Theta: 0.01}
	walkAllBuckets(w)

	interior := s.Interior()
	for i := range interior {
		var want mgl64.Vec3
		for j := range interior {
			if j == i {
				continue
			}
			f, _ := kernel.Direct(interior[i].PosF64(), interior[j].PosF64(),
				float64(interior[i].Mass), float64(interior[j].Mass), 0)
			want = want.Add(f)
		}
		got := interior[i].TreeAcceleration
		// a one-particle bucket has radius 0 and may still be accepted
		// as a degenerate multipole, but its force is the exact point
		// force either way, so the sums agree regardless.
		require.InDelta(t, 0, got.Sub(want).Len()/want.Len(), 1e-9,
			"particle %d: tiny theta must reduce the walk to the exact pairwise sum", i)
	}
}

func TestFinishHoldsMergeUntilAllRequestsResolve(t *testing.T) {
	s := makeSlice([]mgl64.Vec3{{0.3, 0.3, 0.3}}, 1)
	b := buildSinglePiece(t, s, 4)
	require.Len(t, b.Tree.BucketList, 1)

	bi := b.Tree.BucketList[0]
	node := b.Tree.At(bi)
	w := &Walker{Tree: b.Tree, Particles: s, Theta: 0.7}

	req := NewBucketRequest(bi, node.Box, node.BeginParticle, node.EndParticle)
	req.Accel[0] = mgl64.Vec3{1, 2, 3}
	req.NumAdditionalRequests++ // simulate one outstanding cache miss

	assert.False(t, w.Finish(req), "the walk finishing alone must not merge while a miss is outstanding")
	assert.Equal(t, mgl64.Vec3{}, s.Interior()[0].TreeAcceleration)

	assert.True(t, w.Finish(req), "the resolved miss releases the merge")
	assert.Equal(t, mgl64.Vec3{1, 2, 3}, s.Interior()[0].TreeAcceleration)
}

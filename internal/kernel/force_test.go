package kernel

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"

	"github.com/quillaja/distbh/internal/moments"
)

func TestDirectForcePullsTowardOtherBody(t *testing.T) {
	a := mgl64.Vec3{0, 0, 0}
	b := mgl64.Vec3{1, 0, 0}
	force, potential := Direct(a, b, 1, 1, 0)

	assert.Greater(t, force[0], 0.0, "force on a should point toward b (+x)")
	assert.InDelta(t, 0, force[1], 1e-12)
	assert.Less(t, potential, 0.0, "gravitational potential is attractive (negative)")
}

func TestDirectForceSymmetric(t *testing.T) {
	a := mgl64.Vec3{1, 2, 3}
	b := mgl64.Vec3{-2, 0, 5}
	fAB, _ := Direct(a, b, 2, 3, 0.01)
	fBA, _ := Direct(b, a, 3, 2, 0.01)
	assert.InDelta(t, fAB[0], -fBA[0], 1e-9)
	assert.InDelta(t, fAB[1], -fBA[1], 1e-9)
	assert.InDelta(t, fAB[2], -fBA[2], 1e-9)
}

func TestCellToBucketMonopoleMatchesDirectForPointMass(t *testing.T) {
	var m moments.Moments
	m.AddParticle(mgl64.Vec3{5, 0, 0}, 10, 0)

	pos := mgl64.Vec3{0, 0, 0}
	cellForce, cellPot := CellToBucket(m, pos, 1)
	directForce, directPot := Direct(pos, mgl64.Vec3{5, 0, 0}, 1, 10, 0)

	// a single-particle node has zero quadrupole, so the cell
	// expansion collapses exactly to the direct two-body force.
	assert.InDelta(t, directForce[0], cellForce[0], 1e-9)
	assert.InDelta(t, directPot, cellPot, 1e-9)
}

// TestCellToBucketQuadrupoleMatchesTwoPointField pins the quadrupole
// correction against the exact field of a symmetric two-mass dumbbell
// evaluated on its axis, where the octupole term vanishes by symmetry
// and the residual hexadecapole error is ~(a/x)^4.
func TestCellToBucketQuadrupoleMatchesTwoPointField(t *testing.T) {
	const a = 0.01
	p1 := mgl64.Vec3{-a, 0, 0}
	p2 := mgl64.Vec3{a, 0, 0}

	var m moments.Moments
	m.AddParticle(p1, 1, 0)
	m.AddParticle(p2, 1, 0)

	pos := mgl64.Vec3{1, 0, 0}
	cellForce, cellPot := CellToBucket(m, pos, 1)

	f1, pot1 := Direct(pos, p1, 1, 1, 0)
	f2, pot2 := Direct(pos, p2, 1, 1, 0)
	exactForce := f1.Add(f2)
	exactPot := pot1 + pot2

	assert.InEpsilon(t, exactForce[0], cellForce[0], 1e-6)
	assert.InDelta(t, 0, cellForce[1], 1e-18)
	assert.InDelta(t, 0, cellForce[2], 1e-18)
	assert.InEpsilon(t, exactPot, cellPot, 1e-6)

	// the monopole alone underestimates the on-axis pull; the
	// quadrupole term must close most of that gap, so the cell force
	// sits strictly between the monopole and the exact value. All
	// x-components are negative here (attraction toward -x).
	var mono moments.Moments
	mono.AddParticle(mgl64.Vec3{0, 0, 0}, 2, 0)
	monoForce, _ := CellToBucket(mono, pos, 1)
	assert.Less(t, cellForce[0], monoForce[0])
	assert.Greater(t, cellForce[0], exactForce[0])
}

func TestDirectForceZeroAtCoincidentPositionsWithoutSoftening(t *testing.T) {
	force, potential := Direct(mgl64.Vec3{1, 1, 1}, mgl64.Vec3{1, 1, 1}, 1, 1, 0)
	assert.Equal(t, mgl64.Vec3{}, force)
	assert.Equal(t, 0.0, potential)
}

// Package kernel implements the closed-form softened gravitational
// force and potential. It is a pure function of separation, masses and
// softening lengths: it knows nothing of pieces, trees or the cache,
// matching the "treated as a pure function" collaborator boundary the
// specification draws around the force law.
//
// Grounded in the teacher's gravity() (physics.go), generalized with
// Plummer softening (so coincident or near-coincident particles never
// produce an infinite force) and a quadrupole correction term for
// accepted multipole cells.
package kernel

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/quillaja/distbh/internal/moments"
)

// G is Newton's gravitational constant, matching the teacher's value.
const G = 6.67408e-11

// Direct returns the softened gravitational force on particle a (at
// posA, mass massA) due to particle b (at posB, mass massB), and the
// potential a experiences from b. soft is the combined softening
// length of the pair.
func Direct(posA, posB mgl64.Vec3, massA, massB, soft float64) (force mgl64.Vec3, potential float64) {
	d := posB.Sub(posA)
	r2 := d.Dot(d) + soft*soft
	r := math.Sqrt(r2)
	if r == 0 {
		return mgl64.Vec3{}, 0
	}
	invR3 := 1.0 / (r2 * r)
	f := G * massA * massB * invR3
	potential = -G * massA * massB / r
	force = d.Mul(f)
	return force, potential
}

// CellToBucket returns the force and potential a particle of the given
// mass at pos feels (both scaled by that receiving mass) from a node's
// multipole expansion m: the softened monopole term plus
// the quadrupole correction built from m's trace-free tensor.
func CellToBucket(m moments.Moments, pos mgl64.Vec3, mass float64) (force mgl64.Vec3, potential float64) {
	com := m.CenterOfMass()
	d := com.Sub(pos)
	r2 := d.Dot(d) + m.Soft*m.Soft
	r := math.Sqrt(r2)
	if r == 0 {
		return mgl64.Vec3{}, 0
	}
	invR := 1.0 / r
	invR2 := invR * invR
	invR3 := invR2 * invR

	// monopole term
	fMono := G * mass * m.TotalMass * invR3
	force = d.Mul(fMono)

	// quadrupole correction: standard multipole expansion second-order
	// term, using the trace-free tensor so the monopole and quadrupole
	// contributions don't double-count the isotropic part. With
	// Q = sum m (3xx - r^2 I) about the center of mass, the expansion is
	// phi = -GM/r - G (n.Q.n)/(2 r^3), and the matching acceleration
	// (n pointing from the cell toward the particle, the negative of d
	// normalized) is G [Q.n - (5/2)(n.Q.n) n] / r^4.
	qxx, qyy, qzz, qxy, qxz, qyz := m.Qxx(), m.Qyy(), m.Qzz(), m.Qxy(), m.Qxz(), m.Qyz()
	nx, ny, nz := d[0]*invR, d[1]*invR, d[2]*invR

	qDotN := mgl64.Vec3{
		qxx*nx + qxy*ny + qxz*nz,
		qxy*nx + qyy*ny + qyz*nz,
		qxz*nx + qyz*ny + qzz*nz,
	}
	nDotQDotN := nx*qDotN[0] + ny*qDotN[1] + nz*qDotN[2]

	invR4 := invR2 * invR2
	potential = -G*mass*m.TotalMass*invR - 0.5*G*mass*invR3*nDotQDotN

	quadForce := qDotN.Sub(mgl64.Vec3{nx, ny, nz}.Mul(2.5 * nDotQDotN))
	force = force.Add(quadForce.Mul(-G * mass * invR4))

	return force, potential
}

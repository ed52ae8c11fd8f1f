// Package moments implements the multipole accumulator at the heart of
// the Barnes-Hut approximation: accumulating a particle into a node,
// combining two child nodes' moments into a parent's, and subtracting a
// known sibling's moments from a parent's to synthesize a NonLocal
// sibling's moments without ever fetching it.
//
// The accumulators (TotalMass plus the raw, origin-relative first and
// second mass moments) are kept additive on purpose: Add and Combine
// are literal vector sums over disjoint particle sets, which is what
// makes Subtract their exact inverse (up to floating-point order of
// summation), satisfying the round-trip law this kernel is tested
// against.
package moments

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/quillaja/distbh/internal/geom"
)

// Moments is a node's multipole expansion: total mass, center of mass,
// and the (traceless) quadrupole tensor, plus the opening radius and
// softening length used by the walker's acceptance test and force
// kernel.
type Moments struct {
	TotalMass float64

	// raw, origin-relative mass moments. CenterOfMass and the
	// quadrupole tensor are derived from these on demand so that Add,
	// Combine and Subtract stay pure sums.
	sumX, sumY, sumZ                         float64
	sumXX, sumYY, sumZZ, sumXY, sumXZ, sumYZ float64

	Radius float64
	Soft   float64
}

// AddParticle accumulates one particle (mass m at position pos, with
// softening soft) into m.
func (mo *Moments) AddParticle(pos mgl64.Vec3, mass, soft float64) {
	mo.TotalMass += mass
	mo.sumX += mass * pos[0]
	mo.sumY += mass * pos[1]
	mo.sumZ += mass * pos[2]
	mo.sumXX += mass * pos[0] * pos[0]
	mo.sumYY += mass * pos[1] * pos[1]
	mo.sumZZ += mass * pos[2] * pos[2]
	mo.sumXY += mass * pos[0] * pos[1]
	mo.sumXZ += mass * pos[0] * pos[2]
	mo.sumYZ += mass * pos[1] * pos[2]
	if soft > mo.Soft {
		mo.Soft = soft
	}
}

// SubtractParticle removes one particle's contribution, the exact
// inverse of AddParticle for the additive accumulators (Soft is a
// running max and so is not exactly invertible; callers relying on the
// round-trip law do not mix softening changes into the same moments
// value they intend to round-trip).
func (mo *Moments) SubtractParticle(pos mgl64.Vec3, mass, soft float64) {
	mo.TotalMass -= mass
	mo.sumX -= mass * pos[0]
	mo.sumY -= mass * pos[1]
	mo.sumZ -= mass * pos[2]
	mo.sumXX -= mass * pos[0] * pos[0]
	mo.sumYY -= mass * pos[1] * pos[1]
	mo.sumZZ -= mass * pos[2] * pos[2]
	mo.sumXY -= mass * pos[0] * pos[1]
	mo.sumXZ -= mass * pos[0] * pos[2]
	mo.sumYZ -= mass * pos[1] * pos[2]
}

// Combine returns the moments of the union of the particle sets
// represented by a and b. Used to accumulate a node's moments
// bottom-up from its two children.
func Combine(a, b Moments) Moments {
	return Moments{
		TotalMass: a.TotalMass + b.TotalMass,
		sumX:      a.sumX + b.sumX,
		sumY:      a.sumY + b.sumY,
		sumZ:      a.sumZ + b.sumZ,
		sumXX:     a.sumXX + b.sumXX,
		sumYY:     a.sumYY + b.sumYY,
		sumZZ:     a.sumZZ + b.sumZZ,
		sumXY:     a.sumXY + b.sumXY,
		sumXZ:     a.sumXZ + b.sumXZ,
		sumYZ:     a.sumYZ + b.sumYZ,
		Soft:      math.Max(a.Soft, b.Soft),
	}
}

// Subtract returns parent's moments with sibling's contribution
// removed: the moments of the particles in parent but not in sibling.
// Used to synthesize a NonLocal node's moments as parent-sibling
// without ever fetching the NonLocal subtree itself.
func Subtract(parent, sibling Moments) Moments {
	return Moments{
		TotalMass: parent.TotalMass - sibling.TotalMass,
		sumX:      parent.sumX - sibling.sumX,
		sumY:      parent.sumY - sibling.sumY,
		sumZ:      parent.sumZ - sibling.sumZ,
		sumXX:     parent.sumXX - sibling.sumXX,
		sumYY:     parent.sumYY - sibling.sumYY,
		sumZZ:     parent.sumZZ - sibling.sumZZ,
		sumXY:     parent.sumXY - sibling.sumXY,
		sumXZ:     parent.sumXZ - sibling.sumXZ,
		sumYZ:     parent.sumYZ - sibling.sumYZ,
		// softening doesn't invert through max(); re-derived by the
		// caller from the remaining particle set when precision
		// matters (the tree builder always has the synthesized
		// node's own particle range available at build time... but a
		// NonLocal node has none locally, so it inherits the parent's
		// softening as a conservative upper bound).
		Soft: parent.Soft,
	}
}

// CenterOfMass derives the mass-weighted centroid from the raw sums.
// Returns the origin if TotalMass is zero (an empty node).
func (mo Moments) CenterOfMass() mgl64.Vec3 {
	if mo.TotalMass == 0 {
		return mgl64.Vec3{}
	}
	return mgl64.Vec3{mo.sumX / mo.TotalMass, mo.sumY / mo.TotalMass, mo.sumZ / mo.TotalMass}
}

// quadrupole returns the parallel-axis-corrected, trace-free quadrupole
// tensor components Qxx..Qzz relative to the center of mass.
func (mo Moments) quadrupole() (qxx, qyy, qzz, qxy, qxz, qyz float64) {
	if mo.TotalMass == 0 {
		return 0, 0, 0, 0, 0, 0
	}
	com := mo.CenterOfMass()
	M := mo.TotalMass

	// raw second moment relative to origin, shifted to CoM via the
	// parallel axis theorem: sum(m*(x-cx)(y-cy)) = sumXY - M*cx*cy.
	rxx := mo.sumXX - M*com[0]*com[0]
	ryy := mo.sumYY - M*com[1]*com[1]
	rzz := mo.sumZZ - M*com[2]*com[2]
	rxy := mo.sumXY - M*com[0]*com[1]
	rxz := mo.sumXZ - M*com[0]*com[2]
	ryz := mo.sumYZ - M*com[1]*com[2]

	trace := rxx + ryy + rzz
	qxx = 3*rxx - trace
	qyy = 3*ryy - trace
	qzz = 3*rzz - trace
	qxy = 3 * rxy
	qxz = 3 * rxz
	qyz = 3 * ryz
	return
}

// Qxx, Qyy, Qzz, Qxy, Qxz, Qyz expose the individual trace-free
// quadrupole components used by the force kernel's multipole
// correction term.
func (mo Moments) Qxx() float64 { qxx, _, _, _, _, _ := mo.quadrupole(); return qxx }
func (mo Moments) Qyy() float64 { _, qyy, _, _, _, _ := mo.quadrupole(); return qyy }
func (mo Moments) Qzz() float64 { _, _, qzz, _, _, _ := mo.quadrupole(); return qzz }
func (mo Moments) Qxy() float64 { _, _, _, qxy, _, _ := mo.quadrupole(); return qxy }
func (mo Moments) Qxz() float64 { _, _, _, _, qxz, _ := mo.quadrupole(); return qxz }
func (mo Moments) Qyz() float64 { _, _, _, _, _, qyz := mo.quadrupole(); return qyz }

// SetRadiusFromBox sets Radius from the farthest corner of box from the
// node's own center of mass, used for Internal/Boundary nodes once
// their children's particles are no longer locally enumerable.
func (mo *Moments) SetRadiusFromBox(box geom.Box) {
	mo.Radius = box.FarthestCorner(mo.CenterOfMass())
}

// SetRadiusFromParticles sets Radius to the farthest of positions from
// the node's center of mass, used for Bucket nodes while the particles
// are still directly at hand.
func (mo *Moments) SetRadiusFromParticles(positions []mgl64.Vec3) {
	com := mo.CenterOfMass()
	max := 0.0
	for _, p := range positions {
		d := p.Sub(com).Len()
		if d > max {
			max = d
		}
	}
	mo.Radius = max
}

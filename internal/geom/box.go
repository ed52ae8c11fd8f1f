// Package geom provides the bounding-box primitives shared by the SFC
// keyer, the tree builder, and the multipole moments kernel.
package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Box is an axis-aligned bounding box, lo and hi inclusive.
type Box struct {
	Lo, Hi mgl64.Vec3
}

// Center returns the midpoint of b.
func (b Box) Center() mgl64.Vec3 {
	return b.Lo.Add(b.Hi).Mul(0.5)
}

// Width returns the extent of b along each axis.
func (b Box) Width() mgl64.Vec3 {
	return b.Hi.Sub(b.Lo)
}

// Contains reports whether p lies within b (inclusive bounds).
func (b Box) Contains(p mgl64.Vec3) bool {
	return p[0] >= b.Lo[0] && p[0] <= b.Hi[0] &&
		p[1] >= b.Lo[1] && p[1] <= b.Hi[1] &&
		p[2] >= b.Lo[2] && p[2] <= b.Hi[2]
}

// FarthestCorner returns the distance from center to the farthest of the
// box's 8 corners. Used to derive a node's opening radius from its
// geometric extent when particle positions aren't available (e.g. for
// Internal nodes after children have been pruned away).
func (b Box) FarthestCorner(center mgl64.Vec3) float64 {
	// per axis, the farther of the two faces fixes that corner coordinate.
	var d mgl64.Vec3
	for i := 0; i < 3; i++ {
		d[i] = math.Max(math.Abs(center[i]-b.Lo[i]), math.Abs(b.Hi[i]-center[i]))
	}
	return d.Len()
}

// Split returns the two child boxes obtained by bisecting b at axis,
// which cycles 0(x),1(y),2(z) as the SFC key's interleave does.
func (b Box) Split(axis int) (lo, hi Box) {
	mid := b.Lo[axis] + (b.Hi[axis]-b.Lo[axis])*0.5
	lo, hi = b, b
	lo.Hi[axis] = mid
	hi.Lo[axis] = mid
	return lo, hi
}

// IntersectsSphere reports whether the sphere centered at center with
// the given radius intersects b, via the standard closest-point
// distance check (clamp center to the box, compare to radius).
func (b Box) IntersectsSphere(center mgl64.Vec3, radius float64) bool {
	distSq := 0.0
	for axis := 0; axis < 3; axis++ {
		c := center[axis]
		if c < b.Lo[axis] {
			d := b.Lo[axis] - c
			distSq += d * d
		} else if c > b.Hi[axis] {
			d := c - b.Hi[axis]
			distSq += d * d
		}
	}
	return distSq <= radius*radius
}

// Union returns the smallest box containing both a and b.
func Union(a, b Box) Box {
	return Box{
		Lo: mgl64.Vec3{math.Min(a.Lo[0], b.Lo[0]), math.Min(a.Lo[1], b.Lo[1]), math.Min(a.Lo[2], b.Lo[2])},
		Hi: mgl64.Vec3{math.Max(a.Hi[0], b.Hi[0]), math.Max(a.Hi[1], b.Hi[1]), math.Max(a.Hi[2], b.Hi[2])},
	}
}

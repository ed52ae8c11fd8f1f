// Package sfc generates the space-filling-curve keys that order
// particles for partitioning and tree construction. A Key is a 63-bit
// Morton (Z-order) code: the 21 most significant mantissa bits of each
// normalized coordinate, interleaved so that lexicographic order on
// keys tracks the Z-order on positions.
package sfc

import (
	"math"
	"math/bits"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/quillaja/distbh/internal/geom"
)

// Key is a 63-bit interleaved Morton code.
type Key uint64

const (
	// FirstPossibleKey is the smallest key any particle can take.
	FirstPossibleKey Key = 0
	// LastPossibleKey is the largest key any particle can take.
	LastPossibleKey Key = (1 << 63) - 1

	// bitsPerAxis is the number of mantissa bits kept per coordinate.
	// 3 axes * 21 bits = 63, filling a uint64 save its top bit.
	bitsPerAxis = 21
	axisScale   = 1 << bitsPerAxis
)

// Of maps pos, assumed to lie within bbox, to its Morton key. Behaviour
// for positions outside bbox is undefined; callers clip beforehand.
func Of(pos mgl64.Vec3, bbox geom.Box) Key {
	width := bbox.Width()
	var coord [3]uint32
	for axis := 0; axis < 3; axis++ {
		w := width[axis]
		frac := 0.0
		if w > 0 {
			frac = (pos[axis] - bbox.Lo[axis]) / w
		}
		coord[axis] = clampToAxis(frac)
	}
	return interleave(coord[0], coord[1], coord[2])
}

// clampToAxis converts a fractional coordinate in [0,1) into a
// bitsPerAxis-bit integer, clamping pathological inputs rather than
// wrapping or overflowing.
func clampToAxis(frac float64) uint32 {
	if frac < 0 {
		frac = 0
	}
	if frac >= 1 {
		frac = math.Nextafter(1, 0)
	}
	v := uint32(frac * axisScale)
	if v >= axisScale {
		v = axisScale - 1
	}
	return v
}

// interleave bit-interleaves the high bit of x into key bit 62, y into
// 61, z into 60, then x's next bit into 59, and so on, consuming all 21
// bits of each axis.
func interleave(x, y, z uint32) Key {
	var key Key
	for b := bitsPerAxis - 1; b >= 0; b-- {
		shift := uint(b)
		key <<= 3
		key |= Key((x>>shift)&1)<<2 | Key((y>>shift)&1)<<1 | Key((z>>shift)&1)
	}
	return key
}

// PrefixBit returns the value of bit (62-level) of key, the bit
// examined by the tree builder when deciding how to bisect a range at
// the given tree level (0 = root).
func PrefixBit(key Key, level int) int {
	shift := uint(62 - level)
	return int((key >> shift) & 1)
}

// Prefix masks key down to the first level bits (the node's key
// prefix at that tree depth).
func Prefix(key Key, level int) Key {
	if level <= 0 {
		return 0
	}
	shift := uint(63 - level)
	return (key >> shift) << shift
}

// Span returns the width, in key space, of every node's prefix at the
// given tree level: the half-open range [prefix, prefix+Span(level))
// fully describes which keys fall under a node at that level.
func Span(level int) Key {
	return 1 << uint(63-level)
}

// LookupKey returns the tree-shape-unique identifier for a node at the
// given key prefix and level: the prefix with a sentinel 1 bit set
// immediately below it. Every co-owner of a Boundary node computes the
// same LookupKey for it independently.
func LookupKey(key Key, level int) Key {
	return key | (1 << uint(62-level))
}

// DecodeLookupKey recovers a node's (key, level) from its lookupKey. A
// node's key has zero bits below position (62-level) by construction
// (the builder only ever sets bits from the top down as level
// increases), so the sentinel bit LookupKey adds is the lowest set bit
// of the whole value; its position fixes level, and clearing it
// recovers key. Used by the cached walker to compute a node's
// children's lookupKeys when it only has the parent's lookupKey (a
// cache chunk carries no separate key/level fields — see
// internal/transport.NodeRecord).
func DecodeLookupKey(lookupKey Key) (key Key, level int) {
	if lookupKey == 0 {
		return 0, 0
	}
	trailingZeros := bits.TrailingZeros64(uint64(lookupKey))
	level = 62 - trailingZeros
	bit := Key(1) << uint(trailingZeros)
	return lookupKey &^ bit, level
}

// ChildLookupKey returns the lookupKey of the 0-bit (left) or 1-bit
// (right) child of the node identified by parentLookupKey.
func ChildLookupKey(parentLookupKey Key, rightChild bool) Key {
	key, level := DecodeLookupKey(parentLookupKey)
	childLevel := level + 1
	childKey := key
	if rightChild {
		childKey |= Key(1) << uint(62-level)
	}
	return LookupKey(childKey, childLevel)
}

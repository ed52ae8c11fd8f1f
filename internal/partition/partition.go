// Package partition builds and queries the global splitter array that
// every piece uses, identically, to decide which piece(s) own a given
// key range. This is the sole arbiter of Boundary node identity: every
// co-owner of a node must compute the same designated owner from the
// same splitters.
package partition

import (
	"fmt"
	"sort"

	"github.com/quillaja/distbh/internal/sfc"
)

// Splitters is the global, sorted array of 2*numPieces keys produced by
// the all-gather of each piece's [minKey, maxKey]. Odd indices (1,3,5…)
// are piece maxima, even indices (0,2,4…) are piece minima, after the
// per-piece pairs have been concatenated and sorted.
type Splitters []sfc.Key

// Build concatenates every piece's (minKey, maxKey) pair, in piece
// index order, into the global splitter array. Because pieces own
// contiguous, non-overlapping, increasing key ranges after a correct
// SFC sort, this concatenation is already non-decreasing; Build
// validates that rather than imposing its own sort, and returns an
// error (structural-fatal, per the error handling design) the moment
// it is not, which would mean two pieces' key ranges are inverted or
// overlapping, or a piece reported min > max.
func Build(pairs [][2]sfc.Key) (Splitters, error) {
	s := make(Splitters, 0, 2*len(pairs))
	for _, p := range pairs {
		s = append(s, p[0], p[1])
	}

	for i := 1; i < len(s); i++ {
		if s[i] < s[i-1] {
			return nil, fmt.Errorf("partition: splitter array not non-decreasing at index %d (%d < %d)", i, s[i], s[i-1])
		}
	}
	return s, nil
}

// UpperBound returns the index of the first element of s strictly
// greater than key (i.e. C++ std::upper_bound semantics).
func UpperBound(s Splitters, key sfc.Key) int {
	return sort.Search(len(s), func(i int) bool { return s[i] > key })
}

// LowerBound returns the index of the first element of s greater than
// or equal to key (i.e. C++ std::lower_bound semantics).
func LowerBound(s Splitters, key sfc.Key) int {
	return sort.Search(len(s), func(i int) bool { return s[i] >= key })
}

// Ownership describes which piece(s) own a node's key prefix.
type Ownership struct {
	FirstOwner, LastOwner, DesignatedOwner int
	NumOwners                              int
}

// NodeOwnership determines which piece(s) own the key range
// [leftBoundary, rightBoundary) using splitters, and the designated
// owner when more than one piece shares it. ok is false when the range
// falls entirely between two pieces' ranges (owned by nobody) — the
// caller prunes that child rather than treating it as an error.
func NodeOwnership(s Splitters, leftBoundary, rightBoundary sfc.Key) (own Ownership, ok bool) {
	L := UpperBound(s, leftBoundary)
	R := LowerBound(s[L:], rightBoundary) + L

	if L == R {
		if L%2 == 1 {
			owner := L / 2
			return Ownership{FirstOwner: owner, LastOwner: owner, DesignatedOwner: owner, NumOwners: 1}, true
		}
		// falls entirely between pieces: not owned by anyone.
		return Ownership{}, false
	}

	firstOwner := L / 2
	lastOwner := (R - 1) / 2
	numOwners := lastOwner - firstOwner + 1
	designated := (firstOwner + lastOwner) / 2
	return Ownership{
		FirstOwner:      firstOwner,
		LastOwner:       lastOwner,
		DesignatedOwner: designated,
		NumOwners:       numOwners,
	}, true
}

package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillaja/distbh/internal/sfc"
)

func TestBuildConcatenatesInPieceOrder(t *testing.T) {
	pairs := [][2]sfc.Key{
		{0, 99},
		{100, 199},
		{200, 299},
	}
	s, err := Build(pairs)
	require.NoError(t, err)
	assert.Equal(t, Splitters{0, 99, 100, 199, 200, 299}, s)
}

func TestBuildRejectsOverlap(t *testing.T) {
	// piece 0 claims [0,150], piece 1 claims [100,199]: overlapping
	// ranges make the concatenation non-monotone at the piece 1
	// minimum.
	pairs := [][2]sfc.Key{
		{0, 150},
		{100, 199},
	}
	_, err := Build(pairs)
	require.Error(t, err)
}

func TestNodeOwnershipSingleOwner(t *testing.T) {
	s := Splitters{0, 99, 100, 199, 200, 299}
	own, ok := NodeOwnership(s, 120, 180)
	require.True(t, ok)
	assert.Equal(t, 1, own.NumOwners)
	assert.Equal(t, 1, own.DesignatedOwner)
}

func TestNodeOwnershipBetweenPieces(t *testing.T) {
	s := Splitters{0, 99, 200, 299}
	_, ok := NodeOwnership(s, 120, 150)
	assert.False(t, ok)
}

func TestNodeOwnershipSpansMultiplePieces(t *testing.T) {
	s := Splitters{0, 99, 100, 199, 200, 299, 300, 399}
	own, ok := NodeOwnership(s, 50, 350)
	require.True(t, ok)
	assert.Equal(t, 0, own.FirstOwner)
	assert.Equal(t, 3, own.LastOwner)
	assert.Equal(t, 4, own.NumOwners)
	assert.Equal(t, 1, own.DesignatedOwner) // median of [0,3] floor((0+3)/2)
}

func TestUpperLowerBound(t *testing.T) {
	s := Splitters{0, 99, 100, 199, 200, 299}
	assert.Equal(t, 1, UpperBound(s, 0))
	assert.Equal(t, 0, LowerBound(s, 0))
	assert.Equal(t, 6, UpperBound(s, 299))
	assert.Equal(t, 5, LowerBound(s, 299))
}

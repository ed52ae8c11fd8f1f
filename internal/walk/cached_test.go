package walk

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillaja/distbh/internal/cache"
	"github.com/quillaja/distbh/internal/geom"
	"github.com/quillaja/distbh/internal/moments"
	"github.com/quillaja/distbh/internal/partition"
	"github.com/quillaja/distbh/internal/sfc"
	"github.com/quillaja/distbh/internal/transport"
	"github.com/quillaja/distbh/internal/tree"
	"go.uber.org/zap"
)

// TestCachedWalkAcceptsChunkRootMultipole feeds walkCachedRecords a
// chunk whose root is a tight, distant bucket: the opening test accepts
// it outright and exactly one cell interaction lands on the local
// bucket's particle.
func TestCachedWalkAcceptsChunkRootMultipole(t *testing.T) {
	local := makeSlice([]mgl64.Vec3{{0.1, 0.1, 0.1}}, 1)
	lb := buildSinglePiece(t, local, 4)
	require.Len(t, lb.Tree.BucketList, 1)

	remote := makeSlice([]mgl64.Vec3{{0.9, 0.9, 0.9}, {0.91, 0.9, 0.9}}, 1)
	rb := buildSinglePiece(t, remote, 4)
	require.Len(t, rb.Tree.BucketList, 1)
	rootKey := rb.Tree.At(rb.Tree.BucketList[0]).LookupKey()
	records := tree.PrefixCopyNode(rb.Tree, rootKey, 3)
	require.NotEmpty(t, records)

	w := &Walker{Tree: lb.Tree, Particles: local, Theta: 0.7}
	bi := lb.Tree.BucketList[0]
	node := lb.Tree.At(bi)
	req := NewBucketRequest(bi, node.Box, node.BeginParticle, node.EndParticle)

	w.walkCachedRecords(records, req, 1, 3)

	assert.Equal(t, 1, req.NumAdditionalRequests, "an accepted chunk issues no further requests")
	assert.Equal(t, uint32(1), req.Counters[0].MACs)
	assert.Equal(t, uint32(1), req.Counters[0].CellInter)
	assert.Greater(t, req.Accel[0][0], 0.0, "force points toward the remote cluster (+x)")
	assert.Greater(t, req.Accel[0][1], 0.0)
	assert.Greater(t, req.Accel[0][2], 0.0)
}

// TestCachedWalkFetchesChildrenWhenChunkDepthRunsOut drives the cached
// walk into a chunk whose prefix depth ends at an Internal node: the
// walker must compute both children's lookup keys and issue fresh cache
// requests for them, leaving the BucketRequest holding one extra
// reference per miss.
func TestCachedWalkFetchesChildrenWhenChunkDepthRunsOut(t *testing.T) {
	// four clustered particles force a long chain of Internal nodes
	// before any bucket, so a depth-3 chunk always runs out early.
	remote := makeSlice([]mgl64.Vec3{
		{0.1, 0.1, 0.1}, {0.11, 0.1, 0.1}, {0.1, 0.11, 0.1}, {0.11, 0.11, 0.1},
	}, 1)
	rb := buildSinglePiece(t, remote, 2)
	rootKey := rb.Tree.At(rb.Tree.Root).LookupKey()
	records := tree.PrefixCopyNode(rb.Tree, rootKey, 3)
	require.NotEmpty(t, records)

	bus := transport.NewBus()
	bus.Register(1, 16) // the owner piece's inbox absorbs the fill requests
	c := cache.New(99, bus, 3, true, zap.NewNop())
	go c.Run()
	defer c.Stop()

	w := &Walker{Cache: c, PieceID: 0, Theta: 0.7}
	// a bucket box covering everything: no record is ever accepted, so
	// the walk must descend the whole chunk.
	req := &BucketRequest{
		Box:                   geom.Box{Lo: mgl64.Vec3{-10, -10, -10}, Hi: mgl64.Vec3{10, 10, 10}},
		NumAdditionalRequests: 1,
	}

	w.walkCachedRecords(records, req, 1, 3)

	assert.Equal(t, 3, req.NumAdditionalRequests, "both depth-exhausted children should be outstanding misses")
	keys := req.PendingNodeKeys()
	require.Len(t, keys, 2)
	for _, k := range keys {
		assert.Equal(t, transport.PieceID(1), k.Owner, "child fetches go back to the chunk's owner")
	}
	assert.NotEqual(t, keys[0].LookupKey, keys[1].LookupKey)
}

// TestWalkNonLocalMissRegistersPendingRequest checks the on-tree walk's
// miss path: reaching a NonLocal node whose subtree isn't cached bumps
// the reference count and records the (owner, lookupKey) pair for the
// piece to index its waiter table by.
func TestWalkNonLocalMissRegistersPendingRequest(t *testing.T) {
	leftPositions := []mgl64.Vec3{{0.1, 0.1, 0.1}, {0.12, 0.1, 0.1}}
	rightPositions := []mgl64.Vec3{{0.9, 0.9, 0.9}, {0.92, 0.9, 0.9}}

	local := makeSlice(leftPositions, 1)
	remoteSlice := makeSlice(rightPositions, 1)
	// piece 0's right sentinel carries its neighbour's nearest key.
	local[len(local)-1].Key = remoteSlice[1].Key

	splitters, err := partition.Build([][2]sfc.Key{
		{local[1].Key, local[len(local)-2].Key},
		{remoteSlice[1].Key, remoteSlice[len(remoteSlice)-2].Key},
	})
	require.NoError(t, err)

	b := &tree.Builder{
		Particles: local, Splitters: splitters,
		PieceID: 0, NumPieces: 2, BucketSize: 4, GlobalBox: unitBox,
	}
	_, err = b.Build()
	require.NoError(t, err)
	require.Len(t, b.Tree.BucketList, 1)

	// stand in for reconciliation: give the NonLocal placeholder the
	// remote cluster's mass and a radius wide enough that the opening
	// test refuses it, forcing the walk through the cache.
	var nonLocalKey sfc.Key
	found := false
	for i := range b.Tree.Nodes {
		n := &b.Tree.Nodes[i]
		if n.Kind == tree.NonLocal {
			var mo moments.Moments
			mo.AddParticle(mgl64.Vec3{0.9, 0.9, 0.9}, 2, 0)
			mo.Radius = 2
			n.Moments = mo
			nonLocalKey = n.LookupKey()
			found = true
		}
	}
	require.True(t, found, "a two-piece build with a right neighbour must produce a NonLocal node")

	bus := transport.NewBus()
	bus.Register(1, 16)
	c := cache.New(99, bus, 3, true, zap.NewNop())
	go c.Run()
	defer c.Stop()

	w := &Walker{Tree: b.Tree, Particles: local, Cache: c, PieceID: 0, Theta: 0.7}
	bi := b.Tree.BucketList[0]
	node := b.Tree.At(bi)
	req := NewBucketRequest(bi, node.Box, node.BeginParticle, node.EndParticle)

	w.WalkBucketTree(b.Tree.Root, req)

	assert.Equal(t, 2, req.NumAdditionalRequests)
	keys := req.PendingNodeKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, transport.PieceID(1), keys[0].Owner)
	assert.Equal(t, nonLocalKey, keys[0].LookupKey)
	assert.False(t, w.Finish(req), "the outstanding miss must hold the bucket open")
}

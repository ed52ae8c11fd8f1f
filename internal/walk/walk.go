// Package walk implements the cooperative bucket walker (§4.6-4.8): for
// each local bucket, descend the globally-consistent tree applying the
// Barnes-Hut opening criterion, invoking the force kernel on accepted
// cells or buckets, and recursing otherwise. NonLocal subtrees route
// through the remote cache; a reference count on each BucketRequest
// tracks how many such requests are still outstanding before the
// bucket's accumulated forces can be merged back into its particles.
package walk

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/quillaja/distbh/internal/cache"
	"github.com/quillaja/distbh/internal/geom"
	"github.com/quillaja/distbh/internal/kernel"
	"github.com/quillaja/distbh/internal/moments"
	"github.com/quillaja/distbh/internal/particle"
	"github.com/quillaja/distbh/internal/sfc"
	"github.com/quillaja/distbh/internal/transport"
	"github.com/quillaja/distbh/internal/tree"
)

// defaultOpeningGeometryFactor is used whenever a Walker is built with
// OpeningFactor left at zero. The original source (ChaNGa's
// TreePiece.cpp) uses the same "opening_geometry_factor *
// node->moments.radius / theta" shape without exposing the constant's
// value in the files this was distilled from; internal/config.Default
// picks 1.0, the textbook Barnes-Hut criterion, as the default rather
// than reconstructing an unseen header's value.
const defaultOpeningGeometryFactor = 1.0

// BucketRequest is the in-flight state of one bucket's walk: the
// accumulators the kernel writes into, and a reference count that
// starts at 1 (for the walk itself) and is incremented once per
// outstanding cache miss, so the bucket isn't finalized until every
// miss it issued has been resolved.
type BucketRequest struct {
	BucketIdx             int32
	Box                   geom.Box
	NumAdditionalRequests int
	Accel                 []mgl64.Vec3
	Potential             []float64
	Counters              []particle.Counters

	pendingCacheContinuations []pendingContinuation
	pendingBucketFetches      []pendingBucketFetch
}

type pendingContinuation struct {
	owner     transport.PieceID
	lookupKey sfc.Key
}

type pendingBucketFetch struct {
	owner     transport.PieceID
	lookupKey sfc.Key
}

// NewBucketRequest builds the zeroed accumulator state for the bucket
// at bucketIdx, one slot per particle in [begin,end).
func NewBucketRequest(bucketIdx int32, box geom.Box, begin, end int) *BucketRequest {
	n := end - begin
	return &BucketRequest{
		BucketIdx:             bucketIdx,
		Box:                   box,
		NumAdditionalRequests: 1,
		Accel:                 make([]mgl64.Vec3, n),
		Potential:             make([]float64, n),
		Counters:              make([]particle.Counters, n),
	}
}

// Walker carries the per-piece state WalkBucketTree needs beyond the
// tree itself: the particle slice, the remote cache handle, this
// piece's identity on the bus, and theta.
type Walker struct {
	Tree      *tree.Tree
	Particles particle.Slice
	Cache     *cache.Cache
	PieceID   transport.PieceID
	Theta     float64
	// OpeningFactor overrides defaultOpeningGeometryFactor when nonzero;
	// piece construction wires this from config.Config.OpeningGeometryFactor.
	OpeningFactor float64

	// RemoteLookups counts every node-chunk lookup this walker issued
	// against the cache, hits and misses alike. Compared against the
	// cache's distinct-line count to observe dedup working.
	RemoteLookups int
}

// openingFactor returns w.OpeningFactor, falling back to
// defaultOpeningGeometryFactor when the Walker was built without one.
func (w *Walker) openingFactor() float64 {
	if w.OpeningFactor == 0 {
		return defaultOpeningGeometryFactor
	}
	return w.OpeningFactor
}

// WalkBucketTree descends from nodeIdx, applying forces to req's
// bucket as nodes are accepted or recursing as required (§4.6). It
// never blocks: a NonLocal node with no cached subtree bumps
// req.NumAdditionalRequests and returns immediately, to be resumed
// later through ResumeNode over the delivered records.
func (w *Walker) WalkBucketTree(nodeIdx int32, req *BucketRequest) {
	node := w.Tree.At(nodeIdx)
	if node == nil || node.Kind == tree.Empty {
		return
	}

	if w.accept(node, req) {
		w.applyCellToBucket(node, req)
		return
	}

	switch node.Kind {
	case tree.Bucket:
		w.applyBucketToBucket(node, req)

	case tree.NonLocal:
		owner := transport.PieceID(node.RemoteIndex)
		lookupKey := node.LookupKey()
		w.RemoteLookups++
		records, hit := w.Cache.RequestNode(w.PieceID, owner, lookupKey)
		if hit {
			w.walkCachedRecords(records, req, owner, w.Cache.CacheLineDepth)
			return
		}
		req.NumAdditionalRequests++
		req.pendingCacheContinuations = append(req.pendingCacheContinuations, pendingContinuation{owner, lookupKey})

	default: // Internal, Boundary, Top
		w.WalkBucketTree(node.Left, req)
		w.WalkBucketTree(node.Right, req)
	}
}

// accept applies the Barnes-Hut multipole acceptance criterion: node
// is accepted as a single multipole source iff its opening sphere
// does not intersect req's bucket bounding box.
func (w *Walker) accept(node *tree.Node, req *BucketRequest) bool {
	radius := w.openingFactor() * node.Moments.Radius / w.Theta
	return !req.Box.IntersectsSphere(node.Moments.CenterOfMass(), radius)
}

func (w *Walker) applyCellToBucket(node *tree.Node, req *BucketRequest) {
	w.applyCellToBucketMoments(node.Moments, req)
}

// applyCellToBucketMoments applies a single accepted multipole's force
// to every particle in req's bucket; shared by the live-tree walk and
// the cached walk, which only ever has a remote node's moments, never
// its full tree.Node.
func (w *Walker) applyCellToBucketMoments(mo moments.Moments, req *BucketRequest) {
	interior := w.Particles.Interior()
	for i := range req.Accel {
		p := &interior[bucketParticleIndex(w.Tree.At(req.BucketIdx), i)]
		force, pot := kernel.CellToBucket(mo, p.PosF64(), float64(p.Mass))
		req.Accel[i] = req.Accel[i].Add(force)
		req.Potential[i] += pot
		req.Counters[i].MACs++
		req.Counters[i].CellInter++
	}
}

// applyRemoteParticlesToBucket applies pairwise forces between a
// fetched remote particle chunk and req's bucket particles. No
// self-interaction exclusion is needed here: a remote bucket's
// particles are never identity-equal to req's own local particles.
func (w *Walker) applyRemoteParticlesToBucket(remote []transport.ParticleRecord, req *BucketRequest) {
	interior := w.Particles.Interior()
	bucketNode := w.Tree.At(req.BucketIdx)
	for i := range req.Accel {
		p := &interior[bucketParticleIndex(bucketNode, i)]
		for _, other := range remote {
			otherPos := mgl64.Vec3{float64(other.PosX), float64(other.PosY), float64(other.PosZ)}
			force, pot := kernel.Direct(p.PosF64(), otherPos, float64(p.Mass), float64(other.Mass), maxSoft(p.Soft, other.Soft))
			req.Accel[i] = req.Accel[i].Add(force)
			req.Potential[i] += pot
			req.Counters[i].PartInter++
		}
		req.Counters[i].EntryCalls++
	}
}

// applyBucketToBucket computes pairwise forces between node's
// particles and req's bucket's particles, excluding self-interaction
// by slice-index identity rather than a coincident-position check
// (the REDESIGN FLAG in §9: two particles can legitimately sit at
// r==0 without being the same body).
func (w *Walker) applyBucketToBucket(node *tree.Node, req *BucketRequest) {
	interior := w.Particles.Interior()
	bucketNode := w.Tree.At(req.BucketIdx)
	for i := range req.Accel {
		pi := bucketParticleIndex(bucketNode, i)
		p := &interior[pi]
		for j := node.BeginParticle; j < node.EndParticle; j++ {
			jInterior := j - 1
			if jInterior == pi {
				continue
			}
			other := &interior[jInterior]
			force, pot := kernel.Direct(p.PosF64(), other.PosF64(), float64(p.Mass), float64(other.Mass), maxSoft(p.Soft, other.Soft))
			req.Accel[i] = req.Accel[i].Add(force)
			req.Potential[i] += pot
			req.Counters[i].PartInter++
		}
		req.Counters[i].EntryCalls++
	}
}

func maxSoft(a, b float32) float64 {
	if a > b {
		return float64(a)
	}
	return float64(b)
}

// bucketParticleIndex maps a bucket-relative offset to its absolute
// index in the interior particle slice.
func bucketParticleIndex(bucket *tree.Node, offset int) int {
	return bucket.BeginParticle + offset - 1
}

// Finish decrements req's reference count for the walk itself
// completing; when it reaches zero (every cache miss it issued has
// also resolved), the bucket's accumulated forces are merged into its
// owning particles and done reports true.
func (w *Walker) Finish(req *BucketRequest) (done bool) {
	req.NumAdditionalRequests--
	if req.NumAdditionalRequests > 0 {
		return false
	}
	w.mergeIntoParticles(req)
	return true
}

// PendingKey is an (owner, lookupKey) pair a BucketRequest is still
// waiting on a remote chunk for.
type PendingKey struct {
	Owner     transport.PieceID
	LookupKey sfc.Key
}

// PendingNodeKeys returns the node-chunk misses req issued and clears
// them: the caller (the piece actor) uses this to index req under
// each key in its own waiter registry immediately after a miss, since
// the cache itself only notifies the requester, not any particular
// BucketRequest.
func (req *BucketRequest) PendingNodeKeys() []PendingKey {
	out := make([]PendingKey, len(req.pendingCacheContinuations))
	for i, c := range req.pendingCacheContinuations {
		out[i] = PendingKey{c.owner, c.lookupKey}
	}
	req.pendingCacheContinuations = nil
	return out
}

// PendingParticleKeys is PendingNodeKeys' counterpart for bucket
// particle-chunk misses issued by the cached walk.
func (req *BucketRequest) PendingParticleKeys() []PendingKey {
	out := make([]PendingKey, len(req.pendingBucketFetches))
	for i, c := range req.pendingBucketFetches {
		out[i] = PendingKey{c.owner, c.lookupKey}
	}
	req.pendingBucketFetches = nil
	return out
}

// ResumeNode continues req's walk once a previously-missed node chunk
// from owner has arrived, then resolves one outstanding request.
func (w *Walker) ResumeNode(req *BucketRequest, owner transport.PieceID, records []transport.NodeRecord, cacheLineDepth int) (done bool) {
	w.walkCachedRecords(records, req, owner, cacheLineDepth)
	return w.Finish(req)
}

// ResumeParticles continues req's walk once a previously-missed
// particle chunk from owner has arrived, then resolves one
// outstanding request.
func (w *Walker) ResumeParticles(req *BucketRequest, remote []transport.ParticleRecord) (done bool) {
	w.applyRemoteParticlesToBucket(remote, req)
	return w.Finish(req)
}

func (w *Walker) mergeIntoParticles(req *BucketRequest) {
	interior := w.Particles.Interior()
	bucket := w.Tree.At(req.BucketIdx)
	for i := range req.Accel {
		p := &interior[bucketParticleIndex(bucket, i)]
		p.TreeAcceleration = p.TreeAcceleration.Add(req.Accel[i])
		p.Potential += req.Potential[i]
		p.Counters.MACs += req.Counters[i].MACs
		p.Counters.CellInter += req.Counters[i].CellInter
		p.Counters.PartInter += req.Counters[i].PartInter
		p.Counters.EntryCalls += req.Counters[i].EntryCalls
	}
}

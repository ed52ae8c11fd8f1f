package walk

import (
	"github.com/quillaja/distbh/internal/sfc"
	"github.com/quillaja/distbh/internal/transport"
	"github.com/quillaja/distbh/internal/tree"
)

// walkCachedRecords resumes a bucket's walk over a prefix-subtree
// chunk fetched from owner (§4.7). It mirrors WalkBucketTree's logic
// but reads nodes from records instead of the local tree, consuming
// exactly the shape PrefixCopyNode produced so positions stay in sync
// even past nodes the opening test accepts outright.
func (w *Walker) walkCachedRecords(records []transport.NodeRecord, req *BucketRequest, owner transport.PieceID, depth int) {
	pos := 0
	w.consumeCached(records, &pos, 0, depth, owner, req, true)
}

// consumeCached reads the next record from the stream, always
// advancing pos in lockstep with how PrefixCopyNode wrote it (so
// siblings further in the stream stay addressable), and only actually
// applies forces / recurses for force purposes when active is true.
// active is false once an ancestor has already been accepted as a
// whole multipole, or once a skip is underway purely to stay
// synchronized with the stream.
func (w *Walker) consumeCached(records []transport.NodeRecord, pos *int, level, depth int, owner transport.PieceID, req *BucketRequest, active bool) {
	if *pos >= len(records) {
		return
	}
	rec := records[*pos]
	*pos++

	if rec.Kind == uint8(tree.Empty) {
		return
	}

	hasStreamChildren := rec.Kind != uint8(tree.Bucket) && level+1 < depth

	if !active {
		if hasStreamChildren {
			w.consumeCached(records, pos, level+1, depth, owner, req, false)
			w.consumeCached(records, pos, level+1, depth, owner, req, false)
		}
		return
	}

	if w.acceptRecord(rec, req) {
		w.applyCellToBucketMoments(rec.Moments, req)
		if hasStreamChildren {
			w.consumeCached(records, pos, level+1, depth, owner, req, false)
			w.consumeCached(records, pos, level+1, depth, owner, req, false)
		}
		return
	}

	switch tree.Kind(rec.Kind) {
	case tree.Bucket:
		w.fetchAndApplyBucketParticles(rec, req, owner)

	case tree.NonLocal:
		remoteOwner := transport.PieceID(rec.Owner)
		w.RemoteLookups++
		nestedRecords, hit := w.Cache.RequestNode(w.PieceID, remoteOwner, rec.LookupKey)
		if hit {
			w.walkCachedRecords(nestedRecords, req, remoteOwner, depth)
		} else {
			req.NumAdditionalRequests++
			req.pendingCacheContinuations = append(req.pendingCacheContinuations, pendingContinuation{remoteOwner, rec.LookupKey})
		}
		// a NonLocal record is still followed by its two Empty child
		// slots in the stream; consume them so siblings stay aligned.
		if hasStreamChildren {
			w.consumeCached(records, pos, level+1, depth, owner, req, false)
			w.consumeCached(records, pos, level+1, depth, owner, req, false)
		}

	default: // Internal, Boundary, Top
		if hasStreamChildren {
			w.consumeCached(records, pos, level+1, depth, owner, req, true)
			w.consumeCached(records, pos, level+1, depth, owner, req, true)
			return
		}
		// the chunk's depth ran out before this node's children: fetch
		// them as fresh subtrees from the same owner.
		for _, right := range []bool{false, true} {
			childKey := sfc.ChildLookupKey(rec.LookupKey, right)
			w.RemoteLookups++
			childRecords, hit := w.Cache.RequestNode(w.PieceID, owner, childKey)
			if hit {
				w.walkCachedRecords(childRecords, req, owner, depth)
			} else {
				req.NumAdditionalRequests++
				req.pendingCacheContinuations = append(req.pendingCacheContinuations, pendingContinuation{owner, childKey})
			}
		}
	}
}

// acceptRecord applies the same opening-sphere test as accept, over a
// cached record's moments rather than a live tree.Node.
func (w *Walker) acceptRecord(rec transport.NodeRecord, req *BucketRequest) bool {
	radius := w.openingFactor() * rec.Moments.Radius / w.Theta
	return !req.Box.IntersectsSphere(rec.Moments.CenterOfMass(), radius)
}

func (w *Walker) fetchAndApplyBucketParticles(rec transport.NodeRecord, req *BucketRequest, owner transport.PieceID) {
	particles, hit := w.Cache.RequestParticles(w.PieceID, owner, rec.LookupKey, 0, rec.NumParticle)
	if !hit {
		req.NumAdditionalRequests++
		req.pendingBucketFetches = append(req.pendingBucketFetches, pendingBucketFetch{owner, rec.LookupKey})
		return
	}
	w.applyRemoteParticlesToBucket(particles, req)
}

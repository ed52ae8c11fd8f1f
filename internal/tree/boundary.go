package tree

import (
	"fmt"

	"github.com/quillaja/distbh/internal/geom"
	"github.com/quillaja/distbh/internal/moments"
	"github.com/quillaja/distbh/internal/partition"
	"github.com/quillaja/distbh/internal/sfc"
)

// pendingBoundary is the designated owner's accumulator for one
// Boundary node's in-flight reconciliation: how many co-owner
// contributions are still outstanding, and the running sums.
type pendingBoundary struct {
	remaining int
	count     int
	moments   moments.Moments
}

// Reconciler drives the two-phase gather/scatter of §4.5 for one
// piece. It wraps a Tree plus the piece-wide state the protocol needs:
// the pending-boundary-node counter and, at designated owners, the
// per-lookupKey accumulator.
type Reconciler struct {
	Tree      *Tree
	Splitters partition.Splitters
	PieceID   int

	pending map[sfc.Key]*pendingBoundary
	// repostCount bounds the self-repost-on-unknown-key loop named in
	// the REDESIGN FLAG: a Contribute for a lookupKey this piece
	// hasn't built yet is re-posted to self, but only up to
	// MaxRepost times before it's a structural-fatal abort.
	repostCount map[sfc.Key]int
	MaxRepost   int
}

// NewReconciler wires a Reconciler around tree, seeding its
// designated-owner accumulators from the Contribute messages the
// local Build already knows it owes itself (i.e. every Boundary node
// this piece is itself the designated owner of).
func NewReconciler(t *Tree, splitters partition.Splitters, pieceID, maxRepost int) *Reconciler {
	r := &Reconciler{
		Tree:        t,
		Splitters:   splitters,
		PieceID:     pieceID,
		pending:     make(map[sfc.Key]*pendingBoundary),
		repostCount: make(map[sfc.Key]int),
		MaxRepost:   maxRepost,
	}
	for i := range t.Nodes {
		n := &t.Nodes[i]
		if n.Kind != Boundary {
			continue
		}
		lo, hi := n.KeyRange()
		own, ok := partition.NodeOwnership(splitters, lo, hi)
		if ok && own.DesignatedOwner == pieceID && own.NumOwners > 1 {
			r.pending[n.LookupKey()] = &pendingBoundary{
				remaining: own.NumOwners - 1,
				count:     n.RemoteIndex, // local count, set at build time
				moments:   n.Moments,
			}
		}
	}
	return r
}

// Finalize is the message a designated owner broadcasts once every
// contribution for a Boundary node has arrived.
type Finalize struct {
	To           int
	LookupKey    sfc.Key
	TotalCount   int
	TotalMoments moments.Moments
}

// AcceptContribution processes one co-owner's Contribute message
// (§4.5). It returns the Finalize broadcasts to send once the
// designated owner has heard from every co-owner, or a self-repost
// signal (resend=true) if this piece hasn't built the node yet, or a
// fatal error once the repost budget for that lookupKey is exhausted.
func (r *Reconciler) AcceptContribution(lookupKey sfc.Key, localCount int, localMoments moments.Moments) (finals []Finalize, resend bool, err error) {
	p, ok := r.pending[lookupKey]
	if !ok {
		// Either this piece isn't the designated owner (logic
		// violation — drop it, per the error handling design) or it
		// hasn't finished building the node yet (transient — repost).
		if _, isBoundary := r.Tree.ByLookupKey(lookupKey); isBoundary {
			return nil, false, nil // known but not ours to accumulate: drop.
		}
		r.repostCount[lookupKey]++
		if r.repostCount[lookupKey] > r.MaxRepost {
			return nil, false, fmt.Errorf("tree: piece %d gave up waiting for lookupKey %d to appear locally after %d reposts", r.PieceID, lookupKey, r.MaxRepost)
		}
		return nil, true, nil
	}

	p.count += localCount
	p.moments = moments.Combine(p.moments, localMoments)
	p.remaining--

	if p.remaining > 0 {
		return nil, false, nil
	}

	idx, ok := r.Tree.ByLookupKey(lookupKey)
	if !ok {
		return nil, false, fmt.Errorf("tree: piece %d lost its own Boundary node for lookupKey %d mid-reconciliation", r.PieceID, lookupKey)
	}
	node := r.Tree.At(idx)
	p.moments.SetRadiusFromBox(node.Box)

	lo, hi := node.KeyRange()
	own, ok := partition.NodeOwnership(r.Splitters, lo, hi)
	if !ok {
		return nil, false, fmt.Errorf("tree: piece %d ownership oracle disagreed with itself for lookupKey %d during finalize", r.PieceID, lookupKey)
	}
	delete(r.pending, lookupKey)

	finals = make([]Finalize, 0, own.NumOwners)
	for owner := own.FirstOwner; owner <= own.LastOwner; owner++ {
		finals = append(finals, Finalize{
			To:           owner,
			LookupKey:    lookupKey,
			TotalCount:   p.count,
			TotalMoments: p.moments,
		})
	}
	return finals, false, nil
}

// AcceptFinalize applies a designated owner's broadcast to this piece's
// copy of the Boundary node and decrements the piece's
// BoundaryNodesPending counter through boundaryNodesPending.
func (r *Reconciler) AcceptFinalize(f Finalize, boundaryNodesPending *int) error {
	idx, ok := r.Tree.ByLookupKey(f.LookupKey)
	if !ok {
		return fmt.Errorf("tree: piece %d received Finalize for unknown lookupKey %d", r.PieceID, f.LookupKey)
	}
	node := r.Tree.At(idx)
	node.Moments = f.TotalMoments
	node.RemoteIndex = f.TotalCount
	*boundaryNodesPending--
	return nil
}

// nodeBox derives a NonLocal node's bounding box from its parent's,
// since a NonLocal node has no locally known particles to bound:
// splitting parent's box on the axis parent's level used and taking
// the half the node's key prefix bit selects.
func (r *Reconciler) nodeBox(n Node, parentBox geom.Box) geom.Box {
	axis := (n.Level - 1) % 3
	lo, hi := parentBox.Split(axis)
	if sfc.PrefixBit(n.Key, n.Level-1) == 1 {
		return hi
	}
	return lo
}

// CalculateRemoteMoments traverses the tree once BoundaryNodesPending
// has reached zero, synthesizing every NonLocal node's moments as
// parent-minus-sibling and pruning any NonLocal node whose synthesized
// particle count is zero (§4.5 final step, end-to-end scenario 4).
func (r *Reconciler) CalculateRemoteMoments() {
	if r.Tree.Root == noChild {
		return
	}
	r.recalc(r.Tree.Root)
}

func (r *Reconciler) recalc(idx int32) {
	node := r.Tree.At(idx)
	if node == nil {
		return
	}

	if node.Kind == NonLocal {
		parent := r.Tree.At(node.Parent)
		if parent == nil {
			return
		}
		var sibling *Node
		if parent.Left == idx {
			sibling = r.Tree.At(parent.Right)
		} else {
			sibling = r.Tree.At(parent.Left)
		}
		var siblingMoments moments.Moments
		siblingCount := 0
		if sibling != nil && sibling.Kind != NonLocal {
			siblingMoments = sibling.Moments
			siblingCount = sibling.EndParticle - sibling.BeginParticle
			if sibling.Kind == Boundary {
				siblingCount = sibling.RemoteIndex
			}
		}
		parentCount := parent.RemoteIndex
		if parent.Kind != Boundary {
			parentCount = parent.EndParticle - parent.BeginParticle
		}

		// RemoteIndex stays the designated owner: the walker routes its
		// cache request by it. The synthesized count only decides
		// whether the placeholder represents anything at all.
		synthesizedCount := parentCount - siblingCount
		if synthesizedCount == 0 {
			r.Tree.removeNode(idx)
			return
		}
		node.Moments = moments.Subtract(parent.Moments, siblingMoments)
		node.Box = r.nodeBox(*node, parent.Box)
		node.Moments.SetRadiusFromBox(node.Box)
		return
	}

	r.recalc(node.Left)
	r.recalc(node.Right)
}

package tree

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/quillaja/distbh/internal/geom"
	"github.com/quillaja/distbh/internal/moments"
	"github.com/quillaja/distbh/internal/particle"
	"github.com/quillaja/distbh/internal/partition"
	"github.com/quillaja/distbh/internal/sfc"
)

// Contribution is a Boundary node's build-time message to its
// designated owner, collected during Build and drained by the piece
// layer onto the transport bus.
type Contribution struct {
	To           int
	LookupKey    sfc.Key
	LocalCount   int
	LocalMoments moments.Moments
}

// Builder constructs one piece's local tree from its sorted,
// sentinel-flanked particle slice, per specification §4.4.
type Builder struct {
	Particles  particle.Slice
	Splitters  partition.Splitters
	PieceID    int
	NumPieces  int
	BucketSize int
	GlobalBox  geom.Box

	Tree *Tree

	// BoundaryNodesPending counts Boundary nodes awaiting a Finalize
	// before this piece's tree is ready for walking.
	BoundaryNodesPending int

	// Outbox collects Contribute messages for non-self designated
	// owners, drained by the piece layer after Build returns.
	Outbox []Contribution
}

// leftBoundaryIdx and rightBoundaryIdx are the fixed sentinel indices
// in Particles: 0 and len(Particles)-1.
func (b *Builder) leftBoundaryIdx() int  { return 0 }
func (b *Builder) rightBoundaryIdx() int { return len(b.Particles) - 1 }

// Build runs the recursive bisection from the whole particle range and
// returns the root node index.
func (b *Builder) Build() (int32, error) {
	if b.Tree == nil {
		b.Tree = New()
	}
	root, err := b.buildTree(0, 0, b.leftBoundaryIdx(), b.rightBoundaryIdx())
	if err != nil {
		return noChild, err
	}
	b.Tree.Root = root
	return root, nil
}

// buildTree implements specification §4.4 steps 1-6.
func (b *Builder) buildTree(level int, prefix sfc.Key, leftParticle, rightParticle int) (int32, error) {
	idx := b.Tree.alloc(Node{Key: prefix, Level: level, Left: noChild, Right: noChild, Parent: noChild})
	node := b.Tree.At(idx)

	// step 1: begin/end particle, excluding sentinels from the range.
	beginParticle := leftParticle
	if leftParticle == b.leftBoundaryIdx() {
		beginParticle++
	}
	endParticle := rightParticle + 1
	if rightParticle == b.rightBoundaryIdx() {
		endParticle--
	}
	node.BeginParticle = beginParticle
	node.EndParticle = endParticle

	leftIsSentinel := leftParticle == b.leftBoundaryIdx()
	rightIsSentinel := rightParticle == b.rightBoundaryIdx()

	// step 2: bucket rule.
	if rightParticle-leftParticle < b.BucketSize && !leftIsSentinel && !rightIsSentinel {
		return b.finalizeBucket(idx, node)
	}

	// step 3: level exhaustion.
	if level >= 63 {
		return noChild, fmt.Errorf("tree: piece %d exhausted key bits at level 63 between particle indices [%d,%d]; likely coincident or pathologically clustered particles", b.PieceID, leftParticle, rightParticle)
	}

	bitL := sfc.PrefixBit(b.Particles[leftParticle].Key, level)
	bitR := sfc.PrefixBit(b.Particles[rightParticle].Key, level)

	bitMask := sfc.Key(1) << uint(62-level)
	threshold := prefix | bitMask

	childLevel := level + 1
	leftPrefix := prefix
	rightPrefix := prefix | bitMask

	var left, right int32 = noChild, noChild
	var err error

	switch {
	case bitL == 0 && bitR == 1:
		split := b.lowerBound(leftParticle, rightParticle, threshold)
		switch {
		case split == b.leftBoundaryIdx()+1:
			// nothing with bit 0 locally but the sentinel: left
			// subtree belongs entirely to the previous piece.
			left, err = b.maybeNonLocal(leftPrefix, childLevel, b.PieceID > 0)
			if err != nil {
				return noChild, err
			}
			right, err = b.buildTree(childLevel, rightPrefix, split, rightParticle)
		case split == b.rightBoundaryIdx():
			left, err = b.buildTree(childLevel, leftPrefix, leftParticle, split-1)
			if err != nil {
				return noChild, err
			}
			right, err = b.maybeNonLocal(rightPrefix, childLevel, b.PieceID < b.NumPieces-1)
		default:
			left, err = b.buildTree(childLevel, leftPrefix, leftParticle, split-1)
			if err != nil {
				return noChild, err
			}
			right, err = b.buildTree(childLevel, rightPrefix, split, rightParticle)
		}

	case bitL == 1 && bitR == 1:
		// left child empty unless the sentinel marks piece boundary.
		if leftIsSentinel && b.PieceID > 0 {
			left, err = b.maybeNonLocal(leftPrefix, childLevel, true)
			if err != nil {
				return noChild, err
			}
		}
		right, err = b.buildTree(childLevel, rightPrefix, leftParticle, rightParticle)

	case bitL == 0 && bitR == 0:
		left, err = b.buildTree(childLevel, leftPrefix, leftParticle, rightParticle)
		if err != nil {
			return noChild, err
		}
		if rightIsSentinel && b.PieceID < b.NumPieces-1 {
			right, err = b.maybeNonLocal(rightPrefix, childLevel, true)
		}

	default: // 1/0: impossible given sorted keys.
		return noChild, fmt.Errorf("tree: piece %d saw impossible bit pattern (left bit 1, right bit 0) at level %d between indices [%d,%d]; particle array is not correctly sorted", b.PieceID, level, leftParticle, rightParticle)
	}
	if err != nil {
		return noChild, err
	}

	node = b.Tree.At(idx) // re-fetch: recursion may have reallocated Nodes
	node.Left, node.Right = left, right
	if l := b.Tree.At(left); l != nil {
		l.Parent = idx
	}
	if r := b.Tree.At(right); r != nil {
		r.Parent = idx
	}

	// step 5: bottom-up moment accumulation.
	var lm, rm moments.Moments
	if l := b.Tree.At(left); l != nil {
		lm = l.Moments
	}
	if r := b.Tree.At(right); r != nil {
		rm = r.Moments
	}
	node.Moments = moments.Combine(lm, rm)

	return idx, b.classify(idx, leftIsSentinel, rightIsSentinel)
}

// lowerBound returns the first index i in [lo,hi] with
// Particles[i].Key >= threshold, per std::lower_bound semantics,
// scoped to the current range (Particles is globally sorted so a plain
// binary search over the subrange suffices).
func (b *Builder) lowerBound(lo, hi int, threshold sfc.Key) int {
	for lo < hi {
		mid := (lo + hi) / 2
		if b.Particles[mid].Key < threshold {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// maybeNonLocal creates a NonLocal child node (or returns noChild, when
// create is false, meaning this piece is the global edge and there is
// truly nothing there) resolved via the ownership oracle.
func (b *Builder) maybeNonLocal(prefix sfc.Key, level int, create bool) (int32, error) {
	if !create {
		return noChild, nil
	}
	lo, hi := prefix, prefix+sfc.Span(level)
	own, ok := partition.NodeOwnership(b.Splitters, lo, hi)
	if !ok {
		// falls between pieces: caller prunes, per §4.3.
		return noChild, nil
	}
	idx := b.Tree.alloc(Node{
		Key: prefix, Level: level, Kind: NonLocal,
		Left: noChild, Right: noChild, Parent: noChild,
		RemoteIndex: own.DesignatedOwner,
		NumOwners:   own.NumOwners,
	})
	return idx, nil
}

// classify implements §4.4 step 6: Boundary vs Internal.
func (b *Builder) classify(idx int32, leftIsSentinel, rightIsSentinel bool) error {
	node := b.Tree.At(idx)
	leftNeighborExists := leftIsSentinel && b.PieceID > 0
	rightNeighborExists := rightIsSentinel && b.PieceID < b.NumPieces-1

	if leftNeighborExists || rightNeighborExists {
		node.Kind = Boundary
		node.Box = b.nodeBox(*node)
		localCount := node.EndParticle - node.BeginParticle
		node.RemoteIndex = localCount

		lo, hi := node.KeyRange()
		own, ok := partition.NodeOwnership(b.Splitters, lo, hi)
		if !ok {
			return fmt.Errorf("tree: piece %d Boundary node %d has no owner per the ownership oracle; splitter array is inconsistent", b.PieceID, node.LookupKey())
		}
		node.NumOwners = own.NumOwners
		b.BoundaryNodesPending++

		if own.DesignatedOwner != b.PieceID {
			b.Outbox = append(b.Outbox, Contribution{
				To:           own.DesignatedOwner,
				LookupKey:    node.LookupKey(),
				LocalCount:   localCount,
				LocalMoments: node.Moments,
			})
		}
		return nil
	}

	node.Kind = Internal
	node.Box = b.nodeBox(*node)
	node.Moments.SetRadiusFromBox(node.Box)
	return nil
}

// finalizeBucket implements §4.4 step 2: leaf accumulation.
func (b *Builder) finalizeBucket(idx int32, node *Node) (int32, error) {
	node.Kind = Bucket
	node.Box = b.nodeBox(*node)

	var mo moments.Moments
	positions := make([]mgl64.Vec3, 0, node.EndParticle-node.BeginParticle)
	for i := node.BeginParticle; i < node.EndParticle; i++ {
		p := &b.Particles[i]
		pos := p.PosF64()
		mo.AddParticle(pos, float64(p.Mass), float64(p.Soft))
		positions = append(positions, pos)
	}
	mo.SetRadiusFromParticles(positions)
	node.Moments = mo

	b.Tree.BucketList = append(b.Tree.BucketList, idx)
	return idx, nil
}

// nodeBox recomputes a node's bounding box by walking its key prefix
// bit by bit from the global box, cycling the split axis x,y,z exactly
// as the key interleave does.
func (b *Builder) nodeBox(n Node) geom.Box {
	box := b.GlobalBox
	for level := 0; level < n.Level; level++ {
		axis := level % 3
		lo, hi := box.Split(axis)
		if sfc.PrefixBit(n.Key, level) == 1 {
			box = hi
		} else {
			box = lo
		}
	}
	return box
}

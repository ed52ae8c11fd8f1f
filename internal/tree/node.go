// Package tree builds each piece's local tree and reconciles it with
// its neighbours' trees at shared boundaries, producing the globally
// consistent tree the bucket walker descends. Grounded in the
// teacher's octree (tree.go) but generalized from an in-memory octree
// over pointers to an arena-indexed binary radix tree over SFC key
// bits, with the four extra node kinds (NonLocal, Boundary, Empty,
// Top) the distributed setting requires.
package tree

import (
	"github.com/quillaja/distbh/internal/geom"
	"github.com/quillaja/distbh/internal/moments"
	"github.com/quillaja/distbh/internal/sfc"
)

// Kind tags a Node's role, replacing any ad-hoc subtype hierarchy: a
// single Node struct, operations dispatch on Kind with a switch.
type Kind uint8

const (
	Invalid Kind = iota
	Bucket
	Internal
	NonLocal
	Boundary
	Empty
	Top
)

func (k Kind) String() string {
	switch k {
	case Bucket:
		return "Bucket"
	case Internal:
		return "Internal"
	case NonLocal:
		return "NonLocal"
	case Boundary:
		return "Boundary"
	case Empty:
		return "Empty"
	case Top:
		return "Top"
	default:
		return "Invalid"
	}
}

// noChild marks an absent child/parent link in the arena.
const noChild = int32(-1)

// Node is one node of a piece's local tree. The tree is a strict DAG
// (arena-indexed: Parent/Left/Right are indices into Tree.Nodes, never
// pointers), so cyclic parent/child references can't arise.
type Node struct {
	Key   sfc.Key
	Level int

	Kind Kind

	Parent, Left, Right int32

	Box     geom.Box
	Moments moments.Moments

	// BeginParticle/EndParticle is the half-open range, in the piece's
	// local particle slice (which includes the two sentinel slots),
	// this node's particles occupy.
	BeginParticle, EndParticle int

	// RemoteIndex means different things per Kind: for NonLocal, the
	// owning piece's index; for Boundary, the total particle count
	// over all co-owners once reconciliation finishes (the piece's own
	// local count beforehand).
	RemoteIndex int

	// NumOwners is the number of pieces whose splitter range
	// intersects this node's key prefix; set on Boundary and NonLocal
	// nodes, zero on Internal and Bucket nodes.
	NumOwners int
}

// LookupKey is the tree-shape-unique identifier every co-owner of this
// node computes identically.
func (n Node) LookupKey() sfc.Key {
	return sfc.LookupKey(n.Key, n.Level)
}

// KeyRange returns the half-open key interval [lo, hi) this node's
// prefix covers.
func (n Node) KeyRange() (lo, hi sfc.Key) {
	return n.Key, n.Key + sfc.Span(n.Level)
}

// Tree is one piece's local, arena-allocated tree plus the node-table
// index used to resolve a lookupKey to its node (piece-private,
// single-writer, per the concurrency design).
type Tree struct {
	Nodes      []Node
	NodeLookup map[sfc.Key]int32
	BucketList []int32
	Root       int32
}

// New returns an empty tree ready for Build.
func New() *Tree {
	return &Tree{
		NodeLookup: make(map[sfc.Key]int32),
		Root:       noChild,
	}
}

// alloc appends n to the arena and indexes it by lookupKey, returning
// its index.
func (t *Tree) alloc(n Node) int32 {
	idx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, n)
	t.NodeLookup[n.LookupKey()] = idx
	return idx
}

// At returns a pointer to the node at idx, or nil if idx is noChild.
func (t *Tree) At(idx int32) *Node {
	if idx == noChild {
		return nil
	}
	return &t.Nodes[idx]
}

// ByLookupKey resolves a lookupKey to its node index, reporting ok=
// false if this piece's tree has no such node (yet, or ever — see the
// bounded self-repost handling in the boundary reconciler).
func (t *Tree) ByLookupKey(lk sfc.Key) (int32, bool) {
	idx, ok := t.NodeLookup[lk]
	return idx, ok
}

// removeNode deletes a node (used only to prune a NonLocal node whose
// synthesized particle count turns out to be zero, per
// calculateRemoteMoments) from the lookup table. The arena slot itself
// is left in place (still reachable structurally only via the parent
// link this function also clears) to avoid invalidating other nodes'
// indices.
func (t *Tree) removeNode(idx int32) {
	n := t.At(idx)
	if n == nil {
		return
	}
	delete(t.NodeLookup, n.LookupKey())
	if p := t.At(n.Parent); p != nil {
		if p.Left == idx {
			p.Left = noChild
		}
		if p.Right == idx {
			p.Right = noChild
		}
	}
}

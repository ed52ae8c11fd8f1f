// Package transport carries the inter-piece messages named in
// specification §6 over an in-process channel bus, preserving FIFO
// order per (sender, receiver) pair while imposing no order across
// senders — the reliable, ordered point-to-point layer the rest of
// the design assumes.
package transport

import (
	"github.com/quillaja/distbh/internal/moments"
	"github.com/quillaja/distbh/internal/sfc"
)

// PieceID addresses one piece, unique within a Bus.
type PieceID int

// Envelope wraps one logical message with its sender/receiver so the
// Bus can route and order it without inspecting the payload.
type Envelope struct {
	From, To PieceID
	Payload  any
}

// AcceptBoundaryNodeContribution is a co-owner's partial moment for a
// Boundary node, sent to its designated owner (§4.5).
type AcceptBoundaryNodeContribution struct {
	LookupKey    sfc.Key
	LocalCount   int
	LocalMoments moments.Moments
}

// AcceptBoundaryNode is the designated owner's broadcast of a Boundary
// node's reconciled totals to every co-owner, including itself.
type AcceptBoundaryNode struct {
	LookupKey    sfc.Key
	TotalCount   int
	TotalMoments moments.Moments
}

// FillRequestNode asks a remote piece to serve the prefix subtree
// rooted at LookupKey, keyed by RequestID so the reply can be routed
// back to the right waiter list.
type FillRequestNode struct {
	RequestID int64
	LookupKey sfc.Key
}

// NodeRecord is one (key, node-shape) entry of a ReceiveNode chunk,
// pre-order encoded; a record with Kind == tree.Empty marks a missing
// child within the prefix depth requested.
type NodeRecord struct {
	LookupKey   sfc.Key
	Kind        uint8 // mirrors tree.Kind without importing internal/tree (avoids an import cycle: tree imports this package, cache depends on both).
	Moments     moments.Moments
	NumParticle int
	// Owner is the designated-owner piece id, meaningful only when
	// Kind is NonLocal: the cached walker needs it to address the next
	// RequestNode hop, since a chunk's own LookupKey alone doesn't say
	// which piece actually holds that subtree.
	Owner int
}

// ReceiveNode is the reply to FillRequestNode: a pre-order prefix
// subtree of up to 2^cacheLineDepth-1 records. LookupKey echoes the
// chunk's root so a waiter can match the reply without depending on
// Records being non-empty.
type ReceiveNode struct {
	RequestID int64
	LookupKey sfc.Key
	Records   []NodeRecord
}

// FillRequestParticles asks a remote piece for the particle range
// [Begin,End) of one bucket, addressed by the bucket's lookup key.
type FillRequestParticles struct {
	RequestID int64
	LookupKey sfc.Key
	Begin     int
	End       int
}

// ParticleRecord is the wire shape of one particle sufficient for a
// remote force evaluation: position, mass, softening.
type ParticleRecord struct {
	PosX, PosY, PosZ float32
	Mass, Soft       float32
}

// ReceiveParticles is the reply to FillRequestParticles.
type ReceiveParticles struct {
	RequestID int64
	LookupKey sfc.Key
	Particles []ParticleRecord
}

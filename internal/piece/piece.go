// Package piece wraps the local tree, its boundary reconciler, and the
// bucket walker into the single-threaded, message-driven worker named
// in specification §4.10: a Piece owns one SFC range, drives boundary
// reconciliation and the bucket walk from its transport.Bus inbox, and
// serves remote pieces' FillRequestNode/FillRequestParticles along the
// way. Grounded in the teacher's per-frame worker goroutines (main.go),
// generalized from "one goroutine pulls frame jobs off a channel" to
// "one goroutine pulls inter-piece messages off a channel and dispatches
// on message type".
package piece

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/quillaja/distbh/internal/cache"
	"github.com/quillaja/distbh/internal/config"
	"github.com/quillaja/distbh/internal/particle"
	"github.com/quillaja/distbh/internal/partition"
	"github.com/quillaja/distbh/internal/scheduler"
	"github.com/quillaja/distbh/internal/sfc"
	"github.com/quillaja/distbh/internal/transport"
	"github.com/quillaja/distbh/internal/tree"
	"github.com/quillaja/distbh/internal/walk"
)

// nodeWaitEntry and particleWaitEntry track the BucketRequests blocked
// on one remote lookupKey. owner is recorded at miss time: a
// ReceiveNode/ReceiveParticles envelope only echoes the lookupKey, not
// which piece actually served it, and the cached walk's continuations
// (ResumeNode/ResumeParticles) need the owner to keep fetching that
// subtree's remaining children from the same place.
type nodeWaitEntry struct {
	owner transport.PieceID
	reqs  []*walk.BucketRequest
}

type particleWaitEntry struct {
	owner transport.PieceID
	reqs  []*walk.BucketRequest
}

// Piece is the single-threaded owner of one SFC range: its particles,
// its local tree, the boundary reconciler, the bucket walker, and its
// slice of Config.
type Piece struct {
	ID     transport.PieceID
	Config config.Config
	Bus    *transport.Bus
	Cache  *cache.Cache
	Log    *zap.Logger

	Tree       *tree.Tree
	Particles  particle.Slice
	Splitters  partition.Splitters
	Reconciler *tree.Reconciler
	Walker     *walk.Walker

	boundaryNodesPending int
	buildOutbox          []tree.Contribution

	particlesPending int
	nodeWaiters      map[sfc.Key]*nodeWaitEntry
	particleWaiters  map[sfc.Key]*particleWaitEntry
}

// New wraps a successfully Built tree.Builder into a Piece ready for
// ReconcileBoundaries, then RunWalk.
func New(id int, cfg config.Config, bus *transport.Bus, c *cache.Cache, b *tree.Builder, log *zap.Logger) *Piece {
	pieceID := transport.PieceID(id)
	bus.Register(pieceID, 256)
	return &Piece{
		ID:         pieceID,
		Config:     cfg,
		Bus:        bus,
		Cache:      c,
		Log:        log,
		Tree:       b.Tree,
		Particles:  b.Particles,
		Splitters:  b.Splitters,
		Reconciler: tree.NewReconciler(b.Tree, b.Splitters, id, cfg.MaxBoundaryRepost),
		Walker: &walk.Walker{
			Tree:          b.Tree,
			Particles:     b.Particles,
			Cache:         c,
			PieceID:       pieceID,
			Theta:         cfg.Theta,
			OpeningFactor: cfg.OpeningGeometryFactor,
		},
		boundaryNodesPending: b.BoundaryNodesPending,
		buildOutbox:          b.Outbox,
		nodeWaiters:          make(map[sfc.Key]*nodeWaitEntry),
		particleWaiters:      make(map[sfc.Key]*particleWaitEntry),
	}
}

// ReconcileBoundaries drains this piece's build-time Contribute outbox,
// then blocks on its inbox until every Boundary node has been
// finalized (§4.5), at which point it synthesizes NonLocal moments via
// CalculateRemoteMoments and returns with the tree ready to walk.
func (p *Piece) ReconcileBoundaries() error {
	for _, c := range p.buildOutbox {
		p.Bus.Send(p.ID, transport.PieceID(c.To), transport.AcceptBoundaryNodeContribution{
			LookupKey:    c.LookupKey,
			LocalCount:   c.LocalCount,
			LocalMoments: c.LocalMoments,
		})
	}
	p.buildOutbox = nil

	inbox := p.Bus.Inbox(p.ID)
	for p.boundaryNodesPending > 0 {
		if err := p.handleBoundaryEnvelope(<-inbox); err != nil {
			return err
		}
	}
	p.Reconciler.CalculateRemoteMoments()
	return nil
}

func (p *Piece) handleBoundaryEnvelope(env transport.Envelope) error {
	switch msg := env.Payload.(type) {
	case transport.AcceptBoundaryNodeContribution:
		finals, resend, err := p.Reconciler.AcceptContribution(msg.LookupKey, msg.LocalCount, msg.LocalMoments)
		if err != nil {
			return fmt.Errorf("piece %d: %w", p.ID, err)
		}
		if resend {
			p.Bus.Send(p.ID, p.ID, msg)
			return nil
		}
		for _, f := range finals {
			p.Bus.Send(p.ID, transport.PieceID(f.To), transport.AcceptBoundaryNode{
				LookupKey:    f.LookupKey,
				TotalCount:   f.TotalCount,
				TotalMoments: f.TotalMoments,
			})
		}

	case transport.AcceptBoundaryNode:
		if err := p.Reconciler.AcceptFinalize(tree.Finalize{
			LookupKey:    msg.LookupKey,
			TotalCount:   msg.TotalCount,
			TotalMoments: msg.TotalMoments,
		}, &p.boundaryNodesPending); err != nil {
			return fmt.Errorf("piece %d: %w", p.ID, err)
		}

	default:
		p.Log.Warn("piece: unexpected message during boundary reconciliation",
			zap.Int("pieceID", int(p.ID)), zap.String("type", fmt.Sprintf("%T", msg)))
	}
	return nil
}

// RunWalk walks every local bucket to completion (§4.6-4.9): serving
// remote FillRequestNode/FillRequestParticles for other pieces and
// resuming BucketRequests as cached chunks arrive, until every local
// particle's contribution has been merged.
func (p *Piece) RunWalk() error {
	interior := p.Particles.Interior()
	for i := range interior {
		interior[i].ClearForce()
	}
	p.particlesPending = len(interior)
	inbox := p.Bus.Inbox(p.ID)

	var walkErr error
	scheduler.Schedule(len(p.Tree.BucketList), p.Config.YieldPeriod,
		func(i int) {
			if walkErr == nil {
				p.walkBucket(i)
			}
		},
		func() {
			if walkErr == nil {
				walkErr = p.drainPending(inbox)
			}
		})
	if walkErr != nil {
		return walkErr
	}

	for p.particlesPending > 0 {
		if err := p.handleWalkEnvelope(<-inbox); err != nil {
			return err
		}
	}
	return nil
}

// drainPending processes every message already queued on inbox without
// blocking: the cooperative-scheduler yield point (§4.9), giving
// incoming cache replies and boundary stragglers a chance to run
// between batches of bucket starts.
func (p *Piece) drainPending(inbox <-chan transport.Envelope) error {
	for {
		select {
		case env := <-inbox:
			if err := p.handleWalkEnvelope(env); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (p *Piece) handleWalkEnvelope(env transport.Envelope) error {
	switch msg := env.Payload.(type) {
	case transport.FillRequestNode:
		records := tree.PrefixCopyNode(p.Tree, msg.LookupKey, p.Config.CacheLineDepth)
		p.Bus.Send(p.ID, env.From, transport.ReceiveNode{
			RequestID: msg.RequestID, LookupKey: msg.LookupKey, Records: records,
		})

	case transport.FillRequestParticles:
		p.Bus.Send(p.ID, env.From, transport.ReceiveParticles{
			RequestID: msg.RequestID, LookupKey: msg.LookupKey, Particles: p.particleRecords(msg.LookupKey),
		})

	case transport.ReceiveNode:
		w, ok := p.nodeWaiters[msg.LookupKey]
		if !ok {
			p.Log.Warn("piece: node chunk for unknown lookupKey", zap.Int("pieceID", int(p.ID)), zap.Uint64("lookupKey", uint64(msg.LookupKey)))
			return nil
		}
		delete(p.nodeWaiters, msg.LookupKey)
		for _, req := range w.reqs {
			done := p.Walker.ResumeNode(req, w.owner, msg.Records, p.Config.CacheLineDepth)
			p.registerPending(req)
			if done {
				p.bucketDone(req)
			}
		}

	case transport.ReceiveParticles:
		w, ok := p.particleWaiters[msg.LookupKey]
		if !ok {
			p.Log.Warn("piece: particle chunk for unknown lookupKey", zap.Int("pieceID", int(p.ID)), zap.Uint64("lookupKey", uint64(msg.LookupKey)))
			return nil
		}
		delete(p.particleWaiters, msg.LookupKey)
		for _, req := range w.reqs {
			done := p.Walker.ResumeParticles(req, msg.Particles)
			p.registerPending(req)
			if done {
				p.bucketDone(req)
			}
		}

	default:
		p.Log.Warn("piece: unexpected message during walk",
			zap.Int("pieceID", int(p.ID)), zap.String("type", fmt.Sprintf("%T", msg)))
	}
	return nil
}

// particleRecords resolves lookupKey to a bucket and copies its
// particles to the wire shape; nil (with no error) if this piece no
// longer recognizes the key, in which case the requester receives an
// empty particle chunk.
func (p *Piece) particleRecords(lookupKey sfc.Key) []transport.ParticleRecord {
	idx, ok := p.Tree.ByLookupKey(lookupKey)
	if !ok {
		return nil
	}
	node := p.Tree.At(idx)
	interior := p.Particles.Interior()
	recs := make([]transport.ParticleRecord, 0, node.EndParticle-node.BeginParticle)
	for i := node.BeginParticle; i < node.EndParticle; i++ {
		pp := &interior[i-1]
		recs = append(recs, transport.ParticleRecord{
			PosX: pp.Pos[0], PosY: pp.Pos[1], PosZ: pp.Pos[2],
			Mass: pp.Mass, Soft: pp.Soft,
		})
	}
	return recs
}

func (p *Piece) walkBucket(bucketListIdx int) {
	bucketIdx := p.Tree.BucketList[bucketListIdx]
	node := p.Tree.At(bucketIdx)
	req := walk.NewBucketRequest(bucketIdx, node.Box, node.BeginParticle, node.EndParticle)
	p.Walker.WalkBucketTree(p.Tree.Root, req)
	p.registerPending(req)
	if p.Walker.Finish(req) {
		p.bucketDone(req)
	}
}

// registerPending indexes req under every (owner, lookupKey) miss it
// just issued, so a later ReceiveNode/ReceiveParticles for that key can
// find every BucketRequest waiting on it.
func (p *Piece) registerPending(req *walk.BucketRequest) {
	for _, k := range req.PendingNodeKeys() {
		w, ok := p.nodeWaiters[k.LookupKey]
		if !ok {
			w = &nodeWaitEntry{owner: k.Owner}
			p.nodeWaiters[k.LookupKey] = w
		}
		w.reqs = append(w.reqs, req)
	}
	for _, k := range req.PendingParticleKeys() {
		w, ok := p.particleWaiters[k.LookupKey]
		if !ok {
			w = &particleWaitEntry{owner: k.Owner}
			p.particleWaiters[k.LookupKey] = w
		}
		w.reqs = append(w.reqs, req)
	}
}

// bucketDone folds req's bucket size into the per-piece completion
// tracker (§4.8): myNumParticlesPending, initialized to this piece's
// own particle count at the start of RunWalk.
func (p *Piece) bucketDone(req *walk.BucketRequest) {
	node := p.Tree.At(req.BucketIdx)
	p.particlesPending -= node.EndParticle - node.BeginParticle
}

// Package cache implements the per-process remote object cache of
// §4.7: subtree chunks and particle arrays fetched from other pieces,
// indexed by (ownerPieceId, lookupKey)/(ownerPieceId, bucketKey). All
// cache state is owned by a single goroutine, reached only through its
// request channel, so the hot path needs no mutex — mirroring the
// teacher's worker-goroutines-fed-by-a-channel shape (main.go's image
// output workers) generalized from a fan-out pool to a single
// serializing actor.
package cache

import (
	"go.uber.org/zap"

	"github.com/quillaja/distbh/internal/sfc"
	"github.com/quillaja/distbh/internal/transport"
)

// NodeKey addresses one cached subtree chunk.
type NodeKey struct {
	Owner     transport.PieceID
	LookupKey sfc.Key
}

// BucketKey addresses one cached particle-array chunk.
type BucketKey struct {
	Owner     transport.PieceID
	LookupKey sfc.Key
}

type nodeLine struct {
	records []transport.NodeRecord
	ready   bool
	waiters []transport.PieceID
}

type particleLine struct {
	particles []transport.ParticleRecord
	ready     bool
	waiters   []transport.PieceID
}

// Cache is the shared, per-process cache actor.
type Cache struct {
	ID             transport.PieceID
	Bus            *transport.Bus
	CacheLineDepth int
	// CacheEnabled toggles cache-mediated requests (dedup/reuse of
	// previously-fetched chunks) against direct point-to-point fetches:
	// when false, every RequestNode/RequestParticles call issues a
	// fresh fill even if a ready line already exists for that key.
	CacheEnabled bool
	Log          *zap.Logger

	ops chan func()

	nextRequestID    int64
	nodeLines        map[NodeKey]*nodeLine
	particleLines    map[BucketKey]*particleLine
	nodeReqRoute     map[int64]NodeKey
	particleReqRoute map[int64]BucketKey
}

// New returns a Cache registered on bus under id, ready for Run.
func New(id transport.PieceID, bus *transport.Bus, cacheLineDepth int, cacheEnabled bool, log *zap.Logger) *Cache {
	c := &Cache{
		ID:               id,
		Bus:              bus,
		CacheLineDepth:   cacheLineDepth,
		CacheEnabled:     cacheEnabled,
		Log:              log,
		ops:              make(chan func(), 256),
		nodeLines:        make(map[NodeKey]*nodeLine),
		particleLines:    make(map[BucketKey]*particleLine),
		nodeReqRoute:     make(map[int64]NodeKey),
		particleReqRoute: make(map[int64]BucketKey),
	}
	bus.Register(id, 256)
	return c
}

// Sync clears every cached line between iterations, since a piece's
// tree (and therefore its lookupKeys and bucket contents) is rebuilt
// fresh each iteration and a prior iteration's chunks would otherwise
// be served under now-stale keys. iterationNo is accepted for the
// caller's logging/tracing convenience only.
func (c *Cache) Sync(iterationNo int) {
	done := make(chan struct{})
	c.ops <- func() {
		c.nodeLines = make(map[NodeKey]*nodeLine)
		c.particleLines = make(map[BucketKey]*particleLine)
		c.nodeReqRoute = make(map[int64]NodeKey)
		c.particleReqRoute = make(map[int64]BucketKey)
		close(done)
	}
	<-done
}

// Run is the cache's single goroutine. It must be started before any
// RequestNode/RequestParticles call and kept running until the owning
// Process shuts down.
func (c *Cache) Run() {
	incoming := c.Bus.Inbox(c.ID)
	for {
		select {
		case op, ok := <-c.ops:
			if !ok {
				return
			}
			op()
		case env, ok := <-incoming:
			if !ok {
				return
			}
			c.handleIncoming(env)
		}
	}
}

// Stop closes the cache's op queue, causing Run to return once drained.
func (c *Cache) Stop() {
	close(c.ops)
}

func (c *Cache) handleIncoming(env transport.Envelope) {
	switch msg := env.Payload.(type) {
	case transport.ReceiveNode:
		key, ok := c.nodeReqRoute[msg.RequestID]
		if !ok {
			c.Log.Warn("cache: received node chunk for unknown request", zap.Int64("requestID", msg.RequestID))
			return
		}
		delete(c.nodeReqRoute, msg.RequestID)
		line := c.nodeLines[key]
		line.records = msg.Records
		line.ready = true
		for _, w := range line.waiters {
			c.Bus.Send(c.ID, w, msg)
		}
		line.waiters = nil

	case transport.ReceiveParticles:
		key, ok := c.particleReqRoute[msg.RequestID]
		if !ok {
			c.Log.Warn("cache: received particle chunk for unknown request", zap.Int64("requestID", msg.RequestID))
			return
		}
		delete(c.particleReqRoute, msg.RequestID)
		line := c.particleLines[key]
		line.particles = msg.Particles
		line.ready = true
		for _, w := range line.waiters {
			c.Bus.Send(c.ID, w, msg)
		}
		line.waiters = nil
	}
}

// NodeLineCount reports how many distinct (owner, lookupKey) node
// chunks have a cache line since the last Sync — i.e. how many actual
// remote fetches the dedup allowed through, as opposed to how many
// RequestNode calls were made.
func (c *Cache) NodeLineCount() int {
	reply := make(chan int, 1)
	c.ops <- func() { reply <- len(c.nodeLines) }
	return <-reply
}

type nodeReply struct {
	records []transport.NodeRecord
	hit     bool
}

// RequestNode asks for the prefix-subtree chunk rooted at lookupKey
// owned by owner, on behalf of requester. hit=true means records is
// populated and usable immediately; hit=false means requester has
// been registered as a waiter and a transport.ReceiveNode will arrive
// on its own inbox once the remote owner replies.
func (c *Cache) RequestNode(requester, owner transport.PieceID, lookupKey sfc.Key) (records []transport.NodeRecord, hit bool) {
	reply := make(chan nodeReply, 1)
	c.ops <- func() {
		key := NodeKey{Owner: owner, LookupKey: lookupKey}
		line, exists := c.nodeLines[key]
		if exists && line.ready {
			if c.CacheEnabled {
				reply <- nodeReply{line.records, true}
				return
			}
			// cache disabled: a previously-resolved line is stale by
			// policy, not by staleness of data; refetch rather than reuse.
			exists = false
		}
		if !exists {
			line = &nodeLine{}
			c.nodeLines[key] = line
			c.nextRequestID++
			reqID := c.nextRequestID
			c.nodeReqRoute[reqID] = key
			c.Bus.Send(c.ID, owner, transport.FillRequestNode{RequestID: reqID, LookupKey: lookupKey})
		}
		line.waiters = append(line.waiters, requester)
		reply <- nodeReply{nil, false}
	}
	r := <-reply
	return r.records, r.hit
}

type particleReply struct {
	particles []transport.ParticleRecord
	hit       bool
}

// RequestParticles asks for the particle range [begin,end) of the
// bucket addressed by lookupKey on owner, on behalf of requester, with
// the same hit/miss/waiter semantics as RequestNode.
func (c *Cache) RequestParticles(requester, owner transport.PieceID, lookupKey sfc.Key, begin, end int) (particles []transport.ParticleRecord, hit bool) {
	reply := make(chan particleReply, 1)
	c.ops <- func() {
		key := BucketKey{Owner: owner, LookupKey: lookupKey}
		line, exists := c.particleLines[key]
		if exists && line.ready {
			if c.CacheEnabled {
				reply <- particleReply{line.particles, true}
				return
			}
			exists = false
		}
		if !exists {
			line = &particleLine{}
			c.particleLines[key] = line
			c.nextRequestID++
			reqID := c.nextRequestID
			c.particleReqRoute[reqID] = key
			c.Bus.Send(c.ID, owner, transport.FillRequestParticles{RequestID: reqID, LookupKey: lookupKey, Begin: begin, End: end})
		}
		line.waiters = append(line.waiters, requester)
		reply <- particleReply{nil, false}
	}
	r := <-reply
	return r.particles, r.hit
}

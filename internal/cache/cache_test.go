package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quillaja/distbh/internal/moments"
	"github.com/quillaja/distbh/internal/sfc"
	"github.com/quillaja/distbh/internal/transport"
)

func TestRequestNodeMissThenHitAfterRemoteFill(t *testing.T) {
	bus := transport.NewBus()
	const owner transport.PieceID = 1
	const requester transport.PieceID = 2
	bus.Register(owner, 16)
	bus.Register(requester, 16)

	c := New(3, bus, 4, true, zap.NewNop())
	go c.Run()
	t.Cleanup(c.Stop)

	records, hit := c.RequestNode(requester, owner, 42)
	assert.False(t, hit)
	assert.Nil(t, records)

	var fillReq transport.FillRequestNode
	select {
	case env := <-bus.Inbox(owner):
		fillReq = env.Payload.(transport.FillRequestNode)
	case <-time.After(time.Second):
		t.Fatal("owner never received FillRequestNode")
	}
	assert.Equal(t, sfc.Key(42), fillReq.LookupKey)

	reply := transport.ReceiveNode{
		RequestID: fillReq.RequestID,
		Records: []transport.NodeRecord{
			{LookupKey: 42, NumParticle: 3, Moments: moments.Moments{TotalMass: 9}},
		},
	}
	bus.Send(owner, 3, reply)

	select {
	case env := <-bus.Inbox(requester):
		delivered := env.Payload.(transport.ReceiveNode)
		require.Len(t, delivered.Records, 1)
		assert.InDelta(t, 9.0, delivered.Records[0].Moments.TotalMass, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("requester was never notified of the fill")
	}

	records, hit = c.RequestNode(requester, owner, 42)
	assert.True(t, hit)
	require.Len(t, records, 1)
	assert.InDelta(t, 9.0, records[0].Moments.TotalMass, 1e-9)
}

func TestRequestNodeDedupesConcurrentMissesToSameKey(t *testing.T) {
	bus := transport.NewBus()
	const owner transport.PieceID = 1
	bus.Register(owner, 16)

	c := New(3, bus, 4, true, zap.NewNop())
	go c.Run()
	t.Cleanup(c.Stop)

	c.RequestNode(5, owner, 7)
	c.RequestNode(6, owner, 7)

	count := 0
	draining := true
	for draining {
		select {
		case <-bus.Inbox(owner):
			count++
		case <-time.After(50 * time.Millisecond):
			draining = false
		}
	}
	assert.Equal(t, 1, count, "a second miss on the same key should not issue a second FillRequestNode")
}

// TestRequestNodeRoutesMultipleOutstandingMissesIndependently covers
// the shape a nested cache miss takes at the cache's level: a second
// RequestNode for a different (owner, lookupKey) pair issued before the
// first miss's reply has arrived (exactly what walkCachedRecords does
// when a resumed chunk's own children ran past cacheLineDepth) must get
// its own requestID and be routed to its own waiter, not get folded
// into or dropped by the first miss's bookkeeping.
func TestRequestNodeRoutesMultipleOutstandingMissesIndependently(t *testing.T) {
	bus := transport.NewBus()
	const owner transport.PieceID = 1
	const requester transport.PieceID = 2
	bus.Register(owner, 16)
	bus.Register(requester, 16)

	c := New(3, bus, 4, true, zap.NewNop())
	go c.Run()
	t.Cleanup(c.Stop)

	_, hit := c.RequestNode(requester, owner, 42)
	assert.False(t, hit)
	_, hit = c.RequestNode(requester, owner, 99)
	assert.False(t, hit)

	fillReqs := make(map[sfc.Key]transport.FillRequestNode)
	for len(fillReqs) < 2 {
		select {
		case env := <-bus.Inbox(owner):
			req := env.Payload.(transport.FillRequestNode)
			fillReqs[req.LookupKey] = req
		case <-time.After(time.Second):
			t.Fatal("owner never received both FillRequestNode misses")
		}
	}

	bus.Send(owner, 3, transport.ReceiveNode{
		RequestID: fillReqs[99].RequestID, LookupKey: 99,
		Records: []transport.NodeRecord{{LookupKey: 99, Moments: moments.Moments{TotalMass: 5}}},
	})
	bus.Send(owner, 3, transport.ReceiveNode{
		RequestID: fillReqs[42].RequestID, LookupKey: 42,
		Records: []transport.NodeRecord{{LookupKey: 42, Moments: moments.Moments{TotalMass: 1}}},
	})

	seen := make(map[sfc.Key]float64)
	for len(seen) < 2 {
		select {
		case env := <-bus.Inbox(requester):
			delivered := env.Payload.(transport.ReceiveNode)
			seen[delivered.LookupKey] = delivered.Records[0].Moments.TotalMass
		case <-time.After(time.Second):
			t.Fatal("requester never saw both replies")
		}
	}
	assert.InDelta(t, 1.0, seen[42], 1e-9)
	assert.InDelta(t, 5.0, seen[99], 1e-9)
}

func TestRequestNodeDisabledRefetchesInsteadOfReusingAReadyLine(t *testing.T) {
	bus := transport.NewBus()
	const owner transport.PieceID = 1
	const requester transport.PieceID = 2
	bus.Register(owner, 16)
	bus.Register(requester, 16)

	c := New(3, bus, 4, false, zap.NewNop())
	go c.Run()
	t.Cleanup(c.Stop)

	c.RequestNode(requester, owner, 42)
	fillReq := (<-bus.Inbox(owner)).Payload.(transport.FillRequestNode)
	bus.Send(owner, 3, transport.ReceiveNode{
		RequestID: fillReq.RequestID,
		Records:   []transport.NodeRecord{{LookupKey: 42}},
	})
	<-bus.Inbox(requester) // drain the forwarded reply

	_, hit := c.RequestNode(requester, owner, 42)
	assert.False(t, hit, "a disabled cache must not serve a previously-resolved line as a hit")

	select {
	case <-bus.Inbox(owner):
	case <-time.After(time.Second):
		t.Fatal("disabled cache should have issued a second FillRequestNode")
	}
}


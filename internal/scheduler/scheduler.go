// Package scheduler implements the cooperative bucket scheduling of
// §4.9: after tree construction, a piece walks its buckets in batches
// of yieldPeriod, yielding control between batches so incoming cache
// replies and boundary messages get a chance to drain rather than
// being starved by a long run of bucket walks.
package scheduler

// BucketWalker is the single piece-supplied callback the scheduler
// drives: walk one bucket (by its tree.Tree.BucketList index) to
// completion or its first suspension point.
type BucketWalker func(bucketListIndex int)

// Yielder is called between batches, after yieldPeriod buckets have
// started, to give the piece a chance to drain its message inbox
// before resuming. Typically a thin wrapper that processes whatever is
// already queued on the piece's transport.Bus inbox without blocking.
type Yielder func()

// Schedule walks numBuckets buckets via walkBucket, calling yield
// after every yieldPeriod buckets (and once more at the end, so the
// final partial batch also gets a drain pass). yieldPeriod <= 0 is
// treated as "never yield mid-run" (one batch covering every bucket).
func Schedule(numBuckets, yieldPeriod int, walkBucket BucketWalker, yield Yielder) {
	if yieldPeriod <= 0 {
		yieldPeriod = numBuckets
		if yieldPeriod <= 0 {
			yieldPeriod = 1
		}
	}
	for i := 0; i < numBuckets; i++ {
		walkBucket(i)
		if (i+1)%yieldPeriod == 0 {
			yield()
		}
	}
	if numBuckets%yieldPeriod != 0 {
		yield()
	}
}

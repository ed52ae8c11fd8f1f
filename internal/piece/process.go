package piece

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quillaja/distbh/internal/cache"
	"github.com/quillaja/distbh/internal/transport"
)

// CacheBusID returns the transport.PieceID a process's shared cache
// registers itself under: one past the highest real piece id, so a
// cache never collides with a piece's own address on the bus.
func CacheBusID(numPieces int) transport.PieceID {
	return transport.PieceID(numPieces)
}

// Process groups the Pieces co-located in one OS process behind one
// shared cache.Cache, mirroring "M processes host N pieces" (§4.10,
// §5). It fans iteration phases out across its pieces with a
// sync.WaitGroup per phase, the same shape as the teacher's
// wg.Add(workers)/go worker()/wg.Wait() fan-out in main.go.
type Process struct {
	Bus    *transport.Bus
	Cache  *cache.Cache
	Pieces []*Piece
	Log    *zap.Logger
}

// NewProcess starts c's actor goroutine and returns a Process ready to
// accept pieces via AddPiece.
func NewProcess(bus *transport.Bus, c *cache.Cache, log *zap.Logger) *Process {
	go c.Run()
	return &Process{Bus: bus, Cache: c, Pieces: nil, Log: log}
}

// AddPiece registers p as one of this process's co-located pieces.
func (proc *Process) AddPiece(p *Piece) {
	proc.Pieces = append(proc.Pieces, p)
}

// Shutdown stops the process's cache actor; call once the process is
// done iterating.
func (proc *Process) Shutdown() {
	proc.Cache.Stop()
}

// RunReconcile drives the boundary-reconciliation phase for every piece
// in the process. iterationNo clears the shared cache of the prior
// iteration's chunks first, since a rebuilt tree invalidates every
// previously cached lookupKey. Returning is this process's tree-ready
// signal: no piece anywhere may start walking until every process's
// RunReconcile has returned, or a walker's node request could reach a
// piece whose Boundary moments aren't final yet.
func (proc *Process) RunReconcile(iterationNo int) error {
	proc.Cache.Sync(iterationNo)
	return proc.fanOut(func(p *Piece) error { return p.ReconcileBoundaries() })
}

// RunWalk drives the bucket-walk phase for every piece in the process.
// Call only after RunReconcile has returned on every process sharing
// the bus.
func (proc *Process) RunWalk() error {
	return proc.fanOut(func(p *Piece) error { return p.RunWalk() })
}

// RunIteration drives one full reconcile-then-walk pass for every
// piece in the process, returning the first error any piece reports.
// The phase boundary between the two calls is a correct tree-ready
// barrier only when this process is the bus's sole process; multi-
// process callers sequence RunReconcile and RunWalk themselves.
func (proc *Process) RunIteration(iterationNo int) error {
	if err := proc.RunReconcile(iterationNo); err != nil {
		return err
	}
	return proc.RunWalk()
}

// fanOut runs step concurrently over every piece, mirroring the
// teacher's per-worker goroutine fan-out gated by a single
// sync.WaitGroup, and returns the first non-nil error encountered.
func (proc *Process) fanOut(step func(*Piece) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(proc.Pieces))
	wg.Add(len(proc.Pieces))
	for i, p := range proc.Pieces {
		go func(i int, p *Piece) {
			defer wg.Done()
			errs[i] = step(p)
		}(i, p)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

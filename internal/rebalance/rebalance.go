// Package rebalance surfaces an advisory, between-iteration load signal
// per piece. It never repartitions anything itself — dynamic
// re-partitioning between iterations is out of scope (§4.14) — it only
// measures, so an outer driver or operator can decide what to do with
// the number.
package rebalance

import "fmt"

// Signal is one piece's load measurement as of the end of an iteration.
type Signal struct {
	PieceID              int
	CurrentParticleCount int

	// ImbalanceRatio is CurrentParticleCount divided by the mean count
	// across all pieces checked together; 1.0 is perfectly balanced,
	// >1 means this piece carries more than its share.
	ImbalanceRatio float64
}

// Notifier accumulates per-piece particle counts for one iteration and,
// on Check, reports each piece's imbalance against the group mean.
type Notifier struct {
	counts map[int]int
}

// New returns a Notifier ready to record counts for the next iteration.
func New() *Notifier {
	return &Notifier{counts: make(map[int]int)}
}

// Observe records pieceID's particle count as of the end of the
// just-finished iteration. A driver calls this once per piece, between
// iterations, never while a walk is in flight.
func (n *Notifier) Observe(pieceID, particleCount int) {
	n.counts[pieceID] = particleCount
}

// Check computes each observed piece's ImbalanceRatio against the mean
// of all observed counts and clears the notifier for the next
// iteration. An empty notifier returns nil.
func (n *Notifier) Check() []Signal {
	if len(n.counts) == 0 {
		return nil
	}

	total := 0
	for _, c := range n.counts {
		total += c
	}
	mean := float64(total) / float64(len(n.counts))

	signals := make([]Signal, 0, len(n.counts))
	for pieceID, count := range n.counts {
		ratio := 0.0
		if mean > 0 {
			ratio = float64(count) / mean
		}
		signals = append(signals, Signal{PieceID: pieceID, CurrentParticleCount: count, ImbalanceRatio: ratio})
	}

	n.counts = make(map[int]int)
	return signals
}

// String renders a Signal the way an operator would want it logged:
// compact, one line.
func (s Signal) String() string {
	return fmt.Sprintf("piece=%d count=%d imbalance=%.2f", s.PieceID, s.CurrentParticleCount, s.ImbalanceRatio)
}

package rebalance

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckReportsImbalanceAgainstGroupMean(t *testing.T) {
	n := New()
	n.Observe(0, 100)
	n.Observe(1, 50)

	signals := n.Check()
	sort.Slice(signals, func(i, j int) bool { return signals[i].PieceID < signals[j].PieceID })

	assert.Equal(t, 100, signals[0].CurrentParticleCount)
	assert.InDelta(t, 1.333, signals[0].ImbalanceRatio, 0.001)
	assert.Equal(t, 50, signals[1].CurrentParticleCount)
	assert.InDelta(t, 0.667, signals[1].ImbalanceRatio, 0.001)
}

func TestCheckClearsStateBetweenIterations(t *testing.T) {
	n := New()
	n.Observe(0, 10)
	n.Check()

	assert.Nil(t, n.Check())
}

func TestCheckOnEmptyNotifierReturnsNil(t *testing.T) {
	n := New()
	assert.Nil(t, n.Check())
}

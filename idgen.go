package threadx

import "sync/atomic"

// uniqueIDFactor is the per-worker offset multiplier: with workerId
// in [1,899] and a monotonic counter spanning 10^13, no two workers
// ever mint the same id (spec.md §3 invariant 3).
const uniqueIDFactor = 10_000_000_000_000

// IDGenerator mints globally-unique float64 ids of the form
// workerId*10^13 + counter, counter starting at 1 and incrementing on
// every call.
type IDGenerator struct {
	workerID int
	counter  atomic.Uint64
}

func NewIDGenerator(workerID int) *IDGenerator {
	g := &IDGenerator{workerID: workerID}
	g.counter.Store(0)
	return g
}

// Next returns the current value and advances the counter.
func (g *IDGenerator) Next() float64 {
	n := g.counter.Add(1)
	return float64(g.workerID)*uniqueIDFactor + float64(n)
}

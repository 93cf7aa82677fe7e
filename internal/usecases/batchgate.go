package usecases

import (
	"context"

	"golang.org/x/sync/semaphore"
)

const defaultMaxBatches = 4

// batchGate bounds how many batches list and submit at the same time.
// All batches share one worker pool, so the gate only keeps listings
// from piling up queue entries.
type batchGate struct {
	sem *semaphore.Weighted
}

func newBatchGate(maxBatches int) *batchGate {
	if maxBatches < 1 {
		maxBatches = defaultMaxBatches
	}
	return &batchGate{sem: semaphore.NewWeighted(int64(maxBatches))}
}

// enter blocks until the batch may start or ctx is done.
func (g *batchGate) enter(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// leave must follow exactly one successful enter.
func (g *batchGate) leave() {
	g.sem.Release(1)
}

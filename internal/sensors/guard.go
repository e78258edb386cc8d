package sensors

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Guard serializes access to the acquisition hardware. The sampling loop
// holds it for one cycle; maintenance sessions hold it for their whole run.
type Guard struct {
	sem *semaphore.Weighted
}

func NewGuard() *Guard {
	return &Guard{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the hardware is free or ctx is done.
func (g *Guard) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// TryAcquire takes the hardware only if it is free right now.
func (g *Guard) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

func (g *Guard) Release() {
	g.sem.Release(1)
}

package util

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore is a FIFO-fair counting semaphore. Waiters queue in arrival
// order and never starve.
type Semaphore struct {
	sem *semaphore.Weighted
}

// NewSemaphore creates a semaphore with the given number of slots.
func NewSemaphore(slots int) *Semaphore {
	if slots <= 0 {
		slots = 1
	}
	return &Semaphore{sem: semaphore.NewWeighted(int64(slots))}
}

// Acquire blocks until a slot is available or the context is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// TryAcquire grabs a slot without blocking, reporting success.
func (s *Semaphore) TryAcquire() bool {
	return s.sem.TryAcquire(1)
}

// Release frees a previously acquired slot.
func (s *Semaphore) Release() {
	s.sem.Release(1)
}

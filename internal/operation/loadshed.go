package operation

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// LoadShedder bounds the number of operations in flight. Acquisition never
// blocks: when the node is saturated the operation is refused immediately
// so the caller can answer with an overload error instead of queueing.
type LoadShedder struct {
	sem *semaphore.Weighted
	max int64
}

// NewLoadShedder builds a shedder admitting up to max concurrent operations.
func NewLoadShedder(max int64) *LoadShedder {
	if max <= 0 {
		max = 1
	}
	return &LoadShedder{sem: semaphore.NewWeighted(max), max: max}
}

// TryAcquire claims a slot, reporting false when none is free.
func (l *LoadShedder) TryAcquire() bool { return l.sem.TryAcquire(1) }

// Release returns a slot.
func (l *LoadShedder) Release() { l.sem.Release(1) }

// Wait blocks until a slot is free or ctx is done. Used by internal work
// that prefers queueing over refusal.
func (l *LoadShedder) Wait(ctx context.Context) error { return l.sem.Acquire(ctx, 1) }

// Capacity returns the configured limit.
func (l *LoadShedder) Capacity() int64 { return l.max }

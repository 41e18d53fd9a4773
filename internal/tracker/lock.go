package tracker

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// CycleLock is the exclusive per-instance lock held for the duration of a
// polling cycle. Acquisition never blocks past its timeout.
type CycleLock struct {
	sem *semaphore.Weighted
}

func NewCycleLock() *CycleLock {
	return &CycleLock{sem: semaphore.NewWeighted(1)}
}

// TryAcquire takes the lock if it is free.
func (l *CycleLock) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

// Acquire waits up to timeout for the lock. A non-positive timeout only
// tries once.
func (l *CycleLock) Acquire(ctx context.Context, timeout time.Duration) error {
	if l.sem.TryAcquire(1) {
		return nil
	}
	if timeout <= 0 {
		return ErrLockTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrLockTimeout
	}
	return nil
}

// Release frees a lock taken by TryAcquire or Acquire.
func (l *CycleLock) Release() {
	l.sem.Release(1)
}

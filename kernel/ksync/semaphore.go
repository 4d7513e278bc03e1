package ksync

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dnx-rtos/dnxcore/kernel"
)

// Semaphore is a counting semaphore, built on
// golang.org/x/sync/semaphore.Weighted to bound concurrent holders.
// A task that blocks acquiring a slot goes through the scheduler's
// Suspend/Resume/WaitTurn suspension points so its priority is visible
// to the ready queue exactly like blocking on a mutex.
type Semaphore struct {
	sched *kernel.Scheduler
	w     *semaphore.Weighted
}

// NewSemaphore creates a counting semaphore with the given number of
// slots.
func NewSemaphore(sched *kernel.Scheduler, slots int64) *Semaphore {
	return &Semaphore{sched: sched, w: semaphore.NewWeighted(slots)}
}

// Take acquires one slot, blocking until available or timeout elapses.
// A zero timeout blocks indefinitely. When ctx carries no task (a
// caller outside the scheduler), Take blocks on the slot directly,
// without scheduler bookkeeping.
func (s *Semaphore) Take(ctx context.Context, timeout time.Duration) (LockResult, error) {
	tc := kernel.FromContext(ctx)
	if s.w.TryAcquire(1) {
		return Locked, nil
	}

	acquireCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	if tc == nil {
		if err := s.w.Acquire(acquireCtx, 1); err != nil {
			return TimedOut, nil
		}
		return Locked, nil
	}

	s.sched.Suspend(tc.ID())
	acquired := make(chan error, 1)
	go func() { acquired <- s.w.Acquire(acquireCtx, 1) }()

	err := <-acquired
	s.sched.Resume(tc.ID())
	if werr := s.sched.WaitTurn(tc.ID()); werr != nil {
		if err == nil {
			s.w.Release(1)
		}
		return TimedOut, werr
	}
	if err != nil {
		return TimedOut, nil
	}
	return Locked, nil
}

// Give releases one slot back to the semaphore.
func (s *Semaphore) Give() {
	s.w.Release(1)
}

// Drain immediately consumes one slot without blocking or touching
// scheduler bookkeeping, reporting whether a slot was available. Used
// to turn a freshly created Semaphore into a one-shot completion
// signal (process.Manager's exit semaphore): create with one slot,
// Drain it so the first real Take blocks until a matching Give.
func (s *Semaphore) Drain() bool {
	return s.w.TryAcquire(1)
}

package ksync

import (
	"context"
	"time"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/kernel"
)

// Queue is a fixed-capacity message queue: Send blocks while full,
// Receive blocks while empty, both honoring an optional timeout and
// going through the scheduler's suspension points while blocked.
type Queue[T any] struct {
	sched *kernel.Scheduler
	ch    chan T
}

// NewQueue creates a queue holding up to capacity items.
func NewQueue[T any](sched *kernel.Scheduler, capacity int) *Queue[T] {
	return &Queue[T]{sched: sched, ch: make(chan T, capacity)}
}

// Send enqueues v, blocking while the queue is full. A zero timeout
// blocks indefinitely.
func (q *Queue[T]) Send(ctx context.Context, v T, timeout time.Duration) (LockResult, error) {
	tc := kernel.FromContext(ctx)
	if tc == nil {
		return TimedOut, errno.EINVAL
	}

	select {
	case q.ch <- v:
		return Locked, nil
	default:
	}

	q.sched.Suspend(tc.ID())
	defer func() {
		q.sched.Resume(tc.ID())
		_ = q.sched.WaitTurn(tc.ID())
	}()

	if timeout <= 0 {
		q.ch <- v
		return Locked, nil
	}
	select {
	case q.ch <- v:
		return Locked, nil
	case <-time.After(timeout):
		return TimedOut, nil
	}
}

// Receive dequeues the next item, blocking while the queue is empty. A
// zero timeout blocks indefinitely.
func (q *Queue[T]) Receive(ctx context.Context, timeout time.Duration) (T, LockResult, error) {
	var zero T
	tc := kernel.FromContext(ctx)
	if tc == nil {
		return zero, TimedOut, errno.EINVAL
	}

	select {
	case v := <-q.ch:
		return v, Locked, nil
	default:
	}

	q.sched.Suspend(tc.ID())
	defer func() {
		q.sched.Resume(tc.ID())
		_ = q.sched.WaitTurn(tc.ID())
	}()

	if timeout <= 0 {
		v := <-q.ch
		return v, Locked, nil
	}
	select {
	case v := <-q.ch:
		return v, Locked, nil
	case <-time.After(timeout):
		return zero, TimedOut, nil
	}
}

// Len reports the number of items currently queued.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap reports the queue's fixed capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

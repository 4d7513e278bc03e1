// Package ksync implements the mutex, semaphore and queue primitives,
// built on kernel.Scheduler's suspension-point API (Suspend/Resume/
// WaitTurn) so that blocking on them is visible to the scheduler's
// priority bookkeeping exactly like blocking on a real RTOS primitive
// would be.
package ksync

import (
	"context"
	"sync"
	"time"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/kernel"
)

// LockResult is the outcome of a timed Lock/Take/Send/Receive call.
type LockResult int

const (
	Locked LockResult = iota
	TimedOut
)

// Mutex is a normal (non-recursive), priority-inheriting mutex. The
// same task may not acquire it twice without first unlocking; doing so
// returns EDEADLK via errno.EINVAL (the dense enumeration has no
// dedicated deadlock code).
type Mutex struct {
	sched *kernel.Scheduler

	mu      sync.Mutex
	held    bool
	owner   kernel.TaskID
	ownerTC *kernel.TaskContext
	waiters []waiter
}

type waiter struct {
	id kernel.TaskID
	tc *kernel.TaskContext
}

// NewMutex creates a normal mutex scheduled by sched.
func NewMutex(sched *kernel.Scheduler) *Mutex {
	return &Mutex{sched: sched}
}

// Lock acquires m, blocking the calling task (per ctx's TaskContext)
// until it is free or timeout elapses. A zero timeout blocks
// indefinitely.
func (m *Mutex) Lock(ctx context.Context, timeout time.Duration) (LockResult, error) {
	tc := kernel.FromContext(ctx)
	if tc == nil {
		return TimedOut, errno.EINVAL
	}

	m.mu.Lock()
	if !m.held {
		m.held = true
		m.owner = tc.ID()
		m.ownerTC = tc
		m.mu.Unlock()
		return Locked, nil
	}
	if tc.ID() == m.owner {
		m.mu.Unlock()
		return TimedOut, errno.EINVAL
	}
	if tc.EffectivePriority() > m.ownerTC.EffectivePriority() {
		m.ownerTC.Boost(tc.EffectivePriority())
	}
	m.waiters = append(m.waiters, waiter{id: tc.ID(), tc: tc})
	m.mu.Unlock()

	m.sched.Suspend(tc.ID())
	return m.park(tc.ID(), timeout)
}

// park blocks the already-Suspended task id until Unlock claims it
// off m.waiters (granting the lock) or timeout elapses. The two races
// against Unlock's popHighestWaiterLocked under m.mu, so exactly one of
// "Unlock resumes us" or "we time ourselves out" happens.
func (m *Mutex) park(id kernel.TaskID, timeout time.Duration) (LockResult, error) {
	if timeout <= 0 {
		if err := m.sched.WaitTurn(id); err != nil {
			return TimedOut, err
		}
		return Locked, nil
	}

	turned := make(chan error, 1)
	go func() { turned <- m.sched.WaitTurn(id) }()

	select {
	case err := <-turned:
		if err != nil {
			return TimedOut, err
		}
		return Locked, nil
	case <-time.After(timeout):
		m.mu.Lock()
		if m.removeWaiterLocked(id) {
			// We beat Unlock to it: genuinely timed out.
			m.mu.Unlock()
			m.sched.Resume(id)
			<-turned
			return TimedOut, nil
		}
		// Unlock already claimed us for ownership; finish taking the
		// turn it granted.
		m.mu.Unlock()
		if err := <-turned; err != nil {
			return TimedOut, err
		}
		return Locked, nil
	}
}

// Unlock releases m, waking the highest-priority waiter (if any) and
// handing it ownership directly (so no other task can steal the lock
// between Unlock and the waiter's wakeup).
func (m *Mutex) Unlock() error {
	m.mu.Lock()
	if !m.held {
		m.mu.Unlock()
		return errno.EPERM
	}
	if m.ownerTC != nil {
		m.ownerTC.Unboost()
	}
	if len(m.waiters) == 0 {
		m.held = false
		m.owner = 0
		m.ownerTC = nil
		m.mu.Unlock()
		return nil
	}
	next := m.popHighestWaiterLocked()
	m.owner = next.id
	m.ownerTC = next.tc
	m.mu.Unlock()
	m.sched.Resume(next.id)
	return nil
}

func (m *Mutex) popHighestWaiterLocked() waiter {
	best := 0
	for i := 1; i < len(m.waiters); i++ {
		if m.waiters[i].tc.EffectivePriority() > m.waiters[best].tc.EffectivePriority() {
			best = i
		}
	}
	w := m.waiters[best]
	m.waiters = append(m.waiters[:best], m.waiters[best+1:]...)
	return w
}

// removeWaiterLocked removes id from the waiter list, reporting whether
// it was still present (false means Unlock already claimed it).
func (m *Mutex) removeWaiterLocked(id kernel.TaskID) bool {
	for i, w := range m.waiters {
		if w.id == id {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

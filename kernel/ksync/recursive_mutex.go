package ksync

import (
	"context"
	"sync"
	"time"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/kernel"
)

// RecursiveMutex is a mutex the owning task may lock repeatedly without
// deadlocking itself; each Lock must be matched by an Unlock, and the
// lock is only released to another task once the recursion depth
// returns to zero.
type RecursiveMutex struct {
	sched *kernel.Scheduler

	mu      sync.Mutex
	held    bool
	depth   int
	owner   kernel.TaskID
	ownerTC *kernel.TaskContext
	waiters []waiter
}

// NewRecursiveMutex creates a recursive mutex scheduled by sched.
func NewRecursiveMutex(sched *kernel.Scheduler) *RecursiveMutex {
	return &RecursiveMutex{sched: sched}
}

// Lock acquires m, recursing if the calling task already owns it.
func (m *RecursiveMutex) Lock(ctx context.Context, timeout time.Duration) (LockResult, error) {
	tc := kernel.FromContext(ctx)
	if tc == nil {
		return TimedOut, errno.EINVAL
	}

	m.mu.Lock()
	if !m.held {
		m.held = true
		m.depth = 1
		m.owner = tc.ID()
		m.ownerTC = tc
		m.mu.Unlock()
		return Locked, nil
	}
	if tc.ID() == m.owner {
		m.depth++
		m.mu.Unlock()
		return Locked, nil
	}
	if tc.EffectivePriority() > m.ownerTC.EffectivePriority() {
		m.ownerTC.Boost(tc.EffectivePriority())
	}
	m.waiters = append(m.waiters, waiter{id: tc.ID(), tc: tc})
	m.mu.Unlock()

	m.sched.Suspend(tc.ID())
	return m.park(tc.ID(), timeout)
}

func (m *RecursiveMutex) park(id kernel.TaskID, timeout time.Duration) (LockResult, error) {
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
			m.mu.Unlock()
			m.sched.Resume(id)
			<-turned
			return TimedOut, nil
		}
		m.mu.Unlock()
		if err := <-turned; err != nil {
			return TimedOut, err
		}
		return Locked, nil
	}
}

// Unlock releases one level of recursion. Once depth reaches zero the
// lock passes to the highest-priority waiter, if any.
func (m *RecursiveMutex) Unlock() error {
	m.mu.Lock()
	if !m.held {
		m.mu.Unlock()
		return errno.EPERM
	}
	m.depth--
	if m.depth > 0 {
		m.mu.Unlock()
		return nil
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
	m.depth = 1
	m.owner = next.id
	m.ownerTC = next.tc
	m.mu.Unlock()
	m.sched.Resume(next.id)
	return nil
}

func (m *RecursiveMutex) popHighestWaiterLocked() waiter {
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

func (m *RecursiveMutex) removeWaiterLocked(id kernel.TaskID) bool {
	for i, w := range m.waiters {
		if w.id == id {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Package mbus implements the subject-addressed message bus: processes
// publish to a named subject and zero or more subscribers receive the
// message, sharing the pipe layer's blocking/timeout model. A
// background sweeper reclaims messages that sat undelivered past a
// fixed live-time.
package mbus

import (
	"sync"
	"time"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/ipc/pipe"
	"github.com/google/uuid"
)

// DefaultLiveTime is the message GC window: an undelivered message
// older than this is swept away.
const DefaultLiveTime = 2 * time.Second

// Message is one published envelope. ID is a correlation handle a
// caller can log or match against.
type Message struct {
	ID        uuid.UUID
	Subject   string
	Data      []byte
	CreatedAt time.Time
}

type envelope struct {
	msg       Message
	expiresAt time.Time
}

// Bus owns the subject->subscriber fan-out table and the sweeper that
// drops undelivered messages once they age past liveTime.
type Bus struct {
	liveTime time.Duration

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}

	stop chan struct{}
	done chan struct{}
}

// New creates a Bus whose undelivered messages expire after liveTime
// (0 uses DefaultLiveTime). The sweeper runs until Close is called.
func New(liveTime time.Duration) *Bus {
	if liveTime <= 0 {
		liveTime = DefaultLiveTime
	}
	b := &Bus{
		liveTime: liveTime,
		subs:     make(map[string]map[*Subscription]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Close stops the sweeper. Safe to call once.
func (b *Bus) Close() {
	close(b.stop)
	<-b.done
}

func (b *Bus) sweepLoop() {
	defer close(b.done)
	interval := b.liveTime / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.stop:
			return
		}
	}
}

func (b *Bus) sweep() {
	b.mu.Lock()
	subs := make([]*Subscription, 0)
	for _, set := range b.subs {
		for s := range set {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.dropExpired()
	}
}

// Subscribe registers a new subscriber for subject. The caller must
// Close the returned Subscription when done listening.
func (b *Bus) Subscribe(subject string) *Subscription {
	s := &Subscription{bus: b, subject: subject, changed: make(chan struct{})}
	b.mu.Lock()
	set, ok := b.subs[subject]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[subject] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[s.subject]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.subject)
		}
	}
	b.mu.Unlock()
}

// Publish delivers data to every current subscriber of subject,
// returning the Message envelope assigned (zero subscribers is not an
// error: "zero or more subscribers receive the message").
func (b *Bus) Publish(subject string, data []byte) Message {
	msg := Message{ID: uuid.New(), Subject: subject, Data: data, CreatedAt: time.Now()}
	env := &envelope{msg: msg, expiresAt: msg.CreatedAt.Add(b.liveTime)}

	b.mu.Lock()
	set := b.subs[subject]
	targets := make([]*Subscription, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(env)
	}
	return msg
}

// Subscription is one subscriber's undelivered-message queue for a
// subject, sharing ipc/pipe's deadline-based blocking model.
type Subscription struct {
	bus     *Bus
	subject string

	mu     sync.Mutex
	queue  []*envelope
	closed bool
	changed chan struct{}
}

// Subject returns the subject this subscription was registered for.
func (s *Subscription) Subject() string { return s.subject }

func (s *Subscription) deliver(env *envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, env)
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *Subscription) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Subscription) dropExpired() {
	s.mu.Lock()
	now := time.Now()
	kept := s.queue[:0]
	for _, env := range s.queue {
		if now.Before(env.expiresAt) {
			kept = append(kept, env)
		}
	}
	s.queue = kept
	s.mu.Unlock()
}

// Receive returns the next undelivered message for this subscription,
// waiting according to timeout/nonBlocking exactly as pipe.Read does.
func (s *Subscription) Receive(timeout time.Duration, nonBlocking bool) (Message, error) {
	deadline, hasDeadline := pipe.DeadlineFrom(timeout)
	for {
		s.mu.Lock()
		s.expireLocked()
		if len(s.queue) > 0 {
			env := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return env.msg, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Message{}, errno.EBADF
		}
		if nonBlocking {
			s.mu.Unlock()
			return Message{}, errno.EAGAIN
		}
		wait := s.changed
		s.mu.Unlock()
		if !pipe.WaitOrTimeout(wait, hasDeadline, deadline) {
			return Message{}, errno.EAGAIN
		}
	}
}

func (s *Subscription) expireLocked() {
	now := time.Now()
	kept := s.queue[:0]
	for _, env := range s.queue {
		if now.Before(env.expiresAt) {
			kept = append(kept, env)
		}
	}
	s.queue = kept
}

// Close unregisters the subscription; a subsequent Receive observes
// EBADF rather than blocking forever.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	s.broadcastLocked()
	s.mu.Unlock()
	s.bus.unsubscribe(s)
}

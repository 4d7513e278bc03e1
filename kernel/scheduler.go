// Package kernel implements the scheduler-agnostic abstraction layer:
// task creation/termination, the Ready -> Running -> {Blocked,
// Suspended, Terminated} state machine, and the suspension-point
// primitives (yield, delay, block/resume) that kernel/ksync, ipc/pipe
// and the VFS build on.
//
// Tasks are goroutines; priority-ordered scheduling is simulated with
// an explicit turn token rather than relying on the Go runtime's own
// scheduler, so that "higher priority runs before lower, equal
// priority round-robins" holds at every suspension point the way it
// would on a real tick-driven preemptive scheduler. True preemption at
// an arbitrary instruction boundary is not reproducible on top of
// goroutines; monitor.Monitor's CPU-load sampling is designed around
// that constraint rather than against it.
package kernel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnx-rtos/dnxcore/config"
	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/kernel/printk"
)

// ErrKilled is observed by a task that was parked in a suspension point
// when it was killed; callers must unwind without completing the
// operation they were waiting on.
var ErrKilled = errors.New("kernel: task killed")

type ctxKey struct{}

var taskCtxKey ctxKey

// FromContext returns the TaskContext carried by ctx: a single pointer
// indirection rather than a global current-task pointer.
func FromContext(ctx context.Context) *TaskContext {
	tc, _ := ctx.Value(taskCtxKey).(*TaskContext)
	return tc
}

// WithTask returns a copy of ctx carrying tc, used by the process
// manager's spawn trampoline.
func WithTask(ctx context.Context, tc *TaskContext) context.Context {
	return context.WithValue(ctx, taskCtxKey, tc)
}

// Scheduler owns the task table and ready queues for one dnxcore
// instance.
type Scheduler struct {
	cfg *config.Config
	log interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
	}

	mu        sync.Mutex
	tasks     map[TaskID]*task
	ready     [][]TaskID // indexed by priority, 0 = lowest
	runningID TaskID     // 0 means nothing running (idle)
	nextID    int64

	tickCount uint64

	cleanupQueue chan *task
	idleStop     chan struct{}
	idleDone     chan struct{}

	tickHooksMu sync.Mutex
	tickHooks   []func(running TaskID, tick uint64)
}

// New builds a Scheduler for cfg. Callers must call Close when done to
// stop the idle-cleanup worker.
func New(cfg *config.Config) *Scheduler {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Scheduler{
		cfg:          cfg,
		log:          printk.For("kernel"),
		tasks:        make(map[TaskID]*task),
		ready:        make([][]TaskID, cfg.PriorityLevels),
		cleanupQueue: make(chan *task, cfg.MaxTasks),
		idleStop:     make(chan struct{}),
		idleDone:     make(chan struct{}),
	}
	go s.idleLoop()
	return s
}

// Close stops the idle-cleanup worker. Safe to call once.
func (s *Scheduler) Close() {
	close(s.idleStop)
	<-s.idleDone
}

func (s *Scheduler) idleLoop() {
	defer close(s.idleDone)
	for {
		select {
		case t := <-s.cleanupQueue:
			t.ctx.runDestructors()
			close(t.done)
		case <-s.idleStop:
			// Drain remaining cleanup work before exiting.
			for {
				select {
				case t := <-s.cleanupQueue:
					t.ctx.runDestructors()
					close(t.done)
				default:
					return
				}
			}
		}
	}
}

// TickCount returns the number of scheduler ticks elapsed since boot.
func (s *Scheduler) TickCount() uint64 {
	return atomic.LoadUint64(&s.tickCount)
}

// TickPeriod returns the configured duration of one scheduler tick.
func (s *Scheduler) TickPeriod() time.Duration {
	return s.cfg.TickPeriod
}

// Tick advances the scheduler's tick counter and performs the
// preemption check: if a strictly higher-priority task is ready than
// the one currently running, the running task is rotated back into its
// ready queue and the higher-priority one is granted the CPU.
//
// Production code drives this from a time.Ticker at cfg.TickPeriod
// (see Run); tests drive it explicitly for determinism.
func (s *Scheduler) Tick() {
	tick := atomic.AddUint64(&s.tickCount, 1)
	s.mu.Lock()
	s.accountRunningLocked()
	running, ok := s.tasks[s.runningID]
	highest := s.highestReadyPriorityLocked()
	if ok && highest > running.ctx.EffectivePriority() {
		s.enqueueLocked(running.ctx.id)
		s.runningID = 0
		running.setState(Ready)
	}
	s.scheduleLocked()
	runningID := s.runningID
	s.mu.Unlock()
	s.runTickHooks(runningID, tick)
}

// OnTick registers fn to be called once per Tick with the TaskID
// holding the CPU for that tick (0 if idle). Used by monitor.Monitor to
// sample CPU-load without the scheduler depending on the monitor
// package.
func (s *Scheduler) OnTick(fn func(running TaskID, tick uint64)) {
	s.tickHooksMu.Lock()
	s.tickHooks = append(s.tickHooks, fn)
	s.tickHooksMu.Unlock()
}

func (s *Scheduler) runTickHooks(running TaskID, tick uint64) {
	s.tickHooksMu.Lock()
	hooks := s.tickHooks
	s.tickHooksMu.Unlock()
	for _, h := range hooks {
		h(running, tick)
	}
}

// accountRunningLocked does nothing; monitor.Monitor samples which task
// is running through the OnTick hooks that Tick calls after scheduling.
func (s *Scheduler) accountRunningLocked() {}

// Run drives Tick automatically every cfg.TickPeriod until ctx is
// cancelled. Intended for cmd/dnxsim; tests should call Tick directly.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

func (s *Scheduler) highestReadyPriorityLocked() int {
	for p := len(s.ready) - 1; p >= 0; p-- {
		if len(s.ready[p]) > 0 {
			return p
		}
	}
	return -1
}

// enqueueLocked places id on the ready queue matching its current
// effective priority (base priority, or the priority-inheritance boost
// from a held mutex, whichever is higher).
func (s *Scheduler) enqueueLocked(id TaskID) {
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	p := t.ctx.EffectivePriority()
	if p >= len(s.ready) {
		p = len(s.ready) - 1
	}
	s.ready[p] = append(s.ready[p], id)
}

// scheduleLocked grants the CPU to the highest-priority ready task if
// none is currently running. Must be called with s.mu held.
func (s *Scheduler) scheduleLocked() {
	if s.runningID != 0 {
		return
	}
	for p := len(s.ready) - 1; p >= 0; p-- {
		q := s.ready[p]
		if len(q) == 0 {
			continue
		}
		id := q[0]
		s.ready[p] = q[1:]
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		s.runningID = id
		t.setState(Running)
		select {
		case t.turn <- struct{}{}:
		default:
		}
		return
	}
}

// NewTask creates a task running entry(ctx) in the ready queue at
// priority, charging its stack to stackWords. entry receives a context
// carrying the new task's TaskContext (kernel.FromContext).
//
// Returns ENOMEM if the scheduler is at MaxTasks, EINVAL if priority is
// out of the configured range.
func (s *Scheduler) NewTask(ctx context.Context, entry func(context.Context), stackWords int, priority int) (TaskID, error) {
	if priority < 0 || priority >= s.cfg.PriorityLevels {
		return 0, errno.EINVAL
	}
	if stackWords < s.cfg.MinStackWords || stackWords > s.cfg.MaxStackWords {
		return 0, errno.ENOMEM
	}

	s.mu.Lock()
	if len(s.tasks) >= s.cfg.MaxTasks {
		s.mu.Unlock()
		return 0, errno.ENOMEM
	}
	id := TaskID(atomic.AddInt64(&s.nextID, 1))
	tc := &TaskContext{id: id, priority: priority, boosted: -1}
	t := newTask(tc)
	s.tasks[id] = t
	s.enqueueLocked(id)
	s.scheduleLocked()
	s.mu.Unlock()

	taskCtx := WithTask(ctx, tc)
	go func() {
		select {
		case <-t.turn:
		case <-t.killed:
			s.finishTerminated(t)
			return
		}
		entry(taskCtx)
		// entry returned without calling Exit explicitly (e.g. a
		// program's main returned): terminate as if Exit(0) were called.
		s.Exit(taskCtx, 0)
	}()
	return id, nil
}

// exitCodes records the exit code delivered by Exit/Kill, consulted by
// the process manager's trampoline after the task goroutine returns.
var exitCodes sync.Map // TaskID -> int

// KilledExitCode is the conventional exit code a task observes after
// being killed.
const KilledExitCode = -1

// ExitCode returns the exit code recorded for id, if any.
func ExitCode(id TaskID) (int, bool) {
	v, ok := exitCodes.Load(id)
	if !ok {
		return 0, false
	}
	return v.(int), true
}

// Exit terminates the calling task, identified by tc, running its
// destructor hook synchronously before returning control to the
// runtime. Never returns to the logical caller in the sense that the
// task's goroutine always unwinds immediately after; the Go call
// itself returns so the entry trampoline can end its goroutine.
func (s *Scheduler) Exit(ctx context.Context, code int) {
	tc := FromContext(ctx)
	if tc == nil {
		return
	}
	s.mu.Lock()
	t, ok := s.tasks[tc.id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, tc.id)
	if s.runningID == tc.id {
		s.runningID = 0
	}
	t.setState(Terminated)
	s.scheduleLocked()
	s.mu.Unlock()

	exitCodes.Store(tc.id, code)
	tc.runDestructors()
	close(t.done)
}

// Kill asynchronously terminates another task. Cleanup (the destructor
// hook) runs on the idle worker, not on the caller, since the target
// may be blocked or unresponsive.
func (s *Scheduler) Kill(id TaskID) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return errno.ESRCH
	}
	delete(s.tasks, id)
	if s.runningID == id {
		s.runningID = 0
	} else {
		s.removeFromReadyLocked(id)
	}
	t.setState(Terminated)
	s.scheduleLocked()
	s.mu.Unlock()

	close(t.killed)
	exitCodes.Store(id, KilledExitCode)
	select {
	case s.cleanupQueue <- t:
	default:
		s.log.Warn("cleanup queue full, running destructors inline", "task", id)
		t.ctx.runDestructors()
		close(t.done)
	}
	return nil
}

func (s *Scheduler) finishTerminated(t *task) {
	t.setState(Terminated)
	select {
	case s.cleanupQueue <- t:
	default:
		t.ctx.runDestructors()
		close(t.done)
	}
}

func (s *Scheduler) removeFromReadyLocked(id TaskID) {
	for p, q := range s.ready {
		for i, qid := range q {
			if qid == id {
				s.ready[p] = append(q[:i], q[i+1:]...)
				return
			}
		}
	}
}

// Wait blocks until the task identified by id has fully terminated
// (its destructor hook has run).
func (s *Scheduler) Wait(id TaskID) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	<-t.done
}

// Yield gives up the remainder of the calling task's time slice,
// re-entering the ready queue at its priority level (round robin among
// equal-priority tasks).
func (s *Scheduler) Yield(ctx context.Context) error {
	tc := FromContext(ctx)
	if tc == nil {
		return errno.EINVAL
	}
	s.mu.Lock()
	t, ok := s.tasks[tc.id]
	if !ok {
		s.mu.Unlock()
		return errno.ESRCH
	}
	s.runningID = 0
	t.setState(Ready)
	s.enqueueLocked(tc.id)
	s.scheduleLocked()
	s.mu.Unlock()
	return s.waitTurn(t)
}

// Delay suspends the calling task for d, a time-base primitive.
func (s *Scheduler) Delay(ctx context.Context, d time.Duration) error {
	tc := FromContext(ctx)
	if tc == nil {
		return errno.EINVAL
	}
	s.mu.Lock()
	t, ok := s.tasks[tc.id]
	if !ok {
		s.mu.Unlock()
		return errno.ESRCH
	}
	s.runningID = 0
	t.setState(Blocked)
	s.scheduleLocked()
	s.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.Resume(tc.id)
	case <-t.killed:
		return ErrKilled
	}
	return s.waitTurn(t)
}

// Suspend removes the calling task from scheduling entirely (state
// Blocked) without requeueing it, for use by ksync/ipc primitives about
// to park the task on an external signal. The caller must later invoke
// Resume (when the signal fires) and WaitTurn (to block until its turn
// comes back around).
func (s *Scheduler) Suspend(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	if s.runningID == id {
		s.runningID = 0
	}
	t.setState(Blocked)
	s.scheduleLocked()
}

// Resume makes a previously Suspended task Ready again, enqueuing it at
// its priority level.
func (s *Scheduler) Resume(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	if t.getState() == Terminated {
		return
	}
	t.setState(Ready)
	s.enqueueLocked(id)
	s.scheduleLocked()
}

// WaitTurn blocks until id is granted the CPU by the scheduler, or
// returns ErrKilled if the task is killed while waiting.
func (s *Scheduler) WaitTurn(id TaskID) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return errno.ESRCH
	}
	return s.waitTurn(t)
}

func (s *Scheduler) waitTurn(t *task) error {
	select {
	case <-t.turn:
		return nil
	case <-t.killed:
		return ErrKilled
	}
}

// State returns the current scheduling state of id.
func (s *Scheduler) State(id TaskID) (State, bool) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return Terminated, false
	}
	return t.getState(), true
}

// Running returns the TaskID currently holding the CPU, or 0 if idle.
func (s *Scheduler) Running() TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningID
}

// TaskContextOf returns the TaskContext for id, for subsystems (e.g.
// the monitor) that enumerate tasks by id rather than via context.Context.
func (s *Scheduler) TaskContextOf(id TaskID) (*TaskContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.ctx, true
}

// Tasks returns a snapshot of all live TaskIDs.
func (s *Scheduler) Tasks() []TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]TaskID, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

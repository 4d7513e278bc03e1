package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/dnx-rtos/dnxcore/errno"
)

// TaskID identifies a task for the lifetime of the scheduler.
type TaskID int64

// TaskContext is the per-task descriptor threaded through
// context.Context, looked up by task id rather than through a global.
// It carries cwd, errno, the parent task, destructor hooks and an
// arbitrary user data slot (set_task_data/get_task_data); the process
// manager keeps stdio and globals in the *process.Process it stores in
// that slot.
type TaskContext struct {
	id       TaskID
	priority int
	// boosted holds a priority-inheritance boost applied by a normal or
	// recursive mutex while this task owns it and a higher-priority
	// task is waiting: the owner's priority is raised to the highest
	// waiter's. -1 means unboosted.
	boosted int32

	mu   sync.Mutex
	cwd  string
	data any

	Errno errno.Store

	// Parent is a weak back-reference to the owning process, used only
	// for exit-status delivery. It is not owned by the task.
	Parent any

	destructorsMu sync.Mutex
	destructors   []func()
}

// ID returns the task's identity.
func (tc *TaskContext) ID() TaskID { return tc.id }

// Priority returns the task's base scheduling priority.
func (tc *TaskContext) Priority() int { return tc.priority }

// EffectivePriority returns the task's current scheduling priority,
// including any priority-inheritance boost from a held mutex.
func (tc *TaskContext) EffectivePriority() int {
	b := atomic.LoadInt32(&tc.boosted)
	if b < 0 {
		return tc.priority
	}
	if int(b) > tc.priority {
		return int(b)
	}
	return tc.priority
}

// Boost raises the task's effective priority to at least p. Used by
// ksync.Mutex to implement priority inheritance.
func (tc *TaskContext) Boost(p int) {
	for {
		cur := atomic.LoadInt32(&tc.boosted)
		if int(cur) >= p {
			return
		}
		if atomic.CompareAndSwapInt32(&tc.boosted, cur, int32(p)) {
			return
		}
	}
}

// Unboost clears any priority-inheritance boost, restoring the task's
// base priority.
func (tc *TaskContext) Unboost() {
	atomic.StoreInt32(&tc.boosted, -1)
}

// Cwd returns the task's current working directory, defaulting to "/".
func (tc *TaskContext) Cwd() string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.cwd == "" {
		return "/"
	}
	return tc.cwd
}

// SetCwd updates the task's current working directory.
func (tc *TaskContext) SetCwd(path string) {
	tc.mu.Lock()
	tc.cwd = path
	tc.mu.Unlock()
}

// SetData attaches an opaque pointer to the task (set_task_data).
func (tc *TaskContext) SetData(v any) {
	tc.mu.Lock()
	tc.data = v
	tc.mu.Unlock()
}

// GetData retrieves the pointer attached by SetData (get_task_data).
func (tc *TaskContext) GetData() any {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.data
}

// RegisterDestructor adds fn to the task's destructor hook, run in LIFO
// order when the task terminates. Typical uses: release a held mutex,
// close stdio bindings, free argv/globals.
func (tc *TaskContext) RegisterDestructor(fn func()) {
	tc.destructorsMu.Lock()
	tc.destructors = append(tc.destructors, fn)
	tc.destructorsMu.Unlock()
}

func (tc *TaskContext) runDestructors() {
	tc.destructorsMu.Lock()
	ds := tc.destructors
	tc.destructors = nil
	tc.destructorsMu.Unlock()
	for i := len(ds) - 1; i >= 0; i-- {
		ds[i]()
	}
}

// task is the scheduler's internal bookkeeping record for one
// TaskContext: run state, readiness plumbing and the goroutine's
// turn-token.
type task struct {
	ctx *TaskContext

	mu    sync.Mutex
	state State

	// turn is signalled by the scheduler when this task may run.
	turn chan struct{}
	// killed is closed by Kill to ask the task to terminate at its
	// next suspension point.
	killed chan struct{}
	// done is closed once the task has fully terminated and its
	// destructors have run.
	done chan struct{}
}

func newTask(ctx *TaskContext) *task {
	return &task{
		ctx:    ctx,
		state:  Ready,
		turn:   make(chan struct{}, 1),
		killed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (t *task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *task) getState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

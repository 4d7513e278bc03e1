// Package process implements the process/thread manager: spawning
// user programs from the static Registry, spawning kernel threads,
// arranging stdio, and delivering exit codes, as explicit methods on a
// Manager rather than a global process table.
package process

import (
	"context"
	"sync"
	"time"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/kernel"
	"github.com/dnx-rtos/dnxcore/kernel/ksync"
	"github.com/dnx-rtos/dnxcore/memheap"
	"github.com/dnx-rtos/dnxcore/monitor"
	"github.com/dnx-rtos/dnxcore/process/argv"
	"github.com/dnx-rtos/dnxcore/vfs"
)

// ProcessID identifies a spawned process by the TaskID of its main
// (trampoline) task; it also doubles as the vfs.Owner whose fd table
// every thread of that process shares.
type ProcessID = kernel.TaskID

// NoFd marks an unset stdio slot: a read/write against it fails with
// EBADF.
const NoFd = -1

// Stdio is the stdin/stdout/stderr triplet bound to a process.
type Stdio struct {
	Stdin  int
	Stdout int
	Stderr int
}

var unsetStdio = Stdio{Stdin: NoFd, Stdout: NoFd, Stderr: NoFd}

// SpawnOptions configures Spawn. Cmdline is tokenized with
// process/argv; Stdio nil means "inherit the caller's" if the calling
// task belongs to a process, else leave unset; StackWords of zero uses
// the program's registered StackDepth, while Priority is passed to the
// scheduler as given (zero is the lowest level).
type SpawnOptions struct {
	Cmdline    string
	Stdio      *Stdio
	Detached   bool
	Priority   int
	StackWords int
}

// descriptorAccountingSize is the nominal byte charge for the process
// descriptor itself against the program heap class: there is no real C
// struct to size in Go, so this stands in as a fixed estimate for a
// bookkeeping-only allocation.
const descriptorAccountingSize = 64

// Process is the process descriptor: the trampoline task plus
// program-specific metadata.
type Process struct {
	id       ProcessID
	name     string
	argv     []string
	stdio    Stdio
	detached bool

	globalsBlock *memheap.Block
	argvBlock    *memheap.Block
	descBlock    *memheap.Block

	exitSem *ksync.Semaphore

	mu       sync.Mutex
	exitCode int
	reaped   bool
}

// ID returns the process's identity (also its vfs.Owner).
func (p *Process) ID() ProcessID { return p.id }

// Name returns the registered program name this process is running.
func (p *Process) Name() string { return p.name }

// Argv returns the tokenized argument vector passed at spawn.
func (p *Process) Argv() []string { return p.argv }

// Stdio returns the process's bound stdio triplet.
func (p *Process) Stdio() Stdio { return p.stdio }

// Manager owns process/thread lifecycle on top of a Scheduler, Heap,
// VFS and Monitor, the process manager being the top of the dependency
// order since it depends on everything below it.
type Manager struct {
	sched    *kernel.Scheduler
	heap     *memheap.Heap
	vfs      *vfs.VFS
	mon      *monitor.Monitor
	registry *Registry
}

// NewManager wires a process manager over the given subsystems.
func NewManager(sched *kernel.Scheduler, heap *memheap.Heap, v *vfs.VFS, mon *monitor.Monitor, registry *Registry) *Manager {
	return &Manager{sched: sched, heap: heap, vfs: v, mon: mon, registry: registry}
}

type armResult struct {
	proc    *Process
	aborted bool
}

// Spawn looks up name in the registry, tokenizes opts.Cmdline, and
// starts a new process running it. On success it returns the new
// process's ID; the caller must eventually Wait it unless
// opts.Detached is set.
func (m *Manager) Spawn(ctx context.Context, name string, opts SpawnOptions) (ProcessID, error) {
	info, err := m.registry.Lookup(name)
	if err != nil {
		return 0, err
	}
	args, err := argv.Tokenize(opts.Cmdline)
	if err != nil {
		return 0, err
	}
	args = append([]string{name}, args...)

	stdio := m.resolveStdio(ctx, opts.Stdio)

	stackWords := opts.StackWords
	if stackWords == 0 {
		stackWords = info.StackDepth
	}

	armCh := make(chan armResult, 1)
	id, err := m.sched.NewTask(ctx, m.trampoline(armCh), stackWords, opts.Priority)
	if err != nil {
		return 0, err
	}

	globalsBlk, err := m.allocCharge(int64(info.GlobalsSize), id)
	if err != nil {
		m.abortSpawn(id, armCh, nil, nil, nil)
		return 0, err
	}
	argvBlk, err := m.allocCharge(argvByteSize(args), id)
	if err != nil {
		m.abortSpawn(id, armCh, globalsBlk, nil, nil)
		return 0, err
	}
	descBlk, err := m.allocCharge(descriptorAccountingSize, id)
	if err != nil {
		m.abortSpawn(id, armCh, globalsBlk, argvBlk, nil)
		return 0, err
	}

	exitSem := ksync.NewSemaphore(m.sched, 1)
	exitSem.Drain()

	proc := &Process{
		id:           id,
		name:         name,
		argv:         args,
		stdio:        stdio,
		detached:     opts.Detached,
		globalsBlock: globalsBlk,
		argvBlock:    argvBlk,
		descBlock:    descBlk,
		exitSem:      exitSem,
	}

	if m.mon != nil {
		m.mon.RegisterTask(id)
	}

	armCh <- armResult{proc: proc}
	return id, nil
}

// abortSpawn frees whatever allocations already succeeded, kills the
// armed-but-not-yet-running task, and releases it so its goroutine can
// exit: out-of-memory at spawn time rolls back every partial
// allocation, so the caller observes ENOMEM with no leaked state.
func (m *Manager) abortSpawn(id kernel.TaskID, armCh chan armResult, blocks ...*memheap.Block) {
	for _, b := range blocks {
		if b != nil {
			_ = m.heap.Free(b)
		}
	}
	_ = m.sched.Kill(id)
	armCh <- armResult{aborted: true}
}

func (m *Manager) allocCharge(size int64, id kernel.TaskID) (*memheap.Block, error) {
	if size <= 0 {
		return nil, nil
	}
	blk := m.heap.Malloc(size, memheap.ClassProgram, id)
	if blk == nil {
		return nil, errno.ENOMEM
	}
	return blk, nil
}

func argvByteSize(args []string) int64 {
	var n int64
	for _, a := range args {
		n += int64(len(a)) + 1
	}
	return n
}

// resolveStdio picks the spawned process's stdio triplet: explicit
// handles win; otherwise inherit the caller's (if the caller is itself
// a process); otherwise leave unset.
func (m *Manager) resolveStdio(ctx context.Context, explicit *Stdio) Stdio {
	if explicit != nil {
		return *explicit
	}
	if tc := kernel.FromContext(ctx); tc != nil {
		if caller, ok := tc.GetData().(*Process); ok {
			return caller.Stdio()
		}
	}
	return unsetStdio
}

// trampoline returns the task entry run by Spawn: it waits for Spawn
// to finish arming the process descriptor, populates the task-local
// pointer, runs the program's entry point, then stores the exit code
// and signals the exit semaphore.
func (m *Manager) trampoline(armCh chan armResult) func(context.Context) {
	return func(taskCtx context.Context) {
		res := <-armCh
		if res.aborted {
			return
		}
		proc := res.proc
		tc := kernel.FromContext(taskCtx)
		tc.SetData(proc)
		tc.RegisterDestructor(func() { m.teardown(proc) })

		info, err := m.registry.Lookup(proc.name)
		code := -1
		if err == nil {
			code = info.Entry(taskCtx, len(proc.argv), proc.argv)
		}
		proc.mu.Lock()
		killed := proc.exitCode == kernel.KilledExitCode // Kill already stored the code and signaled
		if !killed {
			proc.exitCode = code
		}
		proc.mu.Unlock()
		if !killed {
			proc.exitSem.Give()
		}

		if proc.detached {
			proc.mu.Lock()
			proc.reaped = true
			proc.mu.Unlock()
		}
	}
}

// teardown runs as the task's destructor hook, releasing globals/argv
// allocations and stdio bindings whether the process exited normally
// or was killed.
func (m *Manager) teardown(proc *Process) {
	if m.vfs != nil {
		m.vfs.CloseAll(vfs.Owner(proc.id))
	}
	if m.mon != nil {
		m.mon.UnregisterTask(proc.id)
	}
	for _, blk := range []*memheap.Block{proc.globalsBlock, proc.argvBlock, proc.descBlock} {
		if blk != nil {
			_ = m.heap.Free(blk)
		}
	}
}

// Wait blocks until proc has exited, returning its exit code. A
// successful wait reaps the descriptor; waiting twice on the same
// process returns ESRCH the second time. A zero timeout blocks
// indefinitely; if timeout elapses first, Wait returns EAGAIN and the
// process is not reaped.
func (m *Manager) Wait(ctx context.Context, proc *Process, timeout time.Duration) (int, error) {
	proc.mu.Lock()
	alreadyReaped := proc.reaped
	proc.mu.Unlock()
	if alreadyReaped {
		return 0, errno.ESRCH
	}

	res, err := proc.exitSem.Take(ctx, timeout)
	if err != nil {
		return 0, err
	}
	if res == ksync.TimedOut {
		return 0, errno.EAGAIN
	}
	proc.exitSem.Give() // let a concurrent late Wait observe the same signal

	proc.mu.Lock()
	proc.reaped = true
	code := proc.exitCode
	proc.mu.Unlock()
	return code, nil
}

// Kill asynchronously terminates proc, reusing kernel.Scheduler.Kill
// plus the destructor-hook cleanup path; the process observes
// kernel.KilledExitCode.
func (m *Manager) Kill(proc *Process) error {
	if err := m.sched.Kill(proc.id); err != nil {
		return err
	}
	proc.mu.Lock()
	proc.exitCode = kernel.KilledExitCode
	proc.mu.Unlock()
	proc.exitSem.Give()
	return nil
}

// ThreadOptions configures SpawnThread.
type ThreadOptions struct {
	Priority   int
	StackWords int
}

// SpawnThread creates a lighter task sharing parent's globals, cwd and
// fd table: unlike Spawn it has no argv, no separate globals block,
// and no stdio rebinding by default.
func (m *Manager) SpawnThread(ctx context.Context, parent *Process, entry func(context.Context), opts ThreadOptions) (kernel.TaskID, error) {
	wrapped := func(taskCtx context.Context) {
		tc := kernel.FromContext(taskCtx)
		tc.SetData(parent)
		tc.SetCwd(m.cwdOf(ctx))
		entry(taskCtx)
	}
	return m.sched.NewTask(ctx, wrapped, opts.StackWords, opts.Priority)
}

func (m *Manager) cwdOf(ctx context.Context) string {
	if tc := kernel.FromContext(ctx); tc != nil {
		return tc.Cwd()
	}
	return "/"
}

// Join blocks until the thread identified by id has fully terminated,
// returning its exit code, or EAGAIN if timeout elapses first. A zero
// timeout blocks indefinitely.
func (m *Manager) Join(id kernel.TaskID, timeout time.Duration) (int, error) {
	done := make(chan struct{})
	go func() {
		m.sched.Wait(id)
		close(done)
	}()

	if timeout <= 0 {
		<-done
	} else {
		select {
		case <-done:
		case <-time.After(timeout):
			return 0, errno.EAGAIN
		}
	}
	code, _ := kernel.ExitCode(id)
	return code, nil
}

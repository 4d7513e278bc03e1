// Package monitor implements the system monitor: live per-task
// resource accounting (heap blocks, open files, open directories) plus
// CPU-load sampling, kept as a single mutex-guarded record updated from
// many goroutines and read back for "top"-style reporting.
package monitor

import (
	"sync"

	"github.com/dnx-rtos/dnxcore/kernel"
	"github.com/dnx-rtos/dnxcore/memheap"
)

// Handle identifies one entry pushed onto a task's file or directory
// list, returned by AddFile/AddDir so the caller can remove it again
// on close/closedir.
type Handle int64

// release is a no-argument cleanup callback: free, close or closedir,
// whichever layer pushed the handle.
type release func()

type taskAccounting struct {
	blocks map[Handle]release
	files  map[Handle]release
	dirs   map[Handle]release
}

func newTaskAccounting() *taskAccounting {
	return &taskAccounting{
		blocks: make(map[Handle]release),
		files:  make(map[Handle]release),
		dirs:   make(map[Handle]release),
	}
}

// Monitor is the process-wide accounting record: the system monitor's
// per-task lists are protected by a single monitor mutex.
type Monitor struct {
	sched *kernel.Scheduler
	heap  *memheap.Heap

	mu    sync.RWMutex
	nextH Handle
	tasks map[kernel.TaskID]*taskAccounting
	cpu   *cpuSampler
}

// New creates a monitor that samples heap and subscribes to sched's
// tick callback for CPU-load accounting.
func New(sched *kernel.Scheduler, heap *memheap.Heap) *Monitor {
	m := &Monitor{
		sched: sched,
		heap:  heap,
		tasks: make(map[kernel.TaskID]*taskAccounting),
		cpu:   newCPUSampler(sched),
	}
	sched.OnTick(m.cpu.sample)
	return m
}

// RegisterTask starts accounting for a newly created task.
func (m *Monitor) RegisterTask(id kernel.TaskID) {
	m.mu.Lock()
	m.tasks[id] = newTaskAccounting()
	m.mu.Unlock()
	m.cpu.registerTask(id)
}

// UnregisterTask tears down a terminated task: every still-open block,
// file and directory is reclaimed via its release callback, then the
// task's accounting record is dropped.
func (m *Monitor) UnregisterTask(id kernel.TaskID) {
	m.mu.Lock()
	ta, ok := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, r := range ta.blocks {
		r()
	}
	for _, r := range ta.files {
		r()
	}
	for _, r := range ta.dirs {
		r()
	}
	m.cpu.unregisterTask(id)
	if m.heap != nil {
		m.heap.FreeTaskBlocks(id)
	}
}

func (m *Monitor) nextHandle() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextH++
	return m.nextH
}

// AddBlock records a heap allocation charged to task (pushed by the
// program heap class at malloc time).
func (m *Monitor) AddBlock(task kernel.TaskID, onFree func()) Handle {
	h := m.nextHandle()
	m.mu.Lock()
	defer m.mu.Unlock()
	if ta, ok := m.tasks[task]; ok {
		ta.blocks[h] = onFree
	}
	return h
}

// RemoveBlock removes a previously added block handle (pushed by free).
func (m *Monitor) RemoveBlock(task kernel.TaskID, h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ta, ok := m.tasks[task]; ok {
		delete(ta.blocks, h)
	}
}

// AddFile records an open file handle charged to task (pushed by VFS
// open).
func (m *Monitor) AddFile(task kernel.TaskID, onClose func()) Handle {
	h := m.nextHandle()
	m.mu.Lock()
	defer m.mu.Unlock()
	if ta, ok := m.tasks[task]; ok {
		ta.files[h] = onClose
	}
	return h
}

// RemoveFile removes a previously added file handle (pushed by close).
func (m *Monitor) RemoveFile(task kernel.TaskID, h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ta, ok := m.tasks[task]; ok {
		delete(ta.files, h)
	}
}

// AddDir records an open directory handle charged to task (pushed by
// VFS opendir).
func (m *Monitor) AddDir(task kernel.TaskID, onClosedir func()) Handle {
	h := m.nextHandle()
	m.mu.Lock()
	defer m.mu.Unlock()
	if ta, ok := m.tasks[task]; ok {
		ta.dirs[h] = onClosedir
	}
	return h
}

// RemoveDir removes a previously added directory handle (pushed by
// closedir).
func (m *Monitor) RemoveDir(task kernel.TaskID, h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ta, ok := m.tasks[task]; ok {
		delete(ta.dirs, h)
	}
}

// TaskCounts reports how many blocks, files and directories are
// currently charged to task.
func (m *Monitor) TaskCounts(task kernel.TaskID) (blocks, files, dirs int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ta, ok := m.tasks[task]
	if !ok {
		return 0, 0, 0
	}
	return len(ta.blocks), len(ta.files), len(ta.dirs)
}

// MemoryUsage is the structured record of one signed counter per heap
// owner class. Counters may be transiently negative during
// reconciliation; treat as a snapshot.
type MemoryUsage struct {
	Kernel     int64
	Filesystem int64
	Network    int64
	Module     int64
	Program    int64
	Shared     int64
	Cache      int64
}

// MemoryUsage snapshots the heap's per-class charges.
func (m *Monitor) MemoryUsage() MemoryUsage {
	if m.heap == nil {
		return MemoryUsage{}
	}
	return MemoryUsage{
		Kernel:     m.heap.Usage(memheap.ClassKernel),
		Filesystem: m.heap.Usage(memheap.ClassFilesystem),
		Network:    m.heap.Usage(memheap.ClassNetwork),
		Module:     m.heap.Usage(memheap.ClassModule),
		Program:    m.heap.Usage(memheap.ClassProgram),
		Shared:     m.heap.Usage(memheap.ClassShared),
		Cache:      m.heap.Usage(memheap.ClassCache),
	}
}

// CPULoad reports task's exponentially-weighted CPU occupancy over
// the four standard windows.
func (m *Monitor) CPULoad(task kernel.TaskID) (load1s, load1m, load5m, load15m float64) {
	return m.cpu.load(task)
}

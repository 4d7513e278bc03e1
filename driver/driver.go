// Package driver implements the device driver model: a table of
// statically registered driver modules, each wired to zero or more
// (major, minor) instances at boot, dispatched from the VFS by an
// opaque handle.
package driver

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/ioctl"
)

// Stat is the subset of file metadata a device can report through the
// driver vtable's Stat call.
type Stat struct {
	Size int64
	Mode uint32
}

// VTable is the module-supplied implementation a driver registers.
// Init/Release bracket one instance's lifetime; the remaining methods
// are dispatched per open file descriptor, with the module responsible
// for its own locking.
type VTable interface {
	// Group is the IOCTL group this driver accepts; requests tagged
	// with any other group are rejected with EBADRQC before dispatch.
	Group() ioctl.Group
	Init(major, minor uint16) (handle any, err error)
	Release(handle any) error
	Open(handle any) error
	Read(handle any, fd int, buf []byte, pos int64) (n int, err error)
	Write(handle any, fd int, buf []byte, pos int64) (n int, err error)
	IOCTL(handle any, fd int, code ioctl.Code, arg any) error
	Flush(handle any, fd int) error
	Stat(handle any, fd int) (Stat, error)
}

// RegInfo is one statically compiled driver module entry: a static
// table of driver entries compiled into the kernel.
type RegInfo struct {
	Name   string
	VTable VTable
	// RateLimit bounds this driver's Read/Write calls per second, a
	// throughput-shaping knob for drivers backed by genuinely slow
	// media; zero means unlimited.
	RateLimit float64
}

type instanceKey struct {
	name         string
	major, minor uint16
}

type instance struct {
	handle   any
	openRefs int
	limiter  *rate.Limiter
}

// Table is the process-wide driver registry and instance tracker,
// protected by a mutex held only for the critical section.
type Table struct {
	mu        sync.Mutex
	modules   map[string]*RegInfo
	instances map[instanceKey]*instance
}

// NewTable creates an empty driver table.
func NewTable() *Table {
	return &Table{
		modules:   make(map[string]*RegInfo),
		instances: make(map[instanceKey]*instance),
	}
}

// Register adds a driver module to the table. Registering the same
// name twice is a programming error; it returns EEXIST.
func (t *Table) Register(info *RegInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.modules[info.Name]; dup {
		return fmt.Errorf("driver %q already registered: %w", info.Name, errno.EEXIST)
	}
	t.modules[info.Name] = info
	return nil
}

// InitInstance wires one (major, minor) instance of a registered
// module at boot time. The produced handle is stored back into the
// table.
func (t *Table) InitInstance(name string, major, minor uint16) error {
	t.mu.Lock()
	info, ok := t.modules[name]
	if !ok {
		t.mu.Unlock()
		return errno.ENODEV
	}
	key := instanceKey{name, major, minor}
	if _, dup := t.instances[key]; dup {
		t.mu.Unlock()
		return errno.EEXIST
	}
	t.mu.Unlock()

	handle, err := info.VTable.Init(major, minor)
	if err != nil {
		return err
	}

	var limiter *rate.Limiter
	if info.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(info.RateLimit), 1)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.instances[key]; dup {
		_ = info.VTable.Release(handle)
		return errno.EEXIST
	}
	t.instances[key] = &instance{handle: handle, limiter: limiter}
	return nil
}

// ReleaseInstance inverts InitInstance. It fails with EBUSY while the
// open count is nonzero.
func (t *Table) ReleaseInstance(name string, major, minor uint16) error {
	t.mu.Lock()
	info, ok := t.modules[name]
	key := instanceKey{name, major, minor}
	inst, instOK := t.instances[key]
	if !ok || !instOK {
		t.mu.Unlock()
		return errno.ENODEV
	}
	if inst.openRefs > 0 {
		t.mu.Unlock()
		return errno.EBUSY
	}
	delete(t.instances, key)
	t.mu.Unlock()

	return info.VTable.Release(inst.handle)
}

// Handle is the per-open dispatch token the VFS keeps keyed to a
// device file descriptor.
type Handle struct {
	table          *Table
	info           *RegInfo
	key            instanceKey
	instanceHandle any
	limiter        *rate.Limiter
}

// Open increments the open refcount for (major, minor) and, on
// success of the driver's own Open, returns a dispatch handle used for
// every subsequent read/write/ioctl/flush/stat on that file
// descriptor. Failure unwinds without incrementing the refcount.
func (t *Table) Open(name string, major, minor uint16) (*Handle, error) {
	t.mu.Lock()
	info, ok := t.modules[name]
	key := instanceKey{name, major, minor}
	inst, instOK := t.instances[key]
	if !ok || !instOK {
		t.mu.Unlock()
		return nil, errno.ENODEV
	}
	instHandle := inst.handle
	limiter := inst.limiter
	t.mu.Unlock()

	if err := info.VTable.Open(instHandle); err != nil {
		return nil, err
	}

	t.mu.Lock()
	inst.openRefs++
	t.mu.Unlock()

	return &Handle{table: t, info: info, key: key, instanceHandle: instHandle, limiter: limiter}, nil
}

// Close decrements the open refcount recorded by Open.
func (h *Handle) Close() {
	h.table.mu.Lock()
	if inst, ok := h.table.instances[h.key]; ok && inst.openRefs > 0 {
		inst.openRefs--
	}
	h.table.mu.Unlock()
}

// checkGroup rejects an IOCTL whose group tag does not match the
// driver's own with EBADRQC.
func (h *Handle) checkGroup(code ioctl.Code) error {
	if code.Group() != h.info.VTable.Group() {
		return errno.EBADRQC
	}
	return nil
}

// throttle blocks until the driver's own RateLimit (if any) admits one
// more Read or Write call.
func (h *Handle) throttle() error {
	if h.limiter == nil {
		return nil
	}
	return h.limiter.Wait(context.Background())
}

// Read dispatches to the driver's Read, first waiting on the driver's
// RateLimit if one is configured.
func (h *Handle) Read(fd int, buf []byte, pos int64) (int, error) {
	if err := h.throttle(); err != nil {
		return 0, err
	}
	return h.info.VTable.Read(h.instanceHandle, fd, buf, pos)
}

// Write dispatches to the driver's Write, first waiting on the driver's
// RateLimit if one is configured.
func (h *Handle) Write(fd int, buf []byte, pos int64) (int, error) {
	if err := h.throttle(); err != nil {
		return 0, err
	}
	return h.info.VTable.Write(h.instanceHandle, fd, buf, pos)
}

// IOCTL validates the request's group tag and dispatches to the
// driver's IOCTL.
func (h *Handle) IOCTL(fd int, code ioctl.Code, arg any) error {
	if err := h.checkGroup(code); err != nil {
		return err
	}
	return h.info.VTable.IOCTL(h.instanceHandle, fd, code, arg)
}

// Flush dispatches to the driver's Flush.
func (h *Handle) Flush(fd int) error {
	return h.info.VTable.Flush(h.instanceHandle, fd)
}

// Stat dispatches to the driver's Stat.
func (h *Handle) Stat(fd int) (Stat, error) {
	return h.info.VTable.Stat(h.instanceHandle, fd)
}

// Package memheap implements the single shared heap: a word-aligned,
// fragmentation-aware allocator that charges every live allocation
// against one of a fixed set of owner classes, all tracked in a single
// mutex-guarded record.
package memheap

import (
	"sync"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/kernel"
)

// Class is the owner of a heap allocation's charge.
type Class int

const (
	ClassKernel Class = iota
	ClassFilesystem
	ClassNetwork
	ClassModule
	ClassProgram
	ClassShared
	ClassCache
	numClasses
)

func (c Class) String() string {
	switch c {
	case ClassKernel:
		return "kernel"
	case ClassFilesystem:
		return "filesystem"
	case ClassNetwork:
		return "network"
	case ClassModule:
		return "module"
	case ClassProgram:
		return "program"
	case ClassShared:
		return "shared"
	case ClassCache:
		return "cache"
	default:
		return "unknown"
	}
}

// Block is the opaque handle malloc returns: the backing bytes plus the
// accounting charge recorded at allocation time. free(ptr) is Heap.Free(block).
type Block struct {
	data  []byte
	size  int64 // charge recorded at allocation time, alignment-padded
	class Class
	task  kernel.TaskID
	freed bool

	offset     int
	prev, next *node
}

// Bytes returns the block's backing storage, zero-initialized at
// allocation time.
func (b *Block) Bytes() []byte { return b.data }

// node is a free-list entry: an address-ordered doubly linked span of
// the slab, tagged live or free so adjacent free spans can coalesce.
type node struct {
	offset, size int
	free         bool
	block        *Block
	prev, next   *node
}

// Heap is the single process-wide allocator. All mutation happens
// under one mutex.
type Heap struct {
	mu        sync.Mutex
	alignment int
	total     int
	used      int
	usage     [numClasses]int64
	head      *node // address-ordered list of live and free spans
}

// New creates a heap of the given total size.
func New(size int64, alignment int) *Heap {
	if alignment < 1 {
		alignment = 1
	}
	total := int(size)
	h := &Heap{alignment: alignment, total: total}
	h.head = &node{offset: 0, size: total, free: true}
	return h
}

func (h *Heap) align(n int64) int64 {
	a := int64(h.alignment)
	if n <= 0 {
		return a
	}
	return (n + a - 1) / a * a
}

// Malloc reserves size bytes charged against class (and against task
// when class is ClassProgram), returning nil on out-of-memory rather
// than an error, the classic "ptr | null" allocator contract.
func (h *Heap) Malloc(size int64, class Class, task kernel.TaskID) *Block {
	if size <= 0 {
		return nil
	}
	need := int(h.align(size))

	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.head
	for n != nil {
		if n.free && n.size >= need {
			break
		}
		n = n.next
	}
	if n == nil {
		return nil
	}

	if n.size > need {
		rest := &node{
			offset: n.offset + need,
			size:   n.size - need,
			free:   true,
			prev:   n,
			next:   n.next,
		}
		if n.next != nil {
			n.next.prev = rest
		}
		n.next = rest
		n.size = need
	}
	n.free = false

	blk := &Block{
		data:   make([]byte, size),
		size:   int64(need),
		class:  class,
		task:   task,
		offset: n.offset,
	}
	n.block = blk
	blk.offset = n.offset

	h.used += need
	h.usage[class] += int64(need)
	return blk
}

// Free reverses the charge malloc recorded and makes the block's span
// coalescable with its neighbors. Calling Free twice on the same block
// is a caller bug; it returns EINVAL rather than corrupting the heap.
func (h *Heap) Free(blk *Block) error {
	if blk == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if blk.freed {
		return errno.EINVAL
	}
	blk.freed = true

	var n *node
	for cur := h.head; cur != nil; cur = cur.next {
		if !cur.free && cur.block == blk {
			n = cur
			break
		}
	}
	if n == nil {
		return errno.EINVAL
	}

	h.used -= n.size
	h.usage[blk.class] -= blk.size
	n.free = true
	n.block = nil

	if n.next != nil && n.next.free {
		n.size += n.next.size
		dead := n.next
		n.next = dead.next
		if n.next != nil {
			n.next.prev = n
		}
	}
	if n.prev != nil && n.prev.free {
		n.prev.size += n.size
		n.prev.next = n.next
		if n.next != nil {
			n.next.prev = n.prev
		}
	}
	return nil
}

// Usage reports the bytes currently charged to class.
func (h *Heap) Usage(class Class) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usage[class]
}

// Total reports (size, free, used) for the whole heap.
func (h *Heap) Total() (size, free, used int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(h.total), int64(h.total - h.used), int64(h.used)
}

// FreeTaskBlocks frees every ClassProgram block charged to task, used when a
// program's task terminates and the monitor's per-task list is walked.
func (h *Heap) FreeTaskBlocks(task kernel.TaskID) {
	h.mu.Lock()
	var blocks []*Block
	for cur := h.head; cur != nil; cur = cur.next {
		if !cur.free && cur.block != nil && cur.block.class == ClassProgram && cur.block.task == task {
			blocks = append(blocks, cur.block)
		}
	}
	h.mu.Unlock()
	for _, b := range blocks {
		_ = h.Free(b)
	}
}

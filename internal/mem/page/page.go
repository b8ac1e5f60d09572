// Package page implements the kernel's physical page pool (spec.md §4.1,
// component C1): a boot-time [start, end) physical range handed out and
// reclaimed as 4 KiB frames in O(1).
//
// Grounded on biscuit's mem.Physmem_t free-list (mem/mem.go) and rustpie's
// mm/page_pool.rs PagePool. Unlike biscuit's production allocator this
// pool does not keep a per-CPU cache or reference counts — spec.md's C1
// contract is a plain alloc/free queue; reference counting belongs to
// whichever AddressSpace retains the frame (spec.md §3 AddressSpace).
package page

import (
	"microkernel/internal/config"
	"microkernel/internal/errno"
)

// Frame is a page-aligned physical address. The pool is the sole owner
// until a caller pulls it out with Alloc; zeroing is always explicit via
// Zero, matching spec.md's "the pool does not zero frames".
type Frame uintptr

// Addr returns the frame's physical address.
func (f Frame) Addr() uintptr { return uintptr(f) }

// Backing abstracts the byte-level access to a frame's contents. Real
// ISA backends implement this over a direct physical-memory mapping
// (biscuit's Dmap); the simarch test backend implements it over a plain
// Go byte slice. Pool itself does not know how to read/write a frame —
// only how to track which ones are free.
type Backing interface {
	// Bytes returns a byte slice viewing the frame's contents.
	Bytes(f Frame) []byte
	// AddrOf returns the physical address backing a byte
	// slice previously returned by Bytes (or a sub-slice of it), used by
	// the kernel heap to recover a block's address when it is freed.
	AddrOf(b []byte) uintptr
}

// Zero clears a frame's contents through the supplied backing.
func Zero(b Backing, f Frame) {
	buf := b.Bytes(f)
	for i := range buf {
		buf[i] = 0
	}
}

// freeNode is an intrusive singly-linked free-list entry, mirroring
// biscuit's Physpg_t.nexti convention (an index into a flat array) rather
// than a generic container — the pool's backing range is contiguous and
// page-indexed, so an array-of-next-index free list avoids per-frame heap
// allocations entirely.
type freeNode struct {
	next int32 // index of next free frame, or -1
}

// Pool is a free-list over a contiguous [start, end) physical range
// discovered at boot (spec.md §4.1). One Pool exists per kernel; it is
// safe for concurrent use from any core (spec.md §5: "Page pool free
// list: spin mutex; any core").
type Pool struct {
	mu      chan struct{} // 1-buffered channel used as a non-reentrant spin-ish mutex
	start   uintptr
	count   int
	nodes   []freeNode
	freeHd  int32 // index of first free frame, or -1
	freeLen int
}

const noFree = -1

// NewPool constructs a pool over the half-open physical range
// [start, end), which must be page-aligned and non-empty.
func NewPool(start, end uintptr) *Pool {
	if start%config.PageSize != 0 || end%config.PageSize != 0 || end <= start {
		panic("page: misaligned or empty pool range")
	}
	count := int((end - start) / config.PageSize)
	p := &Pool{
		mu:    make(chan struct{}, 1),
		start: start,
		count: count,
		nodes: make([]freeNode, count),
	}
	p.mu <- struct{}{}
	for i := 0; i < count; i++ {
		if i == count-1 {
			p.nodes[i].next = noFree
		} else {
			p.nodes[i].next = int32(i + 1)
		}
	}
	p.freeHd = 0
	p.freeLen = count
	return p
}

func (p *Pool) lock()   { <-p.mu }
func (p *Pool) unlock() { p.mu <- struct{}{} }

func (p *Pool) idx(f Frame) int {
	return int((uintptr(f) - p.start) / config.PageSize)
}

// Alloc pops one frame from the free list, or returns errno.OOM when the
// pool is exhausted (spec.md §4.1, §7, scenario S5).
func (p *Pool) Alloc() (Frame, error) {
	p.lock()
	defer p.unlock()
	if p.freeHd == noFree {
		return 0, errno.OOM
	}
	idx := p.freeHd
	p.freeHd = p.nodes[idx].next
	p.freeLen--
	return Frame(p.start + uintptr(idx)*config.PageSize), nil
}

// Free pushes a frame back onto the free list. Passing a frame not owned
// by this pool (out of range, or misaligned) panics — that is a kernel
// invariant violation, not a recoverable userspace error.
func (p *Pool) Free(f Frame) {
	if uintptr(f) < p.start || uintptr(f) >= p.start+uintptr(p.count)*config.PageSize {
		panic("page: free of frame outside pool range")
	}
	if uintptr(f)%config.PageSize != 0 {
		panic("page: free of misaligned frame")
	}
	idx := p.idx(f)
	p.lock()
	defer p.unlock()
	p.nodes[idx].next = p.freeHd
	p.freeHd = int32(idx)
	p.freeLen++
}

// FreeCount reports how many frames remain available — used by S5's
// consistency check (a drained-then-refilled pool must account for every
// frame) and by kstat.
func (p *Pool) FreeCount() int {
	p.lock()
	defer p.unlock()
	return p.freeLen
}

// Count returns the total number of frames the pool was constructed with.
func (p *Pool) Count() int { return p.count }

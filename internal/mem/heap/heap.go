// Package heap is the kernel heap (spec.md §4.2, component C2): a buddy
// allocator seeded with a handful of pages from the physical page pool,
// expanded on demand by pulling one more page and registering it as a new
// buddy zone.
//
// Grounded on biscuit's page-by-page carve-out shape (mem.Phys_init
// reserving a fixed run of pages up front) generalized into the buddy
// discipline spec.md calls for; the reentrancy rule in Enlarge
// ("allocates first, then adds, so a recursive allocation during
// extension cannot double-map") is implemented literally below.
package heap

import (
	"microkernel/internal/mem/page"
)

const (
	// MinBlock is the smallest allocation unit, matching common kernel
	// buddy-allocator minimums (enough for a single pointer-sized object
	// plus header).
	MinBlock = 16
	// MaxOrder is the order of a full zone: 4096/16 = 256 = 1<<8.
	MaxOrder = 8
)

// zone is one physical page treated as an independent buddy arena. Zones
// are never merged with each other — buddy coalescing only ever happens
// between two halves of the same zone, so a zone's base address is all
// that is needed to compute a block's buddy.
type zone struct {
	base  uintptr
	frame page.Frame
}

// Heap is a segmented buddy allocator: free lists are shared by order
// across all zones, but two blocks are only buddies if they belong to the
// same zone.
type Heap struct {
	pool    *page.Pool
	backing page.Backing

	mu    chan struct{}
	zones []zone
	// free[order] holds the base addresses of currently free blocks of
	// size MinBlock<<order.
	free [MaxOrder + 1][]uintptr
	// zoneOf maps a zone's base address to its index, for O(1) buddy
	// zone lookups.
	zoneOf map[uintptr]int
}

// New seeds the heap with seedPages pages pulled from pool, per spec.md
// §4.2 ("~16 pages").
func New(pool *page.Pool, backing page.Backing, seedPages int) *Heap {
	h := &Heap{
		pool:    pool,
		backing: backing,
		mu:      make(chan struct{}, 1),
		zoneOf:  make(map[uintptr]int),
	}
	h.mu <- struct{}{}
	for i := 0; i < seedPages; i++ {
		if err := h.addZone(); err != nil {
			panic("heap: failed to seed initial zones: " + err.Error())
		}
	}
	return h
}

func (h *Heap) lock()   { <-h.mu }
func (h *Heap) unlock() { h.mu <- struct{}{} }

// addZone pulls one frame from the page pool and registers it as a new
// top-order free block. Called both at construction and from Enlarge.
func (h *Heap) addZone() error {
	f, err := h.pool.Alloc()
	if err != nil {
		return err
	}
	base := f.Addr()
	h.lock()
	idx := len(h.zones)
	h.zones = append(h.zones, zone{base: base, frame: f})
	h.zoneOf[base] = idx
	h.free[MaxOrder] = append(h.free[MaxOrder], base)
	h.unlock()
	return nil
}

// enlarge implements spec.md's reentrancy rule: the frame is pulled from
// the page pool (a call that never touches h.mu) before any heap-side
// bookkeeping runs, so if bookkeeping itself needed to allocate (it does
// not, today, but the ordering is the invariant worth preserving) it
// could never observe a zone that is only half-registered.
func (h *Heap) enlarge() error {
	return h.addZone()
}

func order(size int) int {
	n := MinBlock
	o := 0
	for n < size {
		n <<= 1
		o++
	}
	return o
}

// Alloc returns a byte slice of at least size bytes, backed by kernel
// heap memory. It returns an error only when Enlarge's underlying page
// allocation fails (errno.OOM propagated from page.Pool.Alloc).
func (h *Heap) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		panic("heap: non-positive allocation size")
	}
	o := order(size)
	if o > MaxOrder {
		panic("heap: allocation larger than one zone is not supported")
	}
	for {
		if addr, ok := h.popBlock(o); ok {
			return h.backing.Bytes(page.Frame(addr))[:size], nil
		}
		if err := h.enlarge(); err != nil {
			return nil, err
		}
	}
}

// popBlock returns a free block of exactly the requested order, splitting
// a larger block if necessary. It returns false if no block of order `o`
// or larger exists anywhere in the heap.
func (h *Heap) popBlock(o int) (uintptr, bool) {
	h.lock()
	defer h.unlock()
	if len(h.free[o]) > 0 {
		addr := h.free[o][len(h.free[o])-1]
		h.free[o] = h.free[o][:len(h.free[o])-1]
		return addr, true
	}
	// Find the smallest larger order with a free block and split it down.
	for larger := o + 1; larger <= MaxOrder; larger++ {
		if len(h.free[larger]) == 0 {
			continue
		}
		addr := h.free[larger][len(h.free[larger])-1]
		h.free[larger] = h.free[larger][:len(h.free[larger])-1]
		// Split repeatedly from `larger` down to `o`, keeping the lower
		// half at each step and pushing the upper half onto its order's
		// free list.
		for cur := larger - 1; cur >= o; cur-- {
			buddySize := uintptr(MinBlock) << uint(cur)
			h.free[cur] = append(h.free[cur], addr+buddySize)
		}
		return addr, true
	}
	return 0, false
}

// buddyOf computes the XOR-buddy of addr at the given order within its
// owning zone.
func (h *Heap) buddyOf(zoneBase, addr uintptr, o int) uintptr {
	off := addr - zoneBase
	buddyOff := off ^ (uintptr(MinBlock) << uint(o))
	return zoneBase + buddyOff
}

// Free returns a previously allocated block to the heap, coalescing with
// its buddy up through MaxOrder where possible.
func (h *Heap) Free(b []byte, size int) {
	if len(b) == 0 {
		panic("heap: free of empty slice")
	}
	addr := h.backing.AddrOf(b)
	o := order(size)

	h.lock()
	defer h.unlock()

	zoneIdx, ok := h.zoneOf[h.zoneBase(addr)]
	if !ok {
		panic("heap: free of address not owned by any zone")
	}
	zoneBase := h.zones[zoneIdx].base

	for o < MaxOrder {
		buddy := h.buddyOf(zoneBase, addr, o)
		freed := h.removeFree(o, buddy)
		if !freed {
			break
		}
		if buddy < addr {
			addr = buddy
		}
		o++
	}
	h.free[o] = append(h.free[o], addr)
}

// removeFree removes addr from free[o] if present, reporting whether it
// was found.
func (h *Heap) removeFree(o int, addr uintptr) bool {
	list := h.free[o]
	for i, v := range list {
		if v == addr {
			list[i] = list[len(list)-1]
			h.free[o] = list[:len(list)-1]
			return true
		}
	}
	return false
}

// zoneBase rounds addr down to its containing zone's base (zones are
// exactly one page each).
func (h *Heap) zoneBase(addr uintptr) uintptr {
	for _, z := range h.zones {
		if addr >= z.base && addr < z.base+4096 {
			return z.base
		}
	}
	return addr
}

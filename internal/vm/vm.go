// Package vm implements the per-AddressSpace page-table engine contract
// (spec.md §4.3, component C3): map/unmap/lookup/recursive_map, with
// every frame the tree touches — the root, every intermediate table, and
// every leaf — retained for the lifetime of the owning address space so
// destruction reclaims memory deterministically (spec.md §3
// AddressSpace: "Holds strong references to all frames it maps").
//
// Grounded on biscuit's Vm_t (vm/as.go): a lock-guarded Pmap_t plus the
// page frames it owns, generalized from biscuit's fixed 4-level amd64
// walk to the ISA-agnostic arch.ISA capability.
package vm

import (
	"microkernel/internal/arch"
	"microkernel/internal/mem/page"
)

// Space is one page table plus the bookkeeping spec.md requires: the set
// of frames it retains so they outlive any individual mapping.
type Space struct {
	isa     arch.ISA
	pool    *page.Pool
	backing page.Backing

	root uintptr

	mu       chan struct{}
	retained []page.Frame
}

// New allocates a fresh, zeroed root table from pool and returns the
// Space that owns it. backing is whatever byte-level view of physical
// memory the chosen arch.ISA also uses to read/write table contents —
// vm only needs it to zero a freshly allocated table frame, since an
// all-zero table reads as "nothing present" under every ISA's encoding.
func New(isa arch.ISA, pool *page.Pool, backing page.Backing) (*Space, error) {
	root, err := pool.Alloc()
	if err != nil {
		return nil, err
	}
	page.Zero(backing, root)
	s := &Space{
		isa:      isa,
		pool:     pool,
		backing:  backing,
		root:     root.Addr(),
		mu:       make(chan struct{}, 1),
		retained: []page.Frame{root},
	}
	s.mu <- struct{}{}
	return s, nil
}

func (s *Space) lock()   { <-s.mu }
func (s *Space) unlock() { s.mu <- struct{}{} }

// Root returns the physical address of the top-level table, used by
// addrspace to install the table on a core and by RecursiveMap's caller
// to compute the self-map target.
func (s *Space) Root() uintptr { return s.root }

// alloc pulls one fresh frame from the pool for use as an intermediate
// table, recording it in the retention list before handing back its
// address. Called by the ISA backend while walking down from root.
func (s *Space) alloc() (uintptr, error) {
	f, err := s.pool.Alloc()
	if err != nil {
		return 0, err
	}
	page.Zero(s.backing, f)
	s.retained = append(s.retained, f)
	return f.Addr(), nil
}

// Map installs va -> pa with the given attributes, creating intermediate
// tables as needed and invalidating the TLB for the mapped range
// (spec.md §4.3). Attributes are not filtered here — callers that accept
// untrusted attribute requests (the syscall surface) must call
// attr.Filter() themselves first, matching spec.md's placement of
// filtering at the syscall boundary rather than inside the engine.
func (s *Space) Map(va, pa uintptr, attr arch.EntryAttribute) error {
	s.lock()
	defer s.unlock()
	if err := s.isa.MapLeaf(s.root, va, arch.Entry{Attr: attr, PA: pa}, s.alloc); err != nil {
		return err
	}
	s.isa.InvalidateTLB(0, va, s.isa.PageSize())
	return nil
}

// shootdown, when wired, broadcasts a TLB invalidation to every other
// core whose installed page table is rooted at root. The source this
// kernel derives from never implemented cross-core shootdown and relied
// on pages not being reused before the remote core's next local flush;
// here the boot wiring installs a real broadcast (see boot.Setup).
var shootdown func(root uintptr, va, size uintptr)

// SetShootdown installs the cross-core invalidation broadcast. Called
// once during boot, after the per-core state exists.
func SetShootdown(f func(root uintptr, va, size uintptr)) { shootdown = f }

// Unmap clears the leaf mapping for va, if present, and invalidates the
// TLB — locally, then on every core still holding this table, so a
// reclaimed frame cannot be reached through a stale remote translation.
// Intermediate tables are never reclaimed by Unmap — only Destroy
// releases them (spec.md §4.3).
func (s *Space) Unmap(va uintptr) bool {
	s.lock()
	defer s.unlock()
	ok := s.isa.Unmap(s.root, va)
	if ok {
		s.isa.InvalidateTLB(0, va, s.isa.PageSize())
		if shootdown != nil {
			shootdown(s.root, va, s.isa.PageSize())
		}
	}
	return ok
}

// Lookup resolves va, reporting the entry and whether a mapping exists.
func (s *Space) Lookup(va uintptr) (arch.Entry, bool) {
	s.lock()
	defer s.unlock()
	return s.isa.Lookup(s.root, va)
}

// RecursiveMap installs the ISA's self-referential mapping at selfVA, so
// userspace can walk its own page table read-only without a syscall
// (spec.md §4.3). On riscv64 this seeds the three read-only windows
// instead, which may itself consume frames — hence the error.
func (s *Space) RecursiveMap(selfVA uintptr) error {
	s.lock()
	defer s.unlock()
	return s.isa.RecursiveSelfMap(s.root, selfVA, s.alloc)
}

// Retain records a user-mapped data frame as owned by this address
// space, independent of the page-table walk (used when a mapping points
// at a frame the caller allocated directly via mem_alloc rather than one
// vm itself allocated as an intermediate table).
func (s *Space) Retain(f page.Frame) {
	s.lock()
	defer s.unlock()
	s.retained = append(s.retained, f)
}

// Destroy releases every frame this address space retains — its root,
// every intermediate table, and every retained data frame — back to the
// pool. Callers must ensure no core has this Space installed before
// calling Destroy.
func (s *Space) Destroy() {
	s.lock()
	defer s.unlock()
	for _, f := range s.retained {
		s.pool.Free(f)
	}
	s.retained = nil
}

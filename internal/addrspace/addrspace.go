// Package addrspace implements the AddressSpace container (spec.md §3,
// §4.4, component C4): an ASID, a page table, and an optional
// user-mode exception-handler entry point, kept in a global registry so
// ITC and the scheduler can resolve one by its asid alone.
//
// Grounded on rpkernel's lib/address_space.rs (address_space_alloc,
// address_space_lookup, address_space_destroy, exception_handler
// get/set) translated from an Arc<Inner>+global BTreeMap into a Go
// struct plus a mutex-guarded map — the same shape biscuit uses for its
// process table (proc/proc.go's Pid map), generalized to asid keys.
package addrspace

import (
	"microkernel/internal/arch"
	"microkernel/internal/config"
	"microkernel/internal/errno"
	"microkernel/internal/mem/page"
	"microkernel/internal/vm"
)

// Asid identifies one address space, process-wide and monotonically
// assigned; 0 is reserved to mean "the caller's own address space" in
// the syscall surface (spec.md §3).
type Asid = uint16

// AddressSpace is a named container holding one page table and an
// optional exception-handler entry point.
type AddressSpace struct {
	asid  Asid
	space *vm.Space

	mu               chan struct{}
	exceptionHandler *uintptr
}

// Asid returns this address space's identifier.
func (a *AddressSpace) Asid() Asid { return a.asid }

// Space returns the underlying page-table engine handle, used by the
// thread, trap, and syscall packages to map/unmap/lookup.
func (a *AddressSpace) Space() *vm.Space { return a.space }

// ExceptionHandler returns the registered user-mode upcall entry point,
// if any.
func (a *AddressSpace) ExceptionHandler() (uintptr, bool) {
	<-a.mu
	defer func() { a.mu <- struct{}{} }()
	if a.exceptionHandler == nil {
		return 0, false
	}
	return *a.exceptionHandler, true
}

// SetExceptionHandler registers or clears the user-mode upcall entry
// point (spec.md §4.10: the trusted address space's exception_handler).
func (a *AddressSpace) SetExceptionHandler(handler uintptr, set bool) {
	<-a.mu
	defer func() { a.mu <- struct{}{} }()
	if !set {
		a.exceptionHandler = nil
		return
	}
	h := handler
	a.exceptionHandler = &h
}

// Registry is the global asid -> AddressSpace table plus the ASID
// allocator. A kernel has exactly one Registry.
type Registry struct {
	isa  arch.ISA
	pool *page.Pool

	mu       chan struct{}
	next     Asid
	spaces   map[Asid]*AddressSpace
	maxAsids int
}

// NewRegistry constructs an empty registry. asid 0 is never handed out
// (spec.md §3: "0 reserved for current"); allocation begins at 1.
func NewRegistry(isa arch.ISA, pool *page.Pool, maxAsids int) *Registry {
	r := &Registry{
		isa:      isa,
		pool:     pool,
		mu:       make(chan struct{}, 1),
		next:     1,
		spaces:   make(map[Asid]*AddressSpace),
		maxAsids: maxAsids,
	}
	r.mu <- struct{}{}
	return r
}

// Alloc creates a fresh AddressSpace: a new asid, a new zeroed page
// table with the ISA's recursive self-map installed at
// config.RecursivePageTableBtm, and no exception handler.
func (r *Registry) Alloc(backing page.Backing) (*AddressSpace, error) {
	<-r.mu
	if len(r.spaces) >= r.maxAsids {
		r.mu <- struct{}{}
		return nil, errno.ErrOOR
	}
	id := r.next
	if id == 0 {
		r.mu <- struct{}{}
		return nil, errno.ErrOOR
	}
	r.next++
	r.mu <- struct{}{}

	sp, err := vm.New(r.isa, r.pool, backing)
	if err != nil {
		return nil, err
	}
	if err := sp.RecursiveMap(config.RecursivePageTableBtm); err != nil {
		sp.Destroy()
		return nil, err
	}

	a := &AddressSpace{
		asid:  id,
		space: sp,
		mu:    make(chan struct{}, 1),
	}
	a.mu <- struct{}{}

	<-r.mu
	r.spaces[id] = a
	r.mu <- struct{}{}
	return a, nil
}

// Lookup resolves an asid to its AddressSpace.
func (r *Registry) Lookup(id Asid) (*AddressSpace, bool) {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()
	a, ok := r.spaces[id]
	return a, ok
}

// switchback, when wired, reverts every core whose installed page
// table belongs to the named address space back to the kernel table,
// before the table's frames go back to the pool (spec.md §4.4). Boot
// installs it once the per-core state exists, the same shape as
// thread.SetScheduler and vm.SetShootdown.
var switchback func(asid Asid)

// SetSwitchback installs the destroy-time core revert. Called once
// during boot.
func SetSwitchback(f func(asid Asid)) { switchback = f }

// Destroy removes the address space from the registry, reverts any
// core that still has its page table installed, and releases every
// frame it retains. Callers must ensure no thread is still running in
// this address space on any core before calling Destroy (spec.md §3:
// destruction is explicit and separate from thread lifetime).
func (r *Registry) Destroy(id Asid) {
	<-r.mu
	a, ok := r.spaces[id]
	delete(r.spaces, id)
	r.mu <- struct{}{}
	if !ok {
		return
	}
	if switchback != nil {
		switchback(id)
	}
	a.space.Destroy()
}

// Count reports how many address spaces are currently live, used by
// kstat.
func (r *Registry) Count() int {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()
	return len(r.spaces)
}

// Package simarch is the hosted software ISA backend: a page-table
// engine, TLB, and context-frame model implemented entirely in Go over
// plain memory, with no real hardware registers involved. It exists so
// the rest of the kernel (vm, addrspace, thread, smp, itc, trap,
// syscall) can be exercised by `go test` without real arm64/riscv64/
// amd64 hardware, the same role gopher-os's swappable `ptePtrFn`-style
// package variables play for its tests — generalized here into a
// complete arch.ISA implementation rather than a handful of overridable
// functions.
package simarch

import (
	"encoding/binary"

	"microkernel/internal/arch"
	"microkernel/internal/arch/radix"
	"microkernel/internal/config"
	"microkernel/internal/mem/page"
)

// Bit layout mirrors biscuit's amd64 PTE bits (mem/mem.go): present,
// writable, user, device(PCD-equivalent), plus separate kernel-execute
// and user-execute bits so both attributes round-trip. Two software-only
// bits (COW, shared) are carried in otherwise-ignored high bits, exactly
// as spec.md §3 calls for.
const (
	bitPresent = uintptr(1) << 0
	bitWrite   = uintptr(1) << 1
	bitUser    = uintptr(1) << 2
	bitDevice  = uintptr(1) << 3
	bitKExec   = uintptr(1) << 4
	bitUExec   = uintptr(1) << 5
	bitCOW     = uintptr(1) << 9
	bitShared  = uintptr(1) << 10
	addrMask   = ^uintptr(config.PageSize - 1)
)

var layout = radix.Layout{
	Levels:     4,
	BitsPerLvl: 9,
	VAShift:    12 + 9*3, // top index at bits [47:39], matching a 4-level amd64-shaped tree
	PresentBit: bitPresent,
	EntryCount: 512,
}

// ISA is the simulated backend. It holds no global state of its own
// beyond its Backing and a single fault-address register, so tests can
// construct as many independent ISA instances as they like.
type ISA struct {
	backing page.Backing
	fault   uintptr
}

// New constructs a simulated ISA backend over the given Backing (usually
// a page.Pool-fed fake memory in tests).
func New(backing page.Backing) *ISA {
	return &ISA{backing: backing}
}

func (s *ISA) walker() radix.Walker {
	return radix.Walker{Layout: layout, Table: s}
}

// Read implements radix.Table.
func (s *ISA) Read(table uintptr, i int) uintptr {
	b := s.backing.Bytes(page.Frame(table & addrMask))
	off := i * 8
	return uintptr(binary.LittleEndian.Uint64(b[off : off+8]))
}

// Write implements radix.Table.
func (s *ISA) Write(table uintptr, i int, raw uintptr) {
	b := s.backing.Bytes(page.Frame(table & addrMask))
	off := i * 8
	binary.LittleEndian.PutUint64(b[off:off+8], uint64(raw))
}

func (s *ISA) PageSize() uintptr { return config.PageSize }
func (s *ISA) PageShift() uint   { return config.PageShift }

func (s *ISA) NewContextFrame(entry, stack, arg uintptr) arch.ContextFrame {
	c := &ContextFrame{pc: entry, sp: stack}
	c.args[0] = arg
	return c
}

func (s *ISA) InstallPageTable(root uintptr, asid uint16) {
	// The simulated backend has no CR3-equivalent register to load:
	// every lookup takes `root` as an explicit argument instead.
}

func (s *ISA) InvalidateTLB(asid uint16, addr, size uintptr) {
	// No TLB exists to flush; every lookup re-walks the table in memory.
}

func (s *ISA) FaultAddress() uintptr { return s.fault }

// SetFaultAddress lets tests simulate a page fault at a given address.
func (s *ISA) SetFaultAddress(va uintptr) { s.fault = va }

func (s *ISA) MapLeaf(root uintptr, va uintptr, e arch.Entry, alloc func() (uintptr, error)) error {
	raw := s.Encode(e.Attr, e.PA)
	_, err := s.walker().EnsureLeaf(root, va, raw, alloc)
	return err
}

func (s *ISA) Unmap(root uintptr, va uintptr) bool {
	return s.walker().Clear(root, va)
}

func (s *ISA) Lookup(root uintptr, va uintptr) (arch.Entry, bool) {
	raw, ok := s.walker().Lookup(root, va)
	if !ok {
		return arch.Entry{}, false
	}
	return s.Decode(raw), true
}

// RecursiveSelfMap installs a self-referential top-level entry pointing
// back at root, so a walk starting from the conventional recursive
// virtual address resolves the table's own frames as data (spec.md
// §4.3).
func (s *ISA) RecursiveSelfMap(root uintptr, selfVA uintptr, alloc func() (uintptr, error)) error {
	idx := int((selfVA >> layout.VAShift) & uintptr(layout.EntryCount-1))
	raw := (root & addrMask) | bitPresent | bitUser
	s.Write(root, idx, raw)
	return nil
}

func (s *ISA) Encode(a arch.EntryAttribute, pa uintptr) uintptr {
	raw := (pa & addrMask) | bitPresent
	if a.Writable {
		raw |= bitWrite
	}
	if a.UserReadable {
		raw |= bitUser
	}
	if a.Device {
		raw |= bitDevice
	}
	if a.KExecutable {
		raw |= bitKExec
	}
	if a.UExecutable {
		raw |= bitUExec
	}
	if a.CopyOnWrite {
		raw |= bitCOW
	}
	if a.Shared {
		raw |= bitShared
	}
	return raw
}

func (s *ISA) Decode(raw uintptr) arch.Entry {
	return arch.Entry{
		PA: raw & addrMask,
		Attr: arch.EntryAttribute{
			Writable:     raw&bitWrite != 0,
			UserReadable: raw&bitUser != 0,
			Device:       raw&bitDevice != 0,
			KExecutable:  raw&bitKExec != 0,
			UExecutable:  raw&bitUExec != 0,
			CopyOnWrite:  raw&bitCOW != 0,
			Shared:       raw&bitShared != 0,
		},
	}
}

// ContextFrame is the simulated trap frame: plain Go fields instead of
// an assembly-defined register save area.
type ContextFrame struct {
	pc, sp   uintptr
	syscallN uint
	args     [6]uintptr
	status   uint
	results  [5]uintptr
}

func (c *ContextFrame) SyscallNumber() uint      { return c.syscallN }
func (c *ContextFrame) SyscallArg(i int) uintptr { return c.args[i] }
func (c *ContextFrame) SetSyscallResult(status uint, values [5]uintptr) {
	c.status = status
	c.results = values
}
func (c *ContextFrame) PC() uintptr      { return c.pc }
func (c *ContextFrame) SetPC(pc uintptr) { c.pc = pc }
func (c *ContextFrame) SP() uintptr      { return c.sp }
func (c *ContextFrame) SetSP(sp uintptr) { c.sp = sp }

// SetSyscallArgs lets a test drive a syscall dispatch without a real
// trap: sets the number and up to 6 argument registers.
func (c *ContextFrame) SetSyscallArgs(n uint, args ...uintptr) {
	c.syscallN = n
	for i := range c.args {
		c.args[i] = 0
	}
	copy(c.args[:], args)
}

// Status and Results expose what SetSyscallResult last recorded, for
// test assertions.
func (c *ContextFrame) Status() uint        { return c.status }
func (c *ContextFrame) Results() [5]uintptr { return c.results }

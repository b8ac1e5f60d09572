// Package riscv64 is the RV64 Sv39 backend: 3-level page tables with
// the PPN-at-bit-10 entry format, a trap frame holding x1-x31 plus
// sstatus/sepc, and the three-window replacement for the recursive
// self-map Sv39 cannot express (spec.md §4.3, §9).
//
// Sv39 refuses a self-referencing directory entry: an entry with none
// of R/W/X set is a table pointer, so a "leaf" pointing at the
// directory re-enters the walk instead of terminating it. The port
// therefore maps the L1 directory, every L2 table, and every L3 table
// read-only into userspace at three adjacent fixed windows as the
// tables come into existence, which gives userland the same observable
// query semantics as a true self-map.
//
// Unlike arch/amd64 and arch/arm64 this backend walks its tables by
// hand rather than through arch/radix — the walk has to window-map
// each intermediate table at the moment it is created, keyed by the
// VA's level-1/level-2 indices, which the generic walker does not see.
package riscv64

import (
	"encoding/binary"

	"microkernel/internal/arch"
	"microkernel/internal/config"
	"microkernel/internal/mem/page"
)

// Sv39 PTE bits. The two RSW bits [9:8] are explicitly reserved for
// software and carry COW/shared, matching rustpie's COW/LIB placement.
const (
	bitValid    = uintptr(1) << 0
	bitRead     = uintptr(1) << 1
	bitWrite    = uintptr(1) << 2
	bitExec     = uintptr(1) << 3
	bitUser     = uintptr(1) << 4
	bitGlobal   = uintptr(1) << 5
	bitAccessed = uintptr(1) << 6
	bitDirty    = uintptr(1) << 7
	bitCOW      = uintptr(1) << 8
	bitShared   = uintptr(1) << 9

	entries = 512

	l1Shift = 30
	l2Shift = 21
	l3Shift = 12
)

func l1x(va uintptr) int { return int(va >> l1Shift & (entries - 1)) }
func l2x(va uintptr) int { return int(va >> l2Shift & (entries - 1)) }
func l3x(va uintptr) int { return int(va >> l3Shift & (entries - 1)) }

func entryToPA(raw uintptr) uintptr { return raw >> 10 << 12 }
func paToEntry(pa uintptr) uintptr  { return pa >> 12 << 10 }

// Privileged-register hooks, installed by the boot glue.
var (
	WriteSATP = func(root uintptr, asid uint16) {}
	SfenceVMA = func(va uintptr, asid uint16) {}
	ReadSTVAL = func() uintptr { return 0 }
)

// ISA implements arch.ISA for RV64 Sv39.
type ISA struct {
	backing page.Backing

	// windowBase is where RecursiveSelfMap anchored the three read-only
	// windows: the L1 directory page at windowBase, the L2 block (one
	// page per level-1 index) right above it, and the L3 block (one
	// page per level-1/level-2 index pair) above that. Zero until
	// RecursiveSelfMap runs; table creation below windowBase then keeps
	// the windows current.
	windowBase uintptr
}

// New constructs the backend over the given physical-memory view.
func New(backing page.Backing) *ISA {
	return &ISA{backing: backing}
}

func (s *ISA) l2WindowVA(va uintptr) uintptr {
	return s.windowBase + config.PageSize + uintptr(l1x(va))*config.PageSize
}

func (s *ISA) l3WindowVA(va uintptr) uintptr {
	l3Block := s.windowBase + config.PageSize + entries*config.PageSize
	return l3Block + uintptr(l1x(va)*entries+l2x(va))*config.PageSize
}

func (s *ISA) read(table uintptr, i int) uintptr {
	b := s.backing.Bytes(page.Frame(table))
	return uintptr(binary.LittleEndian.Uint64(b[i*8 : i*8+8]))
}

func (s *ISA) write(table uintptr, i int, raw uintptr) {
	b := s.backing.Bytes(page.Frame(table))
	binary.LittleEndian.PutUint64(b[i*8:i*8+8], uint64(raw))
}

func (s *ISA) PageSize() uintptr { return config.PageSize }
func (s *ISA) PageShift() uint   { return config.PageShift }

func (s *ISA) NewContextFrame(entry, stack, arg uintptr) arch.ContextFrame {
	c := &ContextFrame{Sepc: entry, Sstatus: sstatusUser}
	c.X[2] = stack // sp
	c.X[10] = arg  // a0
	return c
}

func (s *ISA) InstallPageTable(root uintptr, asid uint16) {
	WriteSATP(root, asid)
}

func (s *ISA) InvalidateTLB(asid uint16, addr, size uintptr) {
	for va := addr &^ (config.PageSize - 1); va < addr+size; va += config.PageSize {
		SfenceVMA(va, asid)
	}
}

func (s *ISA) FaultAddress() uintptr { return ReadSTVAL() }

// ensureTable returns the child table behind slot i of table, creating
// (and zeroing) it via alloc when absent. A non-nil windowVA additionally
// maps the newly created table read-only at that window address.
func (s *ISA) ensureTable(root, table uintptr, i int, windowVA uintptr, alloc func() (uintptr, error)) (uintptr, error) {
	raw := s.read(table, i)
	if raw&bitValid != 0 {
		return entryToPA(raw), nil
	}
	child, err := alloc()
	if err != nil {
		return 0, err
	}
	s.write(table, i, paToEntry(child)|bitValid)
	if windowVA != 0 {
		if err := s.mapLeaf(root, windowVA, arch.Entry{Attr: arch.UserReadonly(), PA: child}, alloc); err != nil {
			return 0, err
		}
	}
	return child, nil
}

func (s *ISA) mapLeaf(root, va uintptr, e arch.Entry, alloc func() (uintptr, error)) error {
	// Only tables translating VAs below the window region are exposed
	// through the windows; the window region's own tables are not,
	// which bounds the recursion at one extra level (the same
	// `va <= CONFIG_READ_ONLY_LEVEL_1_PAGE_TABLE_BTM` guard rustpie's
	// riscv64 map applies).
	var l2win, l3win uintptr
	if s.windowBase != 0 && va < s.windowBase {
		l2win = s.l2WindowVA(va)
		l3win = s.l3WindowVA(va)
	}
	l2, err := s.ensureTable(root, root, l1x(va), l2win, alloc)
	if err != nil {
		return err
	}
	l3, err := s.ensureTable(root, l2, l2x(va), l3win, alloc)
	if err != nil {
		return err
	}
	s.write(l3, l3x(va), s.Encode(e.Attr, e.PA))
	return nil
}

func (s *ISA) MapLeaf(root uintptr, va uintptr, e arch.Entry, alloc func() (uintptr, error)) error {
	return s.mapLeaf(root, va, e, alloc)
}

func (s *ISA) walk(root, va uintptr) (table uintptr, ok bool) {
	raw := s.read(root, l1x(va))
	if raw&bitValid == 0 {
		return 0, false
	}
	raw = s.read(entryToPA(raw), l2x(va))
	if raw&bitValid == 0 {
		return 0, false
	}
	return entryToPA(raw), true
}

func (s *ISA) Unmap(root uintptr, va uintptr) bool {
	l3, ok := s.walk(root, va)
	if !ok {
		return false
	}
	if s.read(l3, l3x(va))&bitValid == 0 {
		return false
	}
	s.write(l3, l3x(va), 0)
	return true
}

func (s *ISA) Lookup(root uintptr, va uintptr) (arch.Entry, bool) {
	l3, ok := s.walk(root, va)
	if !ok {
		return arch.Entry{}, false
	}
	raw := s.read(l3, l3x(va))
	if raw&bitValid == 0 {
		return arch.Entry{}, false
	}
	return s.Decode(raw), true
}

// RecursiveSelfMap anchors the three windows at selfVA and maps the L1
// directory itself into the first one. Tables that already existed are
// not retrofitted, so callers must install the self-map before any user
// mapping goes in — the same ordering rustpie guarantees by
// window-mapping the directory inside PageTable::new.
func (s *ISA) RecursiveSelfMap(root uintptr, selfVA uintptr, alloc func() (uintptr, error)) error {
	s.windowBase = selfVA
	return s.mapLeaf(root, selfVA, arch.Entry{Attr: arch.UserReadonly(), PA: root}, alloc)
}

func (s *ISA) Encode(a arch.EntryAttribute, pa uintptr) uintptr {
	raw := paToEntry(pa) | bitValid | bitAccessed | bitDirty
	if a.UserReadable {
		raw |= bitRead | bitUser
	}
	if a.Writable {
		raw |= bitWrite
	}
	if a.UExecutable {
		raw |= bitExec
	}
	if a.CopyOnWrite {
		raw |= bitCOW
	}
	if a.Shared {
		raw |= bitShared
	}
	return raw
}

// Decode reports Device and KExecutable as false always: Sv39 has no
// device-memory bit (PMAs handle that) and supervisor execution of user
// pages is a SUM/SPP matter, not a PTE one — the same two `false`
// fields rustpie's riscv64 Entry conversion hardcodes.
func (s *ISA) Decode(raw uintptr) arch.Entry {
	return arch.Entry{
		PA: entryToPA(raw),
		Attr: arch.EntryAttribute{
			Writable:     raw&bitWrite != 0,
			UserReadable: raw&bitRead != 0 && raw&bitUser != 0,
			UExecutable:  raw&bitExec != 0,
			CopyOnWrite:  raw&bitCOW != 0,
			Shared:       raw&bitShared != 0,
		},
	}
}

// sstatusUser: SPP=0 (return to U-mode), SPIE=1 (interrupts on after
// sret).
const sstatusUser = uintptr(1) << 5

// ContextFrame is the RV64 trap frame: x0-x31 (x0 stored for layout
// regularity, always zero), sstatus, and sepc, matching the order the
// trap vector's store sequence lays them down.
type ContextFrame struct {
	X       [32]uintptr
	Sstatus uintptr
	Sepc    uintptr
}

// Syscall ABI (spec.md §6): number in x17 (a7), arguments in x10-x14
// (a0-a4), error code in x16 (a6), result values back in a0-a4.

func (c *ContextFrame) SyscallNumber() uint      { return uint(c.X[17]) }
func (c *ContextFrame) SyscallArg(i int) uintptr { return c.X[10+i] }

func (c *ContextFrame) SetSyscallResult(status uint, values [5]uintptr) {
	c.X[16] = uintptr(status)
	for i, v := range values {
		c.X[10+i] = v
	}
}

func (c *ContextFrame) PC() uintptr      { return c.Sepc }
func (c *ContextFrame) SetPC(pc uintptr) { c.Sepc = pc }
func (c *ContextFrame) SP() uintptr      { return c.X[2] }
func (c *ContextFrame) SetSP(sp uintptr) { c.X[2] = sp }

// Package arm64 is the AArch64 backend: VMSAv8-64 4 KiB-granule
// translation tables (4 levels), a trap frame holding x0-x30 plus
// SPSR/ELR/SP_EL0, and a true recursive self-map, with the syscall ABI
// spec.md §6 fixes (number in x8, arguments x0-x4, error in x7).
//
// Like arch/amd64 the walk runs over a page.Backing; the privileged
// register accesses (TTBR0_EL1, TLBI, FAR_EL1) are function variables
// installed by the boot glue and overridden in tests.
package arm64

import (
	"encoding/binary"

	"microkernel/internal/arch"
	"microkernel/internal/arch/radix"
	"microkernel/internal/config"
	"microkernel/internal/mem/page"
)

// Stage-1 descriptor bits. AP and the XN pair follow the VMSAv8-64
// layout; the two software bits ride in the ignored [58:55] range.
const (
	bitValid = uintptr(1) << 0
	bitTable = uintptr(1) << 1 // also the "page, not block" bit at level 3

	attrIdxDevice = uintptr(1) << 2 // MAIR index 1 = device-nGnRnE
	bitAPUser     = uintptr(1) << 6 // AP[1]: EL0 accessible
	bitAPReadonly = uintptr(1) << 7 // AP[2]: read-only
	bitInnerShare = uintptr(3) << 8
	bitAccessed   = uintptr(1) << 10
	bitPXN        = uintptr(1) << 53
	bitUXN        = uintptr(1) << 54
	bitCOW        = uintptr(1) << 55
	bitShared     = uintptr(1) << 56

	paMask = uintptr(0x0000_ffff_ffff_f000)
)

var layout = radix.Layout{
	Levels:     4,
	BitsPerLvl: 9,
	VAShift:    12 + 9*3,
	PresentBit: bitValid,
	EntryCount: 512,
	TableFromEntry: func(raw uintptr) uintptr { return raw & paMask },
	EntryForTable:  func(pa uintptr) uintptr { return (pa & paMask) | bitTable },
}

// Privileged-register hooks, installed by the boot glue.
var (
	WriteTTBR0 = func(root uintptr, asid uint16) {}
	TLBIVAE1   = func(va uintptr, asid uint16) {}
	ReadFAR    = func() uintptr { return 0 }
)

// ISA implements arch.ISA for AArch64.
type ISA struct {
	backing page.Backing
}

// New constructs the backend over the given physical-memory view.
func New(backing page.Backing) *ISA {
	return &ISA{backing: backing}
}

func (s *ISA) walker() radix.Walker {
	return radix.Walker{Layout: layout, Table: s}
}

// Read implements radix.Table.
func (s *ISA) Read(table uintptr, i int) uintptr {
	b := s.backing.Bytes(page.Frame(table))
	return uintptr(binary.LittleEndian.Uint64(b[i*8 : i*8+8]))
}

// Write implements radix.Table.
func (s *ISA) Write(table uintptr, i int, raw uintptr) {
	b := s.backing.Bytes(page.Frame(table))
	binary.LittleEndian.PutUint64(b[i*8:i*8+8], uint64(raw))
}

func (s *ISA) PageSize() uintptr { return config.PageSize }
func (s *ISA) PageShift() uint   { return config.PageShift }

func (s *ISA) NewContextFrame(entry, stack, arg uintptr) arch.ContextFrame {
	c := &ContextFrame{Elr: entry, Sp: stack, Spsr: spsrEL0}
	c.X[0] = arg
	return c
}

func (s *ISA) InstallPageTable(root uintptr, asid uint16) {
	WriteTTBR0(root, asid)
}

// InvalidateTLB flushes per page by VA+ASID; arm64's TLB entries are
// ASID-tagged, so no full flush is needed on address-space switch.
func (s *ISA) InvalidateTLB(asid uint16, addr, size uintptr) {
	for va := addr &^ (config.PageSize - 1); va < addr+size; va += config.PageSize {
		TLBIVAE1(va, asid)
	}
}

func (s *ISA) FaultAddress() uintptr { return ReadFAR() }

func (s *ISA) MapLeaf(root uintptr, va uintptr, e arch.Entry, alloc func() (uintptr, error)) error {
	_, err := s.walker().EnsureLeaf(root, va, s.Encode(e.Attr, e.PA), alloc)
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

// RecursiveSelfMap points one level-0 slot back at the level-0 table.
// The table bit makes the MMU treat the directory as the next level at
// every step of a walk through the window, exposing the whole tree;
// AP[2] keeps the exposure read-only from EL0.
func (s *ISA) RecursiveSelfMap(root uintptr, selfVA uintptr, alloc func() (uintptr, error)) error {
	idx := int((selfVA >> layout.VAShift) & uintptr(layout.EntryCount-1))
	s.Write(root, idx, (root&paMask)|bitValid|bitTable|bitAPUser|bitAPReadonly)
	return nil
}

func (s *ISA) Encode(a arch.EntryAttribute, pa uintptr) uintptr {
	raw := (pa & paMask) | bitValid | bitTable | bitAccessed | bitInnerShare
	if !a.Writable {
		raw |= bitAPReadonly
	}
	if a.UserReadable {
		raw |= bitAPUser
	}
	if a.Device {
		raw |= attrIdxDevice
	}
	if !a.KExecutable {
		raw |= bitPXN
	}
	if !a.UExecutable {
		raw |= bitUXN
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
		PA: raw & paMask,
		Attr: arch.EntryAttribute{
			Writable:     raw&bitAPReadonly == 0,
			UserReadable: raw&bitAPUser != 0,
			Device:       raw&attrIdxDevice != 0,
			KExecutable:  raw&bitPXN == 0,
			UExecutable:  raw&bitUXN == 0,
			CopyOnWrite:  raw&bitCOW != 0,
			Shared:       raw&bitShared != 0,
		},
	}
}

// spsrEL0 is the saved program status for a fresh user thread: EL0t,
// interrupts unmasked.
const spsrEL0 = uintptr(0)

// ContextFrame is the AArch64 trap frame: x0-x30, the saved program
// status, the exception link register, and the user stack pointer, in
// the order the vector's store-pair sequence lays them down.
type ContextFrame struct {
	X    [31]uintptr
	Spsr uintptr
	Elr  uintptr
	Sp   uintptr
}

// Syscall ABI (spec.md §6): number in x8, arguments in x0-x4, error
// code in x7, result values back in x0-x4.

func (c *ContextFrame) SyscallNumber() uint      { return uint(c.X[8]) }
func (c *ContextFrame) SyscallArg(i int) uintptr { return c.X[i] }

func (c *ContextFrame) SetSyscallResult(status uint, values [5]uintptr) {
	c.X[7] = uintptr(status)
	for i, v := range values {
		c.X[i] = v
	}
}

func (c *ContextFrame) PC() uintptr      { return c.Elr }
func (c *ContextFrame) SetPC(pc uintptr) { c.Elr = pc }
func (c *ContextFrame) SP() uintptr      { return c.Sp }
func (c *ContextFrame) SetSP(sp uintptr) { c.Sp = sp }

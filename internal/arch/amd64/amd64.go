// Package amd64 is the x86_64 backend: 4-level page tables with the
// classic PTE bit layout, a trap frame matching the syscall ABI
// (number in rax, arguments in rdi/rsi/rdx/r10/r8, error back in rax),
// and a true recursive self-map in one top-level slot.
//
// The table walk itself runs through arch/radix over a page.Backing,
// the hosted equivalent of biscuit reading PTEs through its direct map
// (mem.Dmap). The handful of operations that only exist as privileged
// instructions — mov cr3, invlpg, reading cr2 — sit behind package
// function variables the real trap-entry glue installs at boot and
// tests override, the same swappable-function pattern gopher-os uses
// for its vmm tests.
package amd64

import (
	"encoding/binary"

	"microkernel/internal/arch"
	"microkernel/internal/arch/radix"
	"microkernel/internal/config"
	"microkernel/internal/mem/page"
)

// PTE bits, identical to biscuit's mem package (PTE_P, PTE_W, PTE_U,
// PTE_PCD, PTE_NX) plus the two software bits spec'd for COW/shared in
// the OS-available range [11:9].
const (
	bitPresent = uintptr(1) << 0
	bitWrite   = uintptr(1) << 1
	bitUser    = uintptr(1) << 2
	bitPCD     = uintptr(1) << 4 // cache-disable, used for device mappings
	bitCOW     = uintptr(1) << 9
	bitShared  = uintptr(1) << 10
	bitNX      = uintptr(1) << 63

	paMask = uintptr(0x000f_ffff_ffff_f000)
)

var layout = radix.Layout{
	Levels:     4,
	BitsPerLvl: 9,
	VAShift:    12 + 9*3,
	PresentBit: bitPresent,
	EntryCount: 512,
	TableFromEntry: func(raw uintptr) uintptr { return raw & paMask },
	EntryForTable:  func(pa uintptr) uintptr { return (pa & paMask) | bitWrite | bitUser },
}

// Privileged-instruction hooks. The defaults are no-ops so the package
// is usable from hosted tests; the boot assembly glue installs the real
// implementations before the first user thread runs.
var (
	WriteCR3 = func(root uintptr, asid uint16) {}
	Invlpg   = func(va uintptr) {}
	ReadCR2  = func() uintptr { return 0 }
)

// ISA implements arch.ISA for x86_64.
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
	return &ContextFrame{Rip: entry, Rsp: stack, Rdi: arg, Rflags: flagsIF}
}

func (s *ISA) InstallPageTable(root uintptr, asid uint16) {
	WriteCR3(root, asid)
}

// InvalidateTLB issues invlpg per page; asid is ignored because plain
// cr3-based amd64 has no ASID-tagged TLB entries (PCID is not used).
func (s *ISA) InvalidateTLB(asid uint16, addr, size uintptr) {
	for va := addr &^ (config.PageSize - 1); va < addr+size; va += config.PageSize {
		Invlpg(va)
	}
}

func (s *ISA) FaultAddress() uintptr { return ReadCR2() }

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

// RecursiveSelfMap writes a PML4 entry pointing back at the PML4 frame
// itself. The entry is user-readable and read-only, so userspace can
// walk its own tables through the window at selfVA but never edit them
// (spec.md §3: "read-only into userspace at a fixed virtual range").
func (s *ISA) RecursiveSelfMap(root uintptr, selfVA uintptr, alloc func() (uintptr, error)) error {
	idx := int((selfVA >> layout.VAShift) & uintptr(layout.EntryCount-1))
	s.Write(root, idx, (root&paMask)|bitPresent|bitUser)
	return nil
}

func (s *ISA) Encode(a arch.EntryAttribute, pa uintptr) uintptr {
	raw := (pa & paMask) | bitPresent
	if a.Writable {
		raw |= bitWrite
	}
	if a.UserReadable {
		raw |= bitUser
	}
	if a.Device {
		raw |= bitPCD
	}
	if a.CopyOnWrite {
		raw |= bitCOW
	}
	if a.Shared {
		raw |= bitShared
	}
	// amd64 has no positive execute bit: a page is executable unless NX
	// is set, so NX goes on whenever neither execute attribute is asked
	// for. KExecutable and UExecutable cannot be distinguished in the
	// leaf (SMEP/SMAP handle the split at the control-register level);
	// Decode reports them from U combined with NX.
	if !a.KExecutable && !a.UExecutable {
		raw |= bitNX
	}
	return raw
}

func (s *ISA) Decode(raw uintptr) arch.Entry {
	user := raw&bitUser != 0
	exec := raw&bitNX == 0
	return arch.Entry{
		PA: raw & paMask,
		Attr: arch.EntryAttribute{
			Writable:     raw&bitWrite != 0,
			UserReadable: user,
			Device:       raw&bitPCD != 0,
			KExecutable:  exec && !user,
			UExecutable:  exec && user,
			CopyOnWrite:  raw&bitCOW != 0,
			Shared:       raw&bitShared != 0,
		},
	}
}

const flagsIF = uintptr(1) << 9

// ContextFrame is the amd64 trap frame, field order matching what the
// trap-entry push sequence would produce so a single load/store block
// transfers it (spec.md §3 ContextFrame).
type ContextFrame struct {
	Rax, Rbx, Rcx, Rdx uintptr
	Rdi, Rsi, Rbp      uintptr
	R8, R9, R10, R11   uintptr
	R12, R13, R14, R15 uintptr
	Rip, Rsp, Rflags   uintptr
}

// Syscall ABI (spec.md §6): number in rax, arguments in
// rdi, rsi, rdx, r10, r8; error code back in rax, result values in the
// argument registers.

func (c *ContextFrame) SyscallNumber() uint { return uint(c.Rax) }

func (c *ContextFrame) SyscallArg(i int) uintptr {
	switch i {
	case 0:
		return c.Rdi
	case 1:
		return c.Rsi
	case 2:
		return c.Rdx
	case 3:
		return c.R10
	case 4:
		return c.R8
	default:
		panic("amd64: syscall argument index out of range")
	}
}

func (c *ContextFrame) SetSyscallResult(status uint, values [5]uintptr) {
	c.Rax = uintptr(status)
	c.Rdi = values[0]
	c.Rsi = values[1]
	c.Rdx = values[2]
	c.R10 = values[3]
	c.R8 = values[4]
}

func (c *ContextFrame) PC() uintptr      { return c.Rip }
func (c *ContextFrame) SetPC(pc uintptr) { c.Rip = pc }
func (c *ContextFrame) SP() uintptr      { return c.Rsp }
func (c *ContextFrame) SetSP(sp uintptr) { c.Rsp = sp }

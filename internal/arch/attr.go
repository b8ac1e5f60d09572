// Package arch defines the capability set every ISA backend implements
// (spec.md §9 "Dynamic dispatch across ISAs"): context save/restore,
// install page table, invalidate TLB, read fault address, map one leaf,
// encode/decode attributes. Concrete backends live in arch/amd64,
// arch/arm64, arch/riscv64, and arch/simarch (the test/hosted backend).
// The backend packages carry no GOARCH build tags; the kernel is handed
// exactly one implementation at boot (boot.Params.ISA) and uses only
// that one.
package arch

// EntryAttribute is the ISA-agnostic bitset spec.md §3 describes:
// {writable, user-readable, device, k-executable, u-executable,
// copy-on-write, shared}. Two fields (CopyOnWrite, Shared) are
// software-defined and have no native leaf-entry bit on most ISAs; each
// per-ISA Encode implementation must borrow OS-available bits to carry
// them, mirroring rustpie's EntryAttribute (rpkernel/mm/page_table.rs).
type EntryAttribute struct {
	Writable     bool
	UserReadable bool
	Device       bool
	KExecutable  bool
	UExecutable  bool
	CopyOnWrite  bool
	Shared       bool
}

// Filter forces the attributes legal for a user mapping: user-readable is
// always true and kernel-executable is always false, regardless of what
// was requested. Every user-facing mapping path (mem_alloc, mem_map, the
// stack auto-grow fault handler) must pass attributes through Filter
// before installing them (spec.md §4.3).
func (a EntryAttribute) Filter() EntryAttribute {
	f := a
	f.UserReadable = true
	f.KExecutable = false
	return f
}

// Convenience constructors mirroring rpkernel/mm/page_table.rs's
// EntryAttribute::{kernel_device, user_default, user_readonly,
// user_executable, user_data, user_device} builders, used throughout the
// syscall surface and fault handler instead of hand-building bitsets.

// KernelDevice describes a writable, non-executable kernel-only MMIO
// mapping.
func KernelDevice() EntryAttribute {
	return EntryAttribute{Writable: true, Device: true}
}

// UserDefault describes a writable, user-executable, user-visible page
// (RWX from userspace).
func UserDefault() EntryAttribute {
	return EntryAttribute{Writable: true, UserReadable: true, UExecutable: true}
}

// UserReadonly describes a read-only, non-executable user page (e.g. the
// recursive self-map and the platform-info page).
func UserReadonly() EntryAttribute {
	return EntryAttribute{UserReadable: true}
}

// UserExecutable describes a read-only, executable user code page.
func UserExecutable() EntryAttribute {
	return EntryAttribute{UserReadable: true, UExecutable: true}
}

// UserData describes a writable, non-executable user data page — what
// the stack auto-grow fault handler installs (spec.md §4.10, P5).
func UserData() EntryAttribute {
	return EntryAttribute{Writable: true, UserReadable: true}
}

// UserDevice describes a writable user-visible MMIO mapping, used when
// the trusted address space maps a device's registers directly.
func UserDevice() EntryAttribute {
	return EntryAttribute{Writable: true, UserReadable: true, Device: true}
}

// Entry is one resolved page-table leaf: the attributes it carries and
// the physical address it translates to.
type Entry struct {
	Attr EntryAttribute
	PA   uintptr
}

// PageNumber returns the physical page number (PA >> PageShift), used
// only for diagnostics.
func (e Entry) PageNumber(pageShift uint) uintptr {
	return e.PA >> pageShift
}

// Package boot brings the kernel up on the boot core (spec.md §4.12,
// component C12): platform discovery, the memory carve-out, global
// table construction, the trusted image load, and secondary-core
// release.
//
// Grounded on rpkernel's main.rs boot sequence and kernel/device.rs;
// the memory split follows rpkernel/mm/config.rs (paged_range/
// heap_range: the non-paged kernel-heap region is carved off the top
// of normal memory, the rest above the kernel image becomes the page
// pool).
package boot

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"microkernel/internal/addrspace"
	"microkernel/internal/arch"
	"microkernel/internal/config"
	"microkernel/internal/event"
	"microkernel/internal/kprint"
	"microkernel/internal/kstat"
	"microkernel/internal/mem/heap"
	"microkernel/internal/mem/page"
	"microkernel/internal/smp"
	"microkernel/internal/syscall"
	"microkernel/internal/thread"
	"microkernel/internal/trap"
	"microkernel/internal/vm"
)

// NonPagedMemorySize is the fixed-size region reserved for the kernel
// heap at the top of normal memory (rpkernel/mm/config.rs's
// CONFIG_NON_PAGED_MEMORY_SIZE).
const NonPagedMemorySize uintptr = 0xf0_0000

// Layout is the boot-time memory carve-out: the page pool gets
// [PagedStart, PagedEnd), the kernel heap [HeapStart, HeapEnd).
type Layout struct {
	PagedStart uintptr
	PagedEnd   uintptr
	HeapStart  uintptr
	HeapEnd    uintptr
}

// CarveOut splits normal memory: everything above the kernel image and
// below the non-paged region becomes the page pool; the non-paged
// region at the top backs the kernel heap (spec.md §4.12 step 2).
func CarveOut(memStart, memEnd, kernelEnd uintptr) (Layout, error) {
	pagedStart := (kernelEnd + config.PageSize - 1) &^ (config.PageSize - 1)
	if pagedStart < memStart {
		pagedStart = memStart
	}
	heapStart := memEnd - NonPagedMemorySize
	if heapStart <= pagedStart {
		return Layout{}, fmt.Errorf("boot: memory range [%#x,%#x) too small", memStart, memEnd)
	}
	return Layout{
		PagedStart: pagedStart,
		PagedEnd:   heapStart,
		HeapStart:  heapStart,
		HeapEnd:    memEnd,
	}, nil
}

// Params is everything the boot core needs handed in: the chosen ISA
// backend and its physical-memory view, the platform descriptor (either
// pre-parsed or as a raw FDT blob), the embedded trusted image, and the
// hooks that touch hardware the kernel core does not model (interrupt
// controller enable, secondary-core release).
type Params struct {
	ISA     arch.ISA
	Backing page.Backing

	Platform *Platform // pre-parsed descriptor; nil to parse DTB instead
	DTB      []byte

	KernelEnd    uintptr
	TrustedImage []byte
	ABIVersion   string // bootloader's claimed platform-info ABI version

	Limit *config.Syslimit

	// EnableIRQ unmasks one interrupt line at the controller (spec.md
	// §4.12 step 5); nil when the platform has no controller to program
	// (hosted tests).
	EnableIRQ func(irq uint32)

	// ReleaseCore kicks one secondary core out of its spin loop: a PSCI
	// call on arm64, an HSM ecall on riscv64, a no-op on amd64 (spec.md
	// §4.12 step 6). nil means no-op.
	ReleaseCore func(core int) error

	// Console backs the putc/getc syscalls.
	Console syscall.Console
}

// Kernel is the fully wired kernel: every global table from spec.md §9,
// constructed in the §2 leaf order.
type Kernel struct {
	Platform   *Platform
	Layout     Layout
	Pool       *page.Pool
	Heap       *heap.Heap
	AddrSpaces *addrspace.Registry
	Threads    *thread.Registry
	Events     *event.Tables
	Servers    *syscall.ServerRegistry
	Scheduler  *smp.SmpScheduler
	Cores      []*smp.Core
	Dispatcher *trap.Dispatcher
	Stats      *kstat.Kstats

	Trusted *addrspace.AddressSpace
	First   *thread.Thread
}

// Setup runs the boot-core sequence of spec.md §4.12. On return every
// core's state is constructed and the first user thread is Runnable;
// the caller (per-ISA start code, or the hosted simulator) then Ticks
// each core and pops the first context.
func Setup(p Params) (*Kernel, error) {
	platform := p.Platform
	if platform == nil {
		var err error
		platform, err = ParseFDT(p.DTB)
		if err != nil {
			return nil, err
		}
	}
	if err := checkABI(p.ABIVersion); err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit == nil {
		limit = config.DefaultSyslimit()
	}

	layout, err := CarveOut(platform.MemStart, platform.MemEnd, p.KernelEnd)
	if err != nil {
		return nil, err
	}
	pool := page.NewPool(layout.PagedStart, layout.PagedEnd)
	kheap := heap.New(pool, p.Backing, limit.HeapSeedPages)
	// Move the console ring off its static boot buffer onto a heap
	// page, the page-from-the-allocator arrangement biscuit's circbuf
	// uses once the allocator is up.
	ringBuf, err := kheap.Alloc(config.PageSize)
	if err != nil {
		return nil, err
	}
	kprint.UseBuffer(ringBuf)
	kprint.Printf(subsystem, "%d paged frames, heap seeded with %d pages",
		pool.Count(), limit.HeapSeedPages)

	asRegistry := addrspace.NewRegistry(p.ISA, pool, limit.MaxAddressSpaces)
	threads := thread.NewRegistry(p.ISA, config.FirstTid, limit.MaxThreads)
	events := event.NewTables()
	thread.SetExitNotifier(events.Exit.Notify)

	sched := smp.NewSmpScheduler()
	thread.SetScheduler(sched)

	cores, err := releaseCores(platform.CPUs, p, threads, sched)
	if err != nil {
		return nil, err
	}

	// Cross-core TLB shootdown on unmap: any core still holding the
	// affected table invalidates the range too, closing the stale-
	// translation window the single-core flush leaves open.
	vm.SetShootdown(func(root uintptr, va, size uintptr) {
		for _, c := range cores {
			if as := c.InstalledAddressSpace(); as != nil && as.Space().Root() == root {
				p.ISA.InvalidateTLB(as.Asid(), va, size)
			}
		}
	})
	// address_space_destroy switchback (spec.md §4.4): a core still
	// running on the dying table reverts to the kernel page table
	// before the table's frames return to the pool.
	addrspace.SetSwitchback(func(asid addrspace.Asid) {
		for _, c := range cores {
			c.DropAddressSpace(asid)
		}
	})

	servers := syscall.NewServerRegistry()
	stats := &kstat.Kstats{}
	env := &syscall.Env{
		Pool:      pool,
		Backing:   p.Backing,
		AddrSpace: asRegistry,
		Threads:   threads,
		Events:    events,
		Servers:   servers,
		Console:   p.Console,
		Warnf:     func(format string, args ...interface{}) { kprint.Warnf("itc", format, args...) },
	}
	dispatcher := &trap.Dispatcher{
		ISA:        p.ISA,
		Pool:       pool,
		Backing:    p.Backing,
		Threads:    threads,
		Events:     events,
		Scheduler:  sched,
		SyscallEnv: env,
		Stats:      stats,
	}

	k := &Kernel{
		Platform:   platform,
		Layout:     layout,
		Pool:       pool,
		Heap:       kheap,
		AddrSpaces: asRegistry,
		Threads:    threads,
		Events:     events,
		Servers:    servers,
		Scheduler:  sched,
		Cores:      cores,
		Dispatcher: dispatcher,
		Stats:      stats,
	}
	if err := k.loadTrusted(p); err != nil {
		return nil, err
	}
	return k, nil
}

// releaseCores builds every core's state and releases the secondaries
// (spec.md §4.12 step 6). Idle-thread construction and the
// wake-from-firmware call fan out on an errgroup; the boot core
// proceeds only once every core has reported ready.
func releaseCores(n int, p Params, threads *thread.Registry, sched *smp.SmpScheduler) ([]*smp.Core, error) {
	cores := make([]*smp.Core, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			idle, err := threads.NewKernel(0, 0, 0)
			if err != nil {
				return err
			}
			cores[i] = smp.NewCore(i, p.ISA, idle, sched)
			if i != 0 && p.ReleaseCore != nil {
				return p.ReleaseCore(i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, c := range cores {
		sched.AddCore(c)
	}
	return cores, nil
}

// loadTrusted performs steps 4 and 5 of spec.md §4.12: the trusted
// address space, its image, one stack page, the platform-info page, and
// per-device MMIO mappings plus IRQ enables.
func (k *Kernel) loadTrusted(p Params) error {
	as, err := k.AddrSpaces.Alloc(p.Backing)
	if err != nil {
		return err
	}
	if as.Asid() != config.TrustedASID {
		return fmt.Errorf("boot: first address space got asid %d, want %d", as.Asid(), config.TrustedASID)
	}
	k.Trusted = as

	entry, err := loadTrustedImage(p.TrustedImage, as, k.Pool, p.Backing)
	if err != nil {
		return err
	}

	// One user stack page; the rest of the band auto-grows on fault
	// (spec.md §4.10, P5).
	stackVA := config.UserStackTop - config.PageSize
	if err := k.mapFreshPage(as, stackVA, arch.UserData()); err != nil {
		return err
	}

	if err := k.mapPlatformInfo(p, as); err != nil {
		return err
	}
	if err := k.mapDeviceMMIO(p, as); err != nil {
		return err
	}

	first, err := k.Threads.NewUser(as, entry, config.UserStackTop, 0, 0)
	if err != nil {
		return err
	}
	k.First = first
	thread.Wake(first)
	kprint.Printf(subsystem, "trusted image entry %#x, first tid %d", entry, first.Tid())
	return nil
}

func (k *Kernel) mapFreshPage(as *addrspace.AddressSpace, va uintptr, attr arch.EntryAttribute) error {
	f, err := k.Pool.Alloc()
	if err != nil {
		return err
	}
	page.Zero(k.Dispatcher.Backing, f)
	if err := as.Space().Map(va, f.Addr(), attr); err != nil {
		k.Pool.Free(f)
		return err
	}
	as.Space().Retain(f)
	return nil
}

func (k *Kernel) mapPlatformInfo(p Params, as *addrspace.AddressSpace) error {
	info, err := PackPlatformInfo(k.Platform.Devices)
	if err != nil {
		return err
	}
	f, err := k.Pool.Alloc()
	if err != nil {
		return err
	}
	copy(p.Backing.Bytes(f), info)
	if err := as.Space().Map(config.TrustedPlatformInfo, f.Addr(), arch.UserReadonly()); err != nil {
		k.Pool.Free(f)
		return err
	}
	as.Space().Retain(f)
	return nil
}

// mapDeviceMMIO maps each device's register pages into the trusted
// address space at UserDriverMMIOOffset + pa and unmasks its IRQ
// (spec.md §4.12 step 5). The range is split into page-aligned frames
// first, the way rpkernel's device_to_user_frames does, so a device
// whose registers straddle pages is mapped whole.
func (k *Kernel) mapDeviceMMIO(p Params, as *addrspace.AddressSpace) error {
	for _, d := range k.Platform.Devices {
		start := d.Start &^ (config.PageSize - 1)
		for pa := start; pa < d.End; pa += config.PageSize {
			va := UserDriverMMIOOffset + pa
			if err := as.Space().Map(va, pa, arch.UserDevice()); err != nil {
				return err
			}
		}
		if d.HasIRQ && p.EnableIRQ != nil {
			p.EnableIRQ(d.Interrupt)
		}
	}
	return nil
}

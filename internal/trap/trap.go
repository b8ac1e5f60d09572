// Package trap implements exception & syscall dispatch (spec.md §4.10,
// component C10): the high-level handlers a single per-ISA assembly
// trap vector funnels into after saving a full ContextFrame.
//
// Grounded on rpkernel/kernel/exception.rs (handle/handle_user/
// handle_kernel: the trusted-upcall and kill-on-exception logic) and
// rpkernel/mm/page_fault.rs (the stack auto-grow band check and
// fallthrough to the user-exception path).
package trap

import (
	"microkernel/internal/arch"
	"microkernel/internal/config"
	"microkernel/internal/errno"
	"microkernel/internal/event"
	"microkernel/internal/kprint"
	"microkernel/internal/kstat"
	"microkernel/internal/mem/page"
	"microkernel/internal/smp"
	"microkernel/internal/syscall"
	"microkernel/internal/thread"
)

const subsystem = "trap"

// Dispatcher funnels every trap vector to its handler (spec.md §4.10's
// classification table). One Dispatcher is constructed at boot and
// shared by every core's trap-entry glue.
type Dispatcher struct {
	ISA        arch.ISA
	Pool       *page.Pool
	Backing    page.Backing
	Threads    *thread.Registry
	Events     *event.Tables
	Scheduler  *smp.SmpScheduler
	SyscallEnv *syscall.Env

	// Stats is incremented on every classified trap; nil disables
	// counting (some unit tests construct a bare Dispatcher).
	Stats *kstat.Kstats
}

func (d *Dispatcher) count(f func(*kstat.Kstats)) {
	if d.Stats != nil {
		f(d.Stats)
	}
}

// HandleSyscall runs the syscall dispatch table (C11) against core's
// current trap frame and either writes its result back into that frame
// or triggers a scheduling tick (spec.md §4.11).
func (d *Dispatcher) HandleSyscall(core *smp.Core, self *thread.Thread) {
	d.Scheduler.SetActiveCore(core.ID())
	defer d.Scheduler.ClearActiveCore()

	d.count(func(k *kstat.Kstats) { k.Syscalls.Inc() })
	ctx := core.TrapFrame()
	out := syscall.Dispatch(d.SyscallEnv, self, ctx)
	if out.Schedule {
		// thread_destroy(0) removed the caller from the global table;
		// drop it from the core too (marking it off-CPU) so Tick does
		// not save into or re-admit a thread that no longer exists
		// (rpkernel's thread_destroy sets running_thread to None).
		if _, alive := d.Threads.Lookup(self.Tid()); !alive && core.RunningThread() == self {
			core.ClearRunningThread()
		}
		yielding := syscall.Number(ctx.SyscallNumber()) == syscall.ThreadYield
		core.Tick(yielding)
		return
	}
	ctx.SetSyscallResult(uint(out.Status), out.Values)
}

// HandlePageFault implements the stack auto-grow rule (spec.md §4.10,
// P5): a fault inside the user stack band on a page that is not yet
// mapped allocates and maps a zeroed user-data page and lets the
// faulting instruction resume. Any other fault — out of band, or
// already mapped — falls through to HandleOtherException, exactly as
// rpkernel/mm/page_fault.rs's "fall through" comment states.
func (d *Dispatcher) HandlePageFault(core *smp.Core, self *thread.Thread) {
	d.Scheduler.SetActiveCore(core.ID())
	defer d.Scheduler.ClearActiveCore()

	as := self.AddressSpace()
	if as == nil {
		panic("trap: page fault on a thread with no address space")
	}
	d.count(func(k *kstat.Kstats) { k.PageFaults.Inc() })
	addr := d.ISA.FaultAddress()
	va := addr &^ (config.PageSize - 1)

	if addr > config.UserStackBtm && addr < config.UserStackTop {
		if _, mapped := as.Space().Lookup(va); mapped {
			// Page already existed: a protection fault, not a growth
			// request. Fall through to the user-exception path.
		} else if f, err := d.Pool.Alloc(); err != nil {
			kprint.Warnf(subsystem, "stack page allocate oom")
		} else {
			page.Zero(d.Backing, f)
			if err := as.Space().Map(va, f.Addr(), arch.UserData()); err == nil {
				as.Space().Retain(f)
				d.count(func(k *kstat.Kstats) { k.StackGrows.Inc() })
				return
			}
			d.Pool.Free(f)
			kprint.Warnf(subsystem, "stack page insert failed")
		}
	}

	kprint.Printf(subsystem, "thread t%d asid %d page fault va %x fall through", self.Tid(), as.Asid(), addr)
	d.HandleOtherException(core, self)
}

// HandleOtherException implements the trusted-upcall/kill decision
// (spec.md §4.10): the trusted address space (asid 1) with a
// registered exception handler receives a upcall on its dedicated
// exception stack; everything else is destroyed.
func (d *Dispatcher) HandleOtherException(core *smp.Core, self *thread.Thread) {
	d.Scheduler.SetActiveCore(core.ID())
	defer d.Scheduler.ClearActiveCore()

	as := self.AddressSpace()
	if as == nil {
		panic("trap: exception on a thread with no address space")
	}
	if as.Asid() != config.TrustedASID {
		kprint.Warnf(subsystem, "t%d user program exception", self.Tid())
		d.destroyAndReschedule(core, self)
		return
	}
	handler, has := as.ExceptionHandler()
	if !has {
		kprint.Warnf(subsystem, "t%d trusted has no handler", self.Tid())
		d.destroyAndReschedule(core, self)
		return
	}

	ctx := core.TrapFrame()
	kprint.Printf(subsystem, "trusted exception pc %x far %x sp %x", ctx.PC(), d.ISA.FaultAddress(), ctx.SP())

	// The handler runs on a single dedicated page below
	// CONFIG_EXCEPTION_STACK_TOP (spec.md §6), not on whatever the
	// faulting thread's own SP happened to be — allocated lazily on
	// first use, exactly as rpkernel/kernel/exception.rs allocates the
	// handler-stack page on demand.
	spVA := config.ExceptionStackTop - config.PageSize
	if _, mapped := as.Space().Lookup(spVA); !mapped {
		f, err := d.Pool.Alloc()
		if err != nil {
			kprint.Warnf(subsystem, "t%d out of memory allocating exception stack", self.Tid())
			d.destroyAndReschedule(core, self)
			return
		}
		page.Zero(d.Backing, f)
		if err := as.Space().Map(spVA, f.Addr(), arch.UserData()); err != nil {
			d.Pool.Free(f)
			kprint.Warnf(subsystem, "t%d exception stack page insert failed", self.Tid())
			d.destroyAndReschedule(core, self)
			return
		}
		as.Space().Retain(f)
	}

	// A real ISA backend's trap-entry assembly additionally copies the
	// faulting frame onto this stack and rewrites the first argument
	// register to its address, so the user-mode upcall can read back
	// the interrupted context (rpkernel/kernel/exception.rs's
	// ctx.set_argument(sp)); that byte-level copy and the argument
	// register write are ISA-specific and live in each concrete arch
	// package, not here.
	ctx.SetPC(handler)
	ctx.SetSP(config.ExceptionStackTop)
}

func (d *Dispatcher) destroyAndReschedule(core *smp.Core, self *thread.Thread) {
	if core.RunningThread() == self {
		core.ClearRunningThread()
	}
	d.Threads.Destroy(self)
	core.Tick(false)
}

// HandleTimer is the timer-interrupt handler: unconditionally re-enter
// the scheduler (spec.md §4.7: "Timer interrupts unconditionally call
// tick").
func (d *Dispatcher) HandleTimer(core *smp.Core) {
	d.count(func(k *kstat.Kstats) { k.Timers.Inc() })
	d.Scheduler.SetActiveCore(core.ID())
	defer d.Scheduler.ClearActiveCore()
	core.Tick(false)
}

// HandleExternalIRQ signals the semaphore for irq after the caller has
// already fetched and acknowledged it at the interrupt controller
// (spec.md §4.10: "Fetch+ack at the interrupt controller, signal(irq)"
// — the controller interaction is ISA-specific and is the caller's
// responsibility, not this package's).
func (d *Dispatcher) HandleExternalIRQ(core *smp.Core, irq uint32) {
	d.count(func(k *kstat.Kstats) { k.IRQ(irq) })
	d.Scheduler.SetActiveCore(core.ID())
	defer d.Scheduler.ClearActiveCore()
	d.Events.IRQ.Signal(irq)
}

// HandleIPI0 wakes an idle core so it re-enters the scheduler loop
// (spec.md §4.7: "The target core's IPI handler calls tick only if it
// was running idle").
func (d *Dispatcher) HandleIPI0(core *smp.Core) {
	d.count(func(k *kstat.Kstats) { k.IPIs.Inc() })
	d.Scheduler.SetActiveCore(core.ID())
	defer d.Scheduler.ClearActiveCore()
	if core.RunningIdle() {
		core.Tick(false)
	}
}

// HandleKernelFault panics with an ISA-decoded cause (spec.md §4.10:
// "Any kernel-mode fault: Panic with ISA-specific cause decoding"). cause
// is produced by the concrete ISA backend (e.g. arch/amd64 disassembling
// the faulting instruction via x86asm for a panic message).
func (d *Dispatcher) HandleKernelFault(cause string) {
	panic(errno.PANIC.Error() + ": " + cause)
}

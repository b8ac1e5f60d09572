package trap

import (
	"testing"

	"microkernel/internal/addrspace"
	"microkernel/internal/arch/simarch"
	"microkernel/internal/config"
	"microkernel/internal/event"
	"microkernel/internal/kstat"
	"microkernel/internal/mem/page"
	"microkernel/internal/smp"
	"microkernel/internal/syscall"
	"microkernel/internal/thread"
)

type fakeBacking struct {
	pages map[uintptr][]byte
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{pages: make(map[uintptr][]byte)}
}

func (b *fakeBacking) Bytes(f page.Frame) []byte {
	buf, ok := b.pages[f.Addr()]
	if !ok {
		buf = make([]byte, 4096)
		b.pages[f.Addr()] = buf
	}
	return buf
}

func (b *fakeBacking) AddrOf(s []byte) uintptr { panic("unused") }

type rig struct {
	isa     *simarch.ISA
	backing *fakeBacking
	pool    *page.Pool
	threads *thread.Registry
	spaces  *addrspace.Registry
	sched   *smp.SmpScheduler
	core    *smp.Core
	d       *Dispatcher
}

func newRig(t *testing.T) *rig {
	t.Helper()
	backing := newFakeBacking()
	isa := simarch.New(backing)
	pool := page.NewPool(0x200_0000, 0x200_0000+128*config.PageSize)
	threads := thread.NewRegistry(isa, config.FirstTid, 64)
	spaces := addrspace.NewRegistry(isa, pool, 16)
	events := event.NewTables()
	thread.SetExitNotifier(events.Exit.Notify)
	sched := smp.NewSmpScheduler()
	thread.SetScheduler(sched)
	t.Cleanup(func() {
		thread.SetScheduler(nil)
		thread.SetExitNotifier(nil)
	})

	idle, err := threads.NewKernel(0, 0, 0)
	if err != nil {
		t.Fatalf("idle: %v", err)
	}
	core := smp.NewCore(0, isa, idle, sched)
	sched.AddCore(core)

	env := &syscall.Env{
		Pool:      pool,
		Backing:   backing,
		AddrSpace: spaces,
		Threads:   threads,
		Events:    events,
		Servers:   syscall.NewServerRegistry(),
	}
	d := &Dispatcher{
		ISA:        isa,
		Pool:       pool,
		Backing:    backing,
		Threads:    threads,
		Events:     events,
		Scheduler:  sched,
		SyscallEnv: env,
		Stats:      &kstat.Kstats{},
	}
	return &rig{isa: isa, backing: backing, pool: pool, threads: threads, spaces: spaces, sched: sched, core: core, d: d}
}

// run places th on the core the way a real trap entry would: runnable,
// popped by Tick, its context installed as the live trap frame.
func (r *rig) run(t *testing.T, th *thread.Thread) {
	t.Helper()
	thread.Wake(th)
	r.core.Tick(false)
	if r.core.RunningThread() != th {
		t.Fatalf("core is running t%v, want t%d", r.core.RunningThread(), th.Tid())
	}
}

func (r *rig) userThread(t *testing.T) (*addrspace.AddressSpace, *thread.Thread) {
	t.Helper()
	as, err := r.spaces.Alloc(r.backing)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	th, err := r.threads.NewUser(as, 0x1000, config.UserStackTop, 0, 0)
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	return as, th
}

// TestStackAutoGrow is P5: a fault inside the stack band on an unmapped
// page maps a zeroed user-data page and resumes.
func TestStackAutoGrow(t *testing.T) {
	r := newRig(t)
	as, th := r.userThread(t)
	r.run(t, th)

	faultVA := config.UserStackBtm + 5*config.PageSize + 0x123
	pageVA := faultVA &^ (config.PageSize - 1)
	r.isa.SetFaultAddress(faultVA)
	r.d.HandlePageFault(r.core, th)

	e, ok := as.Space().Lookup(pageVA)
	if !ok {
		t.Fatal("stack page not mapped after fault")
	}
	if !e.Attr.Writable || !e.Attr.UserReadable || e.Attr.UExecutable {
		t.Fatalf("stack page attrs %+v, want user data", e.Attr)
	}
	for i, v := range r.backing.Bytes(page.Frame(e.PA)) {
		if v != 0 {
			t.Fatalf("stack page byte %d = %#x, want zero", i, v)
		}
	}
	// The thread must still be on the core, resuming the faulting
	// instruction, not destroyed.
	if r.core.RunningThread() != th {
		t.Fatal("faulting thread was descheduled")
	}
	if got := r.d.Stats.StackGrows.Load(); got != 1 {
		t.Fatalf("StackGrows = %d", got)
	}
}

func TestOutOfBandFaultDestroysUntrustedThread(t *testing.T) {
	r := newRig(t)
	// Burn asid 1 so the faulting thread is not trusted.
	if _, err := r.spaces.Alloc(r.backing); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	_, th := r.userThread(t)
	r.run(t, th)

	r.isa.SetFaultAddress(0xDEAD_0000) // far outside the stack band
	r.d.HandlePageFault(r.core, th)

	if _, ok := r.threads.Lookup(th.Tid()); ok {
		t.Fatal("untrusted faulting thread must be destroyed")
	}
	if r.core.RunningThread() == th {
		t.Fatal("destroyed thread still on the core")
	}
}

// TestTrustedUpcall: a non-stack fault in asid 1 with a handler set
// rewrites PC to the handler and SP to the exception stack top.
func TestTrustedUpcall(t *testing.T) {
	r := newRig(t)
	as, th := r.userThread(t)
	if as.Asid() != config.TrustedASID {
		t.Fatalf("first asid %d", as.Asid())
	}
	as.SetExceptionHandler(0xB000, true)
	r.run(t, th)

	r.isa.SetFaultAddress(0xDEAD_0000)
	r.d.HandlePageFault(r.core, th)

	ctx := r.core.TrapFrame()
	if ctx.PC() != 0xB000 {
		t.Fatalf("pc %#x, want the handler", ctx.PC())
	}
	if ctx.SP() != config.ExceptionStackTop {
		t.Fatalf("sp %#x, want exception stack top", ctx.SP())
	}
	// The handler stack page was allocated lazily.
	if _, ok := as.Space().Lookup(config.ExceptionStackTop - config.PageSize); !ok {
		t.Fatal("exception stack page not mapped")
	}
	// A second upcall reuses it rather than leaking a page per fault.
	free := r.pool.FreeCount()
	r.d.HandleOtherException(r.core, th)
	if r.pool.FreeCount() != free {
		t.Fatal("second upcall allocated another stack page")
	}
}

func TestTrustedWithoutHandlerIsDestroyed(t *testing.T) {
	r := newRig(t)
	_, th := r.userThread(t)
	r.run(t, th)
	r.d.HandleOtherException(r.core, th)
	if _, ok := r.threads.Lookup(th.Tid()); ok {
		t.Fatal("trusted thread without a handler must be destroyed")
	}
}

func TestAlreadyMappedStackFaultFallsThrough(t *testing.T) {
	r := newRig(t)
	as, th := r.userThread(t)
	as.SetExceptionHandler(0xB000, true)
	r.run(t, th)

	va := config.UserStackBtm + 8*config.PageSize
	r.isa.SetFaultAddress(va)
	r.d.HandlePageFault(r.core, th) // grows the page

	// Faulting again on the now-mapped page is a protection fault, not
	// a growth request: it must take the user-exception path.
	r.isa.SetFaultAddress(va)
	r.d.HandlePageFault(r.core, th)
	if pc := r.core.TrapFrame().PC(); pc != 0xB000 {
		t.Fatalf("second fault resumed at %#x instead of the handler", pc)
	}
}

func TestSyscallWritesResultIntoFrame(t *testing.T) {
	r := newRig(t)
	_, th := r.userThread(t)
	r.run(t, th)

	ctx := r.core.TrapFrame().(*simarch.ContextFrame)
	ctx.SetSyscallArgs(uint(syscall.GetTid))
	r.d.HandleSyscall(r.core, th)
	if ctx.Status() != 0 || ctx.Results()[0] != th.Tid() {
		t.Fatalf("get_tid via trap: status %d results %v", ctx.Status(), ctx.Results())
	}
	if r.d.Stats.Syscalls.Load() != 1 {
		t.Fatalf("Syscalls = %d", r.d.Stats.Syscalls.Load())
	}
}

func TestSyscallYieldSchedules(t *testing.T) {
	r := newRig(t)
	_, t1 := r.userThread(t)
	_, t2 := r.userThread(t)
	r.run(t, t1)
	thread.Wake(t2)

	ctx := r.core.TrapFrame().(*simarch.ContextFrame)
	ctx.SetSyscallArgs(uint(syscall.ThreadYield))
	r.d.HandleSyscall(r.core, t1)
	if r.core.RunningThread() != t2 {
		t.Fatal("yield did not hand the core to the next runnable thread")
	}
	// t1 stayed runnable, so it is queued behind t2 again.
	r.core.Tick(false)
	if r.core.RunningThread() != t1 {
		t.Fatal("yielding thread lost its place in the queue")
	}
}

func TestTimerTicksAndCounts(t *testing.T) {
	r := newRig(t)
	_, th := r.userThread(t)
	r.run(t, th)
	r.d.HandleTimer(r.core)
	if r.d.Stats.Timers.Load() != 1 {
		t.Fatalf("Timers = %d", r.d.Stats.Timers.Load())
	}
}

func TestExternalIRQSignalsWaiter(t *testing.T) {
	r := newRig(t)
	_, th := r.userThread(t)
	const irq = 33
	r.d.Events.IRQ.Semaphore(irq).Wait(th)
	if th.Status() != thread.WaitForEvent {
		t.Fatalf("status %s", th.Status())
	}
	r.d.HandleExternalIRQ(r.core, irq)
	if th.Status() != thread.Runnable {
		t.Fatalf("irq did not wake the waiter: %s", th.Status())
	}
	if r.d.Stats.IRQCount(irq) != 1 {
		t.Fatalf("irq count %d", r.d.Stats.IRQCount(irq))
	}
}

func TestKernelFaultPanics(t *testing.T) {
	r := newRig(t)
	defer func() {
		if recover() == nil {
			t.Fatal("kernel fault must panic")
		}
	}()
	r.d.HandleKernelFault("page fault in kernel text")
}

func TestIPI0OnlyTicksIdleCore(t *testing.T) {
	r := newRig(t)
	_, th := r.userThread(t)
	r.run(t, th)

	// A busy core ignores IPI0 so the running thread keeps its quantum.
	r.d.HandleIPI0(r.core)
	if r.core.RunningThread() != th {
		t.Fatal("IPI0 preempted a busy core")
	}
}

// TestDestroySelfViaTrapDoesNotResurrect: thread_destroy(0) removes the
// caller; the scheduling return through Tick must neither save into nor
// re-admit the dead thread.
func TestDestroySelfViaTrapDoesNotResurrect(t *testing.T) {
	r := newRig(t)
	_, th := r.userThread(t)
	r.run(t, th)

	ctx := r.core.TrapFrame().(*simarch.ContextFrame)
	ctx.SetSyscallArgs(uint(syscall.ThreadDestroy), 0)
	r.d.HandleSyscall(r.core, th)

	if !r.core.RunningIdle() {
		t.Fatal("core did not fall to idle after self-destroy")
	}
	if _, running := th.RunningCPU(); running {
		t.Fatal("destroyed thread still marked on-CPU")
	}
	// Nothing queued: the dead thread must not have been re-admitted.
	r.core.Tick(false)
	if !r.core.RunningIdle() {
		t.Fatal("destroyed thread resurfaced in the run queue")
	}
}

// TestFaultingThreadReleasedOnDestroy: the destroy paths clear the
// running-cpu mark, so a peer spinning in MapWithContext cannot hang on
// a thread that no longer exists.
func TestFaultingThreadReleasedOnDestroy(t *testing.T) {
	r := newRig(t)
	if _, err := r.spaces.Alloc(r.backing); err != nil { // burn asid 1
		t.Fatalf("Alloc: %v", err)
	}
	_, th := r.userThread(t)
	r.run(t, th)
	if _, running := th.RunningCPU(); !running {
		t.Fatal("scheduled thread not marked on-CPU")
	}

	r.isa.SetFaultAddress(0xDEAD_0000)
	r.d.HandlePageFault(r.core, th)
	if _, running := th.RunningCPU(); running {
		t.Fatal("destroyed thread still marked on-CPU")
	}
}

// Package smp implements per-core CPU state (spec.md §4.6, component C6)
// and the SMP least-loaded scheduler with IPI wakeup (spec.md §4.7,
// component C7).
//
// Grounded on rpkernel/kernel/cpu.rs (Core, tick, run) and
// rpkernel/kernel/scheduler.rs (SmpScheduler, least_busy_cpu) almost
// verbatim in control flow; biscuit's per-cpu accounting pattern
// (runtime's percpu[MAXCPUS] array indexed by a fixed core count) grounds
// the per-core tables (cores, runCounts) that AddCore grows below.
package smp

import (
	"sync/atomic"

	"microkernel/internal/addrspace"
	"microkernel/internal/arch"
	"microkernel/internal/thread"
)

// Core is one physical CPU's scheduling state. Only the owning core
// writes to its own record while executing kernel code (spec.md §5); the
// run queue is the exception, since SmpScheduler.Add may push work onto
// another core's queue from anywhere, so it is guarded separately.
type Core struct {
	id  int
	isa arch.ISA

	rqMu     chan struct{}
	runQueue []*thread.Thread

	trapFrame     arch.ContextFrame
	runningThread *thread.Thread
	runningIdle   bool
	idleThread    *thread.Thread
	installedAS   *addrspace.AddressSpace

	scheduler *SmpScheduler

	// ReprogramTimer is called at the end of every Tick (spec.md §4.6
	// step 5: "Reprogram the next timer tick"). nil is a valid no-op,
	// used by simarch-backed tests that have no real timer hardware.
	ReprogramTimer func()

	// KernelPageTable is the root of the kernel's own page table, the
	// one DropAddressSpace reverts to when the installed user table is
	// being destroyed (spec.md §4.4). Zero on hosted backends whose
	// InstallPageTable is a no-op.
	KernelPageTable uintptr
}

// NewCore constructs one core's state. idle must already be a
// constructed kernel thread (spec.md §3: the idle thread has no address
// space); callers build it via thread.Registry.NewKernel before wiring
// the core.
func NewCore(id int, isa arch.ISA, idle *thread.Thread, sched *SmpScheduler) *Core {
	c := &Core{
		id:         id,
		isa:        isa,
		rqMu:       make(chan struct{}, 1),
		idleThread: idle,
		scheduler:  sched,
	}
	c.rqMu <- struct{}{}
	return c
}

// ID returns the core's index.
func (c *Core) ID() int { return c.id }

func (c *Core) lockRQ()   { <-c.rqMu }
func (c *Core) unlockRQ() { c.rqMu <- struct{}{} }

// Enqueue pushes t onto this core's local run queue, reporting whether
// the queue was empty beforehand (mirrors rpkernel's enqueue_task return
// value; the kernel core itself does not use it).
func (c *Core) Enqueue(t *thread.Thread) bool {
	c.lockRQ()
	defer c.unlockRQ()
	wasEmpty := len(c.runQueue) == 0
	c.runQueue = append(c.runQueue, t)
	return wasEmpty
}

func (c *Core) popRunQueue() *thread.Thread {
	c.lockRQ()
	defer c.unlockRQ()
	if len(c.runQueue) == 0 {
		return nil
	}
	t := c.runQueue[0]
	c.runQueue = c.runQueue[1:]
	return t
}

// RunningThread returns the thread currently installed on this core, if
// any.
func (c *Core) RunningThread() *thread.Thread { return c.runningThread }

// RunningIdle reports whether the core is presently running its idle
// thread, used by the IPI0 handler to decide whether to re-enter Tick
// (spec.md §4.7: "calls tick only if it was running idle").
func (c *Core) RunningIdle() bool { return c.runningIdle }

// InstalledAddressSpace returns the address space whose page table is
// currently loaded on this core.
func (c *Core) InstalledAddressSpace() *addrspace.AddressSpace { return c.installedAS }

// DropAddressSpace switches the core back to the kernel page table if
// the named address space is the one currently installed (spec.md
// §4.4: "If the currently-installed page table belongs to the
// destroyed AddressSpace, the core must first switch back to the
// kernel page table"). Clearing installedAS also disarms the
// asid-equality short-circuit in installAddressSpace, so a frame
// reused for a later root cannot be skipped over.
func (c *Core) DropAddressSpace(asid addrspace.Asid) {
	if c.installedAS == nil || c.installedAS.Asid() != asid {
		return
	}
	c.installedAS = nil
	c.isa.InstallPageTable(c.KernelPageTable, 0)
}

// SetTrapFrame and ClearTrapFrame publish/retract the core's current
// trap-frame pointer (spec.md §4.6/§5: "The trap-entry assembly sets
// current_trap_frame to the saved frame on entry and clears it on exit,
// so tick can inspect and mutate it safely"). The hosted kernel has no
// real assembly trap entry, so internal/trap calls these explicitly
// around syscall/fault dispatch instead. The running-cpu guard brackets
// a wider window than the frame itself: run marks a thread on-CPU when
// it installs it and off-CPU only once its saved context is written
// back on deschedule, so every trap-frame publication in between is
// covered and an off-core MapWithContext spin cannot observe a frame
// this core might still load from.
func (c *Core) SetTrapFrame(ctx arch.ContextFrame) { c.trapFrame = ctx }
func (c *Core) ClearTrapFrame()                    { c.trapFrame = nil }
func (c *Core) TrapFrame() arch.ContextFrame       { return c.trapFrame }

// ClearRunningThread drops this core's record of which thread it is
// running, marking that thread off-CPU in the same step. thread_destroy
// calls this before removing the self-destroying thread from the global
// table, so the next Tick's "was there a previous thread" check sees
// None instead of re-admitting a thread that no longer exists (mirrors
// rpkernel's thread_destroy setting cpu().running_thread to None).
func (c *Core) ClearRunningThread() {
	if t := c.runningThread; t != nil {
		t.ClearRunningCPU()
	}
	c.runningThread = nil
}

// Tick is the sole scheduling entry point (spec.md §4.6): pop the next
// runnable thread (or fall back to idle), save/re-admit whatever was
// running before, install the next thread's context and address space,
// and reprogram the timer.
func (c *Core) Tick(yielding bool) {
	next := c.popRunQueue()
	if next == nil {
		c.runningIdle = true
		next = c.idleThread
	} else {
		c.runningIdle = false
	}
	c.run(next)
	if c.ReprogramTimer != nil {
		c.ReprogramTimer()
	}
}

func (c *Core) run(t *thread.Thread) {
	if prev := c.runningThread; prev != nil {
		if c.trapFrame != nil {
			prev.SetContext(c.trapFrame)
		}
		// The saved copy is now the only live one: only here does prev
		// go off-CPU, releasing any other core spinning in
		// MapWithContext before it deposits into prev's frame (spec.md
		// §4.8/§5). Clearing before the re-admit also lets the core
		// that pops prev next mark it running without tripping the
		// double-run check.
		prev.ClearRunningCPU()
		if prev.Status() == thread.Runnable {
			c.scheduler.Add(prev)
		}
	}
	c.trapFrame = t.Context()
	c.runningThread = t
	t.SetRunningCPU(c.id)
	if as := t.AddressSpace(); as != nil {
		c.installAddressSpace(as)
	}
}

// installAddressSpace switches the hardware page-table base only when
// the next thread's address space differs from what is already loaded
// (spec.md §4.6 step 4), flushing the whole TLB for ISAs without
// ASID-tagged entries.
func (c *Core) installAddressSpace(a *addrspace.AddressSpace) {
	if c.installedAS != nil && c.installedAS.Asid() == a.Asid() {
		return
	}
	c.installedAS = a
	c.isa.InstallPageTable(a.Space().Root(), a.Asid())
}

// SmpScheduler implements least-loaded thread placement with IPI wakeup
// (spec.md §4.7). It holds no knowledge of Thread internals beyond the
// thread.Scheduler interface it satisfies.
type SmpScheduler struct {
	cores     []*Core
	runCounts []int64

	mu chan struct{}

	// SendIPI0 notifies the target core's IPI0 handler (spec.md §4.7:
	// "send an IPI0 inter-processor interrupt"). The hosted kernel has
	// no real interrupt controller, so this defaults to directly
	// invoking the target core's IPI0 handler in-line; a real ISA boot
	// path overrides it to program the hardware interrupt controller
	// instead.
	SendIPI0 func(targetCore int)

	active int32 // 1-based active core id; 0 means "none set"
}

// NewSmpScheduler constructs a scheduler with no cores. Cores must be
// added via AddCore before Add is called.
func NewSmpScheduler() *SmpScheduler {
	s := &SmpScheduler{mu: make(chan struct{}, 1)}
	s.mu <- struct{}{}
	return s
}

// AddCore registers a core with the scheduler, growing the run_counts
// table (spec.md §3: "SMP run_counts[core]").
func (s *SmpScheduler) AddCore(c *Core) {
	<-s.mu
	s.cores = append(s.cores, c)
	s.runCounts = append(s.runCounts, 0)
	s.mu <- struct{}{}
	if s.SendIPI0 == nil {
		s.SendIPI0 = func(target int) {
			tc := s.cores[target]
			if tc.RunningIdle() {
				tc.Tick(false)
			}
		}
	}
}

// SetActiveCore records which core is presently executing kernel code
// (spec.md has no explicit "current core" register in this model; the
// hosted kernel's trap dispatch path calls this before running any
// syscall/fault handling on a core, the same role Arch::core_id() plays
// by reading a hardware register on real ISAs). ClearActiveCore should
// be called once that core's trap handling returns.
func (s *SmpScheduler) SetActiveCore(id int)   { atomic.StoreInt32(&s.active, int32(id+1)) }
func (s *SmpScheduler) ClearActiveCore()       { atomic.StoreInt32(&s.active, 0) }
func (s *SmpScheduler) activeCore() (int, bool) {
	v := atomic.LoadInt32(&s.active)
	if v == 0 {
		return 0, false
	}
	return int(v - 1), true
}

// RunCounts returns a snapshot of run_counts, used by kstat and by P6's
// fairness-floor test.
func (s *SmpScheduler) RunCounts() []int64 {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()
	out := make([]int64, len(s.runCounts))
	copy(out, s.runCounts)
	return out
}

func (s *SmpScheduler) leastBusy() int {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()
	min := s.runCounts[0]
	target := 0
	for i := 1; i < len(s.runCounts); i++ {
		if s.runCounts[i] < min {
			min = s.runCounts[i]
			target = i
		}
	}
	s.runCounts[target]++
	return target
}

// Add implements thread.Scheduler: place t on the least-loaded core's
// run queue, sending an IPI0 if that core is not the one currently
// executing kernel code (spec.md §4.7).
func (s *SmpScheduler) Add(t *thread.Thread) {
	target := s.leastBusy()
	s.cores[target].Enqueue(t)
	if active, ok := s.activeCore(); ok && active == target {
		return
	}
	s.SendIPI0(target)
}

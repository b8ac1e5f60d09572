// Package thread implements the Thread lifecycle (spec.md §3, §4.5,
// component C5): a schedulable entity bound to an address space, with
// saved register context, run-state, and parent link, kept in a global
// table keyed by tid.
//
// Grounded on rpkernel/kernel/thread.rs almost verbatim in structure: the
// Inner/InnerMut split (immutable identity fields versus mutex-guarded
// mutable state) maps onto Go as a struct with unexported fields guarded
// by a channel-mutex, the same "mu chan struct{}" convention the rest of
// this tree uses (vm.Space, addrspace.Registry, page.Pool). Naming
// borrows biscuit's tinfo.Tnote_t/Threadinfo_t texture ("Tnote" ->
// per-thread note, "Threadinfo_t" -> the global table) where it doesn't
// conflict with the state machine spec.md §3/§4.5 specifies exactly.
package thread

import (
	"microkernel/internal/addrspace"
	"microkernel/internal/arch"
	"microkernel/internal/errno"
)

// Tid identifies a thread, monotonically assigned starting at
// config.FirstTid (spec.md §3).
type Tid = uintptr

// Level distinguishes the handful of kernel threads (only ever the
// per-core idle thread, spec.md §3) from ordinary user threads.
type Level int

const (
	User Level = iota
	Kernel
)

// Status is one of the five states spec.md §3/§4.5 names. The zero value
// is intentionally not a valid status so an uninitialized Thread cannot
// be silently treated as Runnable.
type Status int

const (
	Runnable Status = iota + 1
	Sleep
	WaitForEvent
	WaitForReply
	WaitForRequest
)

func (s Status) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Sleep:
		return "sleep"
	case WaitForEvent:
		return "wait_for_event"
	case WaitForReply:
		return "wait_for_reply"
	case WaitForRequest:
		return "wait_for_request"
	default:
		return "invalid"
	}
}

// Scheduler is the narrow slice of internal/smp's SmpScheduler that
// thread needs: re-admitting a thread that has just become Runnable.
// thread depends on this interface rather than importing internal/smp
// directly, because smp in turn holds Thread values in its run queues —
// a direct import would be cyclic. Boot wiring calls SetScheduler once
// the real scheduler exists, mirroring rpkernel's single-crate
// kernel::thread <-> kernel::scheduler mutual reference.
type Scheduler interface {
	Add(*Thread)
}

// Thread is one schedulable entity. Identity fields (tid, parent, level,
// address space) are set at construction and never change; status,
// context, and running-cpu are each guarded by their own lock (statusMu,
// ctxMu, cpuMu) and may be mutated by any
// core (spec.md §5: "Thread.status, Thread.context_frame,
// Thread.running_cpu: per-thread spin mutexes; the owning core while
// running; any core through transition helpers").
type Thread struct {
	tid          Tid
	parent       *Tid
	level        Level
	addressSpace *addrspace.AddressSpace

	// status, context, and runningCPU are guarded by three independent
	// locks, exactly as rpkernel/kernel/thread.rs's InnerMut splits them
	// into three separate spin::Mutex fields rather than one combined
	// lock: wait_for_reply/wait_for_request hold the status lock while
	// running their callback, and that callback (via MapWithContext)
	// needs to take the context lock and read runningCPU without
	// re-entering the status lock it is already inside.
	statusMu chan struct{}
	status   Status

	ctxMu   chan struct{}
	context arch.ContextFrame

	cpuMu      chan struct{}
	runningCPU *int
}

func (t *Thread) lockStatus()   { <-t.statusMu }
func (t *Thread) unlockStatus() { t.statusMu <- struct{}{} }
func (t *Thread) lockCtx()      { <-t.ctxMu }
func (t *Thread) unlockCtx()    { t.ctxMu <- struct{}{} }
func (t *Thread) lockCPU()      { <-t.cpuMu }
func (t *Thread) unlockCPU()    { t.cpuMu <- struct{}{} }

// Tid returns the thread's identifier.
func (t *Thread) Tid() Tid { return t.tid }

// Parent returns the spawning thread's tid, if any.
func (t *Thread) Parent() (Tid, bool) {
	if t.parent == nil {
		return 0, false
	}
	return *t.parent, true
}

// IsChildOf reports whether tid is this thread's parent, used by
// thread_destroy's parent-check (spec.md §4.5).
func (t *Thread) IsChildOf(tid Tid) bool {
	return t.parent != nil && *t.parent == tid
}

// Level reports whether this is a user or kernel thread.
func (t *Thread) Level() Level { return t.level }

// AddressSpace returns the thread's bound address space, or nil for a
// kernel thread (spec.md §3: "Kernel threads ... have no address
// space").
func (t *Thread) AddressSpace() *addrspace.AddressSpace { return t.addressSpace }

// Status returns the thread's current run-state.
func (t *Thread) Status() Status {
	t.lockStatus()
	defer t.unlockStatus()
	return t.status
}

// RunningCPU reports the core currently executing this thread, if any.
func (t *Thread) RunningCPU() (int, bool) {
	t.lockCPU()
	defer t.unlockCPU()
	if t.runningCPU == nil {
		return 0, false
	}
	return *t.runningCPU, true
}

// SetRunningCPU records that this thread is now executing on core id.
// Panics if the thread is already marked running elsewhere — that is a
// scheduler invariant violation, not a recoverable error (mirrors
// rpkernel's assert!(cpu.is_none())).
func (t *Thread) SetRunningCPU(id int) {
	t.lockCPU()
	defer t.unlockCPU()
	if t.runningCPU != nil {
		panic("thread: SetRunningCPU on a thread already running")
	}
	c := id
	t.runningCPU = &c
}

// ClearRunningCPU marks the thread as no longer executing on any core.
// Called by Core.run once the descheduled thread's saved context has
// been written back (and by Core.ClearRunningThread on the destroy
// paths), unblocking any other core's map_with_context spin-wait
// (spec.md §4.8, §5).
func (t *Thread) ClearRunningCPU() {
	t.lockCPU()
	defer t.unlockCPU()
	t.runningCPU = nil
}

// Context returns a copy of the thread's saved register context.
func (t *Thread) Context() arch.ContextFrame {
	t.lockCtx()
	defer t.unlockCtx()
	return t.context
}

// SetContext overwrites the thread's saved register context wholesale,
// used by Core.Tick when descheduling a still-runnable thread.
func (t *Thread) SetContext(ctx arch.ContextFrame) {
	t.lockCtx()
	defer t.unlockCtx()
	t.context = ctx
}

// MapWithContext busy-waits until the thread is off every core (its
// running_cpu is nil), then runs f against the thread's saved context
// under the context lock alone — never the status lock, so a caller
// already holding the status lock (WaitForReply/WaitForRequest's
// callback) can call this without deadlocking itself. f mutates the
// context in place (it is always a pointer type wrapped in the
// arch.ContextFrame interface), so there is nothing to write back. This
// is the off-core mutation rule spec.md §4.8/§5 requires for
// ITC/semaphore handoffs: a thread being descheduled on another core
// still has its frame in use by that core's trap path until
// ClearRunningCPU runs, so mutating it earlier would race the owning
// core's own save.
func (t *Thread) MapWithContext(f func(arch.ContextFrame)) {
	for {
		if _, running := t.RunningCPU(); !running {
			break
		}
	}
	t.lockCtx()
	defer t.unlockCtx()
	f(t.context)
}

// registry is the set of hooks a Thread's wait-state transition helpers
// need but that thread itself cannot own without an import cycle.
type registry struct {
	scheduler Scheduler
	onExit    func(child, parent Tid)
}

var reg registry

// SetScheduler wires the live SmpScheduler into thread_wake's re-admit
// path. Called once during boot, before any syscall runs.
func SetScheduler(s Scheduler) { reg.scheduler = s }

// SetExitNotifier wires the parent-exit table's signal function in,
// called by Destroy when a child thread dies (spec.md §3's parent-exit
// table, C9).
func SetExitNotifier(f func(child, parent Tid)) { reg.onExit = f }

func admit(t *Thread) {
	if reg.scheduler != nil {
		reg.scheduler.Add(t)
	}
}

// WaitForReply runs f and transitions the thread to Runnable, but only
// if it is currently WaitForReply; used by itc_send/itc_reply_recv to
// deposit a reply tuple atomically with the wake (spec.md §4.8). Reports
// whether the transition happened.
func (t *Thread) WaitForReply(f func()) bool {
	t.lockStatus()
	if t.status != WaitForReply {
		t.unlockStatus()
		return false
	}
	f()
	t.status = Runnable
	t.unlockStatus()
	admit(t)
	return true
}

// WaitForRequest is WaitForReply's counterpart for itc_call, gated on
// WaitForRequest instead.
func (t *Thread) WaitForRequest(f func()) bool {
	t.lockStatus()
	if t.status != WaitForRequest {
		t.unlockStatus()
		return false
	}
	f()
	t.status = Runnable
	t.unlockStatus()
	admit(t)
	return true
}

// Wake unconditionally transitions the thread to Runnable and re-admits
// it to the scheduler (spec.md §4.5's thread_set_status(RUNNABLE) path
// and the semaphore/thread_exit wake paths).
func Wake(t *Thread) {
	t.lockStatus()
	t.status = Runnable
	t.unlockStatus()
	admit(t)
}

// SleepWith transitions the thread to a non-Runnable wait-state. Panics
// if reason is Runnable — use Wake for that direction (mirrors
// rpkernel's assert_ne!(reason, Status::Runnable)).
func SleepWith(t *Thread, reason Status) {
	if reason == Runnable {
		panic("thread: SleepWith called with Runnable")
	}
	t.lockStatus()
	t.status = reason
	t.unlockStatus()
}

// Registry is the global tid -> Thread table plus the tid allocator. A
// kernel has exactly one Registry.
type Registry struct {
	isa arch.ISA

	mu      chan struct{}
	nextTid Tid
	threads map[Tid]*Thread
	max     int
}

// NewRegistry constructs an empty table. Tids start at firstTid
// (spec.md §3: "starts at 100").
func NewRegistry(isa arch.ISA, firstTid Tid, max int) *Registry {
	r := &Registry{
		isa:     isa,
		mu:      make(chan struct{}, 1),
		nextTid: firstTid,
		threads: make(map[Tid]*Thread),
		max:     max,
	}
	r.mu <- struct{}{}
	return r
}

func (r *Registry) newTid() (Tid, error) {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()
	if len(r.threads) >= r.max {
		return 0, errno.ErrOOR
	}
	id := r.nextTid
	r.nextTid++
	return id, nil
}

func (r *Registry) insert(t *Thread) {
	<-r.mu
	r.threads[t.tid] = t
	r.mu <- struct{}{}
}

// NewUser constructs a fresh user thread bound to as, entering entry in
// user mode with stack sp and first argument arg, status Sleep, not yet
// enqueued (spec.md §4.5: "The thread is not enqueued"). A parent of 0
// means no parent — tids start at config.FirstTid, so 0 never names a
// real thread; boot uses this for the first trusted thread.
func (r *Registry) NewUser(as *addrspace.AddressSpace, entry, sp, arg uintptr, parent Tid) (*Thread, error) {
	id, err := r.newTid()
	if err != nil {
		return nil, err
	}
	var pp *Tid
	if parent != 0 {
		p := parent
		pp = &p
	}
	t := &Thread{
		tid:          id,
		parent:       pp,
		level:        User,
		addressSpace: as,
		statusMu:     make(chan struct{}, 1),
		status:       Sleep,
		ctxMu:        make(chan struct{}, 1),
		context:      r.isa.NewContextFrame(entry, sp, arg),
		cpuMu:        make(chan struct{}, 1),
	}
	t.statusMu <- struct{}{}
	t.ctxMu <- struct{}{}
	t.cpuMu <- struct{}{}
	r.insert(t)
	return t, nil
}

// NewKernel constructs the per-core idle thread: no parent, no address
// space (spec.md §3).
func (r *Registry) NewKernel(entry, sp, arg uintptr) (*Thread, error) {
	id, err := r.newTid()
	if err != nil {
		return nil, err
	}
	t := &Thread{
		tid:      id,
		level:    Kernel,
		statusMu: make(chan struct{}, 1),
		status:   Sleep,
		ctxMu:    make(chan struct{}, 1),
		context:  r.isa.NewContextFrame(entry, sp, arg),
		cpuMu:    make(chan struct{}, 1),
	}
	t.statusMu <- struct{}{}
	t.ctxMu <- struct{}{}
	t.cpuMu <- struct{}{}
	r.insert(t)
	return t, nil
}

// Lookup resolves a tid to its Thread.
func (r *Registry) Lookup(tid Tid) (*Thread, bool) {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()
	t, ok := r.threads[tid]
	return t, ok
}

// Destroy removes t from the global table and, if it has a parent,
// signals the parent-exit table (spec.md §4.5: "A destroyed thread
// signals its parent"). Callers are responsible for clearing any core's
// running-thread record that still points at t before calling Destroy,
// mirroring rpkernel's thread_destroy ordering.
func (r *Registry) Destroy(t *Thread) {
	<-r.mu
	delete(r.threads, t.tid)
	r.mu <- struct{}{}
	if p, ok := t.Parent(); ok && reg.onExit != nil {
		reg.onExit(t.tid, p)
	}
}

// Count reports how many threads are currently live, used by kstat.
func (r *Registry) Count() int {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()
	return len(r.threads)
}

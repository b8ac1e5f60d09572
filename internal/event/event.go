// Package event implements the event/semaphore layer (spec.md §4.9,
// component C9): per-IRQ semaphores and the per-parent child-exit queue
// that together back the single event_wait syscall.
//
// Grounded on rpkernel/kernel/semaphore.rs (Semaphore, signal's
// running_cpu spin) and rpkernel/kernel/interrupt.rs (the irq->Semaphore
// table) plus rpkernel/syscall/event.rs (the INT/THREAD_EXIT dispatch
// and the parent-exit list scan).
package event

import (
	"microkernel/internal/errno"
	"microkernel/internal/thread"
)

// Kind selects which event category event_wait is polling (spec.md
// §4.9: "unified under one event_wait(kind, num) syscall").
type Kind int

const (
	KindInterrupt Kind = iota
	KindThreadExit
)

// Semaphore is a counting semaphore with a FIFO waiter queue, woken in
// arrival order. The zero value is not usable; construct with
// NewSemaphore.
type Semaphore struct {
	mu    chan struct{}
	value int
	queue []*thread.Thread
}

// NewSemaphore constructs a semaphore with an initial count of 0 (no
// interrupts pending yet).
func NewSemaphore() *Semaphore {
	s := &Semaphore{mu: make(chan struct{}, 1)}
	s.mu <- struct{}{}
	return s
}

// Wait acquires the semaphore if its count is already positive
// (returns true immediately), otherwise enqueues self and puts it into
// WaitForEvent (spec.md §4.9: "event_wait(INT, irq) either acquires the
// semaphore ... or enqueues the caller"). Callers must not call Wait
// again for self until it has been scheduled again.
func (s *Semaphore) Wait(self *thread.Thread) bool {
	<-s.mu
	if s.value > 0 {
		s.value--
		s.mu <- struct{}{}
		return true
	}
	s.queue = append(s.queue, self)
	s.mu <- struct{}{}
	thread.SleepWith(self, thread.WaitForEvent)
	return false
}

// Signal pops one waiter and wakes it, or — if no one is waiting —
// increments the count for a future Wait to consume (spec.md §4.9:
// "pops one waiter and wakes it, or increments the semaphore counter if
// no one is waiting"). As with ITC's wait_for_reply/wait_for_request,
// the popped waiter's saved context may still be in use by another
// core's trap path, so Signal spins until running_cpu is None before
// waking it (spec.md §4.9 supplement, grounded on
// rpkernel/kernel/semaphore.rs's signal).
func (s *Semaphore) Signal() {
	<-s.mu
	if len(s.queue) == 0 {
		s.value++
		s.mu <- struct{}{}
		return
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	s.mu <- struct{}{}

	for {
		if _, running := t.RunningCPU(); !running {
			break
		}
	}
	thread.Wake(t)
}

// IRQTable maps an IRQ number to its Semaphore, creating one on first
// reference (spec.md §3: "Interrupt wait table — IRQ → Semaphore").
type IRQTable struct {
	mu   chan struct{}
	sems map[uint32]*Semaphore
}

// NewIRQTable constructs an empty table.
func NewIRQTable() *IRQTable {
	t := &IRQTable{mu: make(chan struct{}, 1), sems: make(map[uint32]*Semaphore)}
	t.mu <- struct{}{}
	return t
}

// Semaphore returns the semaphore for irq, creating it on first use.
func (t *IRQTable) Semaphore(irq uint32) *Semaphore {
	<-t.mu
	defer func() { t.mu <- struct{}{} }()
	s, ok := t.sems[irq]
	if !ok {
		s = NewSemaphore()
		t.sems[irq] = s
	}
	return s
}

// Signal is called by an external-IRQ trap handler after fetching and
// acknowledging the interrupt at the controller (spec.md §4.10).
func (t *IRQTable) Signal(irq uint32) {
	t.Semaphore(irq).Signal()
}

// ParentExitTable records which children of a parent have died but not
// yet been reaped by event_wait(THREAD_EXIT, ...) (spec.md §3:
// "parent_tid -> list<child_tid>, appended when a child dies, drained
// by event_wait").
type ParentExitTable struct {
	mu      chan struct{}
	pending map[thread.Tid][]thread.Tid
}

// NewParentExitTable constructs an empty table.
func NewParentExitTable() *ParentExitTable {
	t := &ParentExitTable{mu: make(chan struct{}, 1), pending: make(map[thread.Tid][]thread.Tid)}
	t.mu <- struct{}{}
	return t
}

// Notify appends child to parent's pending list. Wired as the
// thread.SetExitNotifier callback, run by Registry.Destroy whenever a
// thread with a parent is destroyed (spec.md §3: "A destroyed thread
// signals its parent").
func (t *ParentExitTable) Notify(child, parent thread.Tid) {
	<-t.mu
	t.pending[parent] = append(t.pending[parent], child)
	t.mu <- struct{}{}
}

// Wait scans parent's pending list for child, removing and returning
// nil if present (OK), or errno.ErrHoldOn if the child has not yet died
// (spec.md §4.9: "userland retry idiom — no blocking").
func (t *ParentExitTable) Wait(parent, child thread.Tid) error {
	<-t.mu
	defer func() { t.mu <- struct{}{} }()
	list := t.pending[parent]
	for i, c := range list {
		if c == child {
			t.pending[parent] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return errno.ErrHoldOn
}

// Tables bundles the two event sources event_wait dispatches over, the
// shape internal/syscall's handler holds a single reference to.
type Tables struct {
	IRQ  *IRQTable
	Exit *ParentExitTable
}

// NewTables constructs both global tables (spec.md §9: "statically
// initialized singletons guarded by its own spin mutex").
func NewTables() *Tables {
	return &Tables{IRQ: NewIRQTable(), Exit: NewParentExitTable()}
}

// Wait implements the event_wait syscall's dispatch over the two event
// kinds (spec.md §4.9). For KindInterrupt this may block the caller
// (transition to WaitForEvent); for KindThreadExit it never blocks,
// returning errno.ErrHoldOn instead when the named child has not yet
// exited.
func (t *Tables) Wait(self *thread.Thread, kind Kind, num uint32) error {
	switch kind {
	case KindInterrupt:
		t.IRQ.Semaphore(num).Wait(self)
		return nil
	case KindThreadExit:
		return t.Exit.Wait(self.Tid(), thread.Tid(num))
	default:
		return errno.ErrInvarg
	}
}

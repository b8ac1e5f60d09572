// Package syscall implements the system-call surface (spec.md §4.11,
// component C11): argument decoding, the per-call handlers, and result
// encoding for the kernel's ~23 syscalls.
//
// Grounded on rpkernel/kernel/syscall.rs's dispatch table and
// rpkernel/syscall/{mm,thread,address_space,misc,ipc,event}.rs's
// individual handlers, translated from Result<SyscallOutRegisters,usize>
// into the Outcome type below.
package syscall

import (
	"microkernel/internal/addrspace"
	"microkernel/internal/arch"
	"microkernel/internal/config"
	"microkernel/internal/errno"
	"microkernel/internal/event"
	"microkernel/internal/itc"
	"microkernel/internal/mem/page"
	"microkernel/internal/thread"
)

// Number identifies one of the kernel's syscalls (spec.md §4.11's table,
// SYS_MAX=23 in rpkernel/kernel/syscall.rs — index 21, yield_to, is
// carried only for ABI-slot parity with the original and always fails
// INVARG, mirroring rpkernel's yield_to panicking as deprecated).
type Number uint

const (
	Null Number = iota
	Putc
	GetAsid
	GetTid
	ThreadYield
	ThreadDestroy
	EventWait
	MemAlloc
	MemMap
	MemUnmap
	AddressSpaceAlloc
	ThreadAlloc
	ThreadSetStatus
	AddressSpaceDestroy
	ItcRecv
	ItcSend
	ItcCall
	ServerRegister
	ServerTid
	SetExceptionHandler
	Getc
	YieldTo
	ReplyRecv
	count
)

var names = [...]string{
	"null", "putc", "get_asid", "get_tid", "thread_yield", "thread_destroy",
	"event_wait", "mem_alloc", "mem_map", "mem_unmap", "address_space_alloc",
	"thread_alloc", "thread_set_status", "address_space_destroy", "itc_recv",
	"itc_send", "itc_call", "server_register", "server_tid",
	"set_exception_handler", "getc", "yield_to", "reply_recv",
}

func (n Number) String() string {
	if int(n) < len(names) {
		return names[n]
	}
	return "invalid"
}

// Console is the kernel-serial device putc/getc read and write, kept as
// a narrow interface so syscall does not depend on kprint's concrete
// ring buffer.
type Console interface {
	Putc(b byte)
	Getc() (byte, bool)
}

// ServerRegistry maps a well-known server id to the tid that last
// registered it (spec.md §3: "a mapping server_id -> tid, mutable,
// last-write-wins").
type ServerRegistry struct {
	mu   chan struct{}
	byID map[uintptr]thread.Tid
}

// NewServerRegistry constructs an empty registry.
func NewServerRegistry() *ServerRegistry {
	r := &ServerRegistry{mu: make(chan struct{}, 1), byID: make(map[uintptr]thread.Tid)}
	r.mu <- struct{}{}
	return r
}

// Register overwrites whatever tid previously held id (spec.md §9 Open
// Question 2: accepted as-is — "acceptable inside a closed embedded
// configuration").
func (r *ServerRegistry) Register(id uintptr, tid thread.Tid) {
	<-r.mu
	r.byID[id] = tid
	r.mu <- struct{}{}
}

// Lookup resolves id to its registered tid.
func (r *ServerRegistry) Lookup(id uintptr) (thread.Tid, bool) {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()
	tid, ok := r.byID[id]
	return tid, ok
}

// Env bundles every global table a syscall handler may need. One Env is
// constructed at boot and shared by every core (spec.md §9:
// "statically-initialized singletons guarded by its own spin mutex" —
// each field here already carries its own lock).
type Env struct {
	Pool      *page.Pool
	Backing   page.Backing
	AddrSpace *addrspace.Registry
	Threads   *thread.Registry
	Events    *event.Tables
	Servers   *ServerRegistry
	Console   Console
	Warnf     func(format string, args ...interface{})
}

func (e *Env) warnf(format string, args ...interface{}) {
	if e.Warnf != nil {
		e.Warnf(format, args...)
	}
}

func (e *Env) lookup(tid thread.Tid) (*thread.Thread, bool) {
	return e.Threads.Lookup(tid)
}

// Outcome is what one syscall produced: either a status/value tuple to
// write into the caller's context, or a request that the core
// reschedule instead (spec.md §4.11: "Any syscall that schedules
// returns through tick, which writes the result into the resumed
// thread's frame").
type Outcome struct {
	Status   errno.Errno
	Values   [5]uintptr
	Schedule bool
}

func ok(values ...uintptr) Outcome {
	var o Outcome
	copy(o.Values[:], values)
	return o
}

func fail(e errno.Errno) Outcome { return Outcome{Status: e} }

func roundDown(va uintptr) uintptr { return va &^ (config.PageSize - 1) }

// Wire-format bit layout for the raw attribute word syscalls accept
// (mem_alloc's and mem_map's attr argument), independent of any single
// ISA's native leaf-entry encoding — arch.ISA.Encode/Decode only ever
// see the already-decoded arch.EntryAttribute produced here.
const (
	attrWritable     = uintptr(1) << 0
	attrUserReadable = uintptr(1) << 1
	attrDevice       = uintptr(1) << 2
	attrKExecutable  = uintptr(1) << 3
	attrUExecutable  = uintptr(1) << 4
	attrCOW          = uintptr(1) << 5
	attrShared       = uintptr(1) << 6
)

func decodeAttr(raw uintptr) arch.EntryAttribute {
	return arch.EntryAttribute{
		Writable:     raw&attrWritable != 0,
		UserReadable: raw&attrUserReadable != 0,
		Device:       raw&attrDevice != 0,
		KExecutable:  raw&attrKExecutable != 0,
		UExecutable:  raw&attrUExecutable != 0,
		CopyOnWrite:  raw&attrCOW != 0,
		Shared:       raw&attrShared != 0,
	}
}

// Dispatch runs the syscall named by ctx.SyscallNumber() on behalf of
// self, the calling thread (spec.md §4.11). The caller (internal/trap)
// is responsible for writing a non-Schedule Outcome's Status/Values
// into ctx, or for calling the core's Tick when Schedule is set.
func Dispatch(env *Env, self *thread.Thread, ctx arch.ContextFrame) Outcome {
	arg := ctx.SyscallArg
	switch Number(ctx.SyscallNumber()) {
	case Null:
		return Outcome{}
	case Putc:
		env.Console.Putc(byte(arg(0)))
		return Outcome{}
	case Getc:
		b, has := env.Console.Getc()
		if !has {
			return fail(errno.HOLDON)
		}
		return ok(uintptr(b))
	case GetAsid:
		return getAsid(env, self, arg(0))
	case GetTid:
		return ok(self.Tid())
	case ThreadYield:
		return Outcome{Schedule: true}
	case ThreadDestroy:
		return threadDestroy(env, self, arg(0))
	case EventWait:
		return eventWait(env, self, arg(0), arg(1))
	case MemAlloc:
		return memAlloc(env, uint16(arg(0)), arg(1), arg(2))
	case MemMap:
		return memMap(env, uint16(arg(0)), arg(1), uint16(arg(2)), arg(3), arg(4))
	case MemUnmap:
		return memUnmap(env, uint16(arg(0)), arg(1))
	case AddressSpaceAlloc:
		return addressSpaceAlloc(env)
	case ThreadAlloc:
		return threadAlloc(env, self, uint16(arg(0)), arg(1), arg(2), arg(3))
	case ThreadSetStatus:
		return threadSetStatus(env, arg(0), arg(1))
	case AddressSpaceDestroy:
		return addressSpaceDestroy(env, uint16(arg(0)))
	case ItcRecv:
		itc.Receive(self)
		return Outcome{Schedule: true}
	case ItcSend:
		return itcSend(env, self, arg(0), arg(1), arg(2), arg(3), arg(4))
	case ItcCall:
		return itcCall(env, self, arg(0), arg(1), arg(2), arg(3), arg(4))
	case ServerRegister:
		env.Servers.Register(arg(0), self.Tid())
		return Outcome{}
	case ServerTid:
		tid, has := env.Servers.Lookup(arg(0))
		if !has {
			return fail(errno.INVARG)
		}
		return ok(tid)
	case SetExceptionHandler:
		return setExceptionHandler(self, arg(0))
	case ReplyRecv:
		return replyRecv(env, self, arg(0), arg(1), arg(2), arg(3), arg(4))
	default:
		return fail(errno.INVARG)
	}
}

func getAsid(env *Env, self *thread.Thread, tid uintptr) Outcome {
	target := self
	if tid != 0 {
		t, has := env.lookup(thread.Tid(tid))
		if !has {
			return fail(errno.INVARG)
		}
		target = t
	}
	as := target.AddressSpace()
	if as == nil {
		return fail(errno.INVARG)
	}
	return ok(uintptr(as.Asid()))
}

func threadDestroy(env *Env, self *thread.Thread, tid uintptr) Outcome {
	target := self
	if tid != 0 {
		t, has := env.lookup(thread.Tid(tid))
		if !has {
			return fail(errno.INVARG)
		}
		if !t.IsChildOf(self.Tid()) {
			return fail(errno.DENIED)
		}
		target = t
	}
	env.Threads.Destroy(target)
	if target == self {
		return Outcome{Schedule: true}
	}
	return Outcome{}
}

func eventWait(env *Env, self *thread.Thread, kind, num uintptr) Outcome {
	if kind > 1 {
		return fail(errno.INVARG)
	}
	err := env.Events.Wait(self, event.Kind(kind), uint32(num))
	if err != nil {
		return fail(err.(errno.Errno))
	}
	if event.Kind(kind) == event.KindInterrupt && self.Status() != thread.Runnable {
		return Outcome{Schedule: true}
	}
	return Outcome{}
}

func memAlloc(env *Env, asid uint16, va, rawAttr uintptr) Outcome {
	a, has := env.AddrSpace.Lookup(asid)
	if !has {
		return fail(errno.INVARG)
	}
	va = roundDown(va)
	f, err := env.Pool.Alloc()
	if err != nil {
		return fail(errno.OOM)
	}
	page.Zero(env.Backing, f)
	attr := decodeAttr(rawAttr).Filter()
	if err := a.Space().Map(va, f.Addr(), attr); err != nil {
		env.Pool.Free(f)
		return fail(errno.INTERNAL)
	}
	a.Space().Retain(f)
	return Outcome{}
}

// memMap aliases a page already mapped in srcAsid into dstAsid (spec.md
// §4.11, P2). The destination does not retain the aliased frame — only
// the address space that originally allocated it owns the frame for
// destruction purposes (see DESIGN.md: this kernel has no per-frame
// refcounting, so double-retaining an aliased frame would double-free
// it when both address spaces are eventually destroyed).
func memMap(env *Env, srcAsid uint16, srcVA uintptr, dstAsid uint16, dstVA, rawAttr uintptr) Outcome {
	srcVA = roundDown(srcVA)
	dstVA = roundDown(dstVA)
	src, has := env.AddrSpace.Lookup(srcAsid)
	if !has {
		return fail(errno.INVARG)
	}
	dst, has := env.AddrSpace.Lookup(dstAsid)
	if !has {
		return fail(errno.INVARG)
	}
	entry, has := src.Space().Lookup(srcVA)
	if !has {
		return fail(errno.MEMNOTMAP)
	}
	attr := decodeAttr(rawAttr).Filter()
	if err := dst.Space().Map(dstVA, entry.PA, attr); err != nil {
		return fail(errno.INTERNAL)
	}
	return Outcome{}
}

func memUnmap(env *Env, asid uint16, va uintptr) Outcome {
	a, has := env.AddrSpace.Lookup(asid)
	if !has {
		return fail(errno.INVARG)
	}
	a.Space().Unmap(roundDown(va))
	return Outcome{}
}

func addressSpaceAlloc(env *Env) Outcome {
	a, err := env.AddrSpace.Alloc(env.Backing)
	if err != nil {
		return fail(err.(errno.Errno))
	}
	return ok(uintptr(a.Asid()))
}

func addressSpaceDestroy(env *Env, asid uint16) Outcome {
	a, has := env.AddrSpace.Lookup(asid)
	if !has {
		return fail(errno.INVARG)
	}
	env.AddrSpace.Destroy(a.Asid())
	return Outcome{}
}

func threadAlloc(env *Env, self *thread.Thread, asid uint16, entry, sp, arg uintptr) Outcome {
	a, has := env.AddrSpace.Lookup(asid)
	if !has {
		return fail(errno.INVARG)
	}
	child, err := env.Threads.NewUser(a, entry, sp, arg, self.Tid())
	if err != nil {
		return fail(err.(errno.Errno))
	}
	return ok(child.Tid())
}

// Status values accepted by thread_set_status (spec.md §4.11: "RUNNABLE
// /NOT_RUNNABLE only").
const (
	statusNotRunnable = 0
	statusRunnable    = 1
)

func threadSetStatus(env *Env, tid, status uintptr) Outcome {
	t, has := env.lookup(thread.Tid(tid))
	if !has {
		return fail(errno.INVARG)
	}
	switch status {
	case statusRunnable:
		thread.Wake(t)
	case statusNotRunnable:
		thread.SleepWith(t, thread.Sleep)
	default:
		return fail(errno.INVARG)
	}
	return Outcome{}
}

func itcSend(env *Env, self *thread.Thread, tid, a, b, c, d uintptr) Outcome {
	if err := itc.Send(env.lookup, self, tid, a, b, c, d); err != nil {
		return fail(err.(errno.Errno))
	}
	return Outcome{}
}

func itcCall(env *Env, self *thread.Thread, tid, a, b, c, d uintptr) Outcome {
	if err := itc.Call(env.lookup, self, tid, a, b, c, d); err != nil {
		return fail(err.(errno.Errno))
	}
	return Outcome{Schedule: true}
}

func replyRecv(env *Env, self *thread.Thread, tid, a, b, c, d uintptr) Outcome {
	if err := itc.ReplyRecv(env.lookup, env.warnf, self, tid, a, b, c, d); err != nil {
		return fail(err.(errno.Errno))
	}
	return Outcome{Schedule: true}
}

func setExceptionHandler(self *thread.Thread, handler uintptr) Outcome {
	as := self.AddressSpace()
	if as == nil {
		return fail(errno.INVARG)
	}
	as.SetExceptionHandler(handler, true)
	return Outcome{}
}

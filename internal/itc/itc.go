// Package itc implements the four synchronous inter-thread-call
// primitives (spec.md §4.8, component C8): Receive, Send, Call, and
// ReplyRecv, the rendezvous protocol every user-server interaction in
// this kernel is built on.
//
// Grounded on rpkernel/syscall/ipc.rs near verbatim: the same four
// functions, the same status checks, and the same HOLD_ON/DENIED split.
package itc

import (
	"microkernel/internal/arch"
	"microkernel/internal/errno"
	"microkernel/internal/thread"
)

// Message is the five-register ITC payload every primitive moves:
// sender_tid plus four argument words (spec.md §4.8).
type Message struct {
	SenderTid uintptr
	A, B, C, D uintptr
}

// Lookup resolves a tid to a thread, used to find the ITC peer. Callers
// pass in the live thread.Registry's Lookup method; itc has no registry
// of its own.
type Lookup func(tid thread.Tid) (*thread.Thread, bool)

// deposit writes msg into target's saved context as the five syscall
// result registers (sender_tid, a, b, c, d) with error 0, under target's
// MapWithContext off-core-safe mutation rule (spec.md §4.8).
func deposit(target *thread.Thread, msg Message) {
	target.MapWithContext(func(ctx arch.ContextFrame) {
		ctx.SetSyscallResult(0, [5]uintptr{msg.SenderTid, msg.A, msg.B, msg.C, msg.D})
	})
}

// Receive puts the calling thread into WaitForRequest; its result will
// be filled in by whichever peer later calls Send or Call on it
// (spec.md §4.8).
func Receive(self *thread.Thread) {
	thread.SleepWith(self, thread.WaitForRequest)
}

// Send deposits (selfTid, a, b, c, d) into target's context and wakes it,
// but only if target is currently WaitForReply; otherwise DENIED
// (spec.md §4.8).
func Send(lookup Lookup, self *thread.Thread, targetTid uintptr, a, b, c, d uintptr) error {
	target, ok := lookup(targetTid)
	if !ok {
		return errno.ErrInvarg
	}
	msg := Message{SenderTid: self.Tid(), A: a, B: b, C: c, D: d}
	if target.WaitForReply(func() { deposit(target, msg) }) {
		return nil
	}
	return errno.ErrDenied
}

// Call deposits the request into target's context and moves it to
// Runnable, then moves the caller itself to WaitForReply — but only if
// target is currently WaitForRequest. If it isn't yet, the caller gets
// HOLD_ON and is expected to yield and retry (spec.md §4.8).
func Call(lookup Lookup, self *thread.Thread, targetTid uintptr, a, b, c, d uintptr) error {
	target, ok := lookup(targetTid)
	if !ok {
		return errno.ErrInvarg
	}
	msg := Message{SenderTid: self.Tid(), A: a, B: b, C: c, D: d}
	ok = target.WaitForRequest(func() {
		deposit(target, msg)
		thread.SleepWith(self, thread.WaitForReply)
	})
	if ok {
		return nil
	}
	return errno.ErrHoldOn
}

// ReplyRecv is the combined server primitive: deposit a reply to tid as
// in Send (a warning, not an error, if tid is not waiting for a reply —
// spec.md §4.8), then put the caller into WaitForRequest to receive its
// next request.
func ReplyRecv(lookup Lookup, warnf func(format string, args ...interface{}), self *thread.Thread, targetTid uintptr, a, b, c, d uintptr) error {
	target, ok := lookup(targetTid)
	if !ok {
		return errno.ErrInvarg
	}
	msg := Message{SenderTid: self.Tid(), A: a, B: b, C: c, D: d}
	if !target.WaitForReply(func() { deposit(target, msg) }) {
		if warnf != nil {
			warnf("t%d not waiting for reply from t%d (status %s)", targetTid, self.Tid(), target.Status())
		}
	}
	thread.SleepWith(self, thread.WaitForRequest)
	return nil
}

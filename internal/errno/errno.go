// Package errno defines the kernel's closed set of syscall error codes.
package errno

// Errno is one of the syscall ABI's error codes. Zero means success and is
// never constructed directly; callers compare against the named values.
type Errno uint

const (
	// OK is not a wire value (success is encoded by a zero error register)
	// but is useful as the zero value of Errno in Go code.
	OK Errno = 0

	// INVARG covers unknown syscall numbers, unknown status/event-kind
	// values, unknown ASIDs or TIDs, misaligned arguments that require
	// alignment, and out-of-range enums.
	INVARG Errno = 1

	// OOM is returned when the physical page pool is empty.
	OOM Errno = 2

	// MEMNOTMAP is returned by mem_map when the source VA is unmapped.
	MEMNOTMAP Errno = 3

	// INTERNAL signals a kernel invariant violation surfaced to userspace
	// instead of panicking (reserved for paths where panicking would take
	// down an otherwise-healthy core).
	INTERNAL Errno = 4

	// DENIED is returned on parent-check failures and sends to a peer not
	// in the expected wait-state.
	DENIED Errno = 5

	// HOLDON is a non-fatal "try again later" error that drives userland
	// retry loops standing in for blocking.
	HOLDON Errno = 6

	// OOR is returned when a monotonic counter (the ASID allocator) wraps.
	OOR Errno = 7

	// PANIC is never returned to userspace; it marks the kernel decoding
	// a fatal cause for its own panic message.
	PANIC Errno = 8
)

var names = map[Errno]string{
	OK:        "OK",
	INVARG:    "INVARG",
	OOM:       "OOM",
	MEMNOTMAP: "MEM_NOT_MAP",
	INTERNAL:  "INTERNAL",
	DENIED:    "DENIED",
	HOLDON:    "HOLD_ON",
	OOR:       "OOR",
	PANIC:     "PANIC",
}

// Error implements the error interface so Errno can be returned directly
// from kernel functions and compared with errors.Is against the sentinels
// below.
func (e Errno) Error() string {
	if s, ok := names[e]; ok {
		return s
	}
	return "unknown errno"
}

// Sentinel errors for errors.Is comparisons; kernel code prefers comparing
// Errno values directly, but syscall glue that threads a generic `error`
// through needs these.
var (
	ErrInvarg    error = INVARG
	ErrOOM       error = OOM
	ErrMemNotMap error = MEMNOTMAP
	ErrInternal  error = INTERNAL
	ErrDenied    error = DENIED
	ErrHoldOn    error = HOLDON
	ErrOOR       error = OOR
)

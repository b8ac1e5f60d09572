// Package kprint is the kernel's console output path: a small ring buffer
// backing a serial console device, written to through putc/subsystem-
// prefixed Printf calls instead of the host's fmt.Print family.
package kprint

import "sync"

// ringSize matches one physical page, following biscuit's circbuf
// convention of sizing buffers to PGSIZE so they fit in a single frame.
const ringSize = 4096

// ring is a byte ring buffer guarded by its own mutex, since multiple
// cores may log concurrently. Like
// biscuit's Circbuf_t it is backed by allocator-owned memory: the
// console ring starts on a static page-sized array so logging works
// before the heap exists, and boot repoints it at a kernel-heap page
// via UseBuffer once C2 is up.
type ring struct {
	mu   sync.Mutex
	buf  []byte
	head int // write position, monotonically increasing
	tail int // read position, monotonically increasing
}

func (r *ring) full() bool {
	return r.head-r.tail == len(r.buf)
}

func (r *ring) empty() bool {
	return r.head == r.tail
}

// writeByte drops the oldest byte to make room when full: a console ring
// is a diagnostic aid, not a reliable transport, so losing the tail under
// sustained overrun is preferable to blocking the writer.
func (r *ring) writeByte(b byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full() {
		r.tail++
	}
	r.buf[r.head%len(r.buf)] = b
	r.head++
}

// drain copies out everything currently buffered and advances tail.
func (r *ring) drain() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, 0, r.head-r.tail)
	for r.tail != r.head {
		out = append(out, r.buf[r.tail%len(r.buf)])
		r.tail++
	}
	return out
}

var bootBuf [ringSize]byte

var console = ring{buf: bootBuf[:]}

// UseBuffer repoints the console ring at an externally allocated
// backing store — boot hands it a kernel-heap page, the same
// page-from-the-allocator arrangement biscuit's Circbuf_t.cb_init uses.
// Anything still buffered in the old store is dropped.
func UseBuffer(b []byte) {
	if len(b) == 0 {
		panic("kprint: empty console buffer")
	}
	console.mu.Lock()
	defer console.mu.Unlock()
	console.buf = b
	console.head = 0
	console.tail = 0
}

// ConsoleWriter is swapped out in tests (and by cmd/kernel-sim, which
// points it at stdout) to redirect drained bytes somewhere other than the
// default no-op sink.
var ConsoleWriter func([]byte) = func([]byte) {}

// Putc writes a single byte to the console ring and immediately flushes it
// to the installed ConsoleWriter, mirroring the kernel's putc syscall
// (spec syscall #1) which is specified as a synchronous serial write.
func Putc(c byte) {
	console.writeByte(c)
	ConsoleWriter(console.drain())
}

// Drain flushes any buffered bytes to ConsoleWriter.
func Drain() {
	if b := console.drain(); len(b) > 0 {
		ConsoleWriter(b)
	}
}

//go:build linux || darwin

package simarch

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"microkernel/internal/config"
	"microkernel/internal/mem/page"
)

// MmapBacking models the machine's physical memory as one anonymous
// mmap'd region: frame PA `start+off` lives at byte offset `off` of the
// mapping. It is the hosted stand-in for biscuit's direct map (mem.Dmap,
// which adds a fixed offset to a physical address to reach it through
// the kernel's own page table) — here the "fixed offset" is the distance
// between the mmap base and the simulated physical range's start.
type MmapBacking struct {
	start uintptr
	buf   []byte
}

// NewMmapBacking maps an anonymous region covering the simulated
// physical range [start, end). The region is lazily populated by the
// host kernel, so a large simulated range costs only what the tests
// actually touch.
func NewMmapBacking(start, end uintptr) (*MmapBacking, error) {
	if start%config.PageSize != 0 || end%config.PageSize != 0 || end <= start {
		panic("simarch: misaligned or empty backing range")
	}
	buf, err := unix.Mmap(-1, 0, int(end-start),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &MmapBacking{start: start, buf: buf}, nil
}

// Close unmaps the region. Only tests call this; the kernel's own
// backing lives for the life of the process.
func (m *MmapBacking) Close() error {
	buf := m.buf
	m.buf = nil
	return unix.Munmap(buf)
}

// Bytes implements page.Backing.
func (m *MmapBacking) Bytes(f page.Frame) []byte {
	off := f.Addr() - m.start
	return m.buf[off : off+config.PageSize]
}

// AddrOf implements page.Backing: recovers the simulated physical
// address of a slice previously handed out by Bytes.
func (m *MmapBacking) AddrOf(b []byte) uintptr {
	base := uintptr(unsafe.Pointer(&m.buf[0]))
	p := uintptr(unsafe.Pointer(&b[0]))
	if p < base || p >= base+uintptr(len(m.buf)) {
		panic("simarch: AddrOf on a slice outside the backing")
	}
	return m.start + (p - base)
}

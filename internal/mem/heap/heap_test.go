package heap

import (
	"testing"
	"unsafe"

	"microkernel/internal/mem/page"
)

// fakeBacking maps each frame to an independently allocated Go byte array,
// simulating a direct physical-memory mapping without real hardware.
type fakeBacking struct {
	pages map[uintptr]*[4096]byte
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{pages: make(map[uintptr]*[4096]byte)}
}

func (f *fakeBacking) Bytes(fr page.Frame) []byte {
	p, ok := f.pages[fr.Addr()]
	if !ok {
		p = new([4096]byte)
		f.pages[fr.Addr()] = p
	}
	return p[:]
}

func (f *fakeBacking) AddrOf(b []byte) uintptr {
	for addr, p := range f.pages {
		base := uintptr(unsafe.Pointer(&p[0]))
		got := uintptr(unsafe.Pointer(&b[0]))
		if got >= base && got < base+4096 {
			return addr + (got - base)
		}
	}
	panic("fakeBacking: address not found")
}

func TestHeapAllocFreeReuse(t *testing.T) {
	pool := page.NewPool(0x20_0000, 0x20_0000+4*4096)
	b := newFakeBacking()
	h := New(pool, b, 1)

	a, err := h.Alloc(32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(a))
	}
	h.Free(a, 32)

	a2, err := h.Alloc(32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = a2
}

func TestHeapEnlargeOnExhaustion(t *testing.T) {
	pool := page.NewPool(0x30_0000, 0x30_0000+4*4096)
	b := newFakeBacking()
	h := New(pool, b, 1)

	// Exhaust the single seeded zone (256 blocks of 16 bytes each) to
	// force Enlarge to pull a second page from the pool.
	var allocs [][]byte
	for i := 0; i < MaxOrder+1; i++ {
		// Allocate whole-zone-sized chunks to exhaust quickly: first
		// alloc takes the full page, leaving nothing, forcing the next
		// alloc through enlarge().
		if i == 0 {
			blk, err := h.Alloc(4096)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			allocs = append(allocs, blk)
		}
	}
	before := pool.FreeCount()
	blk, err := h.Alloc(4096)
	if err != nil {
		t.Fatalf("expected enlarge to succeed, got %v", err)
	}
	allocs = append(allocs, blk)
	if pool.FreeCount() != before-1 {
		t.Fatalf("expected enlarge to consume exactly one more page, free went from %d to %d", before, pool.FreeCount())
	}
}

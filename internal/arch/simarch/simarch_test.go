package simarch

import (
	"testing"

	"microkernel/internal/arch"
	"microkernel/internal/mem/page"
)

type poolBacking struct {
	pool  *page.Pool
	pages map[uintptr][]byte
}

func newPoolBacking(pool *page.Pool) *poolBacking {
	return &poolBacking{pool: pool, pages: make(map[uintptr][]byte)}
}

func (b *poolBacking) Bytes(f page.Frame) []byte {
	buf, ok := b.pages[f.Addr()]
	if !ok {
		buf = make([]byte, 4096)
		b.pages[f.Addr()] = buf
	}
	return buf
}

func (b *poolBacking) AddrOf(s []byte) uintptr { panic("unused in this test") }

func (b *poolBacking) allocTable() (uintptr, error) {
	f, err := b.pool.Alloc()
	if err != nil {
		return 0, err
	}
	page.Zero(b, f)
	return f.Addr(), nil
}

func TestMapLookupUnmapRoundTrip(t *testing.T) {
	pool := page.NewPool(0x40_0000, 0x40_0000+16*4096)
	backing := newPoolBacking(pool)
	isa := New(backing)

	rootFrame, err := pool.Alloc()
	if err != nil {
		t.Fatalf("alloc root: %v", err)
	}
	page.Zero(backing, rootFrame)
	root := rootFrame.Addr()

	va := uintptr(0x1000_0000)
	pa := uintptr(0x50_0000)
	attr := arch.UserData()

	if err := isa.MapLeaf(root, va, arch.Entry{Attr: attr, PA: pa}, backing.allocTable); err != nil {
		t.Fatalf("MapLeaf: %v", err)
	}

	got, ok := isa.Lookup(root, va)
	if !ok {
		t.Fatal("expected mapping to be present")
	}
	if got.PA != pa {
		t.Fatalf("expected pa %x, got %x", pa, got.PA)
	}
	if !got.Attr.Writable || !got.Attr.UserReadable {
		t.Fatalf("unexpected decoded attrs: %+v", got.Attr)
	}

	if !isa.Unmap(root, va) {
		t.Fatal("expected unmap to report a prior mapping")
	}
	if _, ok := isa.Lookup(root, va); ok {
		t.Fatal("expected lookup to fail after unmap")
	}
}

func TestFilterForcesUserReadableAndStripsKExec(t *testing.T) {
	a := arch.EntryAttribute{KExecutable: true}
	f := a.Filter()
	if !f.UserReadable || f.KExecutable {
		t.Fatalf("filter did not normalize attrs: %+v", f)
	}
}

package boot

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"microkernel/internal/arch/simarch"
	"microkernel/internal/config"
	"microkernel/internal/mem/page"
	"microkernel/internal/thread"
)

type fakeBacking struct {
	pages map[uintptr][]byte
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{pages: make(map[uintptr][]byte)}
}

func (b *fakeBacking) Bytes(f page.Frame) []byte {
	buf, ok := b.pages[f.Addr()]
	if !ok {
		buf = make([]byte, 4096)
		b.pages[f.Addr()] = buf
	}
	return buf
}

func (b *fakeBacking) AddrOf(s []byte) uintptr { panic("unused") }

type nullConsole struct{}

func (nullConsole) Putc(byte)          {}
func (nullConsole) Getc() (byte, bool) { return 0, false }

func TestCarveOutSplitsMemory(t *testing.T) {
	memStart := uintptr(0x8000_0000)
	memEnd := memStart + 0x400_0000
	kernelEnd := memStart + 0x20_0123 // unaligned: must round up

	l, err := CarveOut(memStart, memEnd, kernelEnd)
	if err != nil {
		t.Fatalf("CarveOut: %v", err)
	}
	if l.PagedStart != memStart+0x20_1000 {
		t.Fatalf("paged start %#x", l.PagedStart)
	}
	if l.HeapEnd != memEnd || l.HeapStart != memEnd-NonPagedMemorySize {
		t.Fatalf("heap range [%#x,%#x)", l.HeapStart, l.HeapEnd)
	}
	if l.PagedEnd != l.HeapStart {
		t.Fatal("paged range and heap range must abut")
	}
}

func TestCarveOutRejectsTinyMemory(t *testing.T) {
	if _, err := CarveOut(0x8000_0000, 0x8010_0000, 0x8000_0000); err == nil {
		t.Fatal("expected an error for a range smaller than the non-paged region")
	}
}

func TestPlatformInfoRoundTrip(t *testing.T) {
	devices := []Device{
		{Name: "uart@9000000", Start: 0x900_0000, End: 0x900_1000, Interrupt: 33, HasIRQ: true, Driver: DriverPl011},
		{Name: "rtc@9010000", Start: 0x901_0000, End: 0x901_1000, Driver: DriverPl031},
	}
	buf, err := PackPlatformInfo(devices)
	if err != nil {
		t.Fatalf("PackPlatformInfo: %v", err)
	}
	if len(buf) != config.PageSize {
		t.Fatalf("info page is %d bytes", len(buf))
	}
	got := UnpackPlatformInfo(buf)
	if len(got) != 2 {
		t.Fatalf("unpacked %d devices", len(got))
	}
	if got[0] != devices[0] || got[1] != devices[1] {
		t.Fatalf("round trip changed records:\n%+v\n%+v", got, devices)
	}
}

func TestPlatformInfoNormalizesNames(t *testing.T) {
	// "é" as e + combining acute (NFD) must pack identically to the
	// precomposed form.
	nfd := "de\u0301vice@0"
	nfc := "d\u00e9vice@0"
	a, _ := PackPlatformInfo([]Device{{Name: nfd, Start: 0x1000, End: 0x2000}})
	b, _ := PackPlatformInfo([]Device{{Name: nfc, Start: 0x1000, End: 0x2000}})
	if !bytes.Equal(a, b) {
		t.Fatal("NFC and NFD spellings packed differently")
	}
}

func TestPlatformInfoRejectsTooManyDevices(t *testing.T) {
	many := make([]Device, PlatformDeviceLen+1)
	for i := range many {
		many[i] = Device{Name: "d", Start: 0x1000, End: 0x2000}
	}
	if _, err := PackPlatformInfo(many); err == nil {
		t.Fatal("expected an error for a 9th device")
	}
}

func TestCheckABI(t *testing.T) {
	if err := checkABI(ABIVersion); err != nil {
		t.Fatalf("own version rejected: %v", err)
	}
	if err := checkABI("v1.0.0"); err != nil {
		t.Fatalf("compatible minor rejected: %v", err)
	}
	if err := checkABI("v2.0.0"); err == nil {
		t.Fatal("major mismatch accepted")
	}
	if err := checkABI("1.0"); err == nil {
		t.Fatal("non-semver accepted")
	}
}

// fdtBlob assembles a minimal devicetree: two cpus, one memory node,
// one PLIC-parented uart.
func fdtBlob(t *testing.T) []byte {
	t.Helper()
	be := binary.BigEndian

	var stringsBlk bytes.Buffer
	strOff := map[string]uint32{}
	addStr := func(s string) uint32 {
		if off, ok := strOff[s]; ok {
			return off
		}
		off := uint32(stringsBlk.Len())
		stringsBlk.WriteString(s)
		stringsBlk.WriteByte(0)
		strOff[s] = off
		return off
	}

	var st bytes.Buffer
	u32 := func(v uint32) { binary.Write(&st, be, v) }
	begin := func(name string) {
		u32(fdtBeginNode)
		st.WriteString(name)
		st.WriteByte(0)
		for st.Len()%4 != 0 {
			st.WriteByte(0)
		}
	}
	end := func() { u32(fdtEndNode) }
	prop := func(name string, val []byte) {
		u32(fdtProp)
		u32(uint32(len(val)))
		u32(addStr(name))
		st.Write(val)
		for st.Len()%4 != 0 {
			st.WriteByte(0)
		}
	}
	u64pair := func(a, b uint64) []byte {
		out := make([]byte, 16)
		be.PutUint64(out, a)
		be.PutUint64(out[8:], b)
		return out
	}

	begin("") // root
	begin("cpus")
	begin("cpu@0")
	prop("device_type", []byte("cpu\x00"))
	end()
	begin("cpu@1")
	prop("device_type", []byte("cpu\x00"))
	end()
	end()
	begin("memory@80000000")
	prop("device_type", []byte("memory\x00"))
	prop("reg", u64pair(0x8000_0000, 0x400_0000))
	end()
	begin("uart@10000000")
	prop("compatible", []byte("ns16550a\x00"))
	prop("reg", u64pair(0x1000_0000, 0x100))
	irq := make([]byte, 4)
	be.PutUint32(irq, 10)
	prop("interrupts", irq)
	end()
	end() // root
	u32(fdtEnd)

	structOff := uint32(40)
	stringsOff := structOff + uint32(st.Len())
	total := stringsOff + uint32(stringsBlk.Len())

	blob := make([]byte, total)
	be.PutUint32(blob, fdtMagic)
	be.PutUint32(blob[4:], total)
	be.PutUint32(blob[8:], structOff)
	be.PutUint32(blob[12:], stringsOff)
	be.PutUint32(blob[20:], 17) // version
	copy(blob[structOff:], st.Bytes())
	copy(blob[stringsOff:], stringsBlk.Bytes())
	return blob
}

func TestParseFDT(t *testing.T) {
	p, err := ParseFDT(fdtBlob(t))
	if err != nil {
		t.Fatalf("ParseFDT: %v", err)
	}
	if p.CPUs != 2 {
		t.Fatalf("cpus %d", p.CPUs)
	}
	if p.MemStart != 0x8000_0000 || p.MemEnd != 0x8400_0000 {
		t.Fatalf("memory [%#x,%#x)", p.MemStart, p.MemEnd)
	}
	if len(p.Devices) != 1 {
		t.Fatalf("devices %+v", p.Devices)
	}
	d := p.Devices[0]
	if d.Driver != DriverNs16550 || d.Start != 0x1000_0000 || d.End != 0x1000_0100 {
		t.Fatalf("uart record %+v", d)
	}
	if !d.HasIRQ || d.Interrupt != 10 {
		t.Fatalf("uart irq %+v", d)
	}
}

func TestParseFDTRejectsGarbage(t *testing.T) {
	if _, err := ParseFDT([]byte("not a devicetree, definitely")); err == nil {
		t.Fatal("expected an error")
	}
}

// testELF builds a one-segment image whose first byte at entry is a
// recognizable marker.
func testELF(t *testing.T, entry uint64) []byte {
	t.Helper()
	const ehSize, phSize = 64, 56
	code := []byte{0xAB, 0xCD, 0xEF}
	le := binary.LittleEndian
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	binary.Write(&buf, le, uint16(2))    // ET_EXEC
	binary.Write(&buf, le, uint16(0xf3)) // EM_RISCV
	binary.Write(&buf, le, uint32(1))
	binary.Write(&buf, le, entry)
	binary.Write(&buf, le, uint64(ehSize))
	binary.Write(&buf, le, uint64(0))
	binary.Write(&buf, le, uint32(0))
	binary.Write(&buf, le, uint16(ehSize))
	binary.Write(&buf, le, uint16(phSize))
	binary.Write(&buf, le, uint16(1))
	binary.Write(&buf, le, uint16(0))
	binary.Write(&buf, le, uint16(0))
	binary.Write(&buf, le, uint16(0))

	binary.Write(&buf, le, uint32(1))             // PT_LOAD
	binary.Write(&buf, le, uint32(0x4|0x1))       // R|X
	binary.Write(&buf, le, uint64(ehSize+phSize)) // offset
	binary.Write(&buf, le, entry)                 // vaddr
	binary.Write(&buf, le, entry)
	binary.Write(&buf, le, uint64(len(code)))
	binary.Write(&buf, le, uint64(len(code)))
	binary.Write(&buf, le, uint64(config.PageSize))
	buf.Write(code)
	return buf.Bytes()
}

func TestSetupBootsTrustedImage(t *testing.T) {
	backing := newFakeBacking()
	isa := simarch.New(backing)
	memStart, memEnd := uintptr(0x8000_0000), uintptr(0x8000_0000+0x200_0000)

	var enabled []uint32
	var released []int
	k, err := Setup(Params{
		ISA:     isa,
		Backing: backing,
		Platform: &Platform{
			CPUs:     2,
			MemStart: memStart,
			MemEnd:   memEnd,
			Devices: []Device{
				{Name: "uart@9000000", Start: 0x900_0000, End: 0x900_1000, Interrupt: 33, HasIRQ: true, Driver: DriverPl011},
			},
		},
		KernelEnd:    memStart + 0x10_0000,
		TrustedImage: testELF(t, 0x4_0000),
		ABIVersion:   ABIVersion,
		Console:      nullConsole{},
		EnableIRQ:    func(irq uint32) { enabled = append(enabled, irq) },
		ReleaseCore:  func(core int) error { released = append(released, core); return nil },
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if k.Trusted.Asid() != config.TrustedASID {
		t.Fatalf("trusted asid %d", k.Trusted.Asid())
	}
	if k.First.Tid() != config.FirstTid+uintptr(len(k.Cores)) {
		t.Fatalf("first user tid %d with %d idle threads ahead", k.First.Tid(), len(k.Cores))
	}
	if k.First.Status() != thread.Runnable {
		t.Fatalf("first thread status %s", k.First.Status())
	}
	if len(k.Cores) != 2 {
		t.Fatalf("%d cores", len(k.Cores))
	}
	if len(released) != 1 || released[0] != 1 {
		t.Fatalf("released cores %v, want [1]", released)
	}
	if len(enabled) != 1 || enabled[0] != 33 {
		t.Fatalf("enabled irqs %v", enabled)
	}

	// The image's first code byte landed at the entry VA.
	e, ok := k.Trusted.Space().Lookup(0x4_0000)
	if !ok {
		t.Fatal("entry page not mapped")
	}
	if got := backing.Bytes(page.Frame(e.PA))[0]; got != 0xAB {
		t.Fatalf("entry byte %#x", got)
	}
	if e.Attr.Writable || !e.Attr.UExecutable {
		t.Fatalf("text page attrs %+v", e.Attr)
	}

	// Stack page, platform-info page, and device MMIO are all in place.
	if _, ok := k.Trusted.Space().Lookup(config.UserStackTop - config.PageSize); !ok {
		t.Fatal("stack page not mapped")
	}
	infoEntry, ok := k.Trusted.Space().Lookup(config.TrustedPlatformInfo)
	if !ok {
		t.Fatal("platform-info page not mapped")
	}
	if infoEntry.Attr.Writable {
		t.Fatal("platform-info page must be read-only")
	}
	info := UnpackPlatformInfo(backing.Bytes(page.Frame(infoEntry.PA)))
	if len(info) != 1 || !strings.HasPrefix(info[0].Name, "uart") {
		t.Fatalf("platform info %+v", info)
	}
	mmio, ok := k.Trusted.Space().Lookup(UserDriverMMIOOffset + 0x900_0000)
	if !ok {
		t.Fatal("device MMIO not mapped")
	}
	if mmio.PA != 0x900_0000 || !mmio.Attr.Device {
		t.Fatalf("mmio entry %+v", mmio)
	}

	// First tick on core 0 must select the trusted thread and install
	// its address space.
	k.Cores[0].Tick(false)
	if k.Cores[0].RunningThread() != k.First {
		t.Fatal("first tick did not select the trusted thread")
	}
	if k.Cores[0].InstalledAddressSpace() != k.Trusted {
		t.Fatal("trusted address space not installed")
	}
}

func TestSetupRejectsBadABI(t *testing.T) {
	backing := newFakeBacking()
	_, err := Setup(Params{
		ISA:     simarch.New(backing),
		Backing: backing,
		Platform: &Platform{
			CPUs: 1, MemStart: 0x8000_0000, MemEnd: 0x8000_0000 + 0x200_0000,
		},
		KernelEnd:    0x8000_0000,
		TrustedImage: testELF(t, 0x4_0000),
		ABIVersion:   "v9.0.0",
		Console:      nullConsole{},
	})
	if err == nil {
		t.Fatal("expected an ABI mismatch error")
	}
}

// TestDestroyInstalledAddressSpaceRevertsCore: destroying the address
// space a core is running on switches that core back to the kernel
// page table before the table's frames are freed.
func TestDestroyInstalledAddressSpaceRevertsCore(t *testing.T) {
	backing := newFakeBacking()
	isa := simarch.New(backing)
	k, err := Setup(Params{
		ISA:     isa,
		Backing: backing,
		Platform: &Platform{
			CPUs: 1, MemStart: 0x8000_0000, MemEnd: 0x8000_0000 + 0x200_0000,
		},
		KernelEnd:    0x8000_0000 + 0x10_0000,
		TrustedImage: testELF(t, 0x4_0000),
		ABIVersion:   ABIVersion,
		Console:      nullConsole{},
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	k.Cores[0].Tick(false)
	if k.Cores[0].InstalledAddressSpace() != k.Trusted {
		t.Fatal("trusted table not installed")
	}

	k.Cores[0].ClearRunningThread()
	k.AddrSpaces.Destroy(k.Trusted.Asid())
	if k.Cores[0].InstalledAddressSpace() != nil {
		t.Fatal("core still holds the destroyed table")
	}
}

// kernel-sim boots the kernel against the hosted simarch backend: an
// mmap'd region stands in for physical memory, a synthetic QEMU-virt
// style platform stands in for the FDT, and a generated one-page ELF
// stands in for the trusted userland image. It exists to smoke the boot
// path (carve-out, heap seed, core release, image load, platform-info
// page) outside of `go test`.
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"os"

	"microkernel/internal/arch/simarch"
	"microkernel/internal/boot"
	"microkernel/internal/config"
	"microkernel/internal/kprint"
	"microkernel/internal/syscall"
)

const (
	memStart  = uintptr(0x8000_0000)
	memEnd    = uintptr(0x8400_0000) // 64 MiB
	kernelEnd = memStart + 0x20_0000
)

type console struct{}

func (console) Putc(b byte)        { os.Stdout.Write([]byte{b}) }
func (console) Getc() (byte, bool) { return 0, false }

func main() {
	kprint.ConsoleWriter = func(b []byte) { os.Stdout.Write(b) }

	backing, err := simarch.NewMmapBacking(memStart, memEnd)
	if err != nil {
		log.Fatal(err)
	}
	defer backing.Close()

	platform := &boot.Platform{
		CPUs:     2,
		MemStart: memStart,
		MemEnd:   memEnd,
		Devices: []boot.Device{
			{Name: "uart@9000000", Start: 0x900_0000, End: 0x900_1000, Interrupt: 33, HasIRQ: true, Driver: boot.DriverPl011},
			{Name: "virtio_mmio@a000000", Start: 0xa00_0000, End: 0xa00_0200, Interrupt: 48, HasIRQ: true, Driver: boot.DriverVirtioBlk},
		},
	}

	k, err := boot.Setup(boot.Params{
		ISA:          simarch.New(backing),
		Backing:      backing,
		Platform:     platform,
		KernelEnd:    kernelEnd,
		TrustedImage: minimalELF(),
		ABIVersion:   boot.ABIVersion,
		Console:      console{},
		EnableIRQ:    func(irq uint32) { fmt.Printf("sim: irq %d enabled\n", irq) },
	})
	if err != nil {
		log.Fatal(err)
	}

	for _, c := range k.Cores {
		c.Tick(false)
	}
	fmt.Printf("sim: first thread t%d on asid %d, %d frames free\n",
		k.First.Tid(), k.Trusted.Asid(), k.Pool.FreeCount())

	// One synthetic syscall round-trip through the dispatcher, the same
	// path a real trap would take.
	ctx := k.Cores[0].TrapFrame().(*simarch.ContextFrame)
	ctx.SetSyscallArgs(uint(syscall.GetTid))
	k.Dispatcher.HandleSyscall(k.Cores[0], k.Cores[0].RunningThread())
	fmt.Printf("sim: get_tid -> %d\n", ctx.Results()[0])
	fmt.Println("sim: counters" + k.Stats.String())
}

// minimalELF builds a one-segment ELF64 image: 16 bytes of code at
// entryVA, read-execute.
func minimalELF() []byte {
	const (
		entryVA = 0x1_0000
		ehSize  = 64
		phSize  = 56
	)
	code := bytes.Repeat([]byte{0x00}, 16)

	var buf bytes.Buffer
	le := binary.LittleEndian

	// ELF header.
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	binary.Write(&buf, le, uint16(2))              // ET_EXEC
	binary.Write(&buf, le, uint16(0xf3))           // EM_RISCV; loader is ISA-agnostic
	binary.Write(&buf, le, uint32(1))              // version
	binary.Write(&buf, le, uint64(entryVA))        // entry
	binary.Write(&buf, le, uint64(ehSize))         // phoff
	binary.Write(&buf, le, uint64(0))              // shoff
	binary.Write(&buf, le, uint32(0))              // flags
	binary.Write(&buf, le, uint16(ehSize))         // ehsize
	binary.Write(&buf, le, uint16(phSize))         // phentsize
	binary.Write(&buf, le, uint16(1))              // phnum
	binary.Write(&buf, le, uint16(0))              // shentsize
	binary.Write(&buf, le, uint16(0))              // shnum
	binary.Write(&buf, le, uint16(0))              // shstrndx

	// Program header: one PT_LOAD, R+X.
	binary.Write(&buf, le, uint32(1))              // PT_LOAD
	binary.Write(&buf, le, uint32(0x1|0x4))        // PF_X|PF_R
	binary.Write(&buf, le, uint64(ehSize+phSize))  // offset
	binary.Write(&buf, le, uint64(entryVA))        // vaddr
	binary.Write(&buf, le, uint64(entryVA))        // paddr
	binary.Write(&buf, le, uint64(len(code)))      // filesz
	binary.Write(&buf, le, uint64(len(code)))      // memsz
	binary.Write(&buf, le, uint64(config.PageSize)) // align

	buf.Write(code)
	return buf.Bytes()
}

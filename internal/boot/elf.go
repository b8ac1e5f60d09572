package boot

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/ianlancetaylor/demangle"

	"microkernel/internal/addrspace"
	"microkernel/internal/arch"
	"microkernel/internal/config"
	"microkernel/internal/kprint"
	"microkernel/internal/mem/page"
)

const subsystem = "boot"

// loadTrustedImage maps the embedded trusted user ELF into as, one
// fresh zeroed frame per page, and returns the entry point (spec.md
// §4.12 step 4). Segment permissions follow the program headers: W
// gives a writable data page, X an executable one.
func loadTrustedImage(image []byte, as *addrspace.AddressSpace, pool *page.Pool, backing page.Backing) (uintptr, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return 0, fmt.Errorf("boot: trusted image: %w", err)
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 {
		return 0, fmt.Errorf("boot: trusted image is not 64-bit")
	}

	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD || ph.Memsz == 0 {
			continue
		}
		data := make([]byte, ph.Filesz)
		if _, err := ph.ReadAt(data, 0); err != nil {
			return 0, fmt.Errorf("boot: trusted image segment: %w", err)
		}
		attr := arch.EntryAttribute{UserReadable: true}
		attr.Writable = ph.Flags&elf.PF_W != 0
		attr.UExecutable = ph.Flags&elf.PF_X != 0

		segVA := uintptr(ph.Vaddr)
		base := segVA &^ (config.PageSize - 1)
		end := segVA + uintptr(ph.Memsz)
		for va := base; va < end; va += config.PageSize {
			fr, err := pool.Alloc()
			if err != nil {
				return 0, err
			}
			page.Zero(backing, fr)
			dst := backing.Bytes(fr)
			// Copy the slice of file data that lands in this page;
			// anything past Filesz stays zero (bss).
			off := int64(va) - int64(segVA)
			for i := 0; i < config.PageSize; i++ {
				src := off + int64(i)
				if src >= 0 && src < int64(len(data)) {
					dst[i] = data[src]
				}
			}
			if err := as.Space().Map(va, fr.Addr(), attr); err != nil {
				pool.Free(fr)
				return 0, err
			}
			as.Space().Retain(fr)
		}
	}

	dumpSymbols(f)
	return uintptr(f.Entry), nil
}

// dumpSymbols prints the image's global function symbols at boot, names
// run through demangle.Filter first — the trusted userland this kernel
// hosts is built from Rust and its symbol table arrives mangled.
func dumpSymbols(f *elf.File) {
	syms, err := f.Symbols()
	if err != nil {
		return
	}
	n := 0
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Name == "" {
			continue
		}
		kprint.Printf(subsystem, "  %16x %s", s.Value, demangle.Filter(s.Name))
		n++
		if n >= 32 {
			kprint.Printf(subsystem, "  ... %d more symbols", len(syms)-n)
			break
		}
	}
}

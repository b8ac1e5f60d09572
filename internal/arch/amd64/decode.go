package amd64

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Vector numbers for the faults the kernel-mode panic path names
// explicitly; anything else is reported by number alone.
var vectorNames = map[uint]string{
	0:  "divide error",
	6:  "invalid opcode",
	8:  "double fault",
	13: "general protection",
	14: "page fault",
}

// FaultCause renders the decoded panic message for a kernel-mode fault
// (spec.md §4.10: "Panic with ISA-specific cause decoding"): the vector
// name, the fault/return addresses, and — when the faulting instruction
// bytes are readable — the disassembled instruction, so the panic log
// identifies the culprit without an offline objdump pass.
func FaultCause(vector uint, code uint64, rip, cr2 uintptr, instBytes []byte) string {
	name, ok := vectorNames[vector]
	if !ok {
		name = fmt.Sprintf("vector %d", vector)
	}
	msg := fmt.Sprintf("%s, code %#x, rip %#x, cr2 %#x", name, code, rip, cr2)
	if len(instBytes) > 0 {
		if inst, err := x86asm.Decode(instBytes, 64); err == nil {
			msg += ", inst " + x86asm.IntelSyntax(inst, uint64(rip), nil)
		}
	}
	return msg
}

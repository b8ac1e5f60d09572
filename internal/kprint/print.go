package kprint

import "fmt"

// Printf writes a subsystem-prefixed diagnostic line, matching biscuit's
// bare fmt.Printf console texture (e.g. mem.Phys_init's "Reserved %v
// pages" banner) rather than a leveled logging framework — the kernel
// core has no log levels, only unconditional diagnostic output and
// panics.
func Printf(subsystem, format string, args ...interface{}) {
	line := fmt.Sprintf("%s: "+format+"\n", append([]interface{}{subsystem}, args...)...)
	for i := 0; i < len(line); i++ {
		console.writeByte(line[i])
	}
	ConsoleWriter(console.drain())
}

// Warnf is Printf with a "warn" marker, used for recoverable protocol
// anomalies such as itc_reply_recv targeting a thread not waiting for a
// reply (spec.md §4.8: "warning, not error").
func Warnf(subsystem, format string, args ...interface{}) {
	Printf(subsystem, "warn: "+format, args...)
}

// mksyscalls generates the userland syscall wrapper source from the
// kernel's syscall table, the same generate-then-gofmt convention as
// Go's own mksyscall tooling. The emitted file is the raw-register shim
// userland links against; the kernel-side dispatch stays hand-written
// in internal/syscall.
//
// Usage: mksyscalls [-o output.go]
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"text/template"

	"golang.org/x/tools/imports"
)

type call struct {
	Num     int
	Name    string // Go wrapper name
	RawName string // kernel-facing name
	Args    []string
	Results int // result registers used, 0..5
}

// The table mirrors internal/syscall's Number block; slot 21 (the
// retired yield_to) gets no wrapper.
var calls = []call{
	{0, "Null", "null", nil, 0},
	{1, "Putc", "putc", []string{"c"}, 0},
	{2, "GetAsid", "get_asid", []string{"tid"}, 1},
	{3, "GetTid", "get_tid", nil, 1},
	{4, "ThreadYield", "thread_yield", nil, 0},
	{5, "ThreadDestroy", "thread_destroy", []string{"tid"}, 0},
	{6, "EventWait", "event_wait", []string{"kind", "num"}, 0},
	{7, "MemAlloc", "mem_alloc", []string{"asid", "va", "attr"}, 0},
	{8, "MemMap", "mem_map", []string{"srcAsid", "srcVA", "dstAsid", "dstVA", "attr"}, 0},
	{9, "MemUnmap", "mem_unmap", []string{"asid", "va"}, 0},
	{10, "AddressSpaceAlloc", "address_space_alloc", nil, 1},
	{11, "ThreadAlloc", "thread_alloc", []string{"asid", "entry", "sp", "arg"}, 1},
	{12, "ThreadSetStatus", "thread_set_status", []string{"tid", "status"}, 0},
	{13, "AddressSpaceDestroy", "address_space_destroy", []string{"asid"}, 0},
	{14, "ItcRecv", "itc_recv", nil, 5},
	{15, "ItcSend", "itc_send", []string{"tid", "a", "b", "c", "d"}, 0},
	{16, "ItcCall", "itc_call", []string{"tid", "a", "b", "c", "d"}, 5},
	{17, "ServerRegister", "server_register", []string{"id"}, 0},
	{18, "ServerTid", "server_tid", []string{"id"}, 1},
	{19, "SetExceptionHandler", "set_exception_handler", []string{"va"}, 0},
	{20, "Getc", "getc", nil, 1},
	{22, "ReplyRecv", "reply_recv", []string{"tid", "a", "b", "c", "d"}, 5},
}

var tmpl = template.Must(template.New("usys").Parse(`// Code generated by mksyscalls. DO NOT EDIT.

// Package usys is the raw syscall shim: one wrapper per kernel call,
// marshalling up to five arguments into the trap and decoding the
// error register on the way out.
package usys

// trap is provided per-ISA in assembly.
func trap(num uintptr, args [5]uintptr) (err uintptr, out [5]uintptr)

{{range .}}
// {{.Name}} issues syscall {{.Num}} ({{.RawName}}).
func {{.Name}}({{range $i, $a := .Args}}{{if $i}}, {{end}}{{$a}} uintptr{{end}}) ({{if .Results}}out [{{.Results}}]uintptr, {{end}}errno uintptr) {
	var a [5]uintptr
{{- range $i, $a := .Args}}
	a[{{$i}}] = {{$a}}
{{- end}}
	e, r := trap({{.Num}}, a)
	_ = r
{{- if .Results}}
	copy(out[:], r[:{{.Results}}])
{{- end}}
	return {{if .Results}}out, {{end}}e
}
{{end}}
`))

func main() {
	out := flag.String("o", "", "output file (default stdout)")
	flag.Parse()

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, calls); err != nil {
		log.Fatal(err)
	}
	name := *out
	if name == "" {
		name = "usys.go"
	}
	src, err := imports.Process(name, buf.Bytes(), nil)
	if err != nil {
		log.Fatalf("mksyscalls: generated source does not format: %v", err)
	}
	if *out == "" {
		os.Stdout.Write(src)
		return
	}
	if err := os.WriteFile(*out, src, 0o644); err != nil {
		log.Fatal(err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d calls)\n", *out, len(calls))
}

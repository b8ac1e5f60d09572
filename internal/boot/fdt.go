package boot

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Flattened devicetree parsing, covering the subset this kernel reads
// from QEMU-virt-class firmware: the memory node's reg, the cpu count,
// and per-device reg/interrupts/compatible properties. The same role
// the fdt crate plays for rustpie's device_from_fdt_node; only the
// pieces that feed a Device record are decoded.

const (
	fdtMagic     = 0xd00dfeed
	fdtBeginNode = 1
	fdtEndNode   = 2
	fdtProp      = 3
	fdtNop       = 4
	fdtEnd       = 9
)

type fdtNode struct {
	name     string
	depth    int
	props    map[string][]byte
	children []*fdtNode
}

func (n *fdtNode) prop(name string) ([]byte, bool) {
	b, ok := n.props[name]
	return b, ok
}

// compatibleDrivers maps devicetree compatible strings to the userspace
// driver expected to bind the device, the same five drivers rustpie's
// board files name.
var compatibleDrivers = map[string]Driver{
	"virtio,mmio":         DriverVirtioBlk,
	"ns16550a":            DriverNs16550,
	"arm,pl011":           DriverPl011,
	"arm,pl031":           DriverPl031,
	"google,goldfish-rtc": DriverGoldfishRtc,
}

// ParseFDT decodes a flattened devicetree blob into a Platform: cpu
// count from /cpus, the memory range from the first memory node, and a
// Device per node whose compatible string names a driver we ship.
func ParseFDT(blob []byte) (*Platform, error) {
	if len(blob) < 40 {
		return nil, fmt.Errorf("boot: fdt blob truncated")
	}
	be := binary.BigEndian
	if be.Uint32(blob) != fdtMagic {
		return nil, fmt.Errorf("boot: bad fdt magic %#x", be.Uint32(blob))
	}
	total := be.Uint32(blob[4:])
	if int(total) > len(blob) {
		return nil, fmt.Errorf("boot: fdt totalsize %d exceeds blob", total)
	}
	structOff := be.Uint32(blob[8:])
	stringsOff := be.Uint32(blob[12:])

	root, err := parseStructBlock(blob[structOff:total], blob[stringsOff:total])
	if err != nil {
		return nil, err
	}

	p := &Platform{}
	walkFDT(root, func(n *fdtNode) {
		switch {
		case n.name == "cpus":
			for _, c := range n.children {
				if dt, ok := c.prop("device_type"); ok && cstr(dt) == "cpu" {
					p.CPUs++
				} else if strings.HasPrefix(c.name, "cpu@") {
					p.CPUs++
				}
			}
		case strings.HasPrefix(n.name, "memory"):
			if reg, ok := n.prop("reg"); ok && len(reg) >= 16 && p.MemEnd == 0 {
				start := uintptr(be.Uint64(reg))
				size := uintptr(be.Uint64(reg[8:]))
				p.MemStart = start
				p.MemEnd = start + size
			}
		default:
			if d, ok := deviceFromNode(n); ok {
				p.Devices = append(p.Devices, d)
			}
		}
	})
	if p.CPUs == 0 {
		p.CPUs = 1
	}
	return p, nil
}

// deviceFromNode mirrors rustpie's device_from_fdt_node: the first reg
// pair becomes the register range, the first interrupts cell the IRQ.
// GIC-parented nodes (3 interrupt cells) carry an SPI offset of 32;
// PLIC-parented nodes (1 cell) are taken as-is.
func deviceFromNode(n *fdtNode) (Device, bool) {
	compat, ok := n.prop("compatible")
	if !ok {
		return Device{}, false
	}
	var driver Driver
	found := false
	for _, c := range strings.Split(cstr(compat), "\x00") {
		if d, ok := compatibleDrivers[c]; ok {
			driver = d
			found = true
			break
		}
	}
	if !found {
		return Device{}, false
	}
	reg, ok := n.prop("reg")
	if !ok || len(reg) < 16 {
		return Device{}, false
	}
	be := binary.BigEndian
	start := uintptr(be.Uint64(reg))
	size := uintptr(be.Uint64(reg[8:]))
	d := Device{
		Name:   n.name,
		Start:  start,
		End:    start + size,
		Driver: driver,
	}
	if ints, ok := n.prop("interrupts"); ok {
		switch {
		case len(ints) >= 12: // GIC triple (type, number, trigger)
			d.Interrupt = be.Uint32(ints[4:]) + 32
			d.HasIRQ = true
		case len(ints) >= 4: // PLIC single cell
			d.Interrupt = be.Uint32(ints)
			d.HasIRQ = true
		}
	}
	return d, true
}

func parseStructBlock(structs, stringsBlk []byte) (*fdtNode, error) {
	be := binary.BigEndian
	pos := 0
	u32 := func() (uint32, error) {
		if pos+4 > len(structs) {
			return 0, fmt.Errorf("boot: fdt struct block truncated")
		}
		v := be.Uint32(structs[pos:])
		pos += 4
		return v, nil
	}
	align := func() { pos = (pos + 3) &^ 3 }

	var stack []*fdtNode
	root := &fdtNode{props: map[string][]byte{}}
	for {
		tok, err := u32()
		if err != nil {
			return nil, err
		}
		switch tok {
		case fdtBeginNode:
			end := pos
			for end < len(structs) && structs[end] != 0 {
				end++
			}
			name := string(structs[pos:end])
			pos = end + 1
			align()
			n := &fdtNode{name: nodeBaseName(name), props: map[string][]byte{}}
			if len(stack) == 0 && name == "" {
				n = root
			} else if len(stack) == 0 {
				root.children = append(root.children, n)
			} else {
				top := stack[len(stack)-1]
				top.children = append(top.children, n)
			}
			stack = append(stack, n)
		case fdtEndNode:
			if len(stack) == 0 {
				return nil, fmt.Errorf("boot: fdt unbalanced end node")
			}
			stack = stack[:len(stack)-1]
		case fdtProp:
			plen, err := u32()
			if err != nil {
				return nil, err
			}
			nameOff, err := u32()
			if err != nil {
				return nil, err
			}
			if pos+int(plen) > len(structs) {
				return nil, fmt.Errorf("boot: fdt property overruns block")
			}
			val := structs[pos : pos+int(plen)]
			pos += int(plen)
			align()
			if len(stack) == 0 {
				return nil, fmt.Errorf("boot: fdt property outside any node")
			}
			stack[len(stack)-1].props[stringAt(stringsBlk, nameOff)] = val
		case fdtNop:
		case fdtEnd:
			return root, nil
		default:
			return nil, fmt.Errorf("boot: fdt unknown token %d", tok)
		}
	}
}

// nodeBaseName strips the unit address: "uart@10000000" -> "uart" is
// NOT wanted — rustpie keeps the full node name in Device.name, so keep
// it whole and only trim a leading path separator.
func nodeBaseName(name string) string {
	return strings.TrimPrefix(name, "/")
}

func stringAt(blk []byte, off uint32) string {
	if int(off) >= len(blk) {
		return ""
	}
	end := int(off)
	for end < len(blk) && blk[end] != 0 {
		end++
	}
	return string(blk[off:end])
}

func cstr(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

func walkFDT(n *fdtNode, f func(*fdtNode)) {
	f(n)
	for _, c := range n.children {
		walkFDT(c, f)
	}
}

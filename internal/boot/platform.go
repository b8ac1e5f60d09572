package boot

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/mod/semver"
	"golang.org/x/text/unicode/norm"

	"microkernel/internal/config"
)

// Driver names the userspace driver expected to claim a device; the
// kernel never interprets it beyond copying it into the platform-info
// page.
type Driver uint32

const (
	DriverNone Driver = iota
	DriverVirtioBlk
	DriverNs16550
	DriverPl011
	DriverPl031
	DriverGoldfishRtc
)

// DeviceNameLen is the fixed name field width in a platform-info
// record.
const DeviceNameLen = 32

// PlatformDeviceLen caps the platform-info page at 8 device records
// (spec.md §6).
const PlatformDeviceLen = 8

// UserDriverMMIOOffset is added to a device's physical register base to
// produce the user VA the trusted address space sees its MMIO at
// (spec.md §4.12 step 5: "at a fixed offset").
const UserDriverMMIOOffset uintptr = 0x8_0000_0000

// Device is one discovered platform device: its MMIO register range,
// its interrupt line if it has one, and the driver expected to bind it.
type Device struct {
	Name      string
	Start     uintptr // register range [Start, End)
	End       uintptr
	Interrupt uint32
	HasIRQ    bool
	Driver    Driver
}

// Platform is what boot learns from the platform descriptor: how many
// CPUs to release, the normal-memory range, and the device list.
type Platform struct {
	CPUs     int
	MemStart uintptr
	MemEnd   uintptr
	Devices  []Device
}

// ABIVersion is the kernel's compiled-in platform-info ABI version,
// compared against what the caller (bootloader/test harness) claims
// before the page is exposed to userspace.
const ABIVersion = "v1.2.0"

// checkABI validates the claimed version with the semver rules the rest
// of the Go ecosystem uses: it must parse, and its major version must
// match the kernel's, or userland would misread the record layout.
func checkABI(claimed string) error {
	if !semver.IsValid(claimed) {
		return fmt.Errorf("boot: abi version %q is not a valid semver", claimed)
	}
	if semver.Major(claimed) != semver.Major(ABIVersion) {
		return fmt.Errorf("boot: abi %s incompatible with kernel %s", claimed, ABIVersion)
	}
	return nil
}

// Platform-info record layout, 64 bytes per record, 8 records, packed
// little-endian at the top of the page:
//
//	name    [32]byte  NUL-padded
//	start   u64
//	end     u64       zero start and end mark an empty slot
//	irq     u32
//	hasIRQ  u32
//	driver  u32
//	pad     u32
const deviceRecordSize = DeviceNameLen + 8 + 8 + 4 + 4 + 4 + 4

// PackPlatformInfo renders the read-only platform-info page userspace
// sees at CONFIG_TRUSTED_PLATFORM_INFO (spec.md §6). Device names are
// normalized to NFC before truncation to the fixed 32-byte field, so a
// descriptor emitting combining-mark names truncates the same way
// regardless of which Unicode form the firmware chose.
func PackPlatformInfo(devices []Device) ([]byte, error) {
	if len(devices) > PlatformDeviceLen {
		return nil, fmt.Errorf("boot: %d devices exceed the %d-slot platform info page", len(devices), PlatformDeviceLen)
	}
	buf := make([]byte, config.PageSize)
	for i, d := range devices {
		rec := buf[i*deviceRecordSize:]
		name := norm.NFC.String(d.Name)
		if len(name) > DeviceNameLen {
			name = name[:DeviceNameLen]
		}
		copy(rec[:DeviceNameLen], name)
		binary.LittleEndian.PutUint64(rec[32:], uint64(d.Start))
		binary.LittleEndian.PutUint64(rec[40:], uint64(d.End))
		binary.LittleEndian.PutUint32(rec[48:], d.Interrupt)
		var has uint32
		if d.HasIRQ {
			has = 1
		}
		binary.LittleEndian.PutUint32(rec[52:], has)
		binary.LittleEndian.PutUint32(rec[56:], uint32(d.Driver))
	}
	return buf, nil
}

// UnpackPlatformInfo is the inverse of PackPlatformInfo, used by tests
// and by the hosted simulator's fake userland.
func UnpackPlatformInfo(buf []byte) []Device {
	var out []Device
	for i := 0; i < PlatformDeviceLen; i++ {
		rec := buf[i*deviceRecordSize:]
		start := uintptr(binary.LittleEndian.Uint64(rec[32:]))
		end := uintptr(binary.LittleEndian.Uint64(rec[40:]))
		if start == 0 && end == 0 {
			break
		}
		name := rec[:DeviceNameLen]
		n := 0
		for n < len(name) && name[n] != 0 {
			n++
		}
		out = append(out, Device{
			Name:      string(name[:n]),
			Start:     start,
			End:       end,
			Interrupt: binary.LittleEndian.Uint32(rec[48:]),
			HasIRQ:    binary.LittleEndian.Uint32(rec[52:]) != 0,
			Driver:    Driver(binary.LittleEndian.Uint32(rec[56:])),
		})
	}
	return out
}

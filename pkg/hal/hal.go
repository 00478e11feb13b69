// Package hal defines the narrow device-facing interface a compute backend
// implements: a platform object (HAL) that owns at most one device, and the
// device itself, which manages memory, loads kernel programs and executes
// N-D ranges.
//
// The interface is deliberately low level. Device operations report failure
// through boolean results and sentinel handles (NullPtr, InvalidProgram,
// InvalidKernel) so that they can be proxied verbatim over the remote
// protocol in pkg/protocol.
package hal

import (
	"encoding/binary"
	"errors"
	"strconv"
)

// Addr is an address in a device's address space.
type Addr uint64

func (a Addr) String() string {
	return "0x" + strconv.FormatUint(uint64(a), 16)
}

// Program is an opaque handle to a loaded kernel image.
type Program uint64

// Kernel is an opaque handle to a resolved kernel entry point.
type Kernel uint64

// Sentinel handles.
const (
	NullPtr        Addr    = 0
	InvalidProgram Program = 0
	InvalidKernel  Kernel  = 0
)

// MaxDims is the maximum number of N-D range dimensions.
const MaxDims = 3

// NDRange describes the global and local work sizes of a dispatch.
type NDRange struct {
	Global [MaxDims]uint64
	Local  [MaxDims]uint64
	Offset [MaxDims]uint64
}

// ArgKind discriminates kernel argument encodings.
type ArgKind uint32

const (
	ArgValue   ArgKind = iota // plain bytes passed by value
	ArgAddress                // pointer into an address space
)

func (k ArgKind) String() string {
	switch k {
	case ArgValue:
		return "value"
	case ArgAddress:
		return "address"
	default:
		return "unknown"
	}
}

// AddrSpace is the address space an address argument points into.
type AddrSpace uint32

const (
	SpaceGlobal AddrSpace = iota
	SpaceLocal
	SpaceConstant
)

func (s AddrSpace) String() string {
	switch s {
	case SpaceGlobal:
		return "global"
	case SpaceLocal:
		return "local"
	case SpaceConstant:
		return "constant"
	default:
		return "unknown"
	}
}

// Arg is a single kernel argument.
//
// For ArgAddress in SpaceLocal, Size is the number of bytes of work-group
// local memory to reserve and Address is ignored. For other address spaces
// Address is passed through. For ArgValue, Value holds Size raw bytes.
type Arg struct {
	Kind    ArgKind
	Space   AddrSpace
	Size    uint64
	Address Addr
	Value   []byte
}

// Endianness of a device or host.
type Endianness uint8

const (
	LittleEndian Endianness = iota
	BigEndian
)

func (e Endianness) String() string {
	if e == BigEndian {
		return "big"
	}
	return "little"
}

// HostEndianness reports the byte order of the running process.
func HostEndianness() Endianness {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], 1)
	if b[0] == 1 {
		return LittleEndian
	}
	return BigEndian
}

// DeviceInfo describes a device's capabilities.
type DeviceInfo struct {
	Name         string
	Arch         string
	WordSize     int // pointer width in bits (32 or 64)
	Endianness   Endianness
	GlobalMemMax uint64
	LocalMemSize uint64

	// MaxWorkGroupSize caps the product of the local work sizes.
	MaxWorkGroupSize uint64
}

// Info describes a platform.
type Info struct {
	Name       string
	APIVersion uint32
	NumDevices uint32
}

// Device is a single compute device.
//
// Memory and execution share one lock in every implementation in this module,
// so calls on one device are totally ordered.
type Device interface {
	MemAlloc(size, alignment uint64) Addr
	MemFree(addr Addr) bool
	MemCopy(dst, src Addr, size uint64) bool
	MemFill(dst Addr, pattern []byte, size uint64) bool
	MemRead(dst []byte, src Addr) bool
	MemWrite(dst Addr, src []byte) bool

	ProgramLoad(data []byte) Program
	ProgramFree(program Program) bool
	ProgramFindKernel(program Program, name string) Kernel

	KernelExec(program Program, kernel Kernel, ndRange *NDRange, args []Arg, workDim uint32) bool
}

// HAL is a platform object owning at most one device.
type HAL interface {
	Info() Info
	DeviceInfo(index uint32) (DeviceInfo, bool)
	DeviceCreate(index uint32) (Device, error)
	DeviceDelete(device Device) error
}

var (
	ErrDeviceIndex   = errors.New("hal: device index not supported")
	ErrDeviceBusy    = errors.New("hal: device already created")
	ErrUnknownDevice = errors.New("hal: device not owned by this platform")
)

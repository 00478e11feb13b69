package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/samcharles93/muxhal/pkg/hal"
)

// Request is a decoded request message.
type Request interface {
	Command() Command
	appendFixed(b []byte) []byte
	decodeFixed(b []byte)
}

// TailedRequest is a request followed by variable-length data. TailSize is
// known once the fixed payload has been decoded; SetTail installs the bytes
// received after it.
type TailedRequest interface {
	Request
	TailSize() uint64
	SetTail(b []byte) error
	tail() []byte
}

type MemAllocRequest struct {
	Size      uint64
	Alignment uint64
}

type MemFreeRequest struct {
	Addr hal.Addr
}

type MemWriteRequest struct {
	Dst  hal.Addr
	Size uint64
	Data []byte
}

type MemReadRequest struct {
	Src  hal.Addr
	Size uint64
}

type MemFillRequest struct {
	Dst         hal.Addr
	Size        uint64
	PatternSize uint64
	Pattern     []byte
}

type MemCopyRequest struct {
	Dst  hal.Addr
	Src  hal.Addr
	Size uint64
}

type ProgramFreeRequest struct {
	Program hal.Program
}

type FindKernelRequest struct {
	Program hal.Program
	NameLen uint64
	Name    string
}

type ProgramLoadRequest struct {
	Size uint64
	Data []byte
}

type KernelExecRequest struct {
	Program      hal.Program
	Kernel       hal.Kernel
	NDRange      hal.NDRange
	WorkDim      uint32
	NumArgs      uint32
	ArgsDataSize uint64
	Args         []hal.Arg
}

type DeviceCreateRequest struct{}

type DeviceDeleteRequest struct{}

func (MemAllocRequest) Command() Command     { return CommandMemAlloc }
func (MemFreeRequest) Command() Command      { return CommandMemFree }
func (MemWriteRequest) Command() Command     { return CommandMemWrite }
func (MemReadRequest) Command() Command      { return CommandMemRead }
func (MemFillRequest) Command() Command      { return CommandMemFill }
func (MemCopyRequest) Command() Command      { return CommandMemCopy }
func (ProgramFreeRequest) Command() Command  { return CommandProgramFree }
func (FindKernelRequest) Command() Command   { return CommandFindKernel }
func (ProgramLoadRequest) Command() Command  { return CommandProgramLoad }
func (KernelExecRequest) Command() Command   { return CommandKernelExec }
func (DeviceCreateRequest) Command() Command { return CommandDeviceCreate }
func (DeviceDeleteRequest) Command() Command { return CommandDeviceDelete }

var le = binary.LittleEndian

// reader consumes little-endian fields from a fixed payload whose length has
// already been checked.
type reader struct {
	b []byte
}

func (r *reader) u32() uint32 {
	v := le.Uint32(r.b)
	r.b = r.b[4:]
	return v
}

func (r *reader) u64() uint64 {
	v := le.Uint64(r.b)
	r.b = r.b[8:]
	return v
}

func (m *MemAllocRequest) appendFixed(b []byte) []byte {
	b = le.AppendUint64(b, m.Size)
	return le.AppendUint64(b, m.Alignment)
}

func (m *MemAllocRequest) decodeFixed(b []byte) {
	r := reader{b}
	m.Size, m.Alignment = r.u64(), r.u64()
}

func (m *MemFreeRequest) appendFixed(b []byte) []byte {
	return le.AppendUint64(b, uint64(m.Addr))
}

func (m *MemFreeRequest) decodeFixed(b []byte) {
	m.Addr = hal.Addr(le.Uint64(b))
}

func (m *MemWriteRequest) appendFixed(b []byte) []byte {
	b = le.AppendUint64(b, uint64(m.Dst))
	return le.AppendUint64(b, uint64(len(m.Data)))
}

func (m *MemWriteRequest) decodeFixed(b []byte) {
	r := reader{b}
	m.Dst, m.Size = hal.Addr(r.u64()), r.u64()
}

func (m *MemWriteRequest) TailSize() uint64 { return m.Size }
func (m *MemWriteRequest) tail() []byte     { return m.Data }

func (m *MemWriteRequest) SetTail(b []byte) error {
	if uint64(len(b)) != m.Size {
		return ErrTailMismatch
	}
	m.Data = b
	return nil
}

func (m *MemReadRequest) appendFixed(b []byte) []byte {
	b = le.AppendUint64(b, uint64(m.Src))
	return le.AppendUint64(b, m.Size)
}

func (m *MemReadRequest) decodeFixed(b []byte) {
	r := reader{b}
	m.Src, m.Size = hal.Addr(r.u64()), r.u64()
}

func (m *MemFillRequest) appendFixed(b []byte) []byte {
	b = le.AppendUint64(b, uint64(m.Dst))
	b = le.AppendUint64(b, m.Size)
	return le.AppendUint64(b, uint64(len(m.Pattern)))
}

func (m *MemFillRequest) decodeFixed(b []byte) {
	r := reader{b}
	m.Dst, m.Size, m.PatternSize = hal.Addr(r.u64()), r.u64(), r.u64()
}

func (m *MemFillRequest) TailSize() uint64 { return m.PatternSize }
func (m *MemFillRequest) tail() []byte     { return m.Pattern }

func (m *MemFillRequest) SetTail(b []byte) error {
	if uint64(len(b)) != m.PatternSize {
		return ErrTailMismatch
	}
	m.Pattern = b
	return nil
}

func (m *MemCopyRequest) appendFixed(b []byte) []byte {
	b = le.AppendUint64(b, uint64(m.Dst))
	b = le.AppendUint64(b, uint64(m.Src))
	return le.AppendUint64(b, m.Size)
}

func (m *MemCopyRequest) decodeFixed(b []byte) {
	r := reader{b}
	m.Dst, m.Src, m.Size = hal.Addr(r.u64()), hal.Addr(r.u64()), r.u64()
}

func (m *ProgramFreeRequest) appendFixed(b []byte) []byte {
	return le.AppendUint64(b, uint64(m.Program))
}

func (m *ProgramFreeRequest) decodeFixed(b []byte) {
	m.Program = hal.Program(le.Uint64(b))
}

func (m *FindKernelRequest) appendFixed(b []byte) []byte {
	b = le.AppendUint64(b, uint64(m.Program))
	return le.AppendUint64(b, uint64(len(m.Name)))
}

func (m *FindKernelRequest) decodeFixed(b []byte) {
	r := reader{b}
	m.Program, m.NameLen = hal.Program(r.u64()), r.u64()
}

func (m *FindKernelRequest) TailSize() uint64 { return m.NameLen }
func (m *FindKernelRequest) tail() []byte     { return []byte(m.Name) }

func (m *FindKernelRequest) SetTail(b []byte) error {
	if uint64(len(b)) != m.NameLen {
		return ErrTailMismatch
	}
	m.Name = string(b)
	return nil
}

func (m *ProgramLoadRequest) appendFixed(b []byte) []byte {
	return le.AppendUint64(b, uint64(len(m.Data)))
}

func (m *ProgramLoadRequest) decodeFixed(b []byte) {
	m.Size = le.Uint64(b)
}

func (m *ProgramLoadRequest) TailSize() uint64 { return m.Size }
func (m *ProgramLoadRequest) tail() []byte     { return m.Data }

func (m *ProgramLoadRequest) SetTail(b []byte) error {
	if uint64(len(b)) != m.Size {
		return ErrTailMismatch
	}
	m.Data = b
	return nil
}

func (m *KernelExecRequest) appendFixed(b []byte) []byte {
	blob := EncodeKernelExecArgs(m.Args)
	b = le.AppendUint64(b, uint64(m.Program))
	b = le.AppendUint64(b, uint64(m.Kernel))
	for _, dims := range [][hal.MaxDims]uint64{m.NDRange.Global, m.NDRange.Local, m.NDRange.Offset} {
		for _, v := range dims {
			b = le.AppendUint64(b, v)
		}
	}
	b = le.AppendUint32(b, m.WorkDim)
	b = le.AppendUint32(b, uint32(len(m.Args)))
	return le.AppendUint64(b, uint64(len(blob)))
}

func (m *KernelExecRequest) decodeFixed(b []byte) {
	r := reader{b}
	m.Program = hal.Program(r.u64())
	m.Kernel = hal.Kernel(r.u64())
	for _, dims := range []*[hal.MaxDims]uint64{&m.NDRange.Global, &m.NDRange.Local, &m.NDRange.Offset} {
		for i := range dims {
			dims[i] = r.u64()
		}
	}
	m.WorkDim = r.u32()
	m.NumArgs = r.u32()
	m.ArgsDataSize = r.u64()
}

func (m *KernelExecRequest) TailSize() uint64 { return m.ArgsDataSize }
func (m *KernelExecRequest) tail() []byte     { return EncodeKernelExecArgs(m.Args) }

func (m *KernelExecRequest) SetTail(b []byte) error {
	if uint64(len(b)) != m.ArgsDataSize {
		return ErrTailMismatch
	}
	args, err := DecodeKernelExecArgs(b, m.NumArgs)
	if err != nil {
		return err
	}
	m.Args = args
	return nil
}

func (*DeviceCreateRequest) appendFixed(b []byte) []byte { return b }
func (*DeviceCreateRequest) decodeFixed([]byte)          {}
func (*DeviceDeleteRequest) appendFixed(b []byte) []byte { return b }
func (*DeviceDeleteRequest) decodeFixed([]byte)          {}

// EncodeRequest returns the complete wire form of req for device: prefix,
// fixed payload and any variable data.
func EncodeRequest(device uint32, req Request) []byte {
	size, _ := FixedSize(req.Command())
	b := make([]byte, 0, PrefixSize+size)
	b = AppendPrefix(b, Prefix{Command: req.Command(), Device: device})
	b = req.appendFixed(b)
	if t, ok := req.(TailedRequest); ok {
		b = append(b, t.tail()...)
	}
	return b
}

// NewRequest returns an empty request for command c.
func NewRequest(c Command) (Request, error) {
	switch c {
	case CommandMemAlloc:
		return &MemAllocRequest{}, nil
	case CommandMemFree:
		return &MemFreeRequest{}, nil
	case CommandMemWrite:
		return &MemWriteRequest{}, nil
	case CommandMemRead:
		return &MemReadRequest{}, nil
	case CommandMemFill:
		return &MemFillRequest{}, nil
	case CommandMemCopy:
		return &MemCopyRequest{}, nil
	case CommandProgramFree:
		return &ProgramFreeRequest{}, nil
	case CommandFindKernel:
		return &FindKernelRequest{}, nil
	case CommandProgramLoad:
		return &ProgramLoadRequest{}, nil
	case CommandKernelExec:
		return &KernelExecRequest{}, nil
	case CommandDeviceCreate:
		return &DeviceCreateRequest{}, nil
	case CommandDeviceDelete:
		return &DeviceDeleteRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, c)
	}
}

// DecodeRequest decodes the fixed payload of a c request. Variable data, if
// any, must then be passed to SetTail.
func DecodeRequest(c Command, fixed []byte) (Request, error) {
	req, err := NewRequest(c)
	if err != nil {
		return nil, err
	}
	size, _ := FixedSize(c)
	if len(fixed) != size {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortPayload, c, size, len(fixed))
	}
	req.decodeFixed(fixed)
	return req, nil
}

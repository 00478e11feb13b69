// Package protocol defines the binary wire format used to proxy HAL device
// operations between a client and a server.
//
// Every request starts with an 8-byte prefix: the command tag and the device
// index, both little-endian uint32. The command implies the size of the fixed
// payload that follows (FixedSize); commands carrying variable data declare
// its length in the fixed payload and the raw bytes follow immediately.
// Replies start with a 4-byte reply tag followed by a fixed payload. A
// successful MemRead reply is followed by the bytes read.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Command is a request or reply tag.
type Command uint32

const (
	CommandMemAlloc Command = iota
	CommandMemFree
	CommandMemWrite
	CommandMemRead
	CommandMemFill
	CommandMemCopy
	CommandProgramFree
	CommandFindKernel
	CommandProgramLoad
	CommandKernelExec
	CommandDeviceCreate
	CommandDeviceDelete

	CommandMemAllocReply
	CommandMemFreeReply
	CommandMemWriteReply
	CommandMemReadReply
	CommandMemFillReply
	CommandMemCopyReply
	CommandProgramFreeReply
	CommandFindKernelReply
	CommandProgramLoadReply
	CommandKernelExecReply
	CommandDeviceCreateReply
	CommandDeviceDeleteReply

	numRequests = CommandMemAllocReply
	numCommands = CommandDeviceDeleteReply + 1
)

var commandNames = [numCommands]string{
	"MEM_ALLOC", "MEM_FREE", "MEM_WRITE", "MEM_READ", "MEM_FILL", "MEM_COPY",
	"PROGRAM_FREE", "FIND_KERNEL", "PROGRAM_LOAD", "KERNEL_EXEC",
	"DEVICE_CREATE", "DEVICE_DELETE",
	"MEM_ALLOC_REPLY", "MEM_FREE_REPLY", "MEM_WRITE_REPLY", "MEM_READ_REPLY",
	"MEM_FILL_REPLY", "MEM_COPY_REPLY", "PROGRAM_FREE_REPLY", "FIND_KERNEL_REPLY",
	"PROGRAM_LOAD_REPLY", "KERNEL_EXEC_REPLY", "DEVICE_CREATE_REPLY", "DEVICE_DELETE_REPLY",
}

func (c Command) String() string {
	if c < numCommands {
		return commandNames[c]
	}
	return fmt.Sprintf("COMMAND(%d)", uint32(c))
}

// Valid reports whether c is a known tag.
func (c Command) Valid() bool {
	return c < numCommands
}

// IsRequest reports whether c is a known request tag.
func (c Command) IsRequest() bool {
	return c < numRequests
}

// Reply returns the reply tag for request c.
func (c Command) Reply() Command {
	if !c.IsRequest() {
		return c
	}
	return c + numRequests
}

// Sizes of the fixed framing elements.
const (
	PrefixSize   = 8
	ReplyTagSize = 4
)

// Prefix is the header of every request.
type Prefix struct {
	Command Command
	Device  uint32
}

// AppendPrefix appends the encoded prefix to b.
func AppendPrefix(b []byte, p Prefix) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(p.Command))
	return binary.LittleEndian.AppendUint32(b, p.Device)
}

// DecodePrefix decodes an 8-byte request prefix.
func DecodePrefix(b []byte) (Prefix, error) {
	if len(b) < PrefixSize {
		return Prefix{}, fmt.Errorf("%w: prefix needs %d bytes, got %d", ErrShortPayload, PrefixSize, len(b))
	}
	return Prefix{
		Command: Command(binary.LittleEndian.Uint32(b)),
		Device:  binary.LittleEndian.Uint32(b[4:]),
	}, nil
}

// DecodeReplyTag decodes a 4-byte reply tag.
func DecodeReplyTag(b []byte) (Command, error) {
	if len(b) < ReplyTagSize {
		return 0, fmt.Errorf("%w: reply tag needs %d bytes, got %d", ErrShortPayload, ReplyTagSize, len(b))
	}
	return Command(binary.LittleEndian.Uint32(b)), nil
}

const ndRangeSize = 3 * 3 * 8

var fixedSizes = [numCommands]int{
	CommandMemAlloc:     16,
	CommandMemFree:      8,
	CommandMemWrite:     16,
	CommandMemRead:      16,
	CommandMemFill:      24,
	CommandMemCopy:      24,
	CommandProgramFree:  8,
	CommandFindKernel:   16,
	CommandProgramLoad:  8,
	CommandKernelExec:   8 + 8 + ndRangeSize + 4 + 4 + 8,
	CommandDeviceCreate: 0,
	CommandDeviceDelete: 0,

	CommandMemAllocReply:     8,
	CommandMemFreeReply:      1,
	CommandMemWriteReply:     1,
	CommandMemReadReply:      1,
	CommandMemFillReply:      1,
	CommandMemCopyReply:      1,
	CommandProgramFreeReply:  1,
	CommandFindKernelReply:   8,
	CommandProgramLoadReply:  8,
	CommandKernelExecReply:   1,
	CommandDeviceCreateReply: 1,
	CommandDeviceDeleteReply: 1,
}

// FixedSize returns the number of payload bytes that follow the prefix (for
// requests) or the tag (for replies) of command c, excluding variable data.
// It reports false for unknown commands.
func FixedSize(c Command) (int, bool) {
	if !c.Valid() {
		return 0, false
	}
	return fixedSizes[c], true
}

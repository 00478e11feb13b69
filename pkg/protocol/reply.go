package protocol

import "fmt"

// Reply is a decoded reply. Handle replies (MemAlloc, FindKernel,
// ProgramLoad) carry Value; all others carry OK. Data holds the bytes that
// follow a successful MemRead reply and is never part of the fixed payload.
type Reply struct {
	Command Command
	Value   uint64
	OK      bool
	Data    []byte
}

// HandleReply reports whether reply tag c carries a 64-bit handle rather than
// a status byte.
func HandleReply(c Command) bool {
	switch c {
	case CommandMemAllocReply, CommandFindKernelReply, CommandProgramLoadReply:
		return true
	}
	return false
}

// EncodeReply returns the tag, fixed payload and read data of r.
func EncodeReply(r Reply) []byte {
	size, _ := FixedSize(r.Command)
	b := make([]byte, 0, ReplyTagSize+size+len(r.Data))
	b = le.AppendUint32(b, uint32(r.Command))
	if HandleReply(r.Command) {
		return le.AppendUint64(b, r.Value)
	}
	b = append(b, boolByte(r.OK))
	if r.Command == CommandMemReadReply && r.OK {
		b = append(b, r.Data...)
	}
	return b
}

// DecodeReply decodes the fixed payload that follows reply tag c.
func DecodeReply(c Command, payload []byte) (Reply, error) {
	if !c.Valid() || c.IsRequest() {
		return Reply{}, fmt.Errorf("%w: %s is not a reply", ErrUnknownCommand, c)
	}
	size, _ := FixedSize(c)
	if len(payload) != size {
		return Reply{}, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortPayload, c, size, len(payload))
	}
	r := Reply{Command: c}
	if HandleReply(c) {
		r.Value = le.Uint64(payload)
		r.OK = r.Value != 0
	} else {
		r.OK = payload[0] != 0
	}
	return r, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

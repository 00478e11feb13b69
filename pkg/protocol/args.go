package protocol

import (
	"fmt"

	"github.com/samcharles93/muxhal/pkg/hal"
)

const argHeaderSize = 4 + 4 + 8

// EncodeKernelExecArgs serializes kernel arguments into the variable data of
// a KERNEL_EXEC request. Each argument is its kind, address space and size
// followed by either an 8-byte device address (address arguments) or size
// bytes of inline value. Values shorter than Size are zero-padded.
func EncodeKernelExecArgs(args []hal.Arg) []byte {
	n := 0
	for _, a := range args {
		n += argHeaderSize
		if a.Kind == hal.ArgAddress {
			n += 8
		} else {
			n += int(a.Size)
		}
	}
	b := make([]byte, 0, n)
	for _, a := range args {
		b = le.AppendUint32(b, uint32(a.Kind))
		b = le.AppendUint32(b, uint32(a.Space))
		b = le.AppendUint64(b, a.Size)
		if a.Kind == hal.ArgAddress {
			b = le.AppendUint64(b, uint64(a.Address))
			continue
		}
		start := len(b)
		b = append(b, make([]byte, a.Size)...)
		copy(b[start:], a.Value)
	}
	return b
}

// DecodeKernelExecArgs parses n arguments from blob. The whole blob must be
// consumed.
func DecodeKernelExecArgs(blob []byte, n uint32) ([]hal.Arg, error) {
	args := make([]hal.Arg, 0, min(n, 64))
	for i := range n {
		if len(blob) < argHeaderSize {
			return nil, fmt.Errorf("%w: argument %d header truncated", ErrMalformedArgs, i)
		}
		r := reader{blob}
		a := hal.Arg{
			Kind:  hal.ArgKind(r.u32()),
			Space: hal.AddrSpace(r.u32()),
			Size:  r.u64(),
		}
		blob = r.b
		switch a.Kind {
		case hal.ArgAddress:
			if len(blob) < 8 {
				return nil, fmt.Errorf("%w: argument %d address truncated", ErrMalformedArgs, i)
			}
			a.Address = hal.Addr(le.Uint64(blob))
			blob = blob[8:]
		case hal.ArgValue:
			if uint64(len(blob)) < a.Size {
				return nil, fmt.Errorf("%w: argument %d value truncated", ErrMalformedArgs, i)
			}
			a.Value = blob[:a.Size:a.Size]
			blob = blob[a.Size:]
		default:
			return nil, fmt.Errorf("%w: argument %d has kind %d", ErrMalformedArgs, i, a.Kind)
		}
		args = append(args, a)
	}
	if len(blob) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedArgs, len(blob))
	}
	return args, nil
}

// Package argpack lays kernel arguments out in the packed, alignment
// respecting buffer that a kernel entry point reads them from.
package argpack

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/samcharles93/muxhal/pkg/hal"
)

// DefaultLocalMemSize is the size of the per-device local memory arena.
const DefaultLocalMemSize = 8 << 20

var (
	ErrLocalMemoryExhausted = errors.New("argpack: local memory exhausted")
	ErrWordSize             = errors.New("argpack: unsupported word size")
)

// Packer accumulates packed arguments.
type Packer struct {
	buf      []byte
	wordSize int // bytes
}

// NewPacker returns a Packer for a target with the given pointer width in bits.
func NewPacker(wordBits int) (*Packer, error) {
	if wordBits != 32 && wordBits != 64 {
		return nil, fmt.Errorf("%w: %d", ErrWordSize, wordBits)
	}
	return &Packer{wordSize: wordBits / 8}, nil
}

// Pack appends value at the next offset that is a multiple of align.
// An align of 0 means the value's own size.
func (p *Packer) Pack(value []byte, align int) {
	if align == 0 {
		align = len(value)
	}
	if align > 1 {
		if rem := len(p.buf) % align; rem != 0 {
			p.buf = append(p.buf, make([]byte, align-rem)...)
		}
	}
	p.buf = append(p.buf, value...)
}

// PackWord appends v truncated to the target pointer width, aligned to it.
func (p *Packer) PackWord(v uint64) {
	var b [8]byte
	if p.wordSize == 4 {
		binary.LittleEndian.PutUint32(b[:4], uint32(v))
	} else {
		binary.LittleEndian.PutUint64(b[:], v)
	}
	p.Pack(b[:p.wordSize], p.wordSize)
}

// Bytes returns the packed buffer.
func (p *Packer) Bytes() []byte {
	return p.buf
}

// Len returns the number of packed bytes, including padding.
func (p *Packer) Len() int {
	return len(p.buf)
}

// LocalArena hands out work-group local memory from a fixed range of the
// device address space. The cursor only advances; Reset rewinds it for the
// next launch.
type LocalArena struct {
	base   hal.Addr
	size   uint64
	cursor uint64
}

// NewLocalArena returns an arena covering [base, base+size).
func NewLocalArena(base hal.Addr, size uint64) *LocalArena {
	return &LocalArena{base: base, size: size}
}

// Reserve carves size bytes out of the arena.
func (a *LocalArena) Reserve(size uint64) (hal.Addr, error) {
	if a.cursor+size > a.size || a.cursor+size < a.cursor {
		return hal.NullPtr, fmt.Errorf("%w: need %d bytes, %d of %d in use",
			ErrLocalMemoryExhausted, size, a.cursor, a.size)
	}
	addr := a.base + hal.Addr(a.cursor)
	a.cursor += size
	return addr, nil
}

// Reset releases every reservation.
func (a *LocalArena) Reset() {
	a.cursor = 0
}

// Base returns the first address of the arena.
func (a *LocalArena) Base() hal.Addr { return a.base }

// Size returns the arena capacity in bytes.
func (a *LocalArena) Size() uint64 { return a.size }

// Used returns the number of reserved bytes.
func (a *LocalArena) Used() uint64 { return a.cursor }

// PackArgs packs args in declaration order for a target with the given
// pointer width in bits. Local address arguments are reserved from local.
func PackArgs(args []hal.Arg, wordBits int, local *LocalArena) ([]byte, error) {
	p, err := NewPacker(wordBits)
	if err != nil {
		return nil, err
	}
	for i, arg := range args {
		switch arg.Kind {
		case hal.ArgAddress:
			if arg.Space == hal.SpaceLocal {
				if local == nil {
					return nil, fmt.Errorf("arg %d: %w: no local arena", i, ErrLocalMemoryExhausted)
				}
				addr, err := local.Reserve(arg.Size)
				if err != nil {
					return nil, fmt.Errorf("arg %d: %w", i, err)
				}
				p.PackWord(uint64(addr))
				continue
			}
			p.PackWord(uint64(arg.Address))
		default:
			v := make([]byte, arg.Size)
			copy(v, arg.Value)
			p.Pack(v, int(arg.Size))
		}
	}
	return p.Bytes(), nil
}

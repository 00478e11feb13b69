package argpack

import (
	"encoding/binary"
	"math"

	"github.com/samcharles93/muxhal/pkg/hal"
)

// Reader walks a packed argument buffer using the same alignment rules as
// Packer. Kernels use it to fetch their parameters in declaration order.
//
// Reads past the end of the buffer return zero values and mark the reader
// Short.
type Reader struct {
	buf      []byte
	off      int
	wordSize int
	short    bool
}

// NewReader returns a Reader over buf for a target with the given pointer
// width in bits.
func NewReader(buf []byte, wordBits int) *Reader {
	ws := 8
	if wordBits == 32 {
		ws = 4
	}
	return &Reader{buf: buf, wordSize: ws}
}

// Short reports whether any read ran off the end of the buffer.
func (r *Reader) Short() bool { return r.short }

// Offset returns the offset of the next unread byte.
func (r *Reader) Offset() int { return r.off }

// Bytes returns the next n bytes aligned to align (0 means n).
func (r *Reader) Bytes(n, align int) []byte {
	if align == 0 {
		align = n
	}
	if align > 1 {
		if rem := r.off % align; rem != 0 {
			r.off += align - rem
		}
	}
	if r.off+n > len(r.buf) {
		r.short = true
		r.off = len(r.buf)
		return make([]byte, n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Word reads a pointer-sized value.
func (r *Reader) Word() uint64 {
	b := r.Bytes(r.wordSize, r.wordSize)
	if r.wordSize == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

// Addr reads a pointer argument.
func (r *Reader) Addr() hal.Addr {
	return hal.Addr(r.Word())
}

func (r *Reader) Uint32() uint32 {
	return binary.LittleEndian.Uint32(r.Bytes(4, 4))
}

func (r *Reader) Uint64() uint64 {
	return binary.LittleEndian.Uint64(r.Bytes(8, 8))
}

func (r *Reader) Float32() float32 {
	return math.Float32frombits(r.Uint32())
}

package cpu

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"sort"

	"github.com/samcharles93/muxhal/pkg/hal"
	"golang.org/x/sys/unix"
)

// Layout of the device address space. The local arena sits below the heap so
// that both stay addressable by 32-bit targets for moderate heap sizes.
const (
	localBase hal.Addr = 0x0010_0000
	heapBase  hal.Addr = 0x0100_0000
)

var (
	errBadAlignment = errors.New("alignment is not a power of two")
	errZeroSize     = errors.New("zero-sized allocation")
	errOutOfMemory  = errors.New("device memory exhausted")
	errAddressSpace = errors.New("device address space exhausted")
)

// block is one contiguous range of device memory backed by host memory.
type block struct {
	base    hal.Addr
	data    []byte // len(data) is the usable size
	mapping []byte // full anonymous mapping, nil when heap backed
}

// addressSpace maps device addresses onto host buffers. It is not safe for
// concurrent mutation; the device lock serialises alloc and free, and
// kernels only resolve while the lock is held by KernelExec.
type addressSpace struct {
	blocks []*block // sorted by base
	next   hal.Addr
	live   uint64
	limit  uint64
}

func newAddressSpace(limit uint64) *addressSpace {
	return &addressSpace{next: heapBase, limit: limit}
}

// hostAlloc returns size zeroed bytes. Sizes of a page or more come from an
// anonymous mapping so the host buffer is page aligned.
func hostAlloc(size uint64) (data, mapping []byte) {
	page := uint64(os.Getpagesize())
	if size >= page {
		length := (size + page - 1) &^ (page - 1)
		m, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err == nil {
			return m[:size], m
		}
	}
	return make([]byte, size), nil
}

func (b *block) release() {
	if b.mapping != nil {
		_ = unix.Munmap(b.mapping)
	}
	b.data = nil
	b.mapping = nil
}

func (as *addressSpace) insert(b *block) {
	i := sort.Search(len(as.blocks), func(i int) bool { return as.blocks[i].base > b.base })
	as.blocks = append(as.blocks, nil)
	copy(as.blocks[i+1:], as.blocks[i:])
	as.blocks[i] = b
}

// alloc reserves size bytes aligned to alignment. An alignment of 0 means no
// requirement.
func (as *addressSpace) alloc(size, alignment uint64) (hal.Addr, error) {
	if size == 0 {
		return hal.NullPtr, errZeroSize
	}
	if alignment == 0 {
		alignment = 1
	}
	if bits.OnesCount64(alignment) != 1 {
		return hal.NullPtr, fmt.Errorf("%w: %d", errBadAlignment, alignment)
	}
	if as.limit != 0 && as.live+size > as.limit {
		return hal.NullPtr, fmt.Errorf("%w: %d bytes live, %d requested", errOutOfMemory, as.live, size)
	}
	base := (uint64(as.next) + alignment - 1) &^ (alignment - 1)
	end, carry := bits.Add64(base, size, 0)
	if carry != 0 || base < uint64(as.next) {
		return hal.NullPtr, errAddressSpace
	}
	data, mapping := hostAlloc(size)
	as.insert(&block{base: hal.Addr(base), data: data, mapping: mapping})
	as.next = hal.Addr(end)
	as.live += size
	return hal.Addr(base), nil
}

// mapFixed installs data at base without accounting it as heap.
func (as *addressSpace) mapFixed(base hal.Addr, data, mapping []byte) {
	as.insert(&block{base: base, data: data, mapping: mapping})
}

// free releases the allocation starting exactly at addr.
func (as *addressSpace) free(addr hal.Addr) bool {
	i := sort.Search(len(as.blocks), func(i int) bool { return as.blocks[i].base >= addr })
	if i == len(as.blocks) || as.blocks[i].base != addr || addr < heapBase {
		return false
	}
	b := as.blocks[i]
	as.live -= uint64(len(b.data))
	b.release()
	as.blocks = append(as.blocks[:i], as.blocks[i+1:]...)
	return true
}

// resolve returns the host bytes backing [addr, addr+size). The range must lie
// within a single allocation.
func (as *addressSpace) resolve(addr hal.Addr, size uint64) ([]byte, bool) {
	i := sort.Search(len(as.blocks), func(i int) bool { return as.blocks[i].base > addr }) - 1
	if i < 0 {
		return nil, false
	}
	b := as.blocks[i]
	off := uint64(addr - b.base)
	if off > uint64(len(b.data)) || size > uint64(len(b.data))-off {
		return nil, false
	}
	return b.data[off : off+size : off+size], true
}

func (as *addressSpace) releaseAll() {
	for _, b := range as.blocks {
		b.release()
	}
	as.blocks = nil
	as.live = 0
	as.next = heapBase
}

package cpu

import (
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/samcharles93/muxhal/internal/argpack"
	"github.com/samcharles93/muxhal/pkg/hal"
)

// KernelFunc is the body of a kernel entry point. args is the packed argument
// buffer (see argpack) and exec describes the calling work-item.
type KernelFunc func(args []byte, exec *ExecState)

var kernelRegistry = struct {
	sync.RWMutex
	m map[string]KernelFunc
}{m: map[string]KernelFunc{}}

// RegisterKernel makes a kernel body available under name. Images exporting a
// function symbol called name resolve to fn. It panics if name is registered
// twice or fn is nil.
func RegisterKernel(name string, fn KernelFunc) {
	kernelRegistry.Lock()
	defer kernelRegistry.Unlock()
	if fn == nil {
		panic("cpu: RegisterKernel kernel is nil")
	}
	if _, dup := kernelRegistry.m[name]; dup {
		panic("cpu: RegisterKernel called twice for kernel " + name)
	}
	kernelRegistry.m[name] = fn
}

func lookupKernel(name string) (KernelFunc, bool) {
	kernelRegistry.RLock()
	defer kernelRegistry.RUnlock()
	fn, ok := kernelRegistry.m[name]
	return fn, ok
}

// Kernels returns the names of all registered kernels, sorted.
func Kernels() []string {
	kernelRegistry.RLock()
	defer kernelRegistry.RUnlock()
	names := make([]string, 0, len(kernelRegistry.m))
	for n := range kernelRegistry.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WGInfo is the work-group geometry of a dispatch.
type WGInfo struct {
	NumDim       uint32
	LocalSize    [hal.MaxDims]uint64
	NumGroups    [hal.MaxDims]uint64
	GlobalOffset [hal.MaxDims]uint64
}

// ExecState is the execution context handed to every work-item.
type ExecState struct {
	WG         WGInfo
	Args       []byte
	Entry      KernelFunc
	ThreadID   int
	NumThreads int

	barrier  func()
	mem      *addressSpace
	wordBits int
}

// clone returns a copy of the template for thread id.
func (e *ExecState) clone(id int) *ExecState {
	c := *e
	c.ThreadID = id
	return &c
}

// Barrier blocks until every work-item of the group has reached it.
func (e *ExecState) Barrier() {
	if e.barrier != nil {
		e.barrier()
	}
}

// LocalSize returns the work-group size in dimension dim.
func (e *ExecState) LocalSize(dim int) uint64 {
	return e.WG.LocalSize[dim]
}

// NumGroups returns the number of work-groups in dimension dim.
func (e *ExecState) NumGroups(dim int) uint64 {
	return e.WG.NumGroups[dim]
}

// GlobalOffset returns the global offset in dimension dim.
func (e *ExecState) GlobalOffset(dim int) uint64 {
	return e.WG.GlobalOffset[dim]
}

// LocalID returns this work-item's id within its group in dimension dim.
func (e *ExecState) LocalID(dim int) uint64 {
	id := uint64(e.ThreadID)
	lx, ly := e.WG.LocalSize[0], e.WG.LocalSize[1]
	switch dim {
	case 0:
		return id % lx
	case 1:
		return (id / lx) % ly
	default:
		return id / (lx * ly)
	}
}

// GlobalID returns the global id of this work-item in dim while executing
// work-group group.
func (e *ExecState) GlobalID(group [hal.MaxDims]uint64, dim int) uint64 {
	return e.WG.GlobalOffset[dim] + group[dim]*e.WG.LocalSize[dim] + e.LocalID(dim)
}

// GlobalSize returns the global work size in dimension dim.
func (e *ExecState) GlobalSize(dim int) uint64 {
	return e.WG.NumGroups[dim] * e.WG.LocalSize[dim]
}

// Groups iterates over every work-group id of the dispatch, x fastest. All
// work-items see the same sequence, so a barrier inside the loop body is
// reached the same number of times by each of them.
func (e *ExecState) Groups() iter.Seq[[hal.MaxDims]uint64] {
	return func(yield func([hal.MaxDims]uint64) bool) {
		for z := uint64(0); z < e.WG.NumGroups[2]; z++ {
			for y := uint64(0); y < e.WG.NumGroups[1]; y++ {
				for x := uint64(0); x < e.WG.NumGroups[0]; x++ {
					if !yield([hal.MaxDims]uint64{x, y, z}) {
						return
					}
				}
			}
		}
	}
}

// Buffer returns the host bytes backing [addr, addr+size) of device memory.
func (e *ExecState) Buffer(addr hal.Addr, size uint64) ([]byte, bool) {
	if e.mem == nil {
		return nil, false
	}
	return e.mem.resolve(addr, size)
}

// MustBuffer is like Buffer but panics on an invalid range. The engine
// recovers the panic and fails the launch.
func (e *ExecState) MustBuffer(addr hal.Addr, size uint64) []byte {
	b, ok := e.Buffer(addr, size)
	if !ok {
		panic(fmt.Sprintf("cpu: invalid device range %#x+%d", uint64(addr), size))
	}
	return b
}

// ArgReader returns a reader over the packed arguments.
func (e *ExecState) ArgReader() *argpack.Reader {
	return argpack.NewReader(e.Args, e.wordBits)
}

// kernelEntry runs one work-item.
func kernelEntry(exec *ExecState) {
	exec.Entry(exec.Args, exec)
}

package cpu

import (
	"math/bits"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/samcharles93/muxhal/internal/argpack"
	"github.com/samcharles93/muxhal/internal/barrier"
	"github.com/samcharles93/muxhal/internal/logger"
	"github.com/samcharles93/muxhal/pkg/hal"
)

// Stats is a snapshot of device activity.
type Stats struct {
	Allocations     uint64 `json:"allocations"`
	BytesLive       uint64 `json:"bytes_live"`
	ProgramsLoaded  uint64 `json:"programs_loaded"`
	ProgramsLive    int    `json:"programs_live"`
	KernelsExecuted uint64 `json:"kernels_executed"`
	WorkItemsRun    uint64 `json:"work_items_run"`
	ThreadsSpawned  uint64 `json:"threads_spawned"`
}

// Device is the host CPU HAL device.
//
// Every method takes the platform's lock, so memory operations, program
// management and kernel execution on one device never overlap.
type Device struct {
	lock    *sync.Mutex
	info    hal.DeviceInfo
	tempDir string
	log     logger.Logger

	mem     *addressSpace
	local   *argpack.LocalArena
	barrier *barrier.Barrier

	programs    map[hal.Program]*program
	kernels     map[hal.Kernel]*kernelInfo
	nextProgram hal.Program
	nextKernel  hal.Kernel

	stats Stats
}

var _ hal.Device = (*Device)(nil)

func newDevice(lock *sync.Mutex, info hal.DeviceInfo, tempDir string, log logger.Logger) *Device {
	d := &Device{
		lock:        lock,
		info:        info,
		tempDir:     tempDir,
		log:         log.With("component", "cpu"),
		mem:         newAddressSpace(info.GlobalMemMax),
		barrier:     barrier.New(),
		programs:    map[hal.Program]*program{},
		kernels:     map[hal.Kernel]*kernelInfo{},
		nextProgram: 1,
		nextKernel:  1,
	}
	data, mapping := hostAlloc(info.LocalMemSize)
	d.mem.mapFixed(localBase, data, mapping)
	d.local = argpack.NewLocalArena(localBase, info.LocalMemSize)
	return d
}

// Info returns the device description.
func (d *Device) Info() hal.DeviceInfo {
	return d.info
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	d.lock.Lock()
	defer d.lock.Unlock()
	s := d.stats
	s.BytesLive = d.mem.live
	s.ProgramsLive = len(d.programs)
	return s
}

// close releases every program and allocation. The caller holds the lock.
func (d *Device) close() {
	for h, p := range d.programs {
		if err := p.close(); err != nil {
			d.log.Warn("release program", "program", uint64(h), "error", err)
		}
	}
	d.programs = map[hal.Program]*program{}
	d.kernels = map[hal.Kernel]*kernelInfo{}
	d.mem.releaseAll()
}

func (d *Device) MemAlloc(size, alignment uint64) hal.Addr {
	d.lock.Lock()
	defer d.lock.Unlock()
	addr, err := d.mem.alloc(size, alignment)
	if err != nil {
		d.log.Debug("mem alloc failed", "size", size, "alignment", alignment, "error", err)
		return hal.NullPtr
	}
	d.stats.Allocations++
	d.log.Debug("mem alloc", "addr", addr, "size", humanize.IBytes(size))
	return addr
}

func (d *Device) MemFree(addr hal.Addr) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.mem.free(addr)
}

func (d *Device) MemCopy(dst, src hal.Addr, size uint64) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	to, ok := d.mem.resolve(dst, size)
	if !ok {
		return false
	}
	from, ok := d.mem.resolve(src, size)
	if !ok {
		return false
	}
	copy(to, from)
	return true
}

// MemFill repeats pattern over size bytes at dst. size must be a non-zero
// whole multiple of the pattern length.
func (d *Device) MemFill(dst hal.Addr, pattern []byte, size uint64) bool {
	if len(pattern) == 0 || size == 0 || size%uint64(len(pattern)) != 0 {
		return false
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	to, ok := d.mem.resolve(dst, size)
	if !ok {
		return false
	}
	for off := 0; off < len(to); off += len(pattern) {
		copy(to[off:], pattern)
	}
	return true
}

func (d *Device) MemRead(dst []byte, src hal.Addr) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	from, ok := d.mem.resolve(src, uint64(len(dst)))
	if !ok {
		return false
	}
	copy(dst, from)
	return true
}

func (d *Device) MemWrite(dst hal.Addr, src []byte) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	to, ok := d.mem.resolve(dst, uint64(len(src)))
	if !ok {
		return false
	}
	copy(to, src)
	return true
}

func (d *Device) ProgramLoad(data []byte) hal.Program {
	d.lock.Lock()
	defer d.lock.Unlock()
	p, err := loadProgram(d.tempDir, data)
	if err != nil {
		d.log.Warn("program load failed", "size", len(data), "error", err)
		return hal.InvalidProgram
	}
	h := d.nextProgram
	d.nextProgram++
	d.programs[h] = p
	d.stats.ProgramsLoaded++
	d.log.Debug("program loaded", "program", uint64(h), "path", p.path, "symbols", len(p.image.Symbols()))
	return h
}

func (d *Device) ProgramFree(h hal.Program) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	p, ok := d.programs[h]
	if !ok {
		return false
	}
	for _, k := range p.kernels {
		delete(d.kernels, k)
	}
	delete(d.programs, h)
	if err := p.close(); err != nil {
		d.log.Warn("program free", "program", uint64(h), "error", err)
	}
	return true
}

// ProgramFindKernel resolves name against the program's exported symbols
// and the registered kernel bodies.
func (d *Device) ProgramFindKernel(h hal.Program, name string) hal.Kernel {
	d.lock.Lock()
	defer d.lock.Unlock()
	p, ok := d.programs[h]
	if !ok {
		return hal.InvalidKernel
	}
	if k, ok := p.kernels[name]; ok {
		return k
	}
	if _, ok := p.image.Lookup(name); !ok {
		return hal.InvalidKernel
	}
	entry, ok := lookupKernel(name)
	if !ok {
		d.log.Warn("symbol has no registered kernel body", "symbol", name)
		return hal.InvalidKernel
	}
	k := d.nextKernel
	d.nextKernel++
	d.kernels[k] = &kernelInfo{name: name, program: h, entry: entry}
	p.kernels[name] = k
	return k
}

// KernelExec runs one dispatch of kernel over ndRange and returns once every
// work-item has finished. Work-groups larger than the device's
// MaxWorkGroupSize are rejected before anything runs.
//
// A work-item that panics fails the launch, but if it panics before a
// Barrier call its peers never leave that barrier and KernelExec does not
// return. Kernel bodies must reach every barrier or none.
func (d *Device) KernelExec(h hal.Program, k hal.Kernel, ndRange *hal.NDRange, args []hal.Arg, workDim uint32) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	if _, ok := d.programs[h]; !ok {
		return false
	}
	ki, ok := d.kernels[k]
	if !ok || ki.program != h || ndRange == nil {
		return false
	}
	if workDim < 1 || workDim > hal.MaxDims {
		return false
	}

	wg := WGInfo{NumDim: workDim}
	for i := range hal.MaxDims {
		global, local := ndRange.Global[i], ndRange.Local[i]
		if uint32(i) >= workDim {
			global, local = 1, 1
		}
		if local == 0 || global%local != 0 {
			d.log.Debug("non-uniform work-group rejected", "dim", i, "global", global, "local", local)
			return false
		}
		wg.LocalSize[i] = local
		wg.NumGroups[i] = global / local
		if uint32(i) < workDim {
			wg.GlobalOffset[i] = ndRange.Offset[i]
		}
	}

	workGroupSize, ok := groupSize(wg.LocalSize, d.info.MaxWorkGroupSize)
	if !ok {
		d.log.Debug("work-group too large", "local", wg.LocalSize, "max", d.info.MaxWorkGroupSize)
		return false
	}

	d.local.Reset()
	packed, err := argpack.PackArgs(args, d.info.WordSize, d.local)
	if err != nil {
		d.log.Warn("kernel argument packing failed", "kernel", ki.name, "error", err)
		return false
	}

	template := &ExecState{
		WG:         wg,
		Args:       packed,
		Entry:      ki.entry,
		NumThreads: workGroupSize,
		mem:        d.mem,
		wordBits:   d.info.WordSize,
	}
	if workGroupSize > 1 {
		template.barrier = func() { d.barrier.Wait(workGroupSize) }
	}

	d.stats.KernelsExecuted++
	d.stats.WorkItemsRun += uint64(workGroupSize)

	if workGroupSize == 1 {
		return d.runWorkItem(ki.name, template.clone(0))
	}

	results := make([]bool, workGroupSize)
	var done sync.WaitGroup
	for id := range workGroupSize {
		exec := template.clone(id)
		done.Add(1)
		go func() {
			defer done.Done()
			results[id] = d.runWorkItem(ki.name, exec)
		}()
	}
	d.stats.ThreadsSpawned += uint64(workGroupSize)
	done.Wait()

	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

// groupSize multiplies the local sizes, failing on overflow or when the
// product exceeds limit.
func groupSize(local [hal.MaxDims]uint64, limit uint64) (int, bool) {
	n := uint64(1)
	for _, l := range local {
		hi, lo := bits.Mul64(n, l)
		if hi != 0 || lo > limit {
			return 0, false
		}
		n = lo
	}
	return int(n), true
}

func (d *Device) runWorkItem(name string, exec *ExecState) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("kernel panicked", "kernel", name, "thread", exec.ThreadID, "panic", r)
			ok = false
		}
	}()
	kernelEntry(exec)
	return true
}

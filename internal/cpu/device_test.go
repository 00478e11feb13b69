package cpu

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/muxhal/internal/logger"
	"github.com/samcharles93/muxhal/pkg/elfimage"
	"github.com/samcharles93/muxhal/pkg/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	RegisterKernel("test_local_sum", localSum)
	RegisterKernel("test_panic", func(_ []byte, _ *ExecState) {
		panic("boom")
	})
	RegisterKernel("test_scalar_args", scalarArgs)
}

// localSum: (global uint *out, local uint *scratch). Each work-item stores
// its id in scratch; after the barrier item 0 writes the sum to out.
func localSum(_ []byte, exec *ExecState) {
	r := exec.ArgReader()
	out, scratchAddr := r.Addr(), r.Addr()
	scratch := exec.MustBuffer(scratchAddr, uint64(4*exec.NumThreads))
	binary.LittleEndian.PutUint32(scratch[4*exec.ThreadID:], uint32(exec.ThreadID))
	exec.Barrier()
	if exec.ThreadID == 0 {
		var sum uint32
		for i := range exec.NumThreads {
			sum += binary.LittleEndian.Uint32(scratch[4*i:])
		}
		binary.LittleEndian.PutUint32(exec.MustBuffer(out, 4), sum)
	}
}

// scalarArgs: (global ulong *out, uchar a, uint b, ulong c) writes a+b+c.
func scalarArgs(_ []byte, exec *ExecState) {
	r := exec.ArgReader()
	out := r.Addr()
	a := r.Bytes(1, 1)[0]
	b := r.Uint32()
	c := r.Uint64()
	binary.LittleEndian.PutUint64(exec.MustBuffer(out, 8), uint64(a)+uint64(b)+c)
}

func newTestDevice(t *testing.T) (*Platform, *Device) {
	t.Helper()
	p := NewPlatform(Config{TempDir: t.TempDir(), Logger: logger.Pretty(os.Stderr, logger.ParseLevel("warn"))})
	dev, err := p.DeviceCreate(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.DeviceDelete(dev) })
	return p, dev.(*Device)
}

func loadImage(t *testing.T, d *Device, names ...string) hal.Program {
	t.Helper()
	funcs := make([]elfimage.Function, len(names))
	for i, n := range names {
		funcs[i] = elfimage.Function{Name: n}
	}
	data, err := elfimage.Build(funcs, elfimage.Options{})
	require.NoError(t, err)
	prog := d.ProgramLoad(data)
	require.NotEqual(t, hal.InvalidProgram, prog)
	return prog
}

func addrArg(a hal.Addr) hal.Arg {
	return hal.Arg{Kind: hal.ArgAddress, Space: hal.SpaceGlobal, Size: 8, Address: a}
}

func readU32s(t *testing.T, d *Device, addr hal.Addr, n int) []uint32 {
	t.Helper()
	buf := make([]byte, 4*n)
	require.True(t, d.MemRead(buf, addr))
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return out
}

func TestPlatformSingleDevice(t *testing.T) {
	t.Parallel()
	p := NewPlatform(Config{TempDir: t.TempDir()})
	assert.Equal(t, uint32(1), p.Info().NumDevices)

	_, err := p.DeviceCreate(1)
	require.ErrorIs(t, err, hal.ErrDeviceIndex)

	dev, err := p.DeviceCreate(0)
	require.NoError(t, err)
	_, err = p.DeviceCreate(0)
	require.ErrorIs(t, err, hal.ErrDeviceBusy)

	require.NoError(t, p.DeviceDelete(dev))
	require.ErrorIs(t, p.DeviceDelete(dev), hal.ErrUnknownDevice)

	info, ok := p.DeviceInfo(0)
	require.True(t, ok)
	assert.Equal(t, hal.HostEndianness(), info.Endianness)
}

func TestMemoryOps(t *testing.T) {
	t.Parallel()
	_, d := newTestDevice(t)

	a := d.MemAlloc(1024, 16)
	require.NotEqual(t, hal.NullPtr, a)
	assert.Zero(t, uint64(a)%16)
	b := d.MemAlloc(8192, 4096)
	require.NotEqual(t, hal.NullPtr, b)
	assert.Zero(t, uint64(b)%4096)

	pattern := bytes.Repeat([]byte{1, 2, 3, 4}, 256)
	require.True(t, d.MemWrite(a, pattern))
	require.True(t, d.MemCopy(b+100, a, 1024))

	got := make([]byte, 1024)
	require.True(t, d.MemRead(got, b+100))
	assert.Equal(t, pattern, got)

	require.True(t, d.MemFill(b, []byte{0xAB, 0xCD}, 64))
	head := make([]byte, 66)
	require.True(t, d.MemRead(head, b))
	assert.Equal(t, bytes.Repeat([]byte{0xAB, 0xCD}, 32), head[:64])
	assert.Equal(t, []byte{0, 0}, head[64:])

	assert.False(t, d.MemFill(b, []byte{1, 2, 3}, 64), "size not a multiple of the pattern")
	assert.False(t, d.MemFill(b, nil, 64))
	assert.False(t, d.MemFill(b, []byte{1}, 0), "zero size")
	assert.False(t, d.MemRead(make([]byte, 2048), a), "read past allocation end")
	assert.False(t, d.MemWrite(hal.Addr(0x42), []byte{1}))

	require.True(t, d.MemFree(a))
	assert.False(t, d.MemFree(a))
	assert.False(t, d.MemRead(got, a))
	assert.False(t, d.MemFree(b+1))

	assert.Equal(t, hal.NullPtr, d.MemAlloc(0, 16))
	assert.Equal(t, hal.NullPtr, d.MemAlloc(16, 3))
	assert.Equal(t, uint64(8192), d.Stats().BytesLive)
}

func TestMemAllocRespectsLimit(t *testing.T) {
	t.Parallel()
	p := NewPlatform(Config{TempDir: t.TempDir(), GlobalMemMax: 4096})
	dev, err := p.DeviceCreate(0)
	require.NoError(t, err)
	defer p.DeviceDelete(dev)

	require.NotEqual(t, hal.NullPtr, dev.MemAlloc(4096, 8))
	assert.Equal(t, hal.NullPtr, dev.MemAlloc(1, 8))
}

func TestProgramLifecycle(t *testing.T) {
	t.Parallel()
	_, d := newTestDevice(t)

	prog := loadImage(t, d, "fill_u32", "not_registered")
	path := d.programs[prog].path
	assert.Equal(t, d.tempDir, filepath.Dir(path))
	assert.Regexp(t, `^kernel_[0-9a-f]+_\d+\.elf$`, filepath.Base(path))
	require.FileExists(t, path)

	k := d.ProgramFindKernel(prog, "fill_u32")
	require.NotEqual(t, hal.InvalidKernel, k)
	assert.Equal(t, k, d.ProgramFindKernel(prog, "fill_u32"))
	assert.Equal(t, hal.InvalidKernel, d.ProgramFindKernel(prog, "vector_add_u32"), "registered but not exported")
	assert.Equal(t, hal.InvalidKernel, d.ProgramFindKernel(prog, "not_registered"), "exported but no body")

	require.True(t, d.ProgramFree(prog))
	assert.NoFileExists(t, path)
	assert.False(t, d.ProgramFree(prog))
	assert.Equal(t, hal.InvalidKernel, d.ProgramFindKernel(prog, "fill_u32"))
	assert.False(t, d.KernelExec(prog, k, &hal.NDRange{Global: [3]uint64{1, 1, 1}, Local: [3]uint64{1, 1, 1}}, nil, 1))
}

func TestProgramLoadRejectsBadImage(t *testing.T) {
	t.Parallel()
	_, d := newTestDevice(t)
	assert.Equal(t, hal.InvalidProgram, d.ProgramLoad([]byte("not an elf")))
	assert.Equal(t, hal.InvalidProgram, d.ProgramLoad(nil))

	entries, err := os.ReadDir(d.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial temp files must be removed")
}

func TestProgramLoadSameImageTwice(t *testing.T) {
	t.Parallel()
	_, d := newTestDevice(t)
	p1 := loadImage(t, d, "fill_u32")
	p2 := loadImage(t, d, "fill_u32")
	require.NotEqual(t, p1, p2)
	path1, path2 := d.programs[p1].path, d.programs[p2].path
	require.NotEqual(t, path1, path2)

	require.True(t, d.ProgramFree(p1))
	assert.FileExists(t, path2)
	assert.NotEqual(t, hal.InvalidKernel, d.ProgramFindKernel(p2, "fill_u32"))
}

func TestKernelExecFill(t *testing.T) {
	t.Parallel()
	_, d := newTestDevice(t)
	prog := loadImage(t, d, "fill_u32")
	k := d.ProgramFindKernel(prog, "fill_u32")

	buf := d.MemAlloc(4*32, 16)
	value := binary.LittleEndian.AppendUint32(nil, 0xDEADBEEF)
	args := []hal.Arg{addrArg(buf), {Kind: hal.ArgValue, Size: 4, Value: value}}
	nd := &hal.NDRange{Global: [3]uint64{8, 4, 1}, Local: [3]uint64{2, 2, 1}}
	require.True(t, d.KernelExec(prog, k, nd, args, 2))

	for i, v := range readU32s(t, d, buf, 32) {
		assert.Equal(t, uint32(0xDEADBEEF), v, "element %d", i)
	}
	assert.Equal(t, uint64(4), d.Stats().ThreadsSpawned)
}

func TestKernelExecVectorAdd3D(t *testing.T) {
	t.Parallel()
	_, d := newTestDevice(t)
	prog := loadImage(t, d, "vector_add_u32")
	k := d.ProgramFindKernel(prog, "vector_add_u32")

	const n = 4 * 2 * 2
	a, b, c := d.MemAlloc(4*n, 4), d.MemAlloc(4*n, 4), d.MemAlloc(4*n, 4)
	av, bv := make([]byte, 4*n), make([]byte, 4*n)
	for i := range n {
		binary.LittleEndian.PutUint32(av[4*i:], uint32(i))
		binary.LittleEndian.PutUint32(bv[4*i:], uint32(100*i))
	}
	require.True(t, d.MemWrite(a, av))
	require.True(t, d.MemWrite(b, bv))

	nd := &hal.NDRange{Global: [3]uint64{4, 2, 2}, Local: [3]uint64{2, 1, 2}}
	require.True(t, d.KernelExec(prog, k, nd, []hal.Arg{addrArg(a), addrArg(b), addrArg(c)}, 3))
	for i, v := range readU32s(t, d, c, n) {
		assert.Equal(t, uint32(101*i), v)
	}
}

func TestKernelExecRejectsNonUniformGroups(t *testing.T) {
	t.Parallel()
	_, d := newTestDevice(t)
	prog := loadImage(t, d, "test_panic")
	k := d.ProgramFindKernel(prog, "test_panic")

	for _, nd := range []*hal.NDRange{
		{Global: [3]uint64{10, 1, 1}, Local: [3]uint64{4, 1, 1}},
		{Global: [3]uint64{8, 3, 1}, Local: [3]uint64{4, 2, 1}},
		{Global: [3]uint64{8, 1, 1}, Local: [3]uint64{0, 1, 1}},
	} {
		assert.False(t, d.KernelExec(prog, k, nd, nil, 2))
	}
	assert.False(t, d.KernelExec(prog, k, nil, nil, 1))
	assert.False(t, d.KernelExec(prog, k, &hal.NDRange{Global: [3]uint64{1, 1, 1}, Local: [3]uint64{1, 1, 1}}, nil, 4))
	s := d.Stats()
	assert.Zero(t, s.KernelsExecuted, "kernel must not run")
	assert.Zero(t, s.ThreadsSpawned)
}

func TestKernelExecRejectsOversizedGroups(t *testing.T) {
	t.Parallel()
	_, d := newTestDevice(t)
	prog := loadImage(t, d, "fill_u32")
	k := d.ProgramFindKernel(prog, "fill_u32")
	out := d.MemAlloc(64, 4)
	args := []hal.Arg{addrArg(out), {Kind: hal.ArgValue, Size: 4, Value: []byte{1, 2, 3, 4}}}

	limit := d.info.MaxWorkGroupSize
	for _, nd := range []*hal.NDRange{
		// product wraps to zero
		{Global: [3]uint64{1 << 32, 1 << 32, 1}, Local: [3]uint64{1 << 32, 1 << 32, 1}},
		// product does not fit in an int
		{Global: [3]uint64{1<<63 + 1, 1, 1}, Local: [3]uint64{1<<63 + 1, 1, 1}},
		{Global: [3]uint64{limit + 1, 1, 1}, Local: [3]uint64{limit + 1, 1, 1}},
		{Global: [3]uint64{limit, 2, 1}, Local: [3]uint64{limit, 2, 1}},
	} {
		assert.False(t, d.KernelExec(prog, k, nd, args, 2), "local %v", nd.Local)
	}
	s := d.Stats()
	assert.Zero(t, s.KernelsExecuted, "kernel must not run")
	assert.Zero(t, s.WorkItemsRun)
	assert.Zero(t, s.ThreadsSpawned)
	assert.Equal(t, uint64(DefaultMaxWorkGroupSize), limit)
}

func TestGroupSize(t *testing.T) {
	t.Parallel()
	n, ok := groupSize([3]uint64{4, 2, 2}, 16)
	assert.True(t, ok)
	assert.Equal(t, 16, n)
	_, ok = groupSize([3]uint64{4, 2, 3}, 16)
	assert.False(t, ok)
	_, ok = groupSize([3]uint64{1 << 63, 2, 1}, 1<<62)
	assert.False(t, ok, "overflow")
}

func TestKernelExecSingleWorkItemRunsInline(t *testing.T) {
	t.Parallel()
	_, d := newTestDevice(t)
	prog := loadImage(t, d, "barrier_markers")
	k := d.ProgramFindKernel(prog, "barrier_markers")

	markers, result := d.MemAlloc(4, 4), d.MemAlloc(4, 4)
	nd := &hal.NDRange{Global: [3]uint64{1, 1, 1}, Local: [3]uint64{1, 1, 1}}
	require.True(t, d.KernelExec(prog, k, nd, []hal.Arg{addrArg(markers), addrArg(result)}, 1))

	assert.Equal(t, []uint32{1}, readU32s(t, d, result, 1))
	s := d.Stats()
	assert.Zero(t, s.ThreadsSpawned)
	assert.Equal(t, uint64(1), s.WorkItemsRun)
}

func TestKernelExecBarrierOrdersWorkItems(t *testing.T) {
	t.Parallel()
	_, d := newTestDevice(t)
	prog := loadImage(t, d, "barrier_markers")
	k := d.ProgramFindKernel(prog, "barrier_markers")

	markers, result := d.MemAlloc(16, 4), d.MemAlloc(4, 4)
	nd := &hal.NDRange{Global: [3]uint64{4, 1, 1}, Local: [3]uint64{4, 1, 1}}
	for range 50 {
		require.True(t, d.MemFill(markers, []byte{0, 0, 0, 0}, 16))
		require.True(t, d.KernelExec(prog, k, nd, []hal.Arg{addrArg(markers), addrArg(result)}, 1))
		assert.Equal(t, []uint32{1}, readU32s(t, d, result, 1))
		assert.Equal(t, []uint32{1, 2, 3, 4}, readU32s(t, d, markers, 4))
	}
}

func TestKernelExecLocalMemory(t *testing.T) {
	t.Parallel()
	_, d := newTestDevice(t)
	prog := loadImage(t, d, "test_local_sum")
	k := d.ProgramFindKernel(prog, "test_local_sum")

	out := d.MemAlloc(4, 4)
	args := []hal.Arg{addrArg(out), {Kind: hal.ArgAddress, Space: hal.SpaceLocal, Size: 4 * 8}}
	nd := &hal.NDRange{Global: [3]uint64{8, 1, 1}, Local: [3]uint64{8, 1, 1}}
	for range 3 {
		require.True(t, d.KernelExec(prog, k, nd, args, 1), "local arena is reset per launch")
	}
	assert.Equal(t, []uint32{28}, readU32s(t, d, out, 1))

	tooBig := []hal.Arg{addrArg(out), {Kind: hal.ArgAddress, Space: hal.SpaceLocal, Size: d.info.LocalMemSize + 1}}
	assert.False(t, d.KernelExec(prog, k, nd, tooBig, 1))
}

func TestKernelExecScalarArgs(t *testing.T) {
	t.Parallel()
	_, d := newTestDevice(t)
	prog := loadImage(t, d, "test_scalar_args")
	k := d.ProgramFindKernel(prog, "test_scalar_args")

	out := d.MemAlloc(8, 8)
	args := []hal.Arg{
		addrArg(out),
		{Kind: hal.ArgValue, Size: 1, Value: []byte{5}},
		{Kind: hal.ArgValue, Size: 4, Value: binary.LittleEndian.AppendUint32(nil, 1000)},
		{Kind: hal.ArgValue, Size: 8, Value: binary.LittleEndian.AppendUint64(nil, 1<<40)},
	}
	nd := &hal.NDRange{Global: [3]uint64{1, 1, 1}, Local: [3]uint64{1, 1, 1}}
	require.True(t, d.KernelExec(prog, k, nd, args, 1))

	buf := make([]byte, 8)
	require.True(t, d.MemRead(buf, out))
	assert.Equal(t, uint64(1<<40+1005), binary.LittleEndian.Uint64(buf))
}

func TestKernelExecRecoversPanics(t *testing.T) {
	t.Parallel()
	_, d := newTestDevice(t)
	prog := loadImage(t, d, "test_panic")
	k := d.ProgramFindKernel(prog, "test_panic")
	nd := &hal.NDRange{Global: [3]uint64{2, 1, 1}, Local: [3]uint64{2, 1, 1}}
	assert.False(t, d.KernelExec(prog, k, nd, nil, 1))
}

func TestDeviceDeleteRemovesImages(t *testing.T) {
	t.Parallel()
	p := NewPlatform(Config{TempDir: t.TempDir()})
	dev, err := p.DeviceCreate(0)
	require.NoError(t, err)
	d := dev.(*Device)
	prog := loadImage(t, d, "fill_u32")
	path := d.programs[prog].path

	require.NoError(t, p.DeviceDelete(dev))
	assert.NoFileExists(t, path)
}

func TestDjb2(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint64(5381), djb2(nil))
	assert.Equal(t, uint64(5381*33+'a'), djb2([]byte("a")))
}

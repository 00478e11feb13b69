package client

import (
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/muxhal/internal/cpu"
	"github.com/samcharles93/muxhal/internal/logger"
	"github.com/samcharles93/muxhal/internal/server"
	"github.com/samcharles93/muxhal/internal/transport"
	"github.com/samcharles93/muxhal/pkg/elfimage"
	"github.com/samcharles93/muxhal/pkg/hal"
	"github.com/samcharles93/muxhal/pkg/protocol"
)

func newPlatform(t *testing.T) *cpu.Platform {
	t.Helper()
	return cpu.NewPlatform(cpu.Config{TempDir: t.TempDir(), Logger: logger.Discard()})
}

func hostInfo(t *testing.T, p *cpu.Platform) hal.DeviceInfo {
	t.Helper()
	info, ok := p.DeviceInfo(0)
	require.True(t, ok)
	return info
}

// pipeSession connects a client to a CPU-backed server over an in-memory
// pipe. The returned channel yields the server's final status.
func pipeSession(t *testing.T) (*Client, *server.Server, <-chan server.Status) {
	t.Helper()
	p := newPlatform(t)
	a, b := transport.Pipe()
	srv := server.New(p, a, server.WithLogger(logger.Discard()), server.WithTrace(false))
	done := make(chan server.Status, 1)
	go func() { done <- srv.ProcessCommands() }()

	c := New(hostInfo(t, p), b, nil, logger.Discard())
	t.Cleanup(func() {
		c.Close()
		a.Close()
	})
	return c, srv, done
}

func TestDeviceLifecycleOverPipe(t *testing.T) {
	t.Parallel()
	c, srv, done := pipeSession(t)

	dev, err := c.DeviceCreate(0)
	require.NoError(t, err)
	_, err = c.DeviceCreate(0)
	require.ErrorIs(t, err, hal.ErrDeviceBusy)

	addr := dev.MemAlloc(256, 64)
	require.NotEqual(t, hal.NullPtr, addr)
	assert.Zero(t, uint64(addr)%64)

	require.True(t, dev.MemFill(addr, []byte{1, 2, 3, 4}, 256))
	other := dev.MemAlloc(256, 0)
	require.True(t, dev.MemCopy(other, addr, 256))
	got := make([]byte, 8)
	require.True(t, dev.MemRead(got, other+248))
	assert.Equal(t, []byte{1, 2, 3, 4, 1, 2, 3, 4}, got)

	assert.False(t, dev.MemRead(make([]byte, 512), other), "read past the allocation")
	assert.True(t, dev.MemFree(other))
	assert.False(t, dev.MemFree(other))

	require.NoError(t, c.DeviceDelete(dev))
	assert.False(t, srv.Stats().DeviceBound)
	assert.Equal(t, hal.NullPtr, dev.MemAlloc(16, 0), "released proxy fails locally")
	assert.ErrorIs(t, c.DeviceDelete(dev), hal.ErrUnknownDevice)

	c.Close()
	assert.Equal(t, server.StatusTransmitterFailed, <-done)
}

func TestProgramsOverPipe(t *testing.T) {
	t.Parallel()
	c, _, _ := pipeSession(t)
	dev, err := c.DeviceCreate(0)
	require.NoError(t, err)

	image, err := elfimage.Build([]elfimage.Function{{Name: "fill_u32"}}, elfimage.Options{})
	require.NoError(t, err)
	prog := dev.ProgramLoad(image)
	require.NotEqual(t, hal.InvalidProgram, prog)
	assert.Equal(t, hal.InvalidKernel, dev.ProgramFindKernel(prog, "missing"))
	k := dev.ProgramFindKernel(prog, "fill_u32")
	require.NotEqual(t, hal.InvalidKernel, k)

	buf := dev.MemAlloc(4*8, 4)
	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, 0xfeedface)
	args := []hal.Arg{
		{Kind: hal.ArgAddress, Space: hal.SpaceGlobal, Size: 8, Address: buf},
		{Kind: hal.ArgValue, Size: 4, Value: value},
	}
	nd := &hal.NDRange{Global: [3]uint64{8, 1, 1}, Local: [3]uint64{2, 1, 1}}
	require.True(t, dev.KernelExec(prog, k, nd, args, 1))

	out := make([]byte, 4*8)
	require.True(t, dev.MemRead(out, buf))
	for i := range 8 {
		assert.Equal(t, uint32(0xfeedface), binary.LittleEndian.Uint32(out[4*i:]))
	}

	nd.Local[0] = 3
	assert.False(t, dev.KernelExec(prog, k, nd, args, 1), "non-uniform work-groups are rejected remotely")
	assert.False(t, dev.KernelExec(prog, k, nil, args, 1))

	assert.True(t, dev.ProgramFree(prog))
	assert.False(t, dev.ProgramFree(prog))
	assert.Equal(t, hal.InvalidProgram, dev.ProgramLoad([]byte("not an elf")))
}

func TestDeviceCreateChecks(t *testing.T) {
	t.Parallel()
	p := newPlatform(t)

	t.Run("connect once", func(t *testing.T) {
		calls := 0
		connect := func() error {
			calls++
			return transport.ErrConnectFailed
		}
		c := New(hostInfo(t, p), nil, connect, logger.Discard())
		_, err := c.DeviceCreate(0)
		require.ErrorIs(t, err, transport.ErrConnectFailed)
		_, err = c.DeviceCreate(0)
		require.ErrorIs(t, err, transport.ErrConnectFailed)
		assert.Equal(t, 1, calls)
	})

	t.Run("index", func(t *testing.T) {
		c := New(hostInfo(t, p), nil, nil, logger.Discard())
		_, err := c.DeviceCreate(1)
		require.ErrorIs(t, err, hal.ErrDeviceIndex)
		_, ok := c.DeviceInfo(1)
		assert.False(t, ok)
	})

	t.Run("endianness", func(t *testing.T) {
		info := hostInfo(t, p)
		info.Endianness = hal.BigEndian
		if hal.HostEndianness() == hal.BigEndian {
			info.Endianness = hal.LittleEndian
		}
		c := New(info, nil, nil, logger.Discard())
		_, err := c.DeviceCreate(0)
		require.ErrorIs(t, err, ErrEndiannessMismatch)
	})
}

// fakeServer answers every request on tx with the given status byte and
// handle, without decoding anything beyond the fixed payload.
func fakeServer(tx transport.Transmitter, ok byte, handle uint64) {
	for {
		var pre [protocol.PrefixSize]byte
		if tx.Receive(pre[:]) != nil {
			return
		}
		p, _ := protocol.DecodePrefix(pre[:])
		size, _ := protocol.FixedSize(p.Command)
		if _, err := tx.ReceiveData(uint64(size)); err != nil {
			return
		}
		reply := protocol.Reply{Command: p.Command.Reply(), OK: ok != 0, Value: handle}
		if tx.Send(protocol.EncodeReply(reply), true) != nil {
			return
		}
	}
}

func TestRemoteRejection(t *testing.T) {
	t.Parallel()
	p := newPlatform(t)

	a, b := transport.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	go fakeServer(a, 0, 0)
	c := New(hostInfo(t, p), b, nil, logger.Discard())
	_, err := c.DeviceCreate(0)
	require.ErrorIs(t, err, ErrRemoteRejected)

	a2, b2 := transport.Pipe()
	t.Cleanup(func() { a2.Close(); b2.Close() })
	accept := make(chan struct{})
	go func() {
		// Accept the create, then reject everything after it.
		var pre [protocol.PrefixSize]byte
		if a2.Receive(pre[:]) != nil {
			return
		}
		a2.Send(protocol.EncodeReply(protocol.Reply{Command: protocol.CommandDeviceCreateReply, OK: true}), true)
		close(accept)
		fakeServer(a2, 0, 0)
	}()
	c2 := New(hostInfo(t, p), b2, nil, logger.Discard())
	dev, err := c2.DeviceCreate(0)
	require.NoError(t, err)
	<-accept

	require.ErrorIs(t, c2.DeviceDelete(dev), ErrRemoteRejected)
	_, err = c2.DeviceCreate(0)
	assert.ErrorIs(t, err, ErrRemoteRejected, "local proxy was released despite the rejection")
}

func TestUnexpectedReplyTag(t *testing.T) {
	t.Parallel()
	p := newPlatform(t)
	a, b := transport.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	go func() {
		var pre [protocol.PrefixSize]byte
		if a.Receive(pre[:]) != nil {
			return
		}
		a.Send(protocol.EncodeReply(protocol.Reply{Command: protocol.CommandMemFreeReply, OK: true}), true)
	}()
	c := New(hostInfo(t, p), b, nil, logger.Discard())
	_, err := c.DeviceCreate(0)
	require.ErrorIs(t, err, ErrUnexpectedReply)
}

// tcpServer runs a CPU-backed server on an ephemeral loopback port.
func tcpServer(t *testing.T) (port int, srv *server.Server, done <-chan server.Status, tx *transport.SocketTransmitter) {
	t.Helper()
	p := newPlatform(t)
	tx = transport.NewSocketTransmitter("127.0.0.1", 0, logger.Discard())
	tx.PortWriter = io.Discard
	srv = server.New(p, tx, server.WithLogger(logger.Discard()), server.WithTrace(false))
	ch := make(chan server.Status, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		if err := tx.StartServer(true); err != nil {
			ch <- server.StatusTransmitterFailed
			return
		}
		ch <- srv.ProcessCommands()
	}()
	require.Eventually(t, func() bool { return tx.Port() != 0 }, 5*time.Second, 10*time.Millisecond)
	t.Cleanup(func() {
		tx.Close()
		<-finished
		srv.Close()
	})
	return tx.Port(), srv, ch, tx
}

func TestEndToEndTCP(t *testing.T) {
	t.Parallel()
	port, _, done, stx := tcpServer(t)

	c := NewSocketClient(hostInfo(t, newPlatform(t)), "127.0.0.1", port, logger.Discard())
	dev, err := c.DeviceCreate(0)
	require.NoError(t, err)

	addr := dev.MemAlloc(1024, 16)
	require.NotEqual(t, hal.NullPtr, addr)
	pattern := make([]byte, 1024)
	for i := range pattern {
		pattern[i] = byte(i * 7)
	}
	require.True(t, dev.MemWrite(addr, pattern))
	got := make([]byte, 1024)
	require.True(t, dev.MemRead(got, addr))
	assert.Equal(t, pattern, got)

	require.NoError(t, c.DeviceDelete(dev))
	require.NoError(t, c.Close())

	assert.Equal(t, server.StatusTransmitterFailed, <-done)
	assert.Equal(t, transport.CodeConnectionClosed, stx.LastError(), "client disconnect is a clean close")
}

func TestBarrierKernelOverTCP(t *testing.T) {
	t.Parallel()
	port, _, _, _ := tcpServer(t)

	c := NewSocketClient(hostInfo(t, newPlatform(t)), "127.0.0.1", port, logger.Discard())
	t.Cleanup(func() { c.Close() })
	dev, err := c.DeviceCreate(0)
	require.NoError(t, err)

	image, err := elfimage.Build([]elfimage.Function{{Name: "barrier_markers"}}, elfimage.Options{})
	require.NoError(t, err)
	prog := dev.ProgramLoad(image)
	require.NotEqual(t, hal.InvalidProgram, prog)
	k := dev.ProgramFindKernel(prog, "barrier_markers")
	require.NotEqual(t, hal.InvalidKernel, k)

	markers := dev.MemAlloc(4*4, 4)
	result := dev.MemAlloc(4, 4)
	args := []hal.Arg{
		{Kind: hal.ArgAddress, Space: hal.SpaceGlobal, Size: 8, Address: markers},
		{Kind: hal.ArgAddress, Space: hal.SpaceGlobal, Size: 8, Address: result},
	}
	nd := &hal.NDRange{Global: [3]uint64{4, 1, 1}, Local: [3]uint64{4, 1, 1}}
	for range 20 {
		require.True(t, dev.MemFill(markers, []byte{0, 0, 0, 0}, 16))
		require.True(t, dev.KernelExec(prog, k, nd, args, 1))
		out := make([]byte, 4)
		require.True(t, dev.MemRead(out, result))
		require.Equal(t, uint32(1), binary.LittleEndian.Uint32(out))
	}
	require.NoError(t, c.DeviceDelete(dev))
}

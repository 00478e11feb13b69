package client

import (
	"github.com/samcharles93/muxhal/pkg/hal"
	"github.com/samcharles93/muxhal/pkg/protocol"
)

// DeviceClient proxies hal.Device calls to the remote device. Transport and
// decode failures are logged and reported the same way a device reports an
// ordinary failure.
type DeviceClient struct {
	c        *Client
	released bool
}

var _ hal.Device = (*DeviceClient)(nil)

// Info returns the description the client was created with.
func (d *DeviceClient) Info() hal.DeviceInfo { return d.c.info }

func (d *DeviceClient) call(req protocol.Request, readSize uint64) (protocol.Reply, bool) {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if d.released {
		d.c.log.Warn("remote call skipped", "cmd", req.Command().String(), "error", ErrDeviceReleased)
		return protocol.Reply{}, false
	}
	r, err := d.c.roundTrip(req, readSize)
	if err != nil {
		d.c.log.Error("remote call failed", "cmd", req.Command().String(), "error", err)
		return protocol.Reply{}, false
	}
	return r, true
}

func (d *DeviceClient) MemAlloc(size, alignment uint64) hal.Addr {
	r, _ := d.call(&protocol.MemAllocRequest{Size: size, Alignment: alignment}, 0)
	return hal.Addr(r.Value)
}

func (d *DeviceClient) MemFree(addr hal.Addr) bool {
	r, _ := d.call(&protocol.MemFreeRequest{Addr: addr}, 0)
	return r.OK
}

func (d *DeviceClient) MemCopy(dst, src hal.Addr, size uint64) bool {
	r, _ := d.call(&protocol.MemCopyRequest{Dst: dst, Src: src, Size: size}, 0)
	return r.OK
}

func (d *DeviceClient) MemFill(dst hal.Addr, pattern []byte, size uint64) bool {
	r, _ := d.call(&protocol.MemFillRequest{Dst: dst, Size: size, Pattern: pattern}, 0)
	return r.OK
}

// MemRead fills dst from the remote device.
func (d *DeviceClient) MemRead(dst []byte, src hal.Addr) bool {
	r, ok := d.call(&protocol.MemReadRequest{Src: src, Size: uint64(len(dst))}, uint64(len(dst)))
	if !ok || !r.OK {
		return false
	}
	copy(dst, r.Data)
	return true
}

func (d *DeviceClient) MemWrite(dst hal.Addr, src []byte) bool {
	r, _ := d.call(&protocol.MemWriteRequest{Dst: dst, Data: src}, 0)
	return r.OK
}

// ProgramLoad sends the whole image to the server, which stages and loads it.
func (d *DeviceClient) ProgramLoad(data []byte) hal.Program {
	r, _ := d.call(&protocol.ProgramLoadRequest{Data: data}, 0)
	return hal.Program(r.Value)
}

func (d *DeviceClient) ProgramFree(program hal.Program) bool {
	r, _ := d.call(&protocol.ProgramFreeRequest{Program: program}, 0)
	return r.OK
}

func (d *DeviceClient) ProgramFindKernel(program hal.Program, name string) hal.Kernel {
	r, _ := d.call(&protocol.FindKernelRequest{Program: program, Name: name}, 0)
	return hal.Kernel(r.Value)
}

func (d *DeviceClient) KernelExec(program hal.Program, kernel hal.Kernel, ndRange *hal.NDRange, args []hal.Arg, workDim uint32) bool {
	if ndRange == nil {
		return false
	}
	r, _ := d.call(&protocol.KernelExecRequest{
		Program: program,
		Kernel:  kernel,
		NDRange: *ndRange,
		WorkDim: workDim,
		Args:    args,
	}, 0)
	return r.OK
}

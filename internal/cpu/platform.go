// Package cpu implements the HAL for the host CPU.
//
// Kernel images are ELF objects whose exported function symbols name kernel
// bodies registered with RegisterKernel. A dispatch runs one goroutine per
// work-item of the work-group; work-items synchronise through a per-device
// barrier. Device memory is host memory addressed through a private device
// address space.
package cpu

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/samcharles93/muxhal/internal/argpack"
	"github.com/samcharles93/muxhal/internal/logger"
	"github.com/samcharles93/muxhal/pkg/hal"
)

const (
	// APIVersion is the HAL interface revision implemented here.
	APIVersion = 6

	// DefaultGlobalMemMax caps live device allocations.
	DefaultGlobalMemMax = 4 << 30

	// DefaultMaxWorkGroupSize caps work-items per group, one goroutine each.
	DefaultMaxWorkGroupSize = 1 << 16
)

// Config configures a Platform. Zero fields take defaults.
type Config struct {
	TempDir          string
	LocalMemSize     uint64
	GlobalMemMax     uint64
	MaxWorkGroupSize uint64
	Logger           logger.Logger
}

// Platform is the CPU HAL platform object. It owns the single CPU device and
// the lock that serialises everything done to it.
type Platform struct {
	cfg    Config
	lock   sync.Mutex
	device *Device
}

var _ hal.HAL = (*Platform)(nil)

// NewPlatform returns a Platform with no device created.
func NewPlatform(cfg Config) *Platform {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.LocalMemSize == 0 {
		cfg.LocalMemSize = argpack.DefaultLocalMemSize
	}
	if cfg.GlobalMemMax == 0 {
		cfg.GlobalMemMax = DefaultGlobalMemMax
	}
	if cfg.MaxWorkGroupSize == 0 {
		cfg.MaxWorkGroupSize = DefaultMaxWorkGroupSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	return &Platform{cfg: cfg}
}

var defaultPlatform = sync.OnceValue(func() *Platform {
	return NewPlatform(Config{})
})

// Default returns the process-wide platform, created on first use.
func Default() *Platform {
	return defaultPlatform()
}

func (p *Platform) Info() hal.Info {
	return hal.Info{Name: "cpu", APIVersion: APIVersion, NumDevices: 1}
}

func (p *Platform) DeviceInfo(index uint32) (hal.DeviceInfo, bool) {
	if index != 0 {
		return hal.DeviceInfo{}, false
	}
	return hal.DeviceInfo{
		Name:             "cpu-" + runtime.GOARCH,
		Arch:             runtime.GOARCH,
		WordSize:         strconv.IntSize,
		Endianness:       hal.HostEndianness(),
		GlobalMemMax:     p.cfg.GlobalMemMax,
		LocalMemSize:     p.cfg.LocalMemSize,
		MaxWorkGroupSize: p.cfg.MaxWorkGroupSize,
	}, true
}

func (p *Platform) DeviceCreate(index uint32) (hal.Device, error) {
	info, ok := p.DeviceInfo(index)
	if !ok {
		return nil, fmt.Errorf("%w: %d", hal.ErrDeviceIndex, index)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.device != nil {
		return nil, hal.ErrDeviceBusy
	}
	p.device = newDevice(&p.lock, info, p.cfg.TempDir, p.cfg.Logger)
	return p.device, nil
}

func (p *Platform) DeviceDelete(device hal.Device) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	d, ok := device.(*Device)
	if !ok || d == nil || d != p.device {
		return hal.ErrUnknownDevice
	}
	d.close()
	p.device = nil
	return nil
}

// Stats returns the counters of the current device, if one exists.
func (p *Platform) Stats() (Stats, bool) {
	p.lock.Lock()
	d := p.device
	p.lock.Unlock()
	if d == nil {
		return Stats{}, false
	}
	return d.Stats(), true
}

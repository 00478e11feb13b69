// Package client implements hal.HAL on top of a transmitter connected to a
// remote HAL server.
//
// The Client owns the connection and the single remote device. Every device
// operation on the returned DeviceClient is one request/reply round trip;
// round trips are serialised, so a DeviceClient may be shared between
// goroutines.
package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/muxhal/internal/logger"
	"github.com/samcharles93/muxhal/internal/transport"
	"github.com/samcharles93/muxhal/pkg/hal"
	"github.com/samcharles93/muxhal/pkg/protocol"
)

var (
	// ErrEndiannessMismatch means the remote device does not share the host
	// byte order. The protocol carries host-order data and cannot be used.
	ErrEndiannessMismatch = errors.New("client: device endianness differs from host")
	ErrRemoteRejected     = errors.New("client: remote rejected request")
	ErrUnexpectedReply    = errors.New("client: unexpected reply")
	ErrDeviceReleased     = errors.New("client: device released")
)

// APIVersion is reported by Info for the remote platform.
const APIVersion = 6

// Client is a hal.HAL whose device lives behind a transmitter.
type Client struct {
	info    hal.DeviceInfo
	tx      transport.Transmitter
	connect func() error
	log     logger.Logger

	connectOnce sync.Once
	connectErr  error

	// mu serialises round trips and guards device.
	mu     sync.Mutex
	device *DeviceClient
}

var _ hal.HAL = (*Client)(nil)

// New returns a client that talks over tx. connect, if non-nil, is called
// exactly once, on the first DeviceCreate. info describes the remote device
// and is checked against the host before any device is created.
func New(info hal.DeviceInfo, tx transport.Transmitter, connect func() error, log logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		info:    info,
		tx:      tx,
		connect: connect,
		log:     log.With("component", "client", "device", info.Name),
	}
}

// NewSocketClient returns a client that connects to a server at node:port.
func NewSocketClient(info hal.DeviceInfo, node string, port int, log logger.Logger) *Client {
	tx := transport.NewSocketTransmitter(node, port, log)
	return New(info, tx, tx.MakeConnection, log)
}

func (c *Client) Info() hal.Info {
	return hal.Info{Name: "remote:" + c.info.Name, APIVersion: APIVersion, NumDevices: 1}
}

func (c *Client) DeviceInfo(index uint32) (hal.DeviceInfo, bool) {
	if index != 0 {
		return hal.DeviceInfo{}, false
	}
	return c.info, true
}

// DeviceCreate connects on first use and asks the server to bind its device.
func (c *Client) DeviceCreate(index uint32) (hal.Device, error) {
	c.connectOnce.Do(func() {
		if c.connect != nil {
			c.connectErr = c.connect()
		}
	})
	if c.connectErr != nil {
		return nil, fmt.Errorf("client: connect: %w", c.connectErr)
	}
	if index != 0 {
		return nil, fmt.Errorf("%w: %d", hal.ErrDeviceIndex, index)
	}
	if host := hal.HostEndianness(); c.info.Endianness != host {
		return nil, fmt.Errorf("%w: device %s, host %s", ErrEndiannessMismatch, c.info.Endianness, host)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		return nil, hal.ErrDeviceBusy
	}
	r, err := c.roundTrip(&protocol.DeviceCreateRequest{}, 0)
	if err != nil {
		return nil, fmt.Errorf("client: device create: %w", err)
	}
	if !r.OK {
		return nil, fmt.Errorf("%w: device create", ErrRemoteRejected)
	}
	c.device = &DeviceClient{c: c}
	c.log.Debug("remote device created")
	return c.device, nil
}

// DeviceDelete asks the server to delete its device. The local proxy is
// released whatever the server answers; the error reports whether the server
// acknowledged the delete.
func (c *Client) DeviceDelete(device hal.Device) error {
	d, ok := device.(*DeviceClient)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok || d == nil || d != c.device {
		return hal.ErrUnknownDevice
	}
	c.device = nil
	d.released = true

	r, err := c.roundTrip(&protocol.DeviceDeleteRequest{}, 0)
	if err != nil {
		return fmt.Errorf("client: device delete: %w", err)
	}
	if !r.OK {
		return fmt.Errorf("%w: device delete", ErrRemoteRejected)
	}
	return nil
}

// Close closes the underlying transmitter.
func (c *Client) Close() error {
	return c.tx.Close()
}

// roundTrip sends req and waits for its reply. The caller holds c.mu.
// readSize is the number of bytes that follow a successful MEM_READ reply.
func (c *Client) roundTrip(req protocol.Request, readSize uint64) (protocol.Reply, error) {
	if err := c.tx.Send(protocol.EncodeRequest(0, req), true); err != nil {
		return protocol.Reply{}, err
	}
	var tag [protocol.ReplyTagSize]byte
	if err := c.tx.Receive(tag[:]); err != nil {
		return protocol.Reply{}, err
	}
	cmd, _ := protocol.DecodeReplyTag(tag[:])
	if want := req.Command().Reply(); cmd != want {
		return protocol.Reply{}, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedReply, cmd, want)
	}
	size, _ := protocol.FixedSize(cmd)
	payload, err := c.tx.ReceiveData(uint64(size))
	if err != nil {
		return protocol.Reply{}, err
	}
	r, err := protocol.DecodeReply(cmd, payload)
	if err != nil {
		return protocol.Reply{}, err
	}
	if cmd == protocol.CommandMemReadReply && r.OK {
		if r.Data, err = c.tx.ReceiveData(readSize); err != nil {
			return protocol.Reply{}, err
		}
	}
	return r, nil
}

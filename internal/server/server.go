// Package server answers remote HAL requests on a single transmitter by
// calling into a local hal.HAL.
//
// The server is strictly turn-taking: it reads one request, runs it against
// the bound device and writes the reply before reading the next. Device
// failures (false, NullPtr, InvalidProgram, InvalidKernel) are forwarded in
// the reply unchanged; only transport and framing failures stop the loop.
package server

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/samcharles93/muxhal/internal/logger"
	"github.com/samcharles93/muxhal/internal/transport"
	"github.com/samcharles93/muxhal/pkg/hal"
	"github.com/samcharles93/muxhal/pkg/protocol"
)

// EnvDebug enables per-command tracing when set to "1".
const EnvDebug = "HAL_DEBUG_SERVER"

// maxReadSize bounds the buffer allocated for a single MEM_READ.
const maxReadSize = 1 << 32

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithTrace forces per-command tracing on or off, overriding EnvDebug.
func WithTrace(on bool) Option {
	return func(s *Server) { s.trace = &on }
}

// Stats is a snapshot of a server session.
type Stats struct {
	Session     string            `json:"session"`
	Started     time.Time         `json:"started"`
	DeviceBound bool              `json:"device_bound"`
	Commands    map[string]uint64 `json:"commands"`
	BytesIn     uint64            `json:"bytes_in"`
	BytesOut    uint64            `json:"bytes_out"`
	LastStatus  string            `json:"last_status"`
}

// Server processes requests arriving on one transmitter.
type Server struct {
	hal   hal.HAL
	tx    transport.Transmitter
	log   logger.Logger
	trace *bool
	tlog  logger.Logger

	session uuid.UUID
	started time.Time

	device hal.Device

	mu       sync.Mutex
	commands map[protocol.Command]uint64
	bytesIn  uint64
	bytesOut uint64
	last     Status
	bound    bool
}

// New returns a server that executes requests from tx on platform h.
func New(h hal.HAL, tx transport.Transmitter, opts ...Option) *Server {
	s := &Server{
		hal:      h,
		tx:       tx,
		session:  uuid.New(),
		started:  time.Now(),
		commands: make(map[protocol.Command]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Default()
	}
	s.log = s.log.With("session", s.session.String())

	trace := os.Getenv(EnvDebug) == "1"
	if s.trace != nil {
		trace = *s.trace
	}
	if trace {
		s.tlog = s.log
		if !s.log.Enabled(slog.LevelDebug) {
			s.tlog = logger.Pretty(os.Stderr, slog.LevelDebug).With("session", s.session.String())
		}
	}
	return s
}

// Session returns the id logged with every record of this server.
func (s *Server) Session() uuid.UUID { return s.session }

// ProcessCommands runs ProcessCommand until it reports anything but
// StatusSuccess, and returns that status.
func (s *Server) ProcessCommands() Status {
	for {
		if st := s.ProcessCommand(); st != StatusSuccess {
			return st
		}
	}
}

// ProcessCommand receives, executes and answers one request.
func (s *Server) ProcessCommand() Status {
	st := s.processCommand()
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
	return st
}

func (s *Server) processCommand() Status {
	var buf [protocol.PrefixSize]byte
	if err := s.tx.Receive(buf[:]); err != nil {
		s.logTransport("receive prefix", err)
		return StatusTransmitterFailed
	}
	s.countIn(len(buf))
	prefix, _ := protocol.DecodePrefix(buf[:])
	if prefix.Device != 0 {
		s.log.Warn("request for unsupported device", "device", prefix.Device, "cmd", prefix.Command.String())
		return StatusDeviceNotSupported
	}
	if !prefix.Command.IsRequest() {
		s.log.Warn("unknown command", "cmd", prefix.Command.String())
		return StatusUnknownCommand
	}

	size, ok := protocol.FixedSize(prefix.Command)
	if !ok {
		return StatusDecodeFailed
	}
	fixed, err := s.tx.ReceiveData(uint64(size))
	if err != nil {
		s.logTransport("receive payload", err)
		return StatusTransmitterFailed
	}
	s.countIn(len(fixed))
	req, err := protocol.DecodeRequest(prefix.Command, fixed)
	if err != nil {
		s.log.Warn("decode failed", "cmd", prefix.Command.String(), "error", err)
		return StatusDecodeFailed
	}
	if tr, ok := req.(protocol.TailedRequest); ok {
		tail, err := s.tx.ReceiveData(tr.TailSize())
		if err != nil {
			s.logTransport("receive data", err)
			return StatusTransmitterFailed
		}
		s.countIn(len(tail))
		if err := tr.SetTail(tail); err != nil {
			s.log.Warn("decode failed", "cmd", prefix.Command.String(), "error", err)
			return StatusDecodeFailed
		}
	}

	s.mu.Lock()
	s.commands[prefix.Command]++
	s.mu.Unlock()

	reply := s.execute(req)
	out := protocol.EncodeReply(reply)
	if err := s.tx.Send(out, true); err != nil {
		s.logTransport("send reply", err)
		return StatusTransmitterFailed
	}
	s.mu.Lock()
	s.bytesOut += uint64(len(out))
	s.mu.Unlock()
	return StatusSuccess
}

func (s *Server) countIn(n int) {
	s.mu.Lock()
	s.bytesIn += uint64(n)
	s.mu.Unlock()
}

func (s *Server) logTransport(op string, err error) {
	if transport.CodeOf(err) == transport.CodeConnectionClosed {
		s.log.Info("client disconnected", "op", op)
		return
	}
	s.log.Error("transmitter failed", "op", op, "error", err)
}

// execute runs req against the bound device. With no device bound every
// device operation fails the way the device itself would report failure.
func (s *Server) execute(req protocol.Request) protocol.Reply {
	cmd := req.Command()
	reply := protocol.Reply{Command: cmd.Reply()}
	dev := s.device

	switch r := req.(type) {
	case *protocol.DeviceCreateRequest:
		reply.OK = s.createDevice()
		s.tracef(cmd, "ok", reply.OK)

	case *protocol.DeviceDeleteRequest:
		reply.OK = s.deleteDevice()
		s.tracef(cmd, "ok", reply.OK)

	case *protocol.MemAllocRequest:
		if dev != nil {
			reply.Value = uint64(dev.MemAlloc(r.Size, r.Alignment))
		}
		s.tracef(cmd, "size", humanize.IBytes(r.Size), "align", r.Alignment, "addr", hal.Addr(reply.Value))

	case *protocol.MemFreeRequest:
		reply.OK = dev != nil && dev.MemFree(r.Addr)
		s.tracef(cmd, "addr", r.Addr, "ok", reply.OK)

	case *protocol.MemWriteRequest:
		reply.OK = dev != nil && dev.MemWrite(r.Dst, r.Data)
		s.tracef(cmd, "dst", r.Dst, "size", humanize.IBytes(r.Size), "ok", reply.OK)

	case *protocol.MemReadRequest:
		if dev != nil && r.Size <= maxReadSize {
			data := make([]byte, r.Size)
			if dev.MemRead(data, r.Src) {
				reply.OK, reply.Data = true, data
			}
		}
		s.tracef(cmd, "src", r.Src, "size", humanize.IBytes(r.Size), "ok", reply.OK)

	case *protocol.MemFillRequest:
		reply.OK = dev != nil && dev.MemFill(r.Dst, r.Pattern, r.Size)
		s.tracef(cmd, "dst", r.Dst, "size", humanize.IBytes(r.Size), "pattern", len(r.Pattern), "ok", reply.OK)

	case *protocol.MemCopyRequest:
		reply.OK = dev != nil && dev.MemCopy(r.Dst, r.Src, r.Size)
		s.tracef(cmd, "dst", r.Dst, "src", r.Src, "size", humanize.IBytes(r.Size), "ok", reply.OK)

	case *protocol.ProgramLoadRequest:
		if dev != nil {
			reply.Value = uint64(dev.ProgramLoad(r.Data))
		}
		s.tracef(cmd, "size", humanize.IBytes(r.Size), "program", reply.Value)

	case *protocol.ProgramFreeRequest:
		reply.OK = dev != nil && dev.ProgramFree(r.Program)
		s.tracef(cmd, "program", uint64(r.Program), "ok", reply.OK)

	case *protocol.FindKernelRequest:
		if dev != nil {
			reply.Value = uint64(dev.ProgramFindKernel(r.Program, r.Name))
		}
		s.tracef(cmd, "program", uint64(r.Program), "name", r.Name, "kernel", reply.Value)

	case *protocol.KernelExecRequest:
		nd := r.NDRange
		reply.OK = dev != nil && dev.KernelExec(r.Program, r.Kernel, &nd, r.Args, r.WorkDim)
		s.tracef(cmd, "program", uint64(r.Program), "kernel", uint64(r.Kernel),
			"global", r.NDRange.Global, "local", r.NDRange.Local, "offset", r.NDRange.Offset,
			"work_dim", r.WorkDim, "args", len(r.Args), "ok", reply.OK)
	}
	return reply
}

func (s *Server) tracef(cmd protocol.Command, args ...any) {
	if s.tlog == nil {
		return
	}
	s.tlog.Debug(cmd.String(), args...)
}

func (s *Server) createDevice() bool {
	if s.device != nil {
		return true
	}
	dev, err := s.hal.DeviceCreate(0)
	if err != nil {
		s.log.Error("device create failed", "error", err)
		return false
	}
	s.setDevice(dev)
	return true
}

func (s *Server) deleteDevice() bool {
	if s.device == nil {
		return false
	}
	err := s.hal.DeviceDelete(s.device)
	s.setDevice(nil)
	if err != nil {
		s.log.Error("device delete failed", "error", err)
		return false
	}
	return true
}

func (s *Server) setDevice(dev hal.Device) {
	s.device = dev
	s.mu.Lock()
	s.bound = dev != nil
	s.mu.Unlock()
}

// Close deletes the bound device, if any. It must not run concurrently with
// ProcessCommand.
func (s *Server) Close() error {
	if s.device == nil {
		return nil
	}
	s.log.Info("deleting device left bound at shutdown")
	err := s.hal.DeviceDelete(s.device)
	s.setDevice(nil)
	return err
}

// Stats returns a snapshot of the session counters. It is safe to call
// while the server is processing commands.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Session:     s.session.String(),
		Started:     s.started,
		DeviceBound: s.bound,
		Commands:    make(map[string]uint64, len(s.commands)),
		BytesIn:     s.bytesIn,
		BytesOut:    s.bytesOut,
		LastStatus:  s.last.String(),
	}
	for c, n := range s.commands {
		st.Commands[c.String()] = n
	}
	return st
}

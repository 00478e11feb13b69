// Package transport moves protocol bytes between a HAL client and server.
//
// A Transmitter is a reliable, ordered, blocking byte stream. Receives are
// exact-size: they either fill the whole buffer or fail. A peer that closes
// the stream is reported as ErrConnectionClosed, distinct from other receive
// failures, so a server can tell a clean disconnect from a broken link.
package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// Transmitter is the byte stream used by the protocol client and server.
type Transmitter interface {
	// Send queues data and, when flush is set, pushes everything queued so
	// far to the peer.
	Send(data []byte, flush bool) error
	// Receive fills buf completely.
	Receive(buf []byte) error
	// ReceiveData receives exactly size bytes into a new slice.
	ReceiveData(size uint64) ([]byte, error)
	Close() error
	// LastError returns the code of the most recent failure.
	LastError() ErrorCode
}

// maxReceiveData bounds a single variable-length receive. Lengths come off
// the wire, so a corrupt header must not be able to trigger a huge
// allocation before the read fails.
const maxReceiveData = 1 << 32

// stream implements Transmitter over a connected net.Conn.
type stream struct {
	mu        sync.Mutex
	conn      net.Conn
	r         *bufio.Reader
	w         *bufio.Writer
	connected atomic.Bool
	lastErr   atomic.Int64
}

func (s *stream) attach(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.r = bufio.NewReader(conn)
	s.w = bufio.NewWriter(conn)
	s.mu.Unlock()
	s.connected.Store(true)
}

func (s *stream) fail(code ErrorCode, op string, err error) error {
	s.lastErr.Store(int64(code))
	if code == CodeConnectionClosed {
		s.connected.Store(false)
	}
	return &Error{Code: code, Op: op, Err: err}
}

func (s *stream) Send(data []byte, flush bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return s.fail(CodeSendError, "send", ErrNotConnected)
	}
	if _, err := s.w.Write(data); err != nil {
		return s.fail(CodeSendError, "send", err)
	}
	if flush {
		if err := s.w.Flush(); err != nil {
			return s.fail(CodeSendError, "flush", err)
		}
	}
	return nil
}

func (s *stream) Receive(buf []byte) error {
	s.mu.Lock()
	r := s.r
	s.mu.Unlock()
	if r == nil {
		return s.fail(CodeRecvError, "receive", ErrNotConnected)
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		if isClosed(err) {
			return s.fail(CodeConnectionClosed, "receive", err)
		}
		return s.fail(CodeRecvError, "receive", err)
	}
	return nil
}

func (s *stream) ReceiveData(size uint64) ([]byte, error) {
	if size > maxReceiveData {
		return nil, s.fail(CodeRecvError, "receive", errors.New("variable data too large"))
	}
	buf := make([]byte, size)
	if err := s.Receive(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// IsConnected reports whether the stream has a live peer.
func (s *stream) IsConnected() bool { return s.connected.Load() }

func (s *stream) LastError() ErrorCode { return ErrorCode(s.lastErr.Load()) }

func (s *stream) closeConn() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	s.connected.Store(false)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// isClosed reports whether a read error means the peer went away rather
// than the link failing. A reset or a locally closed socket counts as a
// close: both leave nothing further to read.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// Pipe returns two connected in-memory transmitters.
func Pipe() (Transmitter, Transmitter) {
	a, b := net.Pipe()
	ta, tb := &pipeTransmitter{}, &pipeTransmitter{}
	ta.attach(a)
	tb.attach(b)
	return ta, tb
}

type pipeTransmitter struct {
	stream
}

func (p *pipeTransmitter) Close() error { return p.closeConn() }

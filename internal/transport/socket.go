package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/samcharles93/muxhal/internal/logger"
)

// SocketTransmitter is a TCP Transmitter. A server instance accepts exactly
// one client for its lifetime; a new connection needs a new process.
type SocketTransmitter struct {
	stream

	node string
	port int
	log  logger.Logger
	// PortWriter receives the "listening on" line when StartServer is asked
	// to print the port. Defaults to os.Stdout.
	PortWriter io.Writer

	closeOnce sync.Once
	lnMu      sync.Mutex
	ln        net.Listener
	boundPort int
}

// NewSocketTransmitter returns an unconnected transmitter for node:port.
// Port 0 asks StartServer for an ephemeral port.
func NewSocketTransmitter(node string, port int, log logger.Logger) *SocketTransmitter {
	if log == nil {
		log = logger.Default()
	}
	return &SocketTransmitter{
		node:       node,
		port:       port,
		log:        log.With("component", "transport", "node", node),
		PortWriter: os.Stdout,
	}
}

func (t *SocketTransmitter) addr() string {
	return net.JoinHostPort(t.node, strconv.Itoa(t.port))
}

// StartServer binds, listens and blocks until a single client connects.
func (t *SocketTransmitter) StartServer(printPort bool) error {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", t.addr())
	if err != nil {
		code := CodeListenFailed
		if isBindError(err) {
			code = CodeBindFailed
		}
		return t.fail(code, "listen", err)
	}

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		ln.Close()
		return t.fail(CodeGetsocknameFailed, "getsockname", fmt.Errorf("unexpected address %v", ln.Addr()))
	}
	t.lnMu.Lock()
	t.ln = ln
	t.boundPort = tcpAddr.Port
	t.lnMu.Unlock()

	if printPort {
		fmt.Fprintf(t.PortWriter, "Listening on port %d\n", tcpAddr.Port)
	}
	t.log.Info("waiting for client", "port", tcpAddr.Port)

	conn, err := ln.Accept()
	t.lnMu.Lock()
	t.ln = nil
	t.lnMu.Unlock()
	ln.Close()
	if err != nil {
		return t.fail(CodeAcceptFailed, "accept", err)
	}
	setNoDelay(conn)
	t.attach(conn)
	t.log.Info("client connected", "remote", conn.RemoteAddr().String())
	return nil
}

// MakeConnection connects to the configured node and port.
func (t *SocketTransmitter) MakeConnection() error {
	conn, err := net.Dial("tcp", t.addr())
	if err != nil {
		return t.fail(CodeConnectFailed, "connect", err)
	}
	setNoDelay(conn)
	t.attach(conn)
	t.log.Debug("connected", "remote", conn.RemoteAddr().String())
	return nil
}

// Port returns the bound port once StartServer is listening, or the
// configured port otherwise.
func (t *SocketTransmitter) Port() int {
	t.lnMu.Lock()
	defer t.lnMu.Unlock()
	if t.boundPort != 0 {
		return t.boundPort
	}
	return t.port
}

// Close shuts the listener (unblocking a pending accept) and the connection.
// It is safe to call from a signal handler goroutine.
func (t *SocketTransmitter) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.lnMu.Lock()
		if t.ln != nil {
			t.ln.Close()
		}
		t.lnMu.Unlock()
		err = t.closeConn()
	})
	return err
}

func reuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func isBindError(err error) bool {
	return errors.Is(err, unix.EADDRINUSE) ||
		errors.Is(err, unix.EADDRNOTAVAIL) ||
		errors.Is(err, unix.EACCES)
}

func setNoDelay(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
}

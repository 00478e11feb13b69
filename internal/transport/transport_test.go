package transport

import (
	"bytes"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/muxhal/internal/logger"
)

const (
	timeout = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// startPair starts a server on an ephemeral loopback port and connects a
// client to it.
func startPair(t *testing.T) (server, client *SocketTransmitter) {
	t.Helper()
	server = NewSocketTransmitter("127.0.0.1", 0, logger.Discard())
	var portLine bytes.Buffer
	server.PortWriter = &portLine

	done := make(chan error, 1)
	go func() { done <- server.StartServer(true) }()

	require.Eventually(t, func() bool {
		server.lnMu.Lock()
		defer server.lnMu.Unlock()
		return server.boundPort != 0
	}, timeout, tick)

	client = NewSocketTransmitter("127.0.0.1", server.Port(), logger.Discard())
	require.NoError(t, client.MakeConnection())
	require.NoError(t, <-done)
	require.Equal(t, "Listening on port "+strconv.Itoa(server.Port())+"\n", portLine.String())
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestSocketRoundTrip(t *testing.T) {
	t.Parallel()
	server, client := startPair(t)
	assert.True(t, server.IsConnected())
	assert.True(t, client.IsConnected())

	require.NoError(t, client.Send([]byte("hello, "), false))
	require.NoError(t, client.Send([]byte("server"), true))

	buf := make([]byte, 5)
	require.NoError(t, server.Receive(buf))
	assert.Equal(t, "hello", string(buf))
	rest, err := server.ReceiveData(8)
	require.NoError(t, err)
	assert.Equal(t, ", server", string(rest))

	empty, err := server.ReceiveData(0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSocketPeerCloseIsConnectionClosed(t *testing.T) {
	t.Parallel()
	server, client := startPair(t)

	require.NoError(t, server.Close())
	err := client.Receive(make([]byte, 4))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.NotErrorIs(t, err, ErrRecvError)
	assert.Equal(t, CodeConnectionClosed, client.LastError())
	assert.Equal(t, CodeConnectionClosed, CodeOf(err))
	assert.False(t, client.IsConnected())
}

func TestSocketConnectFailed(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	client := NewSocketTransmitter("127.0.0.1", port, logger.Discard())
	err = client.MakeConnection()
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, CodeConnectFailed, client.LastError())
}

func TestSocketBindFailed(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	server := NewSocketTransmitter("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, logger.Discard())
	err = server.StartServer(false)
	assert.ErrorIs(t, err, ErrBindFailed)
	assert.Equal(t, CodeBindFailed, server.LastError())
}

func TestCloseUnblocksAccept(t *testing.T) {
	t.Parallel()
	server := NewSocketTransmitter("127.0.0.1", 0, logger.Discard())
	done := make(chan error, 1)
	go func() { done <- server.StartServer(false) }()

	require.Eventually(t, func() bool { return server.Port() != 0 }, timeout, tick)
	require.NoError(t, server.Close())
	assert.ErrorIs(t, <-done, ErrAcceptFailed)
}

func TestUnconnected(t *testing.T) {
	t.Parallel()
	tr := NewSocketTransmitter("127.0.0.1", 1, logger.Discard())
	assert.ErrorIs(t, tr.Send([]byte{1}, true), ErrSendError)
	assert.ErrorIs(t, tr.Receive(make([]byte, 1)), ErrRecvError)
	assert.ErrorIs(t, tr.Receive(make([]byte, 1)), ErrNotConnected)
	assert.NoError(t, tr.Close())
}

func TestPipe(t *testing.T) {
	t.Parallel()
	a, b := Pipe()
	go func() {
		a.Send([]byte{1, 2, 3}, true)
		a.Close()
	}()

	got, err := b.ReceiveData(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	err = b.Receive(make([]byte, 1))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, CodeConnectionClosed, b.LastError())
}

func TestErrorMatching(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	err := error(&Error{Code: CodeSendError, Op: "send", Err: cause})
	assert.ErrorIs(t, err, ErrSendError)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrRecvError)
	assert.Equal(t, "transport: send: send error: boom", err.Error())
	assert.Equal(t, CodeNone, CodeOf(cause))
	assert.Equal(t, "code(42)", ErrorCode(42).String())
}

package transport

import (
	"errors"
	"fmt"
)

// ErrorCode classifies transmitter failures.
type ErrorCode int

const (
	CodeNone ErrorCode = iota
	CodeBindFailed
	CodeConnectFailed
	CodeConnectionClosed
	CodeListenFailed
	CodeAcceptFailed
	CodeSendError
	CodeRecvError
	CodeGetsocknameFailed
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeBindFailed:
		return "bind failed"
	case CodeConnectFailed:
		return "connect failed"
	case CodeConnectionClosed:
		return "connection closed"
	case CodeListenFailed:
		return "listen failed"
	case CodeAcceptFailed:
		return "accept failed"
	case CodeSendError:
		return "send error"
	case CodeRecvError:
		return "recv error"
	case CodeGetsocknameFailed:
		return "getsockname failed"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its code.
var (
	ErrBindFailed        = errors.New("transport: bind failed")
	ErrConnectFailed     = errors.New("transport: connect failed")
	ErrConnectionClosed  = errors.New("transport: connection closed")
	ErrListenFailed      = errors.New("transport: listen failed")
	ErrAcceptFailed      = errors.New("transport: accept failed")
	ErrSendError         = errors.New("transport: send error")
	ErrRecvError         = errors.New("transport: recv error")
	ErrGetsocknameFailed = errors.New("transport: getsockname failed")
	ErrNotConnected      = errors.New("transport: not connected")
)

var codeSentinels = map[ErrorCode]error{
	CodeBindFailed:        ErrBindFailed,
	CodeConnectFailed:     ErrConnectFailed,
	CodeConnectionClosed:  ErrConnectionClosed,
	CodeListenFailed:      ErrListenFailed,
	CodeAcceptFailed:      ErrAcceptFailed,
	CodeSendError:         ErrSendError,
	CodeRecvError:         ErrRecvError,
	CodeGetsocknameFailed: ErrGetsocknameFailed,
}

// Error is a transmitter failure with its classification and cause.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("transport: %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s, ok := codeSentinels[e.Code]
	return ok && s == target
}

// CodeOf returns the code carried by err, or CodeNone.
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeNone
}

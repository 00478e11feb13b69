package protocol

import "errors"

var (
	ErrShortPayload   = errors.New("protocol: short payload")
	ErrUnknownCommand = errors.New("protocol: unknown command")
	ErrMalformedArgs  = errors.New("protocol: malformed kernel arguments")
	ErrTailMismatch   = errors.New("protocol: variable data length mismatch")
)

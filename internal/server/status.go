package server

import "fmt"

// Status is the outcome of processing one command. Anything other than
// StatusSuccess ends the command loop.
type Status int

const (
	StatusSuccess Status = iota
	StatusTransmitterFailed
	StatusDeviceNotSupported
	StatusUnknownCommand
	StatusDecodeFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTransmitterFailed:
		return "transmitter failed"
	case StatusDeviceNotSupported:
		return "device not supported"
	case StatusUnknownCommand:
		return "unknown command"
	case StatusDecodeFailed:
		return "decode failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

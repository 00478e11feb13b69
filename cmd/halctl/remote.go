package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/muxhal/internal/client"
	"github.com/samcharles93/muxhal/internal/logger"
	"github.com/samcharles93/muxhal/pkg/hal"
)

// session is an open remote device.
type session struct {
	client *client.Client
	device hal.Device
}

// expectedInfo is what the client assumes about the remote device: the same
// architecture and byte order as this process.
func expectedInfo() hal.DeviceInfo {
	return hal.DeviceInfo{
		Name:       "remote-" + runtime.GOARCH,
		Arch:       runtime.GOARCH,
		WordSize:   strconv.IntSize,
		Endianness: hal.HostEndianness(),
	}
}

func openSession() (*session, error) {
	if port <= 0 || port > 65535 {
		return nil, errors.New("--port is required (1-65535)")
	}
	log := logger.Text(os.Stderr, logger.ParseLevel(logLevel))
	c := client.NewSocketClient(expectedInfo(), node, port, log)
	dev, err := c.DeviceCreate(0)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return &session{client: c, device: dev}, nil
}

// Close deletes the remote device and closes the connection. The server
// exits once the connection is gone.
func (s *session) Close() error {
	err := s.client.DeviceDelete(s.device)
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// parseDims parses "x[,y[,z]]" into a work size. Missing dimensions are 1;
// the returned count is the number of dimensions given.
func parseDims(s string) ([hal.MaxDims]uint64, uint32, error) {
	dims := [hal.MaxDims]uint64{1, 1, 1}
	parts := strings.Split(s, ",")
	if s == "" || len(parts) > hal.MaxDims {
		return dims, 0, fmt.Errorf("invalid work size %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil || v == 0 {
			return dims, 0, fmt.Errorf("invalid work size %q", s)
		}
		dims[i] = v
	}
	return dims, uint32(len(parts)), nil
}

// parseUints parses a comma separated list. An empty string is an empty list.
func parseUints(s string, bits int) ([]uint64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []uint64
	for p := range strings.SplitSeq(s, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 0, bits)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

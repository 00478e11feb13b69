package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/muxhal/pkg/hal"
)

type roundtripReport struct {
	Size      uint64        `json:"size"`
	Human     string        `json:"human"`
	OK        bool          `json:"ok"`
	Write     time.Duration `json:"write_ns"`
	Copy      time.Duration `json:"copy_ns"`
	Read      time.Duration `json:"read_ns"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Bandwidth string        `json:"bandwidth"`
}

func roundtripCmd() *cli.Command {
	return &cli.Command{
		Name:  "roundtrip",
		Usage: "Write a pattern to remote memory, copy it, read it back and compare",
		Flags: append(connFlags(),
			&cli.Int64Flag{Name: "size", Usage: "buffer size in bytes", Value: 1 << 20},
			&cli.Int64Flag{Name: "alignment", Usage: "allocation alignment", Value: 64},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			size, align := cmd.Int64("size"), cmd.Int64("alignment")
			if size <= 0 || align <= 0 {
				return errors.New("--size and --alignment must be positive")
			}
			s, err := openSession()
			if err != nil {
				return err
			}
			r, runErr := roundtrip(s.device, uint64(size), uint64(align))
			if err := s.Close(); runErr == nil {
				runErr = err
			}
			if runErr != nil {
				return runErr
			}
			if err := printJSON(os.Stdout, r); err != nil {
				return err
			}
			if !r.OK {
				return cli.Exit("error: read back data does not match", 1)
			}
			return nil
		},
	}
}

// roundtrip writes size bytes to one buffer, copies them device side to a
// second buffer, and reads the copy back.
func roundtrip(dev hal.Device, size, align uint64) (roundtripReport, error) {
	r := roundtripReport{Size: size, Human: humanize.IBytes(size)}
	src := dev.MemAlloc(size, align)
	if src == hal.NullPtr {
		return r, fmt.Errorf("mem alloc %s failed", r.Human)
	}
	defer dev.MemFree(src)
	dst := dev.MemAlloc(size, align)
	if dst == hal.NullPtr {
		return r, fmt.Errorf("mem alloc %s failed", r.Human)
	}
	defer dev.MemFree(dst)

	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = byte(i*31 + i>>8)
	}
	start := time.Now()
	if !dev.MemWrite(src, pattern) {
		return r, errors.New("mem write failed")
	}
	r.Write = time.Since(start)

	t := time.Now()
	if !dev.MemCopy(dst, src, size) {
		return r, errors.New("mem copy failed")
	}
	r.Copy = time.Since(t)

	got := make([]byte, size)
	t = time.Now()
	if !dev.MemRead(got, dst) {
		return r, errors.New("mem read failed")
	}
	r.Read = time.Since(t)
	r.Elapsed = time.Since(start)

	r.OK = bytes.Equal(got, pattern)
	if secs := (r.Write + r.Read).Seconds(); secs > 0 {
		r.Bandwidth = humanize.IBytes(uint64(float64(2*size)/secs)) + "/s"
	}
	return r, nil
}

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/muxhal/pkg/hal"
)

// execPlan is a parsed exec invocation. Buffers are passed first as global
// address arguments, then values as 32-bit value arguments.
type execPlan struct {
	Image   []byte
	Kernel  string
	NDRange hal.NDRange
	WorkDim uint32
	Buffers []uint64
	Values  []uint32
}

type execReport struct {
	Kernel  string     `json:"kernel"`
	Global  []uint64   `json:"global"`
	Local   []uint64   `json:"local"`
	Buffers [][]uint32 `json:"buffers"`
}

func execCmd() *cli.Command {
	return &cli.Command{
		Name:  "exec",
		Usage: "Load a kernel image remotely, run one kernel and dump its buffers",
		Flags: append(connFlags(),
			&cli.StringFlag{Name: "image", Usage: "kernel image path (see pack)", Required: true},
			&cli.StringFlag{Name: "kernel", Aliases: []string{"k"}, Usage: "kernel name", Required: true},
			&cli.StringFlag{Name: "global", Usage: "global work size x[,y[,z]]", Value: "1"},
			&cli.StringFlag{Name: "local", Usage: "local work size x[,y[,z]]", Value: "1"},
			&cli.StringFlag{Name: "buffers", Usage: "comma separated buffer sizes in bytes, passed as global pointers"},
			&cli.StringFlag{Name: "values", Usage: "comma separated uint32 values passed after the buffers"},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			plan, err := parsePlan(cmd)
			if err != nil {
				return err
			}
			s, err := openSession()
			if err != nil {
				return err
			}
			r, runErr := runPlan(s.device, plan)
			if err := s.Close(); runErr == nil {
				runErr = err
			}
			if runErr != nil {
				return runErr
			}
			return printJSON(os.Stdout, r)
		},
	}
}

func parsePlan(cmd *cli.Command) (execPlan, error) {
	var p execPlan
	var err error
	if p.Image, err = os.ReadFile(cmd.String("image")); err != nil {
		return p, fmt.Errorf("read image: %w", err)
	}
	p.Kernel = cmd.String("kernel")
	if p.NDRange.Global, p.WorkDim, err = parseDims(cmd.String("global")); err != nil {
		return p, err
	}
	var localDim uint32
	if p.NDRange.Local, localDim, err = parseDims(cmd.String("local")); err != nil {
		return p, err
	}
	p.WorkDim = max(p.WorkDim, localDim)
	if p.Buffers, err = parseUints(cmd.String("buffers"), 64); err != nil {
		return p, err
	}
	values, err := parseUints(cmd.String("values"), 32)
	if err != nil {
		return p, err
	}
	for _, v := range values {
		p.Values = append(p.Values, uint32(v))
	}
	return p, nil
}

func runPlan(dev hal.Device, p execPlan) (execReport, error) {
	r := execReport{
		Kernel: p.Kernel,
		Global: p.NDRange.Global[:p.WorkDim],
		Local:  p.NDRange.Local[:p.WorkDim],
	}
	prog := dev.ProgramLoad(p.Image)
	if prog == hal.InvalidProgram {
		return r, errors.New("program load failed")
	}
	defer dev.ProgramFree(prog)
	k := dev.ProgramFindKernel(prog, p.Kernel)
	if k == hal.InvalidKernel {
		return r, fmt.Errorf("kernel %q not found", p.Kernel)
	}

	args := make([]hal.Arg, 0, len(p.Buffers)+len(p.Values))
	addrs := make([]hal.Addr, len(p.Buffers))
	for i, size := range p.Buffers {
		addrs[i] = dev.MemAlloc(size, 16)
		if addrs[i] == hal.NullPtr {
			return r, fmt.Errorf("mem alloc for buffer %d failed", i)
		}
		defer dev.MemFree(addrs[i])
		if !dev.MemFill(addrs[i], []byte{0}, size) {
			return r, fmt.Errorf("mem fill for buffer %d failed", i)
		}
		args = append(args, hal.Arg{Kind: hal.ArgAddress, Space: hal.SpaceGlobal, Size: 8, Address: addrs[i]})
	}
	for _, v := range p.Values {
		b := binary.LittleEndian.AppendUint32(nil, v)
		args = append(args, hal.Arg{Kind: hal.ArgValue, Size: 4, Value: b})
	}

	nd := p.NDRange
	if !dev.KernelExec(prog, k, &nd, args, p.WorkDim) {
		return r, fmt.Errorf("kernel %s failed", p.Kernel)
	}

	for i, size := range p.Buffers {
		data := make([]byte, size)
		if !dev.MemRead(data, addrs[i]) {
			return r, fmt.Errorf("mem read for buffer %d failed", i)
		}
		words := make([]uint32, size/4)
		for j := range words {
			words[j] = binary.LittleEndian.Uint32(data[4*j:])
		}
		r.Buffers = append(r.Buffers, words)
	}
	return r, nil
}

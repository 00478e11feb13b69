package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/muxhal/internal/cpu"
	"github.com/samcharles93/muxhal/pkg/elfimage"
)

func packCmd() *cli.Command {
	return &cli.Command{
		Name:      "pack",
		Usage:     "Build a kernel image exporting the named kernels (default: every built-in kernel)",
		ArgsUsage: "[kernel...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "output",
				Aliases:  []string{"out", "o"},
				Usage:    "output image path",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			names := cmd.Args().Slice()
			if len(names) == 0 {
				names = cpu.Kernels()
			}
			funcs := make([]elfimage.Function, len(names))
			for i, name := range names {
				funcs[i] = elfimage.Function{Name: name}
			}
			image, err := elfimage.Build(funcs, elfimage.Options{})
			if err != nil {
				return err
			}
			out := cmd.String("output")
			if err := os.WriteFile(out, image, 0o644); err != nil {
				return fmt.Errorf("write image: %w", err)
			}
			fmt.Fprintf(os.Stderr, "wrote %s (%d kernels, %d bytes)\n", out, len(funcs), len(image))
			return nil
		},
	}
}

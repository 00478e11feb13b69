package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:      "hal_cpu_remote_server",
		Usage:     "Serve the host CPU HAL to one remote client",
		ArgsUsage: "<port>",
		Flags:     append(serverFlags(), loggingFlags()...),
		Action:    serve,
		Commands: []*cli.Command{
			versionCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := app.Run(ctx, os.Args)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
